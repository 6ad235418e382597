package dist

import (
	"path"
	"regexp"
	"sort"
	"time"

	"github.com/blang/semver/v4"
	"github.com/cockroachdb/errors"
)

// WildcardTarget is the target key used by target-independent packages
// such as rust-src.
const WildcardTarget = "*"

// ReleaseChannels are the named release lines.
var ReleaseChannels = []string{"stable", "beta", "nightly"}

var (
	numberedChannel = regexp.MustCompile(`^[0-9]+\.[0-9]+(\.[0-9]+)?$`)
	datedChannel    = regexp.MustCompile(`^(stable|beta|nightly)-([0-9]{4}-[0-9]{2}-[0-9]{2})$`)
)

// Channel is a validated channel identifier.
type Channel struct {
	// ID is the identifier as requested, e.g. "stable", "1.75.0" or
	// "nightly-2024-01-01".
	ID string

	// Name is used in the manifest file name, channel-rust-<Name>.toml.
	Name string

	// Date is set for dated channels whose manifest lives below
	// dist/<Date>/.
	Date string
}

// ParseChannel validates id against the closed channel vocabulary.
func ParseChannel(id string) (Channel, error) {
	for _, name := range ReleaseChannels {
		if id == name {
			return Channel{ID: id, Name: id}, nil
		}
	}

	if numberedChannel.MatchString(id) {
		if _, err := semver.ParseTolerant(id); err != nil {
			return Channel{}, errors.Wrapf(err, "invalid release number %q", id)
		}
		return Channel{ID: id, Name: id}, nil
	}

	if m := datedChannel.FindStringSubmatch(id); m != nil {
		if _, err := time.Parse("2006-01-02", m[2]); err != nil {
			return Channel{}, errors.Wrapf(err, "invalid channel date in %q", id)
		}
		return Channel{ID: id, Name: m[1], Date: m[2]}, nil
	}

	return Channel{}, errors.Newf("unknown channel %q", id)
}

func (c Channel) String() string {
	return c.ID
}

// ManifestName returns the file name of the channel manifest.
func (c Channel) ManifestName() string {
	return "channel-rust-" + c.Name + ".toml"
}

// ManifestPath returns the path of the channel manifest relative to
// the distribution root.
func (c Channel) ManifestPath() string {
	if c.Date != "" {
		return path.Join("dist", c.Date, c.ManifestName())
	}
	return path.Join("dist", c.ManifestName())
}

// Targets is the closed vocabulary of target triples distributed
// through channel manifests.
var Targets = []string{
	"aarch64-apple-darwin",
	"aarch64-apple-ios",
	"aarch64-apple-ios-sim",
	"aarch64-linux-android",
	"aarch64-pc-windows-gnullvm",
	"aarch64-pc-windows-msvc",
	"aarch64-unknown-fuchsia",
	"aarch64-unknown-linux-gnu",
	"aarch64-unknown-linux-musl",
	"aarch64-unknown-linux-ohos",
	"aarch64-unknown-none",
	"aarch64-unknown-none-softfloat",
	"aarch64-unknown-uefi",
	"arm-linux-androideabi",
	"arm-unknown-linux-gnueabi",
	"arm-unknown-linux-gnueabihf",
	"arm-unknown-linux-musleabi",
	"arm-unknown-linux-musleabihf",
	"armv5te-unknown-linux-gnueabi",
	"armv5te-unknown-linux-musleabi",
	"armv7-linux-androideabi",
	"armv7-unknown-linux-gnueabi",
	"armv7-unknown-linux-gnueabihf",
	"armv7-unknown-linux-musleabi",
	"armv7-unknown-linux-musleabihf",
	"armv7-unknown-linux-ohos",
	"armv7a-none-eabi",
	"armv7r-none-eabi",
	"armv7r-none-eabihf",
	"i586-pc-windows-msvc",
	"i586-unknown-linux-gnu",
	"i586-unknown-linux-musl",
	"i686-linux-android",
	"i686-pc-windows-gnu",
	"i686-pc-windows-gnullvm",
	"i686-pc-windows-msvc",
	"i686-unknown-freebsd",
	"i686-unknown-linux-gnu",
	"i686-unknown-linux-musl",
	"i686-unknown-uefi",
	"loongarch64-unknown-linux-gnu",
	"loongarch64-unknown-linux-musl",
	"loongarch64-unknown-none",
	"nvptx64-nvidia-cuda",
	"powerpc-unknown-linux-gnu",
	"powerpc64-unknown-linux-gnu",
	"powerpc64le-unknown-linux-gnu",
	"powerpc64le-unknown-linux-musl",
	"riscv32i-unknown-none-elf",
	"riscv32imac-unknown-none-elf",
	"riscv32imc-unknown-none-elf",
	"riscv64gc-unknown-linux-gnu",
	"riscv64gc-unknown-linux-musl",
	"riscv64gc-unknown-none-elf",
	"s390x-unknown-linux-gnu",
	"sparc64-unknown-linux-gnu",
	"sparcv9-sun-solaris",
	"thumbv6m-none-eabi",
	"thumbv7em-none-eabi",
	"thumbv7em-none-eabihf",
	"thumbv7m-none-eabi",
	"thumbv7neon-linux-androideabi",
	"thumbv7neon-unknown-linux-gnueabihf",
	"thumbv8m.base-none-eabi",
	"thumbv8m.main-none-eabi",
	"thumbv8m.main-none-eabihf",
	"wasm32-unknown-emscripten",
	"wasm32-unknown-unknown",
	"wasm32-wasip1",
	"wasm32-wasip1-threads",
	"wasm32-wasip2",
	"wasm32v1-none",
	"x86_64-apple-darwin",
	"x86_64-apple-ios",
	"x86_64-fortanix-unknown-sgx",
	"x86_64-linux-android",
	"x86_64-pc-solaris",
	"x86_64-pc-windows-gnu",
	"x86_64-pc-windows-gnullvm",
	"x86_64-pc-windows-msvc",
	"x86_64-unknown-freebsd",
	"x86_64-unknown-fuchsia",
	"x86_64-unknown-illumos",
	"x86_64-unknown-linux-gnu",
	"x86_64-unknown-linux-gnux32",
	"x86_64-unknown-linux-musl",
	"x86_64-unknown-linux-ohos",
	"x86_64-unknown-netbsd",
	"x86_64-unknown-none",
	"x86_64-unknown-redox",
	"x86_64-unknown-uefi",
}

func init() {
	sort.Strings(Targets)
}

// IsKnownTarget returns true if target is in the target vocabulary.
func IsKnownTarget(target string) bool {
	i := sort.SearchStrings(Targets, target)
	return i < len(Targets) && Targets[i] == target
}
