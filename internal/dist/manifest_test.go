package dist

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
)

var (
	linuxHash = strings.Repeat("1", 64)
	linuxXz   = strings.Repeat("2", 64)
	msiHash   = strings.Repeat("3", 64)
)

const sampleManifest = `manifest-version = "2"
date = "2024-01-01"

[pkg.rust-std]
version = "1.75.0 (82e1608df 2023-12-21)"

[pkg.rust-std.target.x86_64-unknown-linux-gnu]
available = true
url = "https://static.rust-lang.org/dist/2024-01-01/rust-std-1.75.0-x86_64-unknown-linux-gnu.tar.gz"
hash = "1111111111111111111111111111111111111111111111111111111111111111"
xz_url = "https://static.rust-lang.org/dist/2024-01-01/rust-std-1.75.0-x86_64-unknown-linux-gnu.tar.xz"
xz_hash = "2222222222222222222222222222222222222222222222222222222222222222"

[pkg.rust-std.target.aarch64-apple-darwin]
available = false

[[artifacts.installer-msi.target.x86_64-pc-windows-msvc]]
url = "https://static.rust-lang.org/dist/2024-01-01/rust-1.75.0-x86_64-pc-windows-msvc.msi"
hash-sha256 = "3333333333333333333333333333333333333333333333333333333333333333"

[renames.rls]
to = "rls-preview"
`

func TestParseManifest(t *testing.T) {
	t.Parallel()

	m, err := ParseManifest([]byte(sampleManifest))
	if err != nil {
		t.Fatal(err)
	}

	if d, ok := m.Date(); !ok || d != "2024-01-01" {
		t.Errorf("Date = %q, %v", d, ok)
	}
	if comps := m.Components(); len(comps) != 1 || comps[0] != "rust-std" {
		t.Errorf("Components = %v", comps)
	}
	targets := m.Targets("rust-std")
	if len(targets) != 2 || targets[0] != "aarch64-apple-darwin" {
		t.Errorf("Targets = %v", targets)
	}

	pt, ok := m.Target("rust-std", "x86_64-unknown-linux-gnu")
	if !ok {
		t.Fatal("linux target not found")
	}
	if !pt.Available() {
		t.Error("linux target should be available")
	}
	url, hash, ok := pt.Variant(Variants[1])
	if !ok || hash != linuxXz || !strings.HasSuffix(url, ".tar.xz") {
		t.Errorf("xz variant = %q %q %v", url, hash, ok)
	}

	msi := InstallerFamilies[0]
	url, hash, ok = m.InstallerArtifact(msi, "x86_64-pc-windows-msvc")
	if !ok || hash != msiHash || !strings.HasSuffix(url, ".msi") {
		t.Errorf("msi artifact = %q %q %v", url, hash, ok)
	}
	if _, _, ok := m.InstallerArtifact(msi, "i686-pc-windows-msvc"); ok {
		t.Error("InstallerArtifact found an entry that does not exist")
	}
}

func TestParseManifestVersion(t *testing.T) {
	t.Parallel()

	_, err := ParseManifest([]byte(`manifest-version = "1"`))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}

	_, err = ParseManifest([]byte(`date = "2024-01-01"`))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion for a missing version, got %v", err)
	}
}

func TestManifestEncodeKeepsUnknownKeys(t *testing.T) {
	t.Parallel()

	m, err := ParseManifest([]byte(sampleManifest))
	if err != nil {
		t.Fatal(err)
	}
	pt, _ := m.Target("rust-std", "x86_64-unknown-linux-gnu")
	pt.SetAvailable(false)
	pt.SetURL(Variants[0], "https://mirror.example/dist/x.tar.gz")

	data, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}

	m2, err := ParseManifest(data)
	if err != nil {
		t.Fatalf("re-parse: %v\n%s", err, data)
	}
	pt2, ok := m2.Target("rust-std", "x86_64-unknown-linux-gnu")
	if !ok {
		t.Fatal("target lost in round trip")
	}
	if pt2.Available() {
		t.Error("available flag not persisted")
	}
	url, hash, _ := pt2.Variant(Variants[0])
	if url != "https://mirror.example/dist/x.tar.gz" || hash != linuxHash {
		t.Errorf("variant after round trip = %q %q", url, hash)
	}
	if !strings.Contains(string(data), "rls-preview") {
		t.Error("renames table lost in round trip")
	}
	if _, _, ok := m2.InstallerArtifact(InstallerFamilies[0], "x86_64-pc-windows-msvc"); !ok {
		t.Error("installer artifacts lost in round trip")
	}
}

func TestManifestScalarEntries(t *testing.T) {
	t.Parallel()

	m, err := ParseManifest([]byte(`manifest-version = "2"
artifacts = "none"

[pkg]
cargo = "oops"

[pkg.rust-std]
target = 1

[pkg.rustc.target]
x86_64-unknown-linux-gnu = "oops"
`))
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Targets("cargo"); len(got) != 0 {
		t.Errorf("Targets(cargo) = %v", got)
	}
	if got := m.Targets("rust-std"); len(got) != 0 {
		t.Errorf("Targets(rust-std) = %v", got)
	}
	if got := m.Targets("rustc"); len(got) != 1 {
		t.Errorf("Targets(rustc) = %v", got)
	}
	if pt, ok := m.Target("rustc", "x86_64-unknown-linux-gnu"); ok || pt != nil {
		t.Errorf("Target of a string entry = %v, %v", pt, ok)
	}
	if _, _, ok := m.InstallerArtifact(InstallerFamilies[0], "x86_64-pc-windows-msvc"); ok {
		t.Error("installer found under a scalar artifacts key")
	}
}
