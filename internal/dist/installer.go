package dist

import "strings"

// InstallerKind identifies a single-file installer family.
type InstallerKind int

// Installer kinds published in channel manifests.
const (
	WindowsMSI InstallerKind = iota
	ApplePkg
)

func (k InstallerKind) String() string {
	switch k {
	case WindowsMSI:
		return "windows-msi"
	case ApplePkg:
		return "apple-pkg"
	}
	return "unknown"
}

// InstallerFamily describes where a manifest keeps the single-file
// installers of one platform family and which targets it covers.
type InstallerFamily struct {
	Kind InstallerKind

	// TargetFragment is the substring that marks a target triple as
	// belonging to this family.
	TargetFragment string

	// Subtree is the key under the manifest's "artifacts" table.
	Subtree string

	// Format is the packaging format that requests this installer.
	Format FormatKind
}

// InstallerFamilies lists every installer family, in processing order.
var InstallerFamilies = []InstallerFamily{
	{Kind: WindowsMSI, TargetFragment: "windows", Subtree: "installer-msi", Format: FormatMSI},
	{Kind: ApplePkg, TargetFragment: "darwin", Subtree: "installer-pkg", Format: FormatPkg},
}

// Matches returns true if target belongs to the family.
func (f InstallerFamily) Matches(target string) bool {
	return strings.Contains(target, f.TargetFragment)
}

// InstallerFamilyForFormat returns the family requested by format k.
// ok is false for formats that are not installers.
func InstallerFamilyForFormat(k FormatKind) (InstallerFamily, bool) {
	for _, f := range InstallerFamilies {
		if f.Format == k {
			return f, true
		}
	}
	return InstallerFamily{}, false
}
