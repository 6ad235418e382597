package dist

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// FormatKind is a packaging format that can be requested for a target.
type FormatKind string

// Known packaging formats.
const (
	FormatMSI FormatKind = "msi"
	FormatPkg FormatKind = "pkg"
	FormatGz  FormatKind = "gz"
	FormatXz  FormatKind = "xz"
)

// Formats lists every format accepted in a format assignment.
var Formats = []FormatKind{FormatMSI, FormatPkg, FormatGz, FormatXz}

// Policy tells what to do when a requested format is not supported
// on its target.
type Policy int

// Availability policies.
const (
	// IfAvailable uses the format when possible and warns otherwise.
	IfAvailable Policy = iota
	// Only makes an unsupported format a configuration error.
	Only
)

func (p Policy) String() string {
	if p == Only {
		return "only"
	}
	return "if-available"
}

// Format is a packaging format together with its availability policy.
type Format struct {
	Kind   FormatKind
	Policy Policy
}

func (f Format) String() string {
	return string(f.Kind) + "-" + f.Policy.String()
}

// ParseFormat parses strings such as "msi", "xz-only" or "gz-if-available".
//
// The string is split at the first "-".  A missing suffix means
// IfAvailable.
func ParseFormat(s string) (Format, error) {
	kind, suffix, _ := strings.Cut(s, "-")

	var f Format
	switch suffix {
	case "only":
		f.Policy = Only
	case "", "if-available":
		f.Policy = IfAvailable
	default:
		return f, errors.Newf("invalid format suffix %q in %q", suffix, s)
	}

	for _, k := range Formats {
		if string(k) == kind {
			f.Kind = k
			return f, nil
		}
	}
	return f, errors.Newf("invalid format %q in %q", kind, s)
}

// HasFormat returns true if fl contains a format of kind k.
func HasFormat(fl []Format, k FormatKind) bool {
	for _, f := range fl {
		if f.Kind == k {
			return true
		}
	}
	return false
}
