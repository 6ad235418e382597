package dist

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// NormalizePath lexically resolves "." and ".." components of p
// without touching the file system.
//
// Unlike filepath.Clean, a ".." never climbs above the start of p:
// "a/../../b" becomes "b", and "/.." becomes "/".
func NormalizePath(p string) string {
	vol := filepath.VolumeName(p)
	rest := p[len(vol):]
	rooted := strings.HasPrefix(rest, "/") || strings.HasPrefix(rest, string(filepath.Separator))

	isSep := func(r rune) bool {
		return r == '/' || r == filepath.Separator
	}

	var out []string
	for _, c := range strings.FieldsFunc(rest, isSep) {
		switch c {
		case ".":
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, c)
		}
	}

	s := strings.Join(out, string(filepath.Separator))
	if rooted {
		s = string(filepath.Separator) + s
	}
	return vol + s
}

// RelativePath extracts the upstream-relative path of an artifact URL
// embedded in a manifest.
//
// The path is taken in its escaped form with only "%20" decoded to a
// space, and the leading slash is removed.
func RelativePath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrap(err, "RelativePath")
	}
	p := strings.ReplaceAll(u.EscapedPath(), "%20", " ")
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return "", errors.New("RelativePath: empty path in " + rawURL)
	}
	return p, nil
}

// UpstreamURL joins an upstream base URL and a relative artifact path
// into the absolute form written back into published manifests.
// Spaces are re-encoded so the result remains a valid URL.
func UpstreamURL(base, rel string) string {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + strings.ReplaceAll(strings.TrimLeft(rel, "/"), " ", "%20")
}
