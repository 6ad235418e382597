package dist

import (
	"bytes"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

// SupportedManifestVersion is the only manifest-version understood.
const SupportedManifestVersion = "2"

// Variant is one downloadable form of a package target.  Its keys in
// the manifest are <Prefix>url and <Prefix>hash.
type Variant struct {
	Prefix string
	Format FormatKind
}

// Variants lists the plain and the compressed variant.
var Variants = []Variant{
	{Prefix: "", Format: FormatGz},
	{Prefix: "xz_", Format: FormatXz},
}

// URLKey returns the manifest key that holds the variant URL.
func (v Variant) URLKey() string { return v.Prefix + "url" }

// HashKey returns the manifest key that holds the variant digest.
func (v Variant) HashKey() string { return v.Prefix + "hash" }

// ErrUnsupportedVersion is returned by ParseManifest for manifests
// with a manifest-version other than SupportedManifestVersion.
var ErrUnsupportedVersion = errors.New("unsupported manifest version")

// ErrMalformedManifest marks errors about manifest entries that do not
// have the expected shape.
var ErrMalformedManifest = errors.New("malformed manifest")

// Manifest is a parsed channel manifest.
//
// The manifest is held as a generic TOML tree so that keys this
// package does not know about (renames, profiles, ...) survive a
// parse/encode round trip.
type Manifest struct {
	tree map[string]interface{}
}

// ParseManifest parses a channel manifest and checks its version.
func ParseManifest(data []byte) (*Manifest, error) {
	tree := make(map[string]interface{})
	if _, err := toml.Decode(string(data), &tree); err != nil {
		return nil, errors.Wrap(err, "ParseManifest")
	}

	v, _ := tree["manifest-version"].(string)
	if v != SupportedManifestVersion {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "manifest-version %q", v)
	}
	return &Manifest{tree: tree}, nil
}

// Encode serializes the manifest to TOML.
func (m *Manifest) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m.tree); err != nil {
		return nil, errors.Wrap(err, "Manifest.Encode")
	}
	return buf.Bytes(), nil
}

// Date returns the release date of the manifest.
func (m *Manifest) Date() (string, bool) {
	d, ok := m.tree["date"].(string)
	if !ok || d == "" {
		return "", false
	}
	return d, true
}

func (m *Manifest) packages() map[string]interface{} {
	pkgs, _ := m.tree["pkg"].(map[string]interface{})
	return pkgs
}

func (m *Manifest) targetTable(component string) map[string]interface{} {
	pkg, _ := m.packages()[component].(map[string]interface{})
	targets, _ := pkg["target"].(map[string]interface{})
	return targets
}

// Components returns the sorted component names of the manifest.
func (m *Manifest) Components() []string {
	return sortedKeys(m.packages())
}

// HasComponent returns true if the manifest lists component.
func (m *Manifest) HasComponent(component string) bool {
	_, ok := m.packages()[component]
	return ok
}

// Targets returns the sorted target keys of component.
func (m *Manifest) Targets(component string) []string {
	return sortedKeys(m.targetTable(component))
}

// Target returns the package target of component for target.  ok is
// false when the entry is missing or is not a table.
func (m *Manifest) Target(component, target string) (*PackageTarget, bool) {
	t, ok := m.targetTable(component)[target].(map[string]interface{})
	if !ok {
		return nil, false
	}
	return &PackageTarget{table: t}, true
}

// InstallerArtifact looks up the single-file installer that family
// publishes for target and returns its URL and digest.
//
// Manifests store the entry as an array of tables; a plain table is
// accepted too.  The first entry is used.
func (m *Manifest) InstallerArtifact(family InstallerFamily, target string) (url, hash string, ok bool) {
	artifacts, _ := m.tree["artifacts"].(map[string]interface{})
	subtree, _ := artifacts[family.Subtree].(map[string]interface{})
	targets, _ := subtree["target"].(map[string]interface{})

	var entry map[string]interface{}
	switch v := targets[target].(type) {
	case []map[string]interface{}:
		if len(v) > 0 {
			entry = v[0]
		}
	case []interface{}:
		if len(v) > 0 {
			entry, _ = v[0].(map[string]interface{})
		}
	case map[string]interface{}:
		entry = v
	}
	if entry == nil {
		return "", "", false
	}

	url, _ = entry["url"].(string)
	hash, _ = entry["hash-sha256"].(string)
	if url == "" || hash == "" {
		return "", "", false
	}
	return url, NormalizeDigest(hash), true
}

// PackageTarget is the entry of one component for one target triple.
type PackageTarget struct {
	table map[string]interface{}
}

// Available returns the "available" flag.
func (t *PackageTarget) Available() bool {
	b, _ := t.table["available"].(bool)
	return b
}

// SetAvailable sets the "available" flag, leaving every other key
// untouched.
func (t *PackageTarget) SetAvailable(b bool) {
	t.table["available"] = b
}

// Variant returns the URL and digest of variant v.
func (t *PackageTarget) Variant(v Variant) (url, hash string, ok bool) {
	url, _ = t.table[v.URLKey()].(string)
	hash, _ = t.table[v.HashKey()].(string)
	if url == "" || hash == "" {
		return "", "", false
	}
	return url, NormalizeDigest(hash), true
}

// SetURL rewrites the URL of variant v.
func (t *PackageTarget) SetURL(v Variant, url string) {
	t.table[v.URLKey()] = url
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
