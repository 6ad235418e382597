package mirror

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/rustup-mirror/internal/dist"
)

// hostToolchain lists the components a platform installer already
// contains.
var hostToolchain = map[string]bool{
	"rust":      true,
	"rustc":     true,
	"cargo":     true,
	"rust-std":  true,
	"rust-docs": true,
}

// ArtifactRef is one file that must be present in the mirror.
type ArtifactRef struct {
	// Path is the normalized, slash-separated path below the mirror root.
	Path string
	// Rel is the path relative to the upstream base URL.
	Rel string
	// Hash is the digest declared by the manifest.
	Hash string
}

// Plan is the result of FilterManifest.
type Plan struct {
	// Refs are unique by Path and sorted by it.
	Refs     []ArtifactRef
	Warnings []string
}

// Paths returns the set of local paths referenced by the plan.
func (p *Plan) Paths() map[string]bool {
	paths := make(map[string]bool, len(p.Refs))
	for _, r := range p.Refs {
		paths[r.Path] = true
	}
	return paths
}

type planBuilder struct {
	refs     map[string]ArtifactRef
	warnings []string
}

func (b *planBuilder) warnf(format string, args ...interface{}) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

// add registers the artifact at rawURL and returns its upstream path.
func (b *planBuilder) add(rawURL, hash string) (string, error) {
	rel, err := dist.RelativePath(rawURL)
	if err != nil {
		return "", err
	}
	if !dist.IsDigest(hash) {
		return "", errors.Newf("invalid digest %q for %s", hash, rawURL)
	}
	local := filepath.ToSlash(dist.NormalizePath(rel))
	if prev, ok := b.refs[local]; ok && prev.Hash != hash {
		return "", errors.Newf("conflicting digests for %s: %s and %s", local, prev.Hash, hash)
	}
	b.refs[local] = ArtifactRef{Path: local, Rel: rel, Hash: hash}
	return rel, nil
}

func (b *planBuilder) plan() *Plan {
	p := &Plan{Warnings: b.warnings}
	for _, r := range b.refs {
		p.Refs = append(p.Refs, r)
	}
	sort.Slice(p.Refs, func(i, j int) bool {
		return p.Refs[i].Path < p.Refs[j].Path
	})
	return p
}

// FilterManifest restricts m to scope in place and returns the
// artifacts the restricted manifest depends on.
//
// No component or target key is removed.  Targets outside the scope
// are marked unavailable and their URLs are left alone; targets inside
// it get their URLs rewritten against upstream.
func FilterManifest(m *dist.Manifest, scope *Scope, upstream string) (*Plan, error) {
	b := &planBuilder{refs: make(map[string]ArtifactRef)}

	// Platforms whose host toolchain ships in a resolved installer.
	coveredByInstaller := make(map[string]bool)

	for _, family := range dist.InstallerFamilies {
		for _, platform := range scope.SortedPlatforms() {
			if !family.Matches(platform) {
				continue
			}
			url, hash, ok := m.InstallerArtifact(family, platform)
			if !ok {
				if requiresFormat(scope.Formats[platform], family.Format) {
					return nil, errors.Newf("manifest has no %s installer for %s", family.Format, platform)
				}
				b.warnf("manifest has no %s installer for %s", family.Format, platform)
				continue
			}
			if _, err := b.add(url, hash); err != nil {
				return nil, errors.Wrapf(err, "%s installer for %s", family.Format, platform)
			}
			coveredByInstaller[platform] = true
		}
	}

	for _, component := range m.Components() {
		requested := scope.Components[component]
		for _, target := range m.Targets(component) {
			pt, ok := m.Target(component, target)
			if !ok {
				return nil, errors.Mark(errors.Newf("pkg.%s.target.%s is not a table", component, target), dist.ErrMalformedManifest)
			}

			if !scope.InScope(target) {
				pt.SetAvailable(false)
				continue
			}
			if !requested || !pt.Available() {
				continue
			}
			if !scope.InTargets(target) && coveredByInstaller[target] && hostToolchain[component] {
				continue
			}

			for _, v := range dist.Variants {
				url, hash, ok := pt.Variant(v)
				if !ok {
					continue
				}
				if !scope.InTargets(target) && !dist.HasFormat(scope.Formats[target], v.Format) {
					continue
				}
				rel, err := b.add(url, hash)
				if err != nil {
					return nil, errors.Wrapf(err, "%s for %s", component, target)
				}
				pt.SetURL(v, dist.UpstreamURL(upstream, rel))
			}
		}
	}

	if !m.HasComponent(BaselineComponent) {
		b.warnf("manifest has no %s package", BaselineComponent)
	}

	return b.plan(), nil
}

func requiresFormat(fl []dist.Format, k dist.FormatKind) bool {
	for _, f := range fl {
		if f.Kind == k && f.Policy == dist.Only {
			return true
		}
	}
	return false
}
