package mirror

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/rustup-mirror/internal/dist"
)

// Fetcher retrieves base+rel into destDir/rel.
type Fetcher interface {
	Fetch(ctx context.Context, base, rel, destDir string) (string, error)
}

// Outcome tells what EnsureCurrent had to do.
type Outcome int

// EnsureCurrent outcomes.
const (
	// OutcomeCurrent means the local copy already matched.
	OutcomeCurrent Outcome = iota
	// OutcomeFetched means the artifact was downloaded and verified.
	OutcomeFetched
)

func (o Outcome) String() string {
	if o == OutcomeFetched {
		return "fetched"
	}
	return "current"
}

// HashCache keeps mirrored artifacts in line with the digests declared
// by upstream manifests.  The companion .sha256 record of an artifact
// is the cache entry; there is no other state.
type HashCache struct {
	root     string
	base     string
	fetcher  Fetcher
	mirrorID string
}

// NewHashCache creates a HashCache for the mirror rooted at root that
// fetches missing artifacts from the upstream base URL.
func NewHashCache(root, base string, fetcher Fetcher, mirrorID string) *HashCache {
	return &HashCache{
		root:     root,
		base:     base,
		fetcher:  fetcher,
		mirrorID: mirrorID,
	}
}

// localDigest returns the digest of the file at local, taken from its
// hash record when there is one.  digest is empty when the file is
// absent too.
func localDigest(local string) (digest string, recorded bool) {
	if digest, ok := dist.ReadHashRecord(local); ok {
		return digest, true
	}
	digest, _ = dist.FileDigest(local)
	return digest, false
}

// IsCurrent returns true if EnsureCurrent would not fetch ref.
func (c *HashCache) IsCurrent(ref ArtifactRef) bool {
	digest, _ := localDigest(filepath.Join(c.root, filepath.FromSlash(ref.Path)))
	return digest != "" && digest == ref.Hash
}

// EnsureCurrent makes sure the artifact of ref is present with the
// expected digest and returns that digest.
//
// The recorded digest is trusted when present; otherwise the file is
// hashed.  A match issues no request, and a missing record is written
// back.  Anything else fetches the artifact, hashes the new bytes and
// fails with *IntegrityError when they do not match.
func (c *HashCache) EnsureCurrent(ctx context.Context, ref ArtifactRef, quiet bool) (string, Outcome, error) {
	local := filepath.Join(c.root, filepath.FromSlash(ref.Path))

	digest, recorded := localDigest(local)

	if digest != "" && digest == ref.Hash {
		if !quiet {
			slog.Debug("already downloaded, skipping", "repo", c.mirrorID, "path", ref.Path)
		}
		if !recorded {
			if err := dist.WriteHashRecord(local, digest); err != nil {
				return "", OutcomeCurrent, errors.Wrap(err, ref.Path)
			}
			slog.Debug("restored hash record", "repo", c.mirrorID, "path", ref.Path)
		}
		return digest, OutcomeCurrent, nil
	}

	p, err := c.fetcher.Fetch(ctx, c.base, ref.Rel, c.root)
	if err != nil {
		return "", OutcomeFetched, err
	}

	actual, ok := dist.FileDigest(p)
	if !ok {
		return "", OutcomeFetched, errors.Newf("cannot read fetched file %s", p)
	}
	if actual != ref.Hash {
		return "", OutcomeFetched, &IntegrityError{Path: p, Expected: ref.Hash, Actual: actual}
	}

	if err := dist.WriteHashRecord(p, actual); err != nil {
		return "", OutcomeFetched, errors.Wrap(err, ref.Path)
	}
	if !quiet {
		slog.Debug("fetched", "repo", c.mirrorID, "path", ref.Path)
	}
	return actual, OutcomeFetched, nil
}
