package mirror

import (
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/rustup-mirror/internal/dist"
)

// Publisher writes filtered channel manifests into a mirror root.
type Publisher struct {
	root     string
	mirrorID string
	quiet    bool
}

// NewPublisher creates a Publisher for the mirror rooted at root.
func NewPublisher(root, mirrorID string, quiet bool) *Publisher {
	return &Publisher{root: root, mirrorID: mirrorID, quiet: quiet}
}

// Publish writes m as the manifest of channel together with its
// companion hash file, then copies both files unchanged into
// dist/<date>/ where date is the release date of m.
//
// A manifest without a date is rejected before anything is written.
// Failures are reported as *PublishError.
func (p *Publisher) Publish(m *dist.Manifest, channel dist.Channel) error {
	date, ok := m.Date()
	if !ok {
		return &PublishError{Op: "date", Err: ErrMissingDate}
	}
	if !validReleaseDate(date) {
		return &PublishError{Op: "date", Err: errors.Newf("unusable release date %q", date)}
	}

	data, err := m.Encode()
	if err != nil {
		return &PublishError{Op: "encode", Err: err}
	}

	rel := channel.ManifestPath()
	manifestPath := filepath.Join(p.root, filepath.FromSlash(rel))
	if err := writeFileAtomic(manifestPath, data); err != nil {
		return &PublishError{Op: "write", Path: rel, Err: err}
	}
	p.produced(rel)

	digest, ok := dist.FileDigest(manifestPath)
	if !ok {
		return &PublishError{Op: "hash", Path: rel, Err: errors.New("cannot read written manifest")}
	}
	hashLine := []byte(dist.ManifestHashLine(digest, channel.ManifestName()))
	if err := writeFileAtomic(dist.HashRecordPath(manifestPath), hashLine); err != nil {
		return &PublishError{Op: "write", Path: dist.HashRecordPath(rel), Err: err}
	}
	p.produced(dist.HashRecordPath(rel))

	datedRel := path.Join("dist", date, channel.ManifestName())
	if datedRel == rel {
		return nil
	}
	for _, pair := range [][2]string{
		{rel, datedRel},
		{dist.HashRecordPath(rel), dist.HashRecordPath(datedRel)},
	} {
		if err := p.copyFile(pair[0], pair[1]); err != nil {
			return &PublishError{Op: "copy", Path: pair[1], Err: err}
		}
		p.produced(pair[1])
	}
	return nil
}

func (p *Publisher) copyFile(srcRel, dstRel string) error {
	data, err := os.ReadFile(filepath.Join(p.root, filepath.FromSlash(srcRel)))
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(p.root, filepath.FromSlash(dstRel)), data)
}

func (p *Publisher) produced(rel string) {
	if !p.quiet {
		slog.Info("producing", "repo", p.mirrorID, "path", "/"+rel)
	}
}

// validReleaseDate accepts any date string that is a single path
// component.
func validReleaseDate(date string) bool {
	if date == "." || date == ".." {
		return false
	}
	return !strings.ContainsAny(date, `/\`)
}
