package mirror

import (
	"bufio"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sync/errgroup"

	"github.com/mirrorctl/rustup-mirror/internal/dist"
)

// VerifyReport is the result of Verify.
type VerifyReport struct {
	Checked int
	// Mismatches are files whose content differs from their record.
	Mismatches []*IntegrityError
	// Orphans are records whose file is gone.
	Orphans []string
	// Corrupt are compressed artifacts that do not start with a valid
	// header for their extension.
	Corrupt []string
}

// OK returns true if nothing was found wrong.
func (r *VerifyReport) OK() bool {
	return len(r.Mismatches) == 0 && len(r.Orphans) == 0 && len(r.Corrupt) == 0
}

// Verify re-hashes every file below root/dist that has a hash record
// and compares it with the record.  Nothing is modified.
func Verify(ctx context.Context, root string, maxConns int) (*VerifyReport, error) {
	if maxConns < 1 {
		maxConns = defaultMaxConns
	}

	distDir := filepath.Join(root, "dist")
	var records []string
	err := filepath.WalkDir(distDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == distDir {
				return filepath.SkipDir
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(p, dist.HashRecordExt) {
			records = append(records, p)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "Verify")
	}

	var (
		mu     sync.Mutex
		report = &VerifyReport{}
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConns)
	for _, record := range records {
		record := record
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p := strings.TrimSuffix(record, dist.HashRecordExt)
			rel := relToRoot(root, p)

			expected, ok := dist.ReadHashRecord(p)
			if !ok {
				return nil
			}
			actual, ok := dist.FileDigest(p)
			if !ok {
				mu.Lock()
				report.Orphans = append(report.Orphans, rel)
				mu.Unlock()
				return nil
			}
			corrupt := sniffCompressed(p) != nil

			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			if actual != expected {
				report.Mismatches = append(report.Mismatches, &IntegrityError{Path: rel, Expected: expected, Actual: actual})
			}
			if corrupt {
				report.Corrupt = append(report.Corrupt, rel)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "Verify")
	}

	sort.Strings(report.Orphans)
	sort.Strings(report.Corrupt)
	sort.Slice(report.Mismatches, func(i, j int) bool {
		return report.Mismatches[i].Path < report.Mismatches[j].Path
	})
	return report, nil
}

func relToRoot(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(rel)
}

// sniffCompressed checks the stream header of .xz and .gz artifacts.
// Other files pass.
func sniffCompressed(p string) error {
	switch filepath.Ext(p) {
	case ".xz", ".gz":
	default:
		return nil
	}

	f, err := os.Open(p) // #nosec G304 - p is a path inside the mirror root
	if err != nil {
		return err
	}
	defer f.Close()

	if filepath.Ext(p) == ".gz" {
		zr, err := gzip.NewReader(bufio.NewReader(f))
		if err != nil {
			return err
		}
		return zr.Close()
	}

	header := make([]byte, xz.HeaderLen)
	if _, err := io.ReadFull(f, header); err != nil {
		return err
	}
	if !xz.ValidHeader(header) {
		return errors.Newf("%s: invalid xz header", p)
	}
	return nil
}
