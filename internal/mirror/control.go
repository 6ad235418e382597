package mirror

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mirrorctl/rustup-mirror/internal/dist"
)

const (
	lockFilename = ".lock"
)

// validateLockFilePath validates that a lock file path is safe for use.
// It prevents directory traversal attacks by ensuring the path is within the config directory.
func validateLockFilePath(lockFile, baseDir string) error {
	cleanLock := filepath.Clean(lockFile)
	cleanBase := filepath.Clean(baseDir)

	if strings.Contains(lockFile, "..") {
		return errors.New("unsafe lock file path (contains directory traversal): " + lockFile)
	}
	if !strings.HasPrefix(cleanLock, cleanBase) {
		return errors.New("lock file path outside of base directory: " + lockFile)
	}
	return nil
}

// newMirrors validates and constructs every mirror before any I/O.
func newMirrors(config *Config, mirrors []string, noPGPCheck, quiet, dryRun bool) ([]*Mirror, error) {
	var mirrorList []*Mirror
	for _, mirrorID := range mirrors {
		mirror, err := NewMirror(mirrorID, config, noPGPCheck, quiet, dryRun)
		if err != nil {
			return nil, err
		}
		mirrorList = append(mirrorList, mirror)
	}
	return mirrorList, nil
}

func updateMirrors(ctx context.Context, config *Config, mirrorList []*Mirror, dryRun bool) ([]*Report, error) {
	if dryRun {
		slog.Info("dry-run mode: checking manifests without downloading artifacts")
	} else {
		slog.Info("update starts")
	}

	reports := make([]*Report, len(mirrorList))
	errs := make([]error, len(mirrorList))

	// Mirrors are independent; one failing does not cancel the others.
	var group errgroup.Group
	for i, mirror := range mirrorList {
		i, mirror := i, mirror
		group.Go(func() error {
			report, err := mirror.Sync(ctx)
			reports[i] = report
			if err != nil {
				errs[i] = err
				return nil
			}
			if config.GC && !dryRun {
				errs[i] = gc(ctx, mirror.Dir(), report)
			}
			return nil
		})
	}
	_ = group.Wait()

	if dryRun {
		printDryRunSummary(reports)
	} else {
		slog.Info("update ends")
	}
	return reports, errors.Join(errs...)
}

// printDryRunSummary prints what a real sync would fetch.
func printDryRunSummary(reports []*Report) {
	fmt.Println()
	fmt.Println("=== Dry Run Summary ===")
	fmt.Println()

	var planned, missing int
	for _, r := range reports {
		if r == nil {
			continue
		}
		fmt.Printf("Repository: %s\n", r.Mirror)
		for _, c := range r.Channels {
			if c.Err != nil {
				fmt.Printf("  %-24s failed: %v\n", c.Channel, c.Err)
				continue
			}
			fmt.Printf("  %-24s date %s, %d artifacts, %d to download\n", c.Channel, c.Date, c.Planned, c.Missing)
			planned += c.Planned
			missing += c.Missing
		}
		fmt.Println()
	}
	fmt.Printf("Total: %d artifacts, %d to download\n", planned, missing)
	fmt.Println()
}

// gc removes files under dist/ of a mirror root that no channel of
// report references.  Channel manifests and their companion files are
// always kept.  Directories left empty are removed.
func gc(ctx context.Context, root string, report *Report) error {
	keep := make(map[string]bool)
	for _, c := range report.Channels {
		for p := range c.Referenced {
			keep[p] = true
			keep[dist.HashRecordPath(p)] = true
		}
	}

	distDir := filepath.Join(root, "dist")
	var dirs []string
	err := filepath.WalkDir(distDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == distDir {
				return filepath.SkipDir
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != distDir {
				dirs = append(dirs, p)
			}
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if keep[rel] || isChannelFile(d.Name()) {
			return nil
		}

		slog.Info("removing unreferenced file", "repo", report.Mirror, "path", rel)
		return os.Remove(p)
	})
	if err != nil {
		return errors.Wrap(err, "gc")
	}

	// deepest first
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err == nil && len(entries) == 0 {
			if err := os.Remove(dirs[i]); err != nil {
				return errors.Wrap(err, "gc")
			}
		}
	}
	return nil
}

// isChannelFile returns true for channel manifests and their companion
// hash and signature files.
func isChannelFile(name string) bool {
	return strings.HasPrefix(name, "channel-rust-")
}

// Run starts mirroring.
//
// Every requested mirror is validated first; an invalid request fails
// before anything is written.  Then flock is acquired on the lock file
// and the mirrors are synced concurrently.
//
// mirrors is a list of mirror IDs defined in the configuration file
// (or keys in c.Mirrors).  If mirrors is an empty list, all mirrors
// will be updated.
func Run(ctx context.Context, config *Config, mirrors []string, noPGPCheck, quiet, dryRun bool) ([]*Report, error) {
	if err := config.Check(); err != nil {
		return nil, err
	}
	if len(mirrors) == 0 {
		mirrors = config.MirrorIDs()
	}

	mirrorList, err := newMirrors(config, mirrors, noPGPCheck, quiet, dryRun)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil { // #nosec G301 - mirror trees are served publicly
		return nil, errors.Wrap(err, "Run")
	}

	lockFile := filepath.Join(config.Dir, lockFilename)
	if err := validateLockFilePath(lockFile, config.Dir); err != nil {
		return nil, errors.Wrap(err, "Run")
	}

	file, err := os.OpenFile(lockFile, os.O_RDONLY|os.O_CREATE, 0644) // #nosec G304,G302 - lockFile path validated, 0644 standard for lock files
	if err != nil {
		return nil, errors.Wrap(err, "Run")
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close lock file", "error", err)
		}
	}()

	fileLock := Flock{file}
	if err := fileLock.Lock(); err != nil {
		return nil, errors.Wrap(err, "another sync is running on "+config.Dir)
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock file", "error", err)
		}
	}()

	return updateMirrors(ctx, config, mirrorList, dryRun)
}
