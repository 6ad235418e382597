package mirror

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/rustup-mirror/internal/dist"
)

const releaseDateLayout = "2006-01-02"

var (
	releaseDirPattern      = regexp.MustCompile(`^[0-9]{4}-[0-9]{2}-[0-9]{2}$`)
	channelManifestPattern = regexp.MustCompile(`^channel-rust-(.+)\.toml$`)
)

// ReleaseInfo describes one dated release directory, dist/<date>.
type ReleaseInfo struct {
	Date string
	Path string
	// Channels whose manifest has a dated copy in the directory.
	Channels []string
	// IsCurrent is set when a published channel manifest carries Date.
	IsCurrent bool
	Size      int64
	FileCount int
}

// Status returns a human-readable status string for the release.
func (r *ReleaseInfo) Status() string {
	if r.IsCurrent {
		return "(current)"
	}
	return ""
}

// ListReleases lists the dated release directories of the mirror
// rooted at root, newest first.
func ListReleases(root string) ([]*ReleaseInfo, error) {
	distDir := filepath.Join(root, "dist")
	entries, err := os.ReadDir(distDir)
	switch {
	case os.IsNotExist(err):
		return []*ReleaseInfo{}, nil
	case err != nil:
		return nil, errors.Wrap(err, "ListReleases")
	}

	current, err := currentReleaseDates(distDir, entries)
	if err != nil {
		return nil, err
	}

	var releases []*ReleaseInfo
	for _, entry := range entries {
		if !entry.IsDir() || !releaseDirPattern.MatchString(entry.Name()) {
			continue
		}

		p := filepath.Join(distDir, entry.Name())
		channels, err := datedChannels(p)
		if err != nil {
			return nil, err
		}
		size, fileCount := directorySize(p)

		releases = append(releases, &ReleaseInfo{
			Date:      entry.Name(),
			Path:      p,
			Channels:  channels,
			IsCurrent: current[entry.Name()],
			Size:      size,
			FileCount: fileCount,
		})
	}

	sort.Slice(releases, func(i, j int) bool {
		return releases[i].Date > releases[j].Date
	})
	return releases, nil
}

// currentReleaseDates returns the release dates of the published
// canonical manifests found among entries.
func currentReleaseDates(distDir string, entries []os.DirEntry) (map[string]bool, error) {
	current := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() || !channelManifestPattern.MatchString(entry.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(distDir, entry.Name())) // #nosec G304 - path below the mirror root
		if err != nil {
			return nil, errors.Wrap(err, "currentReleaseDates")
		}
		m, err := dist.ParseManifest(data)
		if err != nil {
			return nil, errors.Wrap(err, entry.Name())
		}
		if date, ok := m.Date(); ok {
			current[date] = true
		}
	}
	return current, nil
}

func datedChannels(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "datedChannels")
	}
	var channels []string
	for _, entry := range entries {
		if m := channelManifestPattern.FindStringSubmatch(entry.Name()); m != nil && !entry.IsDir() {
			channels = append(channels, m[1])
		}
	}
	sort.Strings(channels)
	return channels, nil
}

func directorySize(path string) (int64, int) {
	var totalSize int64
	var fileCount int

	_ = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			totalSize += info.Size()
			fileCount++
		}
		return nil
	})

	return totalSize, fileCount
}

// ParseRetention parses durations such as "36h", "30d" or "2w".
func ParseRetention(duration string) (time.Duration, error) {
	if duration == "" {
		return 0, nil
	}

	if parsed, err := time.ParseDuration(duration); err == nil {
		return parsed, nil
	}

	if len(duration) < 2 {
		return 0, errors.Newf("invalid duration format: %s", duration)
	}

	unit := duration[len(duration)-1:]
	valueStr := duration[:len(duration)-1]

	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return 0, errors.Newf("invalid duration value: %s", duration)
	}

	switch strings.ToLower(unit) {
	case "d":
		return time.Duration(value) * 24 * time.Hour, nil
	case "w":
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	default:
		return 0, errors.Newf("invalid duration format: %s", duration)
	}
}

// PruneReleases removes dated manifest copies of old releases and
// returns the dates it pruned.
//
// Releases still carried by a published manifest are never pruned.
// Of the others, the keepLast newest are kept, and with keepWithin set
// only releases older than that are pruned.  Artifacts below a pruned
// date are left for gc.
func PruneReleases(root string, keepLast int, keepWithin string, dryRun bool) ([]string, error) {
	within, err := ParseRetention(keepWithin)
	if err != nil {
		return nil, errors.Wrap(err, "invalid keep_within duration")
	}

	releases, err := ListReleases(root)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list releases")
	}

	// oldest first
	var candidates []*ReleaseInfo
	for i := len(releases) - 1; i >= 0; i-- {
		if !releases[i].IsCurrent && len(releases[i].Channels) > 0 {
			candidates = append(candidates, releases[i])
		}
	}

	if keepLast > 0 {
		if len(candidates) <= keepLast {
			candidates = nil
		} else {
			candidates = candidates[:len(candidates)-keepLast]
		}
	}

	if within > 0 {
		cutoff := time.Now().Add(-within)
		var filtered []*ReleaseInfo
		for _, c := range candidates {
			date, err := time.Parse(releaseDateLayout, c.Date)
			if err == nil && date.Before(cutoff) {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	var pruned []string
	for _, c := range candidates {
		pruned = append(pruned, c.Date)
	}
	if dryRun {
		return pruned, nil
	}

	for _, c := range candidates {
		if err := removeDatedManifests(c); err != nil {
			return pruned, errors.Wrapf(err, "failed to prune release %s", c.Date)
		}
	}
	return pruned, nil
}

func removeDatedManifests(r *ReleaseInfo) error {
	entries, err := os.ReadDir(r.Path)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !isChannelFile(entry.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(r.Path, entry.Name())); err != nil {
			return err
		}
	}

	entries, err = os.ReadDir(r.Path)
	if err == nil && len(entries) == 0 {
		return os.Remove(r.Path)
	}
	return DirSync(r.Path)
}
