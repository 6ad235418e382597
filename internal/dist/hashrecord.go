package dist

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
)

// HashRecordExt is appended to a file path to get its companion hash record.
const HashRecordExt = ".sha256"

// HashRecordPath returns the path of the hash record that belongs to p.
func HashRecordPath(p string) string {
	return p + HashRecordExt
}

// ReadHashRecord reads the companion hash record of p.
//
// Artifact records hold just the digest; manifest records hold
// "<digest>  <name>".  Both forms are accepted and only the digest
// is returned.  ok is false if the record is absent or empty.
func ReadHashRecord(p string) (digest string, ok bool) {
	data, err := os.ReadFile(HashRecordPath(p)) // #nosec G304 - p is a path inside the mirror root
	if err != nil {
		return "", false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", false
	}
	return NormalizeDigest(fields[0]), true
}

// WriteHashRecord writes digest as the companion hash record of p.
// The record holds the digest only, without a trailing newline.
//
// Concurrent writers to the same record are not coordinated; the last
// writer wins.  Records are advisory, every fetch re-hashes the bytes.
func WriteHashRecord(p, digest string) error {
	err := os.WriteFile(HashRecordPath(p), []byte(digest), 0644) // #nosec G306 - records are served publicly
	if err != nil {
		return errors.Wrap(err, "WriteHashRecord")
	}
	return nil
}

// ManifestHashLine formats the two-field record written next to a
// published channel manifest.
func ManifestHashLine(digest, name string) string {
	return digest + "  " + name
}
