package dist

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
)

// DigestLen is the length of a hex-encoded SHA-256 digest.
const DigestLen = sha256.Size * 2

// ChunkSize is the buffer size used when streaming content.
const ChunkSize = 4 << 10

// FileDigest returns the lowercase hex SHA-256 digest of the file at p.
//
// The whole file is streamed through the hash.  A missing or unreadable
// file is not an error; ok is false in that case.
func FileDigest(p string) (digest string, ok bool) {
	f, err := os.Open(p) // #nosec G304 - p is a path inside the mirror root
	if err != nil {
		return "", false
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", false
	}
	return hex.EncodeToString(h.Sum(nil)), true
}

// CopyWithDigest copies from src to dst in ChunkSize pieces until
// either EOF is reached on src or an error occurs, and returns the
// SHA-256 digest of the copied bytes together with their count.
func CopyWithDigest(dst io.Writer, src io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.CopyBuffer(io.MultiWriter(h, dst), onlyReader{src}, make([]byte, ChunkSize))
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// NormalizeDigest lowercases d and strips surrounding whitespace.
func NormalizeDigest(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}

// IsDigest returns true if d looks like a hex-encoded SHA-256 digest.
func IsDigest(d string) bool {
	if len(d) != DigestLen {
		return false
	}
	_, err := hex.DecodeString(d)
	return err == nil
}

// onlyReader hides any WriterTo implementation of the wrapped reader
// so that io.CopyBuffer really uses the supplied buffer.
type onlyReader struct {
	r io.Reader
}

func (o onlyReader) Read(p []byte) (int, error) {
	return o.r.Read(p)
}
