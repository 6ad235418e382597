package dist

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileDigest(t *testing.T) {
	t.Parallel()

	content := []byte("rust-std tarball")
	p := filepath.Join(t.TempDir(), "artifact.tar.gz")
	if err := os.WriteFile(p, content, 0644); err != nil {
		t.Fatal(err)
	}

	got, ok := FileDigest(p)
	if !ok {
		t.Fatal("FileDigest returned ok=false for an existing file")
	}
	sum := sha256.Sum256(content)
	if want := hex.EncodeToString(sum[:]); got != want {
		t.Errorf("FileDigest = %s, want %s", got, want)
	}
}

func TestFileDigestMissing(t *testing.T) {
	t.Parallel()

	_, ok := FileDigest(filepath.Join(t.TempDir(), "missing"))
	if ok {
		t.Error("FileDigest should report ok=false for a missing file")
	}
}

func TestCopyWithDigest(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("0123456789", 10000)
	var buf bytes.Buffer
	digest, n, err := CopyWithDigest(&buf, strings.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(content)) {
		t.Errorf("copied %d bytes, want %d", n, len(content))
	}
	if buf.String() != content {
		t.Error("copied content differs")
	}
	sum := sha256.Sum256([]byte(content))
	if digest != hex.EncodeToString(sum[:]) {
		t.Errorf("digest = %s", digest)
	}
	if !IsDigest(digest) {
		t.Error("IsDigest rejected a real digest")
	}
	if IsDigest("xyz") || IsDigest(strings.Repeat("g", DigestLen)) {
		t.Error("IsDigest accepted garbage")
	}
}

func TestHashRecord(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "rustc.tar.xz")

	if _, ok := ReadHashRecord(p); ok {
		t.Fatal("ReadHashRecord found a record that was never written")
	}

	digest := strings.Repeat("ab", 32)
	if err := WriteHashRecord(p, digest); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(p + ".sha256")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != digest {
		t.Errorf("record content = %q, want digest only", data)
	}

	got, ok := ReadHashRecord(p)
	if !ok || got != digest {
		t.Errorf("ReadHashRecord = %q, %v", got, ok)
	}
}

func TestReadHashRecordTwoFields(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "channel-rust-stable.toml")
	digest := strings.Repeat("CD", 32)
	line := ManifestHashLine(digest, "channel-rust-stable.toml") + "\n"
	if err := os.WriteFile(p+".sha256", []byte(line), 0644); err != nil {
		t.Fatal(err)
	}

	got, ok := ReadHashRecord(p)
	if !ok {
		t.Fatal("record not found")
	}
	if got != strings.ToLower(digest) {
		t.Errorf("ReadHashRecord = %q", got)
	}
}
