package mirror

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/mirrorctl/rustup-mirror/internal/dist"
)

func TestVerify(t *testing.T) {
	t.Parallel()

	f := newDistFixture(t)
	c := f.config(t, linuxMirrorConfig())
	root := filepath.Join(c.Dir, "rust")
	if _, err := Run(context.Background(), c, nil, false, true, false); err != nil {
		t.Fatal(err)
	}

	report, err := Verify(context.Background(), root, 2)
	if err != nil {
		t.Fatal(err)
	}
	// two artifacts plus the manifest and its dated copy
	if !report.OK() || report.Checked != 4 {
		t.Errorf("report = %+v", report)
	}

	writeTestFile(t, filepath.Join(root, filepath.FromSlash(linuxGz)), []byte("bit rot"))
	if err := os.Remove(filepath.Join(root, filepath.FromSlash(linuxXz))); err != nil {
		t.Fatal(err)
	}

	report, err = Verify(context.Background(), root, 2)
	if err != nil {
		t.Fatal(err)
	}
	if report.OK() {
		t.Fatal("damage not detected")
	}
	if len(report.Mismatches) != 1 || report.Mismatches[0].Path != linuxGz {
		t.Errorf("Mismatches = %v", report.Mismatches)
	}
	if len(report.Orphans) != 1 || report.Orphans[0] != linuxXz {
		t.Errorf("Orphans = %v", report.Orphans)
	}
	if len(report.Corrupt) != 1 || report.Corrupt[0] != linuxGz {
		t.Errorf("Corrupt = %v", report.Corrupt)
	}
}

func TestVerifyCorruptHeader(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := filepath.Join(root, "dist", "2024-01-01", "cargo.tar.xz")
	data := []byte("not xz at all")
	writeTestFile(t, p, data)
	if err := dist.WriteHashRecord(p, sha256Hex(data)); err != nil {
		t.Fatal(err)
	}

	report, err := Verify(context.Background(), root, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Mismatches) != 0 || len(report.Corrupt) != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestVerifyEmptyRoot(t *testing.T) {
	t.Parallel()

	report, err := Verify(context.Background(), t.TempDir(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK() || report.Checked != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestVerifyConcurrent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	for i := 0; i < 20; i++ {
		p := filepath.Join(root, "dist", "2024-01-01", fmt.Sprintf("pkg-%02d.tar.gz", i))
		data := []byte(fmt.Sprintf("pkg %d", i))
		if i%3 != 0 {
			data = gzipBytes(t, data)
		}
		writeTestFile(t, p, data)

		record := sha256Hex(data)
		if i%5 == 0 {
			record = digestN(i)
		}
		if err := dist.WriteHashRecord(p, record); err != nil {
			t.Fatal(err)
		}
	}

	report, err := Verify(context.Background(), root, 8)
	if err != nil {
		t.Fatal(err)
	}
	if report.Checked != 20 || len(report.Orphans) != 0 {
		t.Errorf("Checked = %d, Orphans = %v", report.Checked, report.Orphans)
	}
	// i%5 == 0
	if len(report.Mismatches) != 4 || report.Mismatches[0].Path != "dist/2024-01-01/pkg-00.tar.gz" {
		t.Errorf("Mismatches = %v", report.Mismatches)
	}
	// i%3 == 0
	if len(report.Corrupt) != 7 || report.Corrupt[6] != "dist/2024-01-01/pkg-18.tar.gz" {
		t.Errorf("Corrupt = %v", report.Corrupt)
	}
}
