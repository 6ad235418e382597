package mirror

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// validateDirectoryPath rejects relative paths that climb with "..".
func validateDirectoryPath(path string) error {
	cleanPath := filepath.Clean(path)

	if !filepath.IsAbs(cleanPath) && strings.Contains(cleanPath, "..") {
		return errors.New("unsafe directory path (contains directory traversal): " + path)
	}

	return nil
}

// DirSync calls fsync(2) on the directory to save changes in the directory.
//
// This should be called after os.Create, os.Rename and so on.
func DirSync(d string) error {
	if err := validateDirectoryPath(d); err != nil {
		return errors.Wrap(err, "DirSync")
	}

	f, err := os.Open(d) // #nosec G304 - path validated
	if err != nil {
		return err
	}
	err = f.Sync()
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeFileAtomic replaces p with data.  Readers see either the old
// or the new content, never a mix.
func writeFileAtomic(p string, data []byte) error {
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0755); err != nil { // #nosec G301 - mirror trees are served publicly
		return err
	}

	f, err := os.CreateTemp(dir, ".publish-*")
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		closeAndRemoveFile(f)
		return err
	}
	if err := f.Sync(); err != nil {
		closeAndRemoveFile(f)
		return err
	}
	if err := f.Close(); err != nil {
		removeFile(f.Name())
		return err
	}
	if err := os.Chmod(f.Name(), 0644); err != nil { // #nosec G302 - mirror trees are served publicly
		removeFile(f.Name())
		return err
	}
	if err := os.Rename(f.Name(), p); err != nil {
		removeFile(f.Name())
		return err
	}
	return DirSync(dir)
}
