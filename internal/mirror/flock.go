package mirror

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Flock is an advisory, non-blocking exclusive lock on an open file.
type Flock struct {
	f *os.File
}

// Lock acquires the lock.  It fails at once if another open file
// description holds it.
func (fl Flock) Lock() error {
	err := unix.Flock(int(fl.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		return errors.Wrapf(err, "flock %s", fl.f.Name())
	}
	return nil
}

// Unlock releases the lock.
func (fl Flock) Unlock() error {
	err := unix.Flock(int(fl.f.Fd()), unix.LOCK_UN)
	if err != nil {
		return errors.Wrapf(err, "funlock %s", fl.f.Name())
	}
	return nil
}
