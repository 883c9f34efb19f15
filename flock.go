package hoard

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrOpenedElsewhere is returned when a ball's directory is already locked
// by another process, via an flock guard on the directory a Ball owns.
var ErrOpenedElsewhere = errors.New("hoard: ball directory already open by another process")

type dirLock struct {
	f *os.File
}

// acquireDirLock takes an advisory exclusive lock on a sentinel file inside
// dir, so two balls never open the same on-disk store concurrently.
func acquireDirLock(dir string) (*dirLock, error) {
	f, err := os.OpenFile(filepath.Join(dir, ".hoard.lock"), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open lock file")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return nil, ErrOpenedElsewhere
		}
		return nil, errors.Wrap(err, "flock")
	}
	return &dirLock{f: f}, nil
}

func (l *dirLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
