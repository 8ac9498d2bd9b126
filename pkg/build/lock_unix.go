//go:build unix

package build

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const lockFile = ".lock"

// fileLock holds an exclusive flock on the scratch directory so separate
// processes sharing it do not interleave builds.
type fileLock struct {
	f *os.File
}

func lockDir(dir string) (*fileLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, ioFailure("mkdir", dir, err)
	}
	path := filepath.Join(dir, lockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, ioFailure("open", path, err)
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, ioFailure("flock", path, err)
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) unlock() {
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
}
