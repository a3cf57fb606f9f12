package file

import (
	"fmt"
	"os"
	"syscall"

	"github.com/masclabs/masc/internal/storage"
)

// flockHandle holds an OS-level advisory write lock on a companion .flock
// file. The store's process-local mutex is always taken first so threads in
// one binary never contend on the OS lock.
type flockHandle struct {
	f *os.File
}

// tryFlock acquires the advisory lock non-blockingly. Returns (nil, nil) when
// another process holds the lock.
func tryFlock(path string) (*flockHandle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open flock %s: %v", storage.ErrOperationFailed, path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK || err == syscall.EAGAIN {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: flock %s: %v", storage.ErrOperationFailed, path, err)
	}
	return &flockHandle{f: f}, nil
}

// release drops the advisory lock. Failures are swallowed; the lock dies with
// the descriptor anyway.
func (h *flockHandle) release() {
	if h == nil || h.f == nil {
		return
	}
	syscall.Flock(int(h.f.Fd()), syscall.LOCK_UN)
	h.f.Close()
	h.f = nil
}
