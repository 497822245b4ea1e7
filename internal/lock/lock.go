// Package lock provides per-machine mutual exclusion inside the process and
// the single-instance lock of the daemon.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// ErrLocked is returned by FileLock.TryLock when another process holds the
// lock.
var ErrLocked = errors.New("lock is held by another process")

type refMutex struct {
	mu   sync.Mutex
	refs int
}

// MutexMap hands out one mutex per key (machine id). Entries are dropped once
// no goroutine holds or waits for them, so the map does not grow with the
// fleet's history.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*refMutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{mutexes: make(map[string]*refMutex)}
}

func (m *MutexMap) Lock(key string) {
	m.mu.Lock()
	rm, ok := m.mutexes[key]
	if !ok {
		rm = &refMutex{}
		m.mutexes[key] = rm
	}
	rm.refs++
	m.mu.Unlock()

	rm.mu.Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm, ok := m.mutexes[key]
	if !ok {
		panic("lock: unlock of unlocked key " + key)
	}
	rm.mu.Unlock()
	rm.refs--
	if rm.refs == 0 {
		delete(m.mutexes, key)
	}
}

// Len reports the number of keys currently held or awaited.
func (m *MutexMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mutexes)
}

// FileLock is an exclusive flock(2) on a file holding the owner's PID.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock acquires the lock without blocking. It fails with ErrLocked when
// another process holds it.
func (fl *FileLock) TryLock() error {
	if err := os.MkdirAll(filepath.Dir(fl.path), 0755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if pid, perr := ReadPID(fl.path); perr == nil {
				return fmt.Errorf("%w (pid %d)", ErrLocked, pid)
			}
			return ErrLocked
		}
		return fmt.Errorf("acquire lock: %w", err)
	}

	fail := func(step string, err error) error {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("%s lock file: %w", step, err)
	}
	if err := f.Truncate(0); err != nil {
		return fail("truncate", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fail("seek", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fail("write PID to", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}

	fl.file = f
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	defer func() { fl.file = nil }()

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	os.Remove(fl.path)
	return nil
}

// ReadPID returns the PID recorded in the lock file at path.
func ReadPID(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(raw)))
}
