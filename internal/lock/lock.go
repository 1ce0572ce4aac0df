// Package lock keeps a data directory to a single process.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// FileName is the lock file created inside the guarded directory.
const FileName = "chatcache.lock"

// Owner describes the process holding a lock, as recorded in the lock file.
type Owner struct {
	PID     int
	Started time.Time
}

// HeldError is returned when another process holds the directory.
type HeldError struct {
	Owner Owner
	Path  string
}

func (e *HeldError) Error() string {
	if e.Owner.Started.IsZero() {
		return fmt.Sprintf("%s held by PID %d", e.Path, e.Owner.PID)
	}
	return fmt.Sprintf("%s held by PID %d since %s", e.Path, e.Owner.PID, e.Owner.Started.Format(time.RFC3339))
}

// Lock is an acquired directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the lock on dir, creating dir if needed. It fails with a
// *HeldError instead of waiting when another process has it.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(path)
		_ = f.Close()
		return nil, &HeldError{Owner: parseOwner(string(data)), Path: path}
	}

	record := fmt.Sprintf("pid=%d\nstarted=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := rewrite(f, record); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lock{file: f, path: path}, nil
}

func rewrite(f *os.File, content string) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := f.WriteString(content)
	return err
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release drops the lock. It is safe on a nil or released lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func parseOwner(content string) Owner {
	var o Owner
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(value)
		case "started":
			o.Started, _ = time.Parse(time.RFC3339, value)
		}
	}
	return o
}
