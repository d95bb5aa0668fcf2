// Package secret holds decrypted credentials in memory that is locked against
// swap and excluded from core dumps, and zeroes it on Close.
package secret

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned when reading a buffer after Close.
var ErrClosed = errors.New("secret: buffer closed")

// Buffer is a fixed-size secret. Reads go through Use so the plaintext
// never escapes as a long-lived slice.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	mapped bool
	closed bool
}

// NewFromBytes copies source into protected memory and zeroes source.
// When the kernel refuses mmap or mlock (RLIMIT_MEMLOCK, sandboxes) the
// secret is kept on the heap; it is still zeroed on Close.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: cannot create buffer from empty source")
	}

	b := &Buffer{}
	if data, err := lockedAlloc(len(source)); err == nil {
		b.data = data
		b.mapped = true
	} else {
		b.data = make([]byte, len(source))
	}

	copy(b.data, source)
	for i := range source {
		source[i] = 0
	}
	return b, nil
}

func lockedAlloc(size int) ([]byte, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}
	if err := unix.Mlock(data); err != nil {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("secret: mlock: %w", err)
	}
	if err := unix.Madvise(data, unix.MADV_DONTDUMP); err != nil {
		_ = unix.Munlock(data)
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("secret: madvise: %w", err)
	}
	return data, nil
}

// Use lends the secret to fn. The slice must not be retained after fn returns.
func (b *Buffer) Use(fn func(secret []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return fn(b.data)
}

// Len returns the secret length, or 0 after Close.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Locked reports whether the secret lives in mlock'd memory.
func (b *Buffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapped && !b.closed
}

// Close zeroes and releases the memory. Safe to call more than once.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for i := range b.data {
		b.data[i] = 0
	}

	var firstErr error
	if b.mapped {
		if err := unix.Munlock(b.data); err != nil {
			firstErr = fmt.Errorf("secret: munlock: %w", err)
		}
		if err := unix.Munmap(b.data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("secret: munmap: %w", err)
		}
	}
	b.data = nil
	return firstErr
}
