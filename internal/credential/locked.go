package credential

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// pageMemory allocates and releases the backing store of a LockedPassword.
// The platform implementation lives in locked_linux.go / locked_other.go.
type pageMemory interface {
	alloc(size int) ([]byte, error)
	seal(b []byte) error
	unseal(b []byte) error
	release(b []byte) error
}

// LockedPassword holds a secret in memory allocated outside the Go heap.
// On Linux the region is mlocked (never swapped) and excluded from core
// dumps; the garbage collector never sees or copies it. Seal makes the
// region read-only until Clear.
//
// Clearing un-seals, zeroes, unlocks and unmaps the region. If the region
// cannot be made writable again the wipe fails and the credential stays
// ACTIVE. Unlock/unmap failures happen after the secret has been zeroed;
// they are reported by ReleaseErr and do not block the transition.
type LockedPassword struct {
	lc  Lifecycle
	mem pageMemory

	mu         sync.Mutex
	data       []byte
	length     int
	sealed     bool
	releaseErr error
}

// NewLockedPassword copies source into locked memory and zeroes source.
func NewLockedPassword(source []byte) (*LockedPassword, error) {
	return newLockedPassword(source, systemMemory)
}

func newLockedPassword(source []byte, mem pageMemory) (*LockedPassword, error) {
	if len(source) == 0 {
		return nil, errors.New("credential: cannot lock an empty secret")
	}
	data, err := mem.alloc(len(source))
	if err != nil {
		return nil, fmt.Errorf("credential: allocating locked memory: %w", err)
	}
	copy(data, source)
	Zero(source)
	return &LockedPassword{mem: mem, data: data, length: len(source)}, nil
}

func (p *LockedPassword) Kind() Kind { return KindLockedPassword }

// Seal makes the backing memory read-only. Writes through Bytes will fault
// until the credential is cleared.
func (p *LockedPassword) Seal() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.data == nil {
		return ErrCleared
	}
	if p.sealed {
		return nil
	}
	if err := p.mem.seal(p.data); err != nil {
		return fmt.Errorf("credential: sealing locked memory: %w", err)
	}
	p.sealed = true
	return nil
}

// Bytes returns a slice into the locked region. It must not be retained
// past Clear. Returns ErrCleared once the region has been released.
func (p *LockedPassword) Bytes() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.data == nil {
		return nil, ErrCleared
	}
	return p.data[:p.length], nil
}

// Len returns the secret length, zero after Clear.
func (p *LockedPassword) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.data == nil {
		return 0
	}
	return p.length
}

// Equal reports, in constant time, whether the secret equals other.
func (p *LockedPassword) Equal(other []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.data == nil {
		return false
	}
	return subtle.ConstantTimeCompare(p.data[:p.length], other) == 1
}

// ReleaseErr returns the error from unlocking or unmapping the region
// during Clear, if any.
func (p *LockedPassword) ReleaseErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releaseErr
}

func (p *LockedPassword) IsCleared() bool { return p.lc.IsCleared() }

func (p *LockedPassword) Clear() error { return p.lc.Clear(p.wipe) }

func (p *LockedPassword) wipe() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sealed {
		if err := p.mem.unseal(p.data); err != nil {
			return fmt.Errorf("making locked memory writable: %w", err)
		}
		p.sealed = false
	}
	Zero(p.data)
	p.releaseErr = p.mem.release(p.data)
	p.data = nil
	return nil
}

func (p *LockedPassword) String() string       { return describe(p.Kind(), p.IsCleared()) }
func (p *LockedPassword) GoString() string     { return p.String() }
func (p *LockedPassword) LogValue() slog.Value { return logValue(p.Kind(), p.IsCleared()) }
