package credential

import (
	"crypto/subtle"
	"log/slog"
)

// Password holds a secret as a mutable byte buffer. Clear zeroes the
// buffer in place; the buffer keeps its length so callers holding a
// reference see zeros rather than the original bytes.
type Password struct {
	lc    Lifecycle
	value []byte
}

// NewPassword copies s into a new buffer. The string itself cannot be
// erased, so prefer NewPasswordFromBytes when the source is mutable.
func NewPassword(s string) *Password {
	return &Password{value: []byte(s)}
}

// NewPasswordFromBytes copies b into a new buffer and zeroes b.
func NewPasswordFromBytes(b []byte) *Password {
	value := make([]byte, len(b))
	copy(value, b)
	Zero(b)
	return &Password{value: value}
}

func (p *Password) Kind() Kind { return KindPassword }

// Bytes returns the password buffer. Callers must not retain it past the
// credential's lifetime. After Clear it reads as zeros.
func (p *Password) Bytes() []byte {
	return p.value
}

// Len returns the length of the password in bytes.
func (p *Password) Len() int {
	return len(p.value)
}

// Equal reports, in constant time, whether the password equals other.
// A cleared password equals nothing.
func (p *Password) Equal(other []byte) bool {
	if p.IsCleared() {
		return false
	}
	return subtle.ConstantTimeCompare(p.value, other) == 1
}

func (p *Password) IsCleared() bool { return p.lc.IsCleared() }

func (p *Password) Clear() error { return p.lc.Clear(p.wipe) }

func (p *Password) wipe() error {
	Zero(p.value)
	return nil
}

func (p *Password) String() string       { return describe(p.Kind(), p.IsCleared()) }
func (p *Password) GoString() string     { return p.String() }
func (p *Password) LogValue() slog.Value { return logValue(p.Kind(), p.IsCleared()) }
