package credential

import (
	"bytes"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
)

// UsernamePassword pairs a caller name with a Password. The caller name is
// not secret and survives Clear; the password is zeroed.
type UsernamePassword struct {
	lc       Lifecycle
	caller   string
	password *Password
}

// NewUsernamePassword takes ownership of password.
func NewUsernamePassword(caller string, password *Password) *UsernamePassword {
	return &UsernamePassword{caller: caller, password: password}
}

func (c *UsernamePassword) Kind() Kind { return KindUsernamePassword }

// Caller returns the caller name the credential was presented for.
func (c *UsernamePassword) Caller() string { return c.caller }

// Password returns the embedded password.
func (c *UsernamePassword) Password() *Password { return c.password }

// Compare reports whether the credential matches caller and password.
// The password comparison is constant time.
func (c *UsernamePassword) Compare(caller string, password []byte) bool {
	callerMatch := subtle.ConstantTimeCompare([]byte(c.caller), []byte(caller)) == 1
	return c.password.Equal(password) && callerMatch
}

func (c *UsernamePassword) IsCleared() bool { return c.lc.IsCleared() }

func (c *UsernamePassword) Clear() error { return c.lc.Clear(c.password.Clear) }

func (c *UsernamePassword) String() string {
	return fmt.Sprintf("%s(caller=%q, cleared=%t)", c.Kind(), c.caller, c.IsCleared())
}

func (c *UsernamePassword) GoString() string { return c.String() }

func (c *UsernamePassword) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", string(c.Kind())),
		slog.String("caller", c.caller),
		slog.Bool("cleared", c.IsCleared()),
	)
}

// ParseBasicAuthentication builds a UsernamePassword from the value of an
// HTTP Authorization header using the Basic scheme. The decoded scratch
// buffer is zeroed before returning.
func ParseBasicAuthentication(header string) (*UsernamePassword, error) {
	const scheme = "basic "
	if len(header) < len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return nil, fmt.Errorf("%w: not a Basic authorization header", ErrMalformed)
	}
	encoded := strings.TrimSpace(header[len(scheme):])

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 in Basic authorization header", ErrMalformed)
	}
	defer Zero(decoded)

	sep := bytes.IndexByte(decoded, ':')
	if sep < 0 {
		return nil, fmt.Errorf("%w: Basic credentials lack ':' separator", ErrMalformed)
	}
	caller := string(decoded[:sep])
	if caller == "" {
		return nil, fmt.Errorf("%w: empty caller name", ErrMalformed)
	}
	return NewUsernamePassword(caller, NewPasswordFromBytes(decoded[sep+1:])), nil
}
