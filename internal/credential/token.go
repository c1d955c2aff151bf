package credential

import (
	"fmt"
	"log/slog"
	"strings"
)

// Token is an opaque bearer token. The token is protected by transport
// security and access control rather than by erasure, so clearing only
// moves the lifecycle to CLEARED: Value keeps returning the token.
type Token struct {
	lc    Lifecycle
	value string
}

// NewToken wraps an opaque token value.
func NewToken(value string) *Token {
	return &Token{value: value}
}

// ParseBearer extracts a Token from an HTTP Authorization header using the
// Bearer scheme.
func ParseBearer(header string) (*Token, error) {
	const scheme = "bearer "
	if len(header) < len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return nil, fmt.Errorf("%w: not a Bearer authorization header", ErrMalformed)
	}
	value := strings.TrimSpace(header[len(scheme):])
	if value == "" {
		return nil, fmt.Errorf("%w: empty bearer token", ErrMalformed)
	}
	return NewToken(value), nil
}

func (t *Token) Kind() Kind { return KindToken }

// Value returns the token, before and after Clear.
func (t *Token) Value() string { return t.value }

func (t *Token) IsCleared() bool { return t.lc.IsCleared() }

func (t *Token) Clear() error { return t.lc.Clear(nil) }

func (t *Token) String() string       { return describe(t.Kind(), t.IsCleared()) }
func (t *Token) GoString() string     { return t.String() }
func (t *Token) LogValue() slog.Value { return logValue(t.Kind(), t.IsCleared()) }
