// Package credential defines caller-supplied credentials and the lifecycle
// that clears their secret material.
//
// Every credential starts ACTIVE and moves to CLEARED exactly once. The
// transition is owned by [Lifecycle], which every variant delegates to:
// the variant supplies a wipe function, the lifecycle runs it once and
// only then publishes the cleared state. Variants never set the flag
// themselves.
//
// Variants:
//
//   - [Password] -- mutable byte buffer, zeroed on clear
//   - [UsernamePassword] -- caller name plus a [Password]
//   - [Token] -- opaque bearer token, clearing is lifecycle-only
//   - [Certificate] -- X.509 chain and private key bytes
//   - [LockedPassword] -- secret held in locked memory outside the Go heap
//
// Credentials never render their secret through fmt or log/slog.
package credential

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrWipeFailed is returned by Clear when a variant could not erase its
	// secret. The credential is left uncleared.
	ErrWipeFailed = errors.New("credential wipe failed")

	// ErrCleared is returned by accessors of variants whose payload is no
	// longer addressable after clearing.
	ErrCleared = errors.New("credential already cleared")

	// ErrMalformed is returned when a credential cannot be parsed from its
	// wire form.
	ErrMalformed = errors.New("malformed credential")
)

// Kind names a credential variant.
type Kind string

const (
	KindPassword         Kind = "password"
	KindUsernamePassword Kind = "username_password"
	KindToken            Kind = "token"
	KindCertificate      Kind = "certificate"
	KindLockedPassword   Kind = "locked_password"
)

// Clearable is anything holding secret material that can be irreversibly
// cleared. Clear must be safe to call repeatedly and from several
// goroutines; IsCleared must never block.
type Clearable interface {
	IsCleared() bool
	Clear() error
}

// Credential is a Clearable holder of caller-supplied secret material.
type Credential interface {
	Clearable
	Kind() Kind
	fmt.Stringer
}

// ClearAll clears every credential and returns the joined errors of the
// ones that failed. Nil entries are skipped.
func ClearAll(creds ...Clearable) error {
	var errs []error
	for _, c := range creds {
		if c == nil {
			continue
		}
		if err := c.Clear(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MustClear clears c and panics if the wipe failed. Use it where leaving
// secret material resident is not an acceptable outcome.
func MustClear(c Clearable) {
	if err := c.Clear(); err != nil {
		panic(fmt.Sprintf("credential: %v", err))
	}
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	clear(b)
}

func describe(kind Kind, cleared bool) string {
	return fmt.Sprintf("%s(cleared=%t)", kind, cleared)
}

func logValue(kind Kind, cleared bool) slog.Value {
	return slog.GroupValue(
		slog.String("kind", string(kind)),
		slog.Bool("cleared", cleared),
	)
}
