package identitystore

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/jkaninda/gatekeep/internal/credential"
)

// DefaultCost is the bcrypt cost used when none is configured.
const DefaultCost = bcrypt.DefaultCost

// dummyHash is compared against when a caller is unknown so that lookups
// of unknown and known callers take similar time.
var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("gatekeep-timing-equalizer"), DefaultCost)
	return h
})

// HashPassword bcrypt-hashes pw and then clears it. The password is
// cleared even when hashing fails.
func HashPassword(pw *credential.Password, cost int) ([]byte, error) {
	if cost == 0 {
		cost = DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword(pw.Bytes(), cost)
	if clearErr := pw.Clear(); clearErr != nil {
		err = errors.Join(err, clearErr)
	}
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	return hash, nil
}

// checkPassword compares the credential's password against hash. A nil
// hash is compared against dummyHash and always fails.
func checkPassword(hash []byte, pw *credential.Password) bool {
	if hash == nil {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), pw.Bytes())
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, pw.Bytes()) == nil
}

// validHash reports whether hash is a well-formed bcrypt hash.
func validHash(hash []byte) error {
	if _, err := bcrypt.Cost(hash); err != nil {
		return fmt.Errorf("%w: bad password hash: %w", ErrInvalidCaller, err)
	}
	return nil
}
