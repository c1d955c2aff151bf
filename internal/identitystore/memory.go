package identitystore

import (
	"context"
	"fmt"
	"slices"

	"github.com/jkaninda/gatekeep/internal/credential"
)

// MemoryCaller configures one caller of a MemoryStore.
type MemoryCaller struct {
	Name         string   `json:"name" yaml:"name"`
	PasswordHash string   `json:"password_hash" yaml:"password_hash"`
	Groups       []string `json:"groups" yaml:"groups"`
}

type memoryEntry struct {
	hash   []byte
	groups []string
}

// MemoryStore validates username/password credentials against a fixed
// set of callers. Safe for concurrent use.
type MemoryStore struct {
	name     string
	priority int
	callers  map[string]memoryEntry
}

// NewMemoryStore creates a MemoryStore. Every hash must be a bcrypt hash
// and names must be unique.
func NewMemoryStore(name string, priority int, callers []MemoryCaller) (*MemoryStore, error) {
	if name == "" {
		name = "memory"
	}
	s := &MemoryStore{name: name, priority: priority, callers: make(map[string]memoryEntry, len(callers))}
	for _, c := range callers {
		if c.Name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrInvalidCaller)
		}
		if _, dup := s.callers[c.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrCallerExists, c.Name)
		}
		hash := []byte(c.PasswordHash)
		if err := validHash(hash); err != nil {
			return nil, fmt.Errorf("caller %s: %w", c.Name, err)
		}
		s.callers[c.Name] = memoryEntry{hash: hash, groups: slices.Clone(c.Groups)}
	}
	return s, nil
}

func (s *MemoryStore) Name() string  { return s.name }
func (s *MemoryStore) Priority() int { return s.priority }

// Validate handles *credential.UsernamePassword; other kinds are
// NotValidated.
func (s *MemoryStore) Validate(_ context.Context, cred credential.Credential) (ValidationResult, error) {
	up, ok := cred.(*credential.UsernamePassword)
	if !ok {
		return ValidationResult{Status: NotValidated}, nil
	}
	if up.IsCleared() {
		return ValidationResult{Status: NotValidated}, credential.ErrCleared
	}

	// Unknown callers have a nil hash, which never matches.
	entry := s.callers[up.Caller()]
	if !checkPassword(entry.hash, up.Password()) {
		return ValidationResult{Status: Invalid, StoreID: s.name}, nil
	}
	return ValidationResult{
		Status:  Valid,
		Caller:  up.Caller(),
		Groups:  slices.Clone(entry.groups),
		StoreID: s.name,
	}, nil
}
