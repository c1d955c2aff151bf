package identitystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/gatekeep/internal/credential"
)

// DBStore validates username/password credentials against a
// CallerRepository and manages the callers in it.
type DBStore struct {
	repo     CallerRepository
	priority int
	cost     int
	logger   *slog.Logger
}

// DBStoreOption configures a DBStore.
type DBStoreOption func(*DBStore)

// WithPriority sets the store priority (default 0).
func WithPriority(p int) DBStoreOption { return func(s *DBStore) { s.priority = p } }

// WithCost sets the bcrypt cost for new callers.
func WithCost(cost int) DBStoreOption { return func(s *DBStore) { s.cost = cost } }

// NewDBStore creates a DBStore over repo.
func NewDBStore(repo CallerRepository, logger *slog.Logger, opts ...DBStoreOption) *DBStore {
	s := &DBStore{repo: repo, cost: DefaultCost, logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *DBStore) Name() string  { return "database" }
func (s *DBStore) Priority() int { return s.priority }

// Validate handles *credential.UsernamePassword; other kinds are
// NotValidated.
func (s *DBStore) Validate(ctx context.Context, cred credential.Credential) (ValidationResult, error) {
	up, ok := cred.(*credential.UsernamePassword)
	if !ok {
		return ValidationResult{Status: NotValidated}, nil
	}
	if up.IsCleared() {
		return ValidationResult{Status: NotValidated}, credential.ErrCleared
	}

	rec, err := s.repo.GetByName(ctx, up.Caller())
	switch {
	case errors.Is(err, ErrCallerNotFound):
		checkPassword(nil, up.Password())
		return ValidationResult{Status: Invalid, StoreID: s.Name()}, nil
	case err != nil:
		return ValidationResult{Status: NotValidated}, fmt.Errorf("looking up caller: %w", err)
	}

	if !checkPassword(rec.PasswordHash, up.Password()) {
		return ValidationResult{Status: Invalid, StoreID: s.Name()}, nil
	}
	return ValidationResult{
		Status:  Valid,
		Caller:  rec.Name,
		Groups:  slices.Clone(rec.Groups),
		StoreID: s.Name(),
	}, nil
}

// AddCaller hashes pw, clears it, and stores a new caller.
func (s *DBStore) AddCaller(ctx context.Context, name string, pw *credential.Password, groups []string) (*CallerRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsRune(name, ':') {
		_ = pw.Clear()
		return nil, fmt.Errorf("%w: name %q", ErrInvalidCaller, name)
	}
	hash, err := HashPassword(pw, s.cost)
	if err != nil {
		return nil, err
	}

	rec := &CallerRecord{
		ID:           uuid.New(),
		Name:         name,
		PasswordHash: hash,
		Groups:       dedupe(groups),
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "caller added",
		slog.String("caller", name),
		slog.Int("groups", len(rec.Groups)),
	)
	return rec, nil
}

// RemoveCaller deletes a caller.
func (s *DBStore) RemoveCaller(ctx context.Context, name string) error {
	if err := s.repo.Delete(ctx, name); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "caller removed", slog.String("caller", name))
	return nil
}

// ListCallers returns all callers without their password hashes.
func (s *DBStore) ListCallers(ctx context.Context) ([]CallerRecord, error) {
	recs, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i].PasswordHash = nil
	}
	return recs, nil
}

func dedupe(groups []string) []string {
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		g = strings.TrimSpace(g)
		if g != "" && !slices.Contains(out, g) {
			out = append(out, g)
		}
	}
	slices.Sort(out)
	return out
}
