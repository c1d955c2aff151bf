package security

import (
	"slices"
)

// Principal is a named identity attached to an authenticated caller.
type Principal interface {
	Name() string
}

// CallerPrincipal names the authenticated caller.
type CallerPrincipal string

func (p CallerPrincipal) Name() string { return string(p) }

// GroupPrincipal names a group the caller belongs to.
type GroupPrincipal string

func (p GroupPrincipal) Name() string { return string(p) }

// Subject is the immutable result of a successful authentication: the
// caller principal, its groups, and any application-specific principals.
// A nil *Subject is the anonymous caller.
type Subject struct {
	caller     Principal
	principals []Principal
	groups     map[string]struct{}
}

// NewSubject creates a subject for caller with the given groups.
func NewSubject(caller string, groups ...string) *Subject {
	return NewSubjectWithPrincipals(CallerPrincipal(caller), groups)
}

// NewSubjectWithPrincipals creates a subject with a custom caller principal
// and extra principals. The caller principal is listed first.
func NewSubjectWithPrincipals(caller Principal, groups []string, extra ...Principal) *Subject {
	s := &Subject{
		caller: caller,
		groups: make(map[string]struct{}, len(groups)),
	}
	s.principals = append(s.principals, caller)
	for _, g := range groups {
		if _, dup := s.groups[g]; dup || g == "" {
			continue
		}
		s.groups[g] = struct{}{}
		s.principals = append(s.principals, GroupPrincipal(g))
	}
	s.principals = append(s.principals, extra...)
	return s
}

// Caller returns the caller principal, nil for the anonymous subject.
func (s *Subject) Caller() Principal {
	if s == nil {
		return nil
	}
	return s.caller
}

// CallerName returns the caller name, empty for the anonymous subject.
func (s *Subject) CallerName() string {
	if s == nil || s.caller == nil {
		return ""
	}
	return s.caller.Name()
}

// Principals returns a fresh copy of all principals.
func (s *Subject) Principals() []Principal {
	if s == nil {
		return nil
	}
	return slices.Clone(s.principals)
}

// Groups returns the caller's groups, sorted.
func (s *Subject) Groups() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.groups))
	for g := range s.groups {
		out = append(out, g)
	}
	slices.Sort(out)
	return out
}

// InGroup reports whether the caller belongs to group.
func (s *Subject) InGroup(group string) bool {
	if s == nil {
		return false
	}
	_, ok := s.groups[group]
	return ok
}
