package security

import (
	"fmt"
	"net/http"
	"path"
	"slices"
	"strings"
)

// AnyAuthenticatedRole in RolesAllowed grants access to every
// authenticated caller regardless of groups.
const AnyAuthenticatedRole = "**"

// standardMethods are checked when HasAccess is called without methods.
var standardMethods = []string{
	http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
	http.MethodDelete, http.MethodPatch, http.MethodOptions, http.MethodTrace,
}

// WebResourceConstraint protects the resources matched by Pattern.
//
// Pattern uses servlet URL pattern syntax:
//
//	"/admin/users"  exact match
//	"/admin/*"      path prefix; matches "/admin" and everything below it
//	"*.jsp"         extension; matches any path whose last segment ends in .jsp
//	"/"             default; matches anything no other pattern matches
//
// Methods lists the HTTP methods covered; empty covers every method.
// RolesAllowed lists the groups granted access to covered methods; an
// empty list denies everyone.
type WebResourceConstraint struct {
	Pattern      string   `json:"pattern" yaml:"pattern"`
	Methods      []string `json:"methods,omitempty" yaml:"methods,omitempty"`
	RolesAllowed []string `json:"roles_allowed" yaml:"roles_allowed"`
}

type patternKind int

const (
	patternExact patternKind = iota
	patternPrefix
	patternExtension
	patternDefault
)

type compiledConstraint struct {
	WebResourceConstraint
	kind patternKind
	key  string // exact path, prefix path, or extension without the dot
}

func (c compiledConstraint) covers(method string) bool {
	return len(c.Methods) == 0 || slices.Contains(c.Methods, method)
}

func compilePattern(pattern string) (patternKind, string, error) {
	switch {
	case pattern == "/":
		return patternDefault, "", nil
	case strings.HasPrefix(pattern, "*."):
		ext := pattern[2:]
		if ext == "" || strings.ContainsAny(ext, "/*") {
			return 0, "", fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
		}
		return patternExtension, ext, nil
	case strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/*"):
		prefix := strings.TrimSuffix(pattern, "/*")
		if strings.Contains(prefix, "*") {
			return 0, "", fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
		}
		return patternPrefix, prefix, nil
	case strings.HasPrefix(pattern, "/") && !strings.Contains(pattern, "*"):
		return patternExact, pattern, nil
	default:
		return 0, "", fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
}

// WebResourceConstraints is a compiled, immutable set of constraints.
// The zero value and nil protect nothing. Safe for concurrent use.
type WebResourceConstraints struct {
	entries []compiledConstraint
}

// NewWebResourceConstraints validates and compiles constraints. Method
// names are upper-cased.
func NewWebResourceConstraints(constraints []WebResourceConstraint) (*WebResourceConstraints, error) {
	w := &WebResourceConstraints{entries: make([]compiledConstraint, 0, len(constraints))}
	for i, c := range constraints {
		kind, key, err := compilePattern(c.Pattern)
		if err != nil {
			return nil, fmt.Errorf("constraint %d: %w", i, err)
		}
		methods := make([]string, 0, len(c.Methods))
		for _, m := range c.Methods {
			methods = append(methods, strings.ToUpper(strings.TrimSpace(m)))
		}
		c.Methods = methods
		c.RolesAllowed = slices.Clone(c.RolesAllowed)
		w.entries = append(w.entries, compiledConstraint{WebResourceConstraint: c, kind: kind, key: key})
	}
	return w, nil
}

// Constraints returns a copy of the configured constraints.
func (w *WebResourceConstraints) Constraints() []WebResourceConstraint {
	if w == nil {
		return nil
	}
	out := make([]WebResourceConstraint, len(w.entries))
	for i, e := range w.entries {
		out[i] = e.WebResourceConstraint
	}
	return out
}

// MatchedPattern returns the pattern that governs resource, or "" when
// the resource is unprotected.
func (w *WebResourceConstraints) MatchedPattern(resource string) string {
	matched := w.bestMatch(normalizeResource(resource))
	if len(matched) == 0 {
		return ""
	}
	return matched[0].Pattern
}

// Check reports whether subject may invoke method on resource. A method no
// constraint covers is unconstrained and always allowed.
func (w *WebResourceConstraints) Check(subject *Subject, resource, method string) bool {
	matched := w.bestMatch(normalizeResource(resource))
	method = strings.ToUpper(method)

	var covering []compiledConstraint
	for _, c := range matched {
		if c.covers(method) {
			covering = append(covering, c)
		}
	}
	if len(covering) == 0 {
		return true
	}

	// An empty role list excludes the method for everyone.
	for _, c := range covering {
		if len(c.RolesAllowed) == 0 {
			return false
		}
	}
	if subject == nil {
		return false
	}
	for _, c := range covering {
		for _, role := range c.RolesAllowed {
			if role == AnyAuthenticatedRole || subject.InGroup(role) {
				return true
			}
		}
	}
	return false
}

// HasAccess reports whether subject may access resource with any of the
// given methods. With no methods, access is required for every standard
// HTTP method.
func (w *WebResourceConstraints) HasAccess(subject *Subject, resource string, methods ...string) bool {
	if len(methods) == 0 {
		for _, m := range standardMethods {
			if !w.Check(subject, resource, m) {
				return false
			}
		}
		return true
	}
	for _, m := range methods {
		if w.Check(subject, resource, m) {
			return true
		}
	}
	return false
}

// bestMatch returns the constraints of the winning pattern class:
// exact, then longest path prefix, then extension, then default.
func (w *WebResourceConstraints) bestMatch(resource string) []compiledConstraint {
	if w == nil || len(w.entries) == 0 {
		return nil
	}

	var exact, prefix, ext, def []compiledConstraint
	longest := -1
	for _, c := range w.entries {
		switch c.kind {
		case patternExact:
			if c.key == resource {
				exact = append(exact, c)
			}
		case patternPrefix:
			if !matchPrefix(c.key, resource) {
				continue
			}
			switch {
			case len(c.key) > longest:
				longest = len(c.key)
				prefix = []compiledConstraint{c}
			case len(c.key) == longest:
				prefix = append(prefix, c)
			}
		case patternExtension:
			if matchExtension(c.key, resource) {
				ext = append(ext, c)
			}
		case patternDefault:
			def = append(def, c)
		}
	}

	switch {
	case len(exact) > 0:
		return exact
	case len(prefix) > 0:
		return prefix
	case len(ext) > 0:
		return ext
	default:
		return def
	}
}

func matchPrefix(prefix, resource string) bool {
	if prefix == "" {
		return true
	}
	return resource == prefix || strings.HasPrefix(resource, prefix+"/")
}

func matchExtension(ext, resource string) bool {
	last := path.Base(resource)
	return strings.HasSuffix(last, "."+ext) && len(last) > len(ext)+1
}

// normalizeResource strips query and fragment, ensures a leading slash and
// resolves "." and ".." segments and repeated slashes, so a path is matched
// against the constraints the way the server would route it. A trailing
// slash is kept.
func normalizeResource(resource string) string {
	if i := strings.IndexAny(resource, "?#"); i >= 0 {
		resource = resource[:i]
	}
	if !strings.HasPrefix(resource, "/") {
		resource = "/" + resource
	}
	cleaned := path.Clean(resource)
	if strings.HasSuffix(resource, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}
