package security

import (
	"errors"
	"testing"
)

func mustConstraints(t *testing.T, cs ...WebResourceConstraint) *WebResourceConstraints {
	t.Helper()
	w, err := NewWebResourceConstraints(cs)
	if err != nil {
		t.Fatalf("NewWebResourceConstraints: %v", err)
	}
	return w
}

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		pattern string
		kind    patternKind
		key     string
		wantErr bool
	}{
		{pattern: "/", kind: patternDefault},
		{pattern: "/admin/users", kind: patternExact, key: "/admin/users"},
		{pattern: "/admin/*", kind: patternPrefix, key: "/admin"},
		{pattern: "/*", kind: patternPrefix, key: ""},
		{pattern: "*.jsp", kind: patternExtension, key: "jsp"},
		{pattern: "", wantErr: true},
		{pattern: "admin", wantErr: true},
		{pattern: "/a/*/b", wantErr: true},
		{pattern: "*.", wantErr: true},
		{pattern: "*.a/b", wantErr: true},
		{pattern: "/a*/*", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.pattern, func(t *testing.T) {
			kind, key, err := compilePattern(tc.pattern)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidPattern) {
					t.Fatalf("got %v, want ErrInvalidPattern", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("compilePattern: %v", err)
			}
			if kind != tc.kind || key != tc.key {
				t.Errorf("got (%v, %q), want (%v, %q)", kind, key, tc.kind, tc.key)
			}
		})
	}
}

func TestWebResourceConstraints_Check(t *testing.T) {
	w := mustConstraints(t,
		WebResourceConstraint{Pattern: "/admin/*", RolesAllowed: []string{"admin"}},
		WebResourceConstraint{Pattern: "/admin/public", RolesAllowed: []string{AnyAuthenticatedRole}},
		WebResourceConstraint{Pattern: "/reports/*", Methods: []string{"post", "DELETE"}, RolesAllowed: []string{"editor"}},
		WebResourceConstraint{Pattern: "/reports/archive/*", Methods: []string{"GET"}, RolesAllowed: []string{"auditor"}},
		WebResourceConstraint{Pattern: "*.cfg", RolesAllowed: []string{"ops"}},
		WebResourceConstraint{Pattern: "/locked", RolesAllowed: nil},
	)

	admin := NewSubject("alice", "admin")
	editor := NewSubject("bob", "editor")
	auditor := NewSubject("carol", "auditor")
	ops := NewSubject("dave", "ops")
	nobody := NewSubject("erin")

	tests := []struct {
		name     string
		subject  *Subject
		resource string
		method   string
		want     bool
	}{
		{"prefix grants role", admin, "/admin/users", "GET", true},
		{"prefix matches bare path", admin, "/admin", "GET", true},
		{"prefix denies other role", editor, "/admin/users", "GET", false},
		{"prefix denies anonymous", nil, "/admin/users", "GET", false},
		{"prefix does not match sibling", nil, "/administrator", "GET", true},
		{"exact beats prefix", nobody, "/admin/public", "GET", true},
		{"exact any-authenticated rejects anonymous", nil, "/admin/public", "GET", false},
		{"method covered", editor, "/reports/q1", "POST", true},
		{"method covered denies", nobody, "/reports/q1", "DELETE", false},
		{"method uncovered is open", nil, "/reports/q1", "GET", true},
		{"longest prefix wins", auditor, "/reports/archive/2020", "GET", true},
		{"longest prefix uncovered method is open", nil, "/reports/archive/2020", "POST", true},
		{"extension", ops, "/etc/app.cfg", "GET", true},
		{"extension denies", nobody, "/etc/app.cfg", "GET", false},
		{"prefix beats extension", editor, "/admin/x.cfg", "GET", false},
		{"empty roles deny everyone", admin, "/locked", "GET", false},
		{"query string ignored", admin, "/admin/users?x=1", "GET", true},
		{"unprotected", nil, "/public/index.html", "GET", true},
		{"lower-case method", editor, "/reports/q1", "post", true},
		{"dot-dot into prefix denies anonymous", nil, "/public/../admin/users", "GET", false},
		{"dot-dot into prefix grants role", admin, "/public/../admin/users", "GET", true},
		{"double slash denies anonymous", nil, "//admin/users", "GET", false},
		{"inner double slash denies anonymous", nil, "/admin//users", "GET", false},
		{"dot segment denies anonymous", nil, "/./admin/users", "GET", false},
		{"dot-dot within prefix denies anonymous", nil, "/admin/users/../users", "GET", false},
		{"dot-dot before query denies anonymous", nil, "/public/../admin/users?x=..", "GET", false},
		{"dot-dot into exact denies anonymous", nil, "/admin/x/../public", "GET", false},
		{"dot-dot into locked", admin, "/tmp/../locked", "GET", false},
		{"dot-dot out of prefix", nil, "/admin/../public/index.html", "GET", true},
		{"dot-dot above root", nil, "/../../admin/users", "GET", false},
		{"trailing slash kept", nil, "/admin/users/", "GET", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := w.Check(tc.subject, tc.resource, tc.method); got != tc.want {
				t.Errorf("Check(%q, %s) = %v, want %v", tc.resource, tc.method, got, tc.want)
			}
		})
	}
}

func TestWebResourceConstraints_DefaultPattern(t *testing.T) {
	w := mustConstraints(t,
		WebResourceConstraint{Pattern: "/", RolesAllowed: []string{"user"}},
		WebResourceConstraint{Pattern: "/health", RolesAllowed: []string{AnyAuthenticatedRole}},
		WebResourceConstraint{Pattern: "/open/*", Methods: []string{"PUT"}, RolesAllowed: []string{"writer"}},
	)
	if w.Check(nil, "/anything", "GET") {
		t.Error("default pattern let anonymous through")
	}
	if !w.Check(NewSubject("a", "user"), "/anything", "GET") {
		t.Error("default pattern denied user")
	}
	// A more specific pattern replaces the default entirely.
	if !w.Check(nil, "/open/file", "GET") {
		t.Error("uncovered method under specific pattern should be open")
	}
	if got := w.MatchedPattern("/open/file"); got != "/open/*" {
		t.Errorf("MatchedPattern = %q, want /open/*", got)
	}
	if got := w.MatchedPattern("/x"); got != "/" {
		t.Errorf("MatchedPattern = %q, want /", got)
	}
}

func TestWebResourceConstraints_HasAccess(t *testing.T) {
	w := mustConstraints(t,
		WebResourceConstraint{Pattern: "/docs/*", Methods: []string{"DELETE"}, RolesAllowed: []string{"admin"}},
	)
	user := NewSubject("u", "user")

	if !w.HasAccess(user, "/docs/a", "GET", "DELETE") {
		t.Error("any-of semantics: GET should suffice")
	}
	if w.HasAccess(user, "/docs/a", "DELETE") {
		t.Error("DELETE should be denied")
	}
	if w.HasAccess(user, "/docs/a") {
		t.Error("no methods requires access for every method")
	}
	if !w.HasAccess(NewSubject("a", "admin"), "/docs/a") {
		t.Error("admin should have access for every method")
	}
}

func TestWebResourceConstraints_Nil(t *testing.T) {
	var w *WebResourceConstraints
	if !w.HasAccess(nil, "/anything", "GET") {
		t.Error("nil constraints should allow everything")
	}
	if w.MatchedPattern("/x") != "" {
		t.Error("nil constraints match no pattern")
	}
	if w.Constraints() != nil {
		t.Error("nil constraints list should be nil")
	}
}

func TestNewWebResourceConstraints_InvalidPattern(t *testing.T) {
	_, err := NewWebResourceConstraints([]WebResourceConstraint{{Pattern: "nope"}})
	if !errors.Is(err, ErrInvalidPattern) {
		t.Fatalf("got %v, want ErrInvalidPattern", err)
	}
}

func TestNormalizeResource(t *testing.T) {
	for in, want := range map[string]string{
		"admin/users":            "/admin/users",
		"/admin/users?q=1#frag":  "/admin/users",
		"/public/../admin/users": "/admin/users",
		"//admin//users":         "/admin/users",
		"/./admin/./users":       "/admin/users",
		"/../..":                 "/",
		"/admin/..":              "/",
		"/admin/users/":          "/admin/users/",
		"/admin/./":              "/admin/",
		"":                       "/",
	} {
		if got := normalizeResource(in); got != want {
			t.Errorf("normalizeResource(%q) = %q, want %q", in, got, want)
		}
	}
}
