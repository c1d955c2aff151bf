package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/jkaninda/gatekeep/internal/credential"
)

// fakeVault serves KV v2 documents keyed by API path. Version 2 of
// "secret/data/app" differs from the latest.
func fakeVault(t *testing.T, token string) (*httptest.Server, func() http.Header) {
	t.Helper()
	docs := map[string]map[string]any{
		"secret/data/app":     {"password": "latest", "username": "admin"},
		"secret/data/app@2":   {"password": "older"},
		"secret/data/numeric": {"port": 5432},
	}
	var (
		mu   sync.Mutex
		last http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		last = r.Header.Clone()
		mu.Unlock()
		if r.Header.Get("X-Vault-Token") != token {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		path := r.URL.Path[len("/v1/"):]
		switch path {
		case "secret/data/forbid":
			w.WriteHeader(http.StatusForbidden)
			return
		case "secret/data/explodes":
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		version := 3
		key := path
		if v := r.URL.Query().Get("version"); v != "" {
			key += "@" + v
			version = 2
		}
		data, ok := docs[key]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"data":     data,
				"metadata": map[string]any{"version": version},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, func() http.Header {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func clearVaultEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")
	t.Setenv("VAULT_NAMESPACE", "")
}

func TestVaultProvider_Resolve(t *testing.T) {
	clearVaultEnv(t)
	srv, _ := fakeVault(t, "root-token")
	vp, err := NewVaultProvider(map[string]string{"address": srv.URL + "/", "token": "root-token"})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}

	tests := []struct {
		name        string
		ref         string
		want        string
		wantVersion string
		notFound    bool
		wantErr     bool
	}{
		{name: "field", ref: "vault://secret/data/app#password", want: "latest", wantVersion: "3"},
		{name: "pinned version", ref: "vault://secret/data/app?version=2#password", want: "older", wantVersion: "2"},
		{name: "whole document", ref: "vault://secret/data/app", want: `{"password":"latest","username":"admin"}`, wantVersion: "3"},
		{name: "missing path", ref: "vault://secret/data/nope#x", notFound: true},
		{name: "missing field", ref: "vault://secret/data/app#token", notFound: true},
		{name: "empty path", ref: "vault://", notFound: true},
		{name: "other scheme", ref: "env://VAULT_TOKEN", notFound: true},
		{name: "non-string field", ref: "vault://secret/data/numeric#port", wantErr: true},
		{name: "bad version", ref: "vault://secret/data/app?version=zero#password", wantErr: true},
		{name: "forbidden", ref: "vault://secret/data/forbid#x", wantErr: true},
		{name: "server error", ref: "vault://secret/data/explodes#x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := vp.Resolve(context.Background(), tt.ref)
			switch {
			case tt.notFound:
				if !errors.Is(err, ErrSecretNotFound) {
					t.Fatalf("err = %v, want ErrSecretNotFound", err)
				}
				return
			case tt.wantErr:
				if err == nil || errors.Is(err, ErrSecretNotFound) {
					t.Fatalf("err = %v, want a non-lookup error", err)
				}
				return
			case err != nil:
				t.Fatalf("Resolve: %v", err)
			}
			defer credential.MustClear(s)
			if string(s.Bytes()) != tt.want {
				t.Errorf("value = %q, want %q", s.Bytes(), tt.want)
			}
			if s.Metadata["source"] != "vault" || s.Metadata["version"] != tt.wantVersion {
				t.Errorf("metadata = %v", s.Metadata)
			}
		})
	}
}

func TestNewVaultProvider_Settings(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		cfg     map[string]string
		wantErr bool
	}{
		{name: "config only", cfg: map[string]string{"address": "http://vault:8200", "token": "t"}},
		{name: "env only", env: map[string]string{"VAULT_ADDR": "http://vault:8200", "VAULT_TOKEN": "t"}},
		{name: "missing address", cfg: map[string]string{"token": "t"}, wantErr: true},
		{name: "missing token", cfg: map[string]string{"address": "http://vault:8200"}, wantErr: true},
		{name: "bad timeout", cfg: map[string]string{"address": "http://vault:8200", "token": "t", "timeout": "soon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearVaultEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			vp, err := NewVaultProvider(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if vp != nil {
				_ = vp.Close()
			}
		})
	}
}

func TestVaultProvider_EnvOverridesConfig(t *testing.T) {
	clearVaultEnv(t)
	srv, last := fakeVault(t, "env-token")
	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "env-token")
	t.Setenv("VAULT_NAMESPACE", "team-a")

	vp, err := NewVaultProvider(map[string]string{
		"address":   "http://unreachable.invalid",
		"token":     "config-token",
		"namespace": "ignored",
	})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}
	s, err := vp.Resolve(context.Background(), "vault://secret/data/app#username")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	credential.MustClear(s)
	if got := last().Get("X-Vault-Namespace"); got != "team-a" {
		t.Errorf("namespace header = %q, want team-a", got)
	}
}

func TestVaultProvider_CloseClearsToken(t *testing.T) {
	clearVaultEnv(t)
	srv, _ := fakeVault(t, "root-token")
	vp, err := NewVaultProvider(map[string]string{"address": srv.URL, "token": "root-token"})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}

	composite := NewCompositeProvider(NewEnvProvider(), vp)
	if err := composite.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !vp.token.IsCleared() {
		t.Fatal("token should be cleared")
	}
	if _, err := vp.Resolve(context.Background(), "vault://secret/data/app#password"); !errors.Is(err, credential.ErrCleared) {
		t.Errorf("Resolve after Close err = %v, want ErrCleared", err)
	}
}

func TestVaultProvider_ResolveDuringClose(t *testing.T) {
	clearVaultEnv(t)
	srv, _ := fakeVault(t, "root-token")
	vp, err := NewVaultProvider(map[string]string{"address": srv.URL, "token": "root-token"})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}

	const workers = 16
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := vp.Resolve(context.Background(), "vault://secret/data/app#password")
			if err != nil {
				if !errors.Is(err, credential.ErrCleared) {
					errs <- err
				}
				return
			}
			defer credential.MustClear(s)
			if got := string(s.Bytes()); got != "latest" {
				errs <- errors.New("resolved " + got)
			}
		}()
	}
	if err := vp.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Resolve racing Close: %v, want success or ErrCleared", err)
	}
}
