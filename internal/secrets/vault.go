package secrets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/gatekeep/internal/credential"
)

const maxVaultResponse = 1 << 20

// VaultProvider resolves references against a HashiCorp Vault KV v2 engine:
//
//	vault://secret/data/myapp/db#password
//	vault://secret/data/myapp/db?version=3#password
//
// The path is the full API path below /v1. Without a #field the whole
// data map is returned as JSON. The Vault token is held as a clearable
// password; Close wipes it and later Resolve calls fail.
type VaultProvider struct {
	address   string
	namespace string
	client    *http.Client

	mu    sync.RWMutex // guards token reads against Close
	token *credential.Password
}

type vaultRef struct {
	path    string
	field   string
	version int
}

func parseVaultRef(raw string) (vaultRef, error) {
	rest, field, _ := strings.Cut(raw, "#")
	path, query, _ := strings.Cut(rest, "?")
	ref := vaultRef{path: strings.Trim(path, "/"), field: field}
	if ref.path == "" {
		return ref, fmt.Errorf("%w: empty vault path", ErrSecretNotFound)
	}
	if query == "" {
		return ref, nil
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return ref, fmt.Errorf("vault reference %q: %w", raw, err)
	}
	if v := values.Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return ref, fmt.Errorf("vault reference %q: version must be a positive integer", raw)
		}
		ref.version = n
	}
	return ref, nil
}

// NewVaultProvider builds a provider from the secrets.providers[].config
// map. VAULT_ADDR, VAULT_TOKEN and VAULT_NAMESPACE take precedence over
// the address, token and namespace keys. Optional keys: timeout (default
// "5s") and tls_skip_verify.
func NewVaultProvider(cfg map[string]string) (*VaultProvider, error) {
	address := vaultSetting(cfg, "address", "VAULT_ADDR")
	if address == "" {
		return nil, errors.New("vault: address is required (config key 'address' or VAULT_ADDR)")
	}
	token := vaultSetting(cfg, "token", "VAULT_TOKEN")
	if token == "" {
		return nil, errors.New("vault: token is required (config key 'token' or VAULT_TOKEN)")
	}

	timeout := 5 * time.Second
	if raw := cfg["timeout"]; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("vault: invalid timeout %q", raw)
		}
		timeout = d
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if skip, _ := strconv.ParseBool(cfg["tls_skip_verify"]); skip {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &VaultProvider{
		address:   strings.TrimRight(address, "/"),
		namespace: vaultSetting(cfg, "namespace", "VAULT_NAMESPACE"),
		token:     credential.NewPassword(token),
		client:    &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

func vaultSetting(cfg map[string]string, key, env string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return cfg[key]
}

func (p *VaultProvider) Name() string { return "vault" }

// Close clears the Vault token. It waits for in-flight token reads.
func (p *VaultProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token.Clear()
}

// tokenHeader returns a copy of the token, or ErrCleared after Close.
func (p *VaultProvider) tokenHeader() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token.IsCleared() {
		return "", fmt.Errorf("vault: %w", credential.ErrCleared)
	}
	return string(p.token.Bytes()), nil
}

func (p *VaultProvider) Resolve(ctx context.Context, credentialRef string) (*Secret, error) {
	raw, err := trimScheme(credentialRef, p.Name())
	if err != nil {
		return nil, err
	}
	ref, err := parseVaultRef(raw)
	if err != nil {
		return nil, err
	}

	body, err := p.read(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer credential.Zero(body)

	var envelope struct {
		Data struct {
			Data     map[string]any `json:"data"`
			Metadata struct {
				Version int `json:"version"`
			} `json:"metadata"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("vault: decoding %q: %w", ref.path, err)
	}
	data := envelope.Data.Data
	if data == nil {
		return nil, fmt.Errorf("%w: vault path %q holds no data", ErrSecretNotFound, ref.path)
	}

	metadata := map[string]string{"source": p.Name(), "path": ref.path}
	if v := envelope.Data.Metadata.Version; v > 0 {
		metadata["version"] = strconv.Itoa(v)
	}
	if ref.field == "" {
		whole, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("vault: encoding %q: %w", ref.path, err)
		}
		return newSecret(whole, metadata), nil
	}

	metadata["field"] = ref.field
	switch v := data[ref.field].(type) {
	case nil:
		return nil, fmt.Errorf("%w: field %q not found in vault path %q", ErrSecretNotFound, ref.field, ref.path)
	case string:
		return newSecret([]byte(v), metadata), nil
	default:
		return nil, fmt.Errorf("vault: field %q in %q is %T, not a string", ref.field, ref.path, v)
	}
}

// read fetches the raw response body for ref. The caller zeroes it.
func (p *VaultProvider) read(ctx context.Context, ref vaultRef) ([]byte, error) {
	token, err := p.tokenHeader()
	if err != nil {
		return nil, err
	}

	endpoint := p.address + "/v1/" + ref.path
	if ref.version > 0 {
		endpoint += "?version=" + strconv.Itoa(ref.version)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: building request: %w", err)
	}
	req.Header.Set("X-Vault-Token", token)
	if p.namespace != "" {
		req.Header.Set("X-Vault-Namespace", p.namespace)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVaultResponse))
	if err != nil {
		credential.Zero(body)
		return nil, fmt.Errorf("vault: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		credential.Zero(body)
		return nil, vaultStatusError(resp.StatusCode, ref.path)
	}
	return body, nil
}

func vaultStatusError(status int, path string) error {
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: vault path %q not found", ErrSecretNotFound, path)
	case status == http.StatusForbidden:
		return fmt.Errorf("vault: permission denied for %q", path)
	case status >= 500:
		return fmt.Errorf("vault: server error %d for %q", status, path)
	default:
		return fmt.Errorf("vault: unexpected status %d for %q", status, path)
	}
}
