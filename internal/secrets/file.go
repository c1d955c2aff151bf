package secrets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jkaninda/gatekeep/internal/credential"
)

// FileProvider resolves credential references from files.
// Reference format: "file:///run/secrets/db_password". Leading and
// trailing whitespace is trimmed.
type FileProvider struct{}

// NewFileProvider creates a file-based secret provider.
func NewFileProvider() *FileProvider { return &FileProvider{} }

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, credentialRef string) (*Secret, error) {
	path, err := trimScheme(credentialRef, p.Name())
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: file %q does not exist", ErrSecretNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading secret file %q: %w", path, err)
	}
	defer credential.Zero(data)

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: file %q is empty", ErrSecretNotFound, path)
	}
	return newSecret(trimmed, map[string]string{"source": "file", "path": path}), nil
}

// maxPasswordLine bounds a password read from stdin.
const maxPasswordLine = 64 << 10

// ReadPassword reads a password from path, or the first line of stdin
// when path is "-". Whitespace is trimmed and every intermediate buffer
// is zeroed. Stdin is read one byte at a time so nothing past the first
// newline is consumed or left in a buffer.
func ReadPassword(path string, stdin io.Reader) (*credential.Password, error) {
	var data []byte
	if path == "-" {
		var err error
		data, err = readLine(stdin, maxPasswordLine)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("stdin is empty")
		}
	} else {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		credential.Zero(data)
		return nil, fmt.Errorf("password is empty")
	}
	// NewPasswordFromBytes zeroes trimmed; the rest of data is whitespace.
	pw := credential.NewPasswordFromBytes(trimmed)
	credential.Zero(data)
	return pw, nil
}

// readLine reads r up to the first newline or EOF, excluding the newline.
// Buffers outgrown along the way are zeroed, as is the partial line on
// error.
func readLine(r io.Reader, limit int) ([]byte, error) {
	buf := make([]byte, 0, 64)
	var b [1]byte
	for {
		n, err := r.Read(b[:])
		if n == 1 {
			if b[0] == '\n' {
				break
			}
			if len(buf) == limit {
				credential.Zero(buf)
				b[0] = 0
				return nil, fmt.Errorf("reading stdin: line exceeds %d bytes", limit)
			}
			if len(buf) == cap(buf) {
				grown := make([]byte, len(buf), 2*cap(buf))
				copy(grown, buf)
				credential.Zero(buf)
				buf = grown
			}
			buf = append(buf, b[0])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			credential.Zero(buf)
			b[0] = 0
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
	}
	b[0] = 0
	return buf, nil
}
