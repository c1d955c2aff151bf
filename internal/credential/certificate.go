package credential

import (
	"crypto/x509"
	"log/slog"
)

// Certificate carries an X.509 chain, leaf first, and optionally the DER
// encoded private key that goes with the leaf. Clear zeroes the key bytes
// and drops the chain; accessors return nil afterwards.
type Certificate struct {
	lc    Lifecycle
	chain []*x509.Certificate
	key   []byte
}

// NewCertificate copies keyDER and zeroes the source.
func NewCertificate(chain []*x509.Certificate, keyDER []byte) *Certificate {
	c := &Certificate{chain: append([]*x509.Certificate(nil), chain...)}
	if len(keyDER) > 0 {
		c.key = make([]byte, len(keyDER))
		copy(c.key, keyDER)
		Zero(keyDER)
	}
	return c
}

func (c *Certificate) Kind() Kind { return KindCertificate }

// Leaf returns the first certificate of the chain, or nil.
func (c *Certificate) Leaf() *x509.Certificate {
	if c.IsCleared() || len(c.chain) == 0 {
		return nil
	}
	return c.chain[0]
}

// Chain returns a copy of the chain, or nil after Clear.
func (c *Certificate) Chain() []*x509.Certificate {
	if c.IsCleared() {
		return nil
	}
	return append([]*x509.Certificate(nil), c.chain...)
}

// PrivateKeyDER returns the key bytes, or nil after Clear or when no key
// was supplied.
func (c *Certificate) PrivateKeyDER() []byte {
	if c.IsCleared() {
		return nil
	}
	return c.key
}

// Caller returns the leaf subject common name.
func (c *Certificate) Caller() string {
	if leaf := c.Leaf(); leaf != nil {
		return leaf.Subject.CommonName
	}
	return ""
}

func (c *Certificate) IsCleared() bool { return c.lc.IsCleared() }

func (c *Certificate) Clear() error { return c.lc.Clear(c.wipe) }

func (c *Certificate) wipe() error {
	Zero(c.key)
	c.key = nil
	clear(c.chain)
	c.chain = nil
	return nil
}

func (c *Certificate) String() string       { return describe(c.Kind(), c.IsCleared()) }
func (c *Certificate) GoString() string     { return c.String() }
func (c *Certificate) LogValue() slog.Value { return logValue(c.Kind(), c.IsCleared()) }
