package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/gatekeep/internal/secrets"
)

const (
	// SignatureHeader carries "sha256=<hex>", the HMAC-SHA256 of
	// "<timestamp>.<body>" keyed by the channel credential.
	SignatureHeader = "X-Gatekeep-Signature"
	// TimestampHeader carries the signing time in Unix seconds.
	TimestampHeader = "X-Gatekeep-Timestamp"
)

var errNonPublicTarget = errors.New("webhook target is not a public address")

// Carrier-grade NAT space is not covered by netip.Addr.IsPrivate.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

type webhookPayload struct {
	Channel  string            `json:"channel"`
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
	SentAt   time.Time         `json:"sent_at"`
}

// WebhookSender POSTs a JSON payload to the channel's url. Unless the
// channel sets allow_private, the URL must resolve only to public
// addresses, and redirects are never followed.
type WebhookSender struct {
	client     *http.Client
	logger     *slog.Logger
	now        func() time.Time
	lookupHost func(host string) ([]string, error)
}

func NewWebhookSender(logger *slog.Logger) *WebhookSender {
	return &WebhookSender{
		client: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:     logger,
		now:        time.Now,
		lookupHost: net.LookupHost,
	}
}

func (s *WebhookSender) Type() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, ch *Channel, secret *secrets.Secret, msg *Message) error {
	target := ch.Config["url"]
	if target == "" {
		return fmt.Errorf("webhook channel %q has no url", ch.Name)
	}
	if private, _ := strconv.ParseBool(ch.Config["allow_private"]); !private {
		if err := s.validateWebhookURL(target); err != nil {
			return err
		}
	}

	sentAt := s.now().UTC()
	body, err := json.Marshal(webhookPayload{
		Channel:  ch.Name,
		Subject:  msg.Subject,
		Body:     msg.Body,
		Metadata: msg.Metadata,
		SentAt:   sentAt,
	})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	header := http.Header{}
	if secret != nil {
		ts := strconv.FormatInt(sentAt.Unix(), 10)
		header.Set(TimestampHeader, ts)
		header.Set(SignatureHeader, "sha256="+Sign(secret.Bytes(), signedContent(ts, body)))
	}
	if _, err := post(ctx, s.client, target, body, header); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

func signedContent(ts string, body []byte) []byte {
	out := make([]byte, 0, len(ts)+1+len(body))
	out = append(out, ts...)
	out = append(out, '.')
	return append(out, body...)
}

// Sign returns the hex HMAC-SHA256 of content keyed by key.
func Sign(key, content []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(content)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body signed at ts.
func Verify(key []byte, ts string, body []byte, signature string) bool {
	want := "sha256=" + Sign(key, signedContent(ts, body))
	return hmac.Equal([]byte(want), []byte(signature))
}

// validateWebhookURL requires an http(s) URL whose host resolves only to
// public addresses.
func (s *WebhookSender) validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url: unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("%w: %s", errNonPublicTarget, host)
	}

	addrs, err := s.lookupHost(host)
	if err != nil {
		return fmt.Errorf("webhook url: resolving %s: %w", host, err)
	}
	for _, a := range addrs {
		ip, err := netip.ParseAddr(a)
		if err != nil {
			continue
		}
		if !isPublic(ip.Unmap()) {
			return fmt.Errorf("%w: %s resolves to %s", errNonPublicTarget, host, ip)
		}
	}
	return nil
}

func isPublic(ip netip.Addr) bool {
	return !ip.IsLoopback() &&
		!ip.IsPrivate() &&
		!ip.IsLinkLocalUnicast() &&
		!ip.IsLinkLocalMulticast() &&
		!ip.IsUnspecified() &&
		!sharedAddressSpace.Contains(ip)
}
