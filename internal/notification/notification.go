// Package notification delivers gatekeep security alerts, such as repeated
// failed logins, to webhook and Slack channels.
//
// Security: every delivery attempt is audit-logged. Channel credentials are
// resolved through a secrets.Provider for each send and cleared as soon as
// the request has been made; they are never kept in memory between sends.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/gatekeep/internal/secrets"
	"github.com/jkaninda/gatekeep/internal/security"
)

// Channel is a configured notification destination.
type Channel struct {
	Name          string            // Unique (e.g. "ops-webhook", "slack-secops").
	Type          string            // "webhook" or "slack".
	Config        map[string]string // Channel-specific settings (url, channel_id).
	CredentialRef string            // Optional secret reference, e.g. "env://SLACK_BOT_TOKEN".
}

// Message is the payload to be sent through a notification channel.
type Message struct {
	Subject  string            // Title line.
	Body     string            // Plain text body.
	Metadata map[string]string // Extra data (alert kind, caller, threshold).
}

// Sender is the interface for a single notification channel backend.
type Sender interface {
	// Type returns the channel type identifier ("webhook", "slack").
	Type() string
	// Send delivers msg to ch. secret is nil when the channel has no
	// CredentialRef; the dispatcher clears it after Send returns.
	Send(ctx context.Context, ch *Channel, secret *secrets.Secret, msg *Message) error
}

// Dispatcher routes notifications to the Sender for each channel's type.
// Safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	senders  map[string]Sender
	channels []Channel
	secrets  secrets.Provider
	audit    security.AuditAppender
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher for channels. provider resolves
// channel credentials; audit may be nil.
func NewDispatcher(channels []Channel, provider secrets.Provider, audit security.AuditAppender, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		senders:  make(map[string]Sender),
		channels: channels,
		secrets:  provider,
		audit:    audit,
		logger:   logger,
	}
}

// RegisterSender adds a channel backend.
func (d *Dispatcher) RegisterSender(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[s.Type()] = s
}

// Channels returns the configured channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.channels))
	for i, ch := range d.channels {
		names[i] = ch.Name
	}
	return names
}

// Notify sends msg to every channel and returns the joined per-channel
// errors.
func (d *Dispatcher) Notify(ctx context.Context, msg *Message) error {
	var errs []error
	for i := range d.channels {
		ch := &d.channels[i]
		cleared, err := d.send(ctx, ch, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.Name, err))
			d.auditNotify(ctx, ch, cleared, security.AuditResultFailure, err.Error())
			d.logger.WarnContext(ctx, "notification send failed",
				slog.String("channel", ch.Name),
				slog.String("type", ch.Type),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.auditNotify(ctx, ch, cleared, security.AuditResultSuccess, "")
		d.logger.InfoContext(ctx, "notification sent",
			slog.String("channel", ch.Name),
			slog.String("type", ch.Type),
		)
	}
	return errors.Join(errs...)
}

// send delivers msg to ch and reports whether the channel credential, if
// any, was cleared afterwards.
func (d *Dispatcher) send(ctx context.Context, ch *Channel, msg *Message) (bool, error) {
	d.mu.RLock()
	sender, ok := d.senders[ch.Type]
	d.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("no sender registered for channel type %q", ch.Type)
	}

	if ch.CredentialRef == "" {
		return false, sender.Send(ctx, ch, nil, msg)
	}
	if d.secrets == nil {
		return false, errors.New("channel has a credential reference but no secret provider is configured")
	}
	secret, err := d.secrets.Resolve(ctx, ch.CredentialRef)
	if err != nil {
		return false, fmt.Errorf("resolving credential: %w", err)
	}

	err = sender.Send(ctx, ch, secret, msg)
	if clearErr := secret.Clear(); clearErr != nil {
		err = errors.Join(err, clearErr)
	}
	return secret.IsCleared(), err
}

func (d *Dispatcher) auditNotify(ctx context.Context, ch *Channel, cleared bool, result, errMsg string) {
	if d.audit == nil {
		return
	}
	_ = d.audit.LogAction(ctx, security.AuditEvent{
		Timestamp:     time.Now().UTC(),
		CorrelationID: uuid.NewString(),
		Caller:        ch.Name,
		Action:        "notify",
		Mechanism:     ch.Type,
		Result:        result,
		Cleared:       cleared,
		Error:         errMsg,
	})
}
