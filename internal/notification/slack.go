package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/gatekeep/internal/secrets"
)

const slackPostMessageURL = "https://slack.com/api/chat.postMessage"

// SlackSender posts to chat.postMessage with the channel credential as the
// bot token.
type SlackSender struct {
	apiURL string
	client *http.Client
	logger *slog.Logger
}

func NewSlackSender(logger *slog.Logger) *SlackSender {
	return &SlackSender{
		apiURL: slackPostMessageURL,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

func (s *SlackSender) Type() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, ch *Channel, secret *secrets.Secret, msg *Message) error {
	channelID := ch.Config["channel_id"]
	if channelID == "" {
		return fmt.Errorf("slack channel %q has no channel_id", ch.Name)
	}
	if secret == nil || secret.IsCleared() {
		return fmt.Errorf("slack channel %q has no bot token", ch.Name)
	}

	text := msg.Body
	if msg.Subject != "" {
		text = "*" + msg.Subject + "*\n" + text
	}
	body, err := json.Marshal(struct {
		Channel string `json:"channel"`
		Text    string `json:"text"`
		Mrkdwn  bool   `json:"mrkdwn"`
	}{channelID, text, true})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+string(secret.Bytes()))
	respBody, err := post(ctx, s.client, s.apiURL, body, header)
	if err != nil {
		return fmt.Errorf("slack: %w", err)
	}

	// chat.postMessage reports failures in the body with a 200 status.
	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("slack: decoding response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("slack: %s", result.Error)
	}
	return nil
}
