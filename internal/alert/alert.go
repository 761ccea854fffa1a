// Package alert delivers operator alerts for events that need a human,
// such as jobs landing in the dead-letter table.
package alert

import (
	"context"
	"fmt"
	"log"

	"github.com/slack-go/slack"
)

// Alerter is implemented by alert sinks. Delivery is best-effort; the
// caller treats failures as non-fatal.
type Alerter interface {
	Alert(ctx context.Context, summary, detail string) error
}

// LogAlerter writes alerts to the process log. It is the fallback when
// no chat integration is configured.
type LogAlerter struct{}

// Alert logs the alert.
func (LogAlerter) Alert(_ context.Context, summary, detail string) error {
	log.Printf("ALERT: %s: %s", summary, detail)
	return nil
}

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackAlerter posts alerts to a Slack channel.
type SlackAlerter struct {
	client  slackClient
	channel string
}

// SlackOpts holds parameters for creating a SlackAlerter.
type SlackOpts struct {
	Token   string
	Channel string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// NewSlack creates a SlackAlerter.
func NewSlack(opts SlackOpts) (*SlackAlerter, error) {
	if opts.Channel == "" {
		return nil, fmt.Errorf("alert: slack channel is required")
	}
	client := opts.Client
	if client == nil {
		if opts.Token == "" {
			return nil, fmt.Errorf("alert: slack token is required")
		}
		client = slack.New(opts.Token)
	}
	return &SlackAlerter{client: client, channel: opts.Channel}, nil
}

// Alert posts the alert as a Slack message.
func (s *SlackAlerter) Alert(ctx context.Context, summary, detail string) error {
	text := fmt.Sprintf(":rotating_light: *%s*\n%s", summary, detail)
	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("alert: slack post: %w", err)
	}
	return nil
}
