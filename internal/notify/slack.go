package notify

import (
	"context"
	"fmt"
	"time"

	slackapi "github.com/slack-go/slack"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackAdapter posts terminal job events to one Slack channel. Send-only:
// no Socket Mode, no inbound events.
type SlackAdapter struct {
	client  slackClient
	channel string
}

// SlackOpts holds parameters for creating a SlackAdapter.
type SlackOpts struct {
	Token   string
	Channel string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// NewSlack creates a Slack adapter.
func NewSlack(opts SlackOpts) (*SlackAdapter, error) {
	if opts.Client == nil && opts.Token == "" {
		return nil, fmt.Errorf("slack: token is required")
	}
	if opts.Channel == "" {
		return nil, fmt.Errorf("slack: channel is required")
	}
	a := &SlackAdapter{channel: opts.Channel}
	if opts.Client != nil {
		a.client = opts.Client
	} else {
		a.client = slackapi.New(opts.Token)
	}
	return a, nil
}

// Name implements Adapter.
func (a *SlackAdapter) Name() string { return "slack" }

// Send posts the event as an attachment with a status-colored bar.
func (a *SlackAdapter) Send(ctx context.Context, evt Event) error {
	att := slackapi.Attachment{
		Title:    headline(evt),
		Color:    statusColor(evt.Status),
		Fallback: headline(evt),
		Fields:   slackFields(evt),
	}
	_, _, err := a.client.PostMessageContext(ctx, a.channel,
		slackapi.MsgOptionText(headline(evt), false),
		slackapi.MsgOptionAttachments(att),
	)
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

func slackFields(evt Event) []slackapi.AttachmentField {
	fields := []slackapi.AttachmentField{
		{Title: "Job", Value: evt.JobID, Short: true},
		{Title: "Status", Value: string(evt.Status), Short: true},
	}
	if evt.RepositoryURL != "" {
		fields = append(fields, slackapi.AttachmentField{Title: "Repository", Value: evt.RepositoryURL})
	}
	if evt.Duration > 0 {
		fields = append(fields, slackapi.AttachmentField{
			Title: "Duration", Value: evt.Duration.Round(time.Second).String(), Short: true,
		})
	}
	if evt.ErrorMessage != "" {
		fields = append(fields, slackapi.AttachmentField{Title: "Error", Value: evt.ErrorMessage})
	}
	return fields
}
