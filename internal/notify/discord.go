package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/quarrylabs/quarry/internal/job"
)

// session abstracts the discordgo methods we use, enabling test mocks.
type session interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendEmbed(channelID, embed, options...)
}

// DiscordAdapter posts terminal job events to one Discord channel over the
// REST API. Send-only: the gateway is never opened.
type DiscordAdapter struct {
	sess      session
	channelID string
}

// DiscordOpts holds parameters for creating a DiscordAdapter.
type DiscordOpts struct {
	Token     string
	ChannelID string
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// NewDiscord creates a Discord adapter.
func NewDiscord(opts DiscordOpts) (*DiscordAdapter, error) {
	if opts.Session == nil && opts.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("discord: channel ID is required")
	}
	a := &DiscordAdapter{channelID: opts.ChannelID}
	if opts.Session != nil {
		a.sess = opts.Session
	} else {
		s, err := discordgo.New("Bot " + opts.Token)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		a.sess = &realSession{s: s}
	}
	return a, nil
}

// Name implements Adapter.
func (a *DiscordAdapter) Name() string { return "discord" }

// Send posts the event as an embed with a status-colored accent.
func (a *DiscordAdapter) Send(ctx context.Context, evt Event) error {
	_, err := a.sess.ChannelMessageSendEmbed(a.channelID, eventToEmbed(evt), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: send embed: %w", err)
	}
	return nil
}

// eventToEmbed converts an Event to a Discord embed.
func eventToEmbed(evt Event) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: headline(evt),
		Color: discordColor(evt.Status),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Job", Value: evt.JobID, Inline: true},
			{Name: "Status", Value: string(evt.Status), Inline: true},
		},
	}
	if evt.RepositoryURL != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Repository", Value: evt.RepositoryURL,
		})
	}
	if evt.Duration > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Duration", Value: evt.Duration.Round(time.Second).String(), Inline: true,
		})
	}
	if evt.ErrorMessage != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Error", Value: evt.ErrorMessage,
		})
	}
	if !evt.FinishedAt.IsZero() {
		embed.Timestamp = evt.FinishedAt.Format(time.RFC3339)
	}
	return embed
}

func discordColor(s job.Status) int {
	switch s {
	case job.StatusCompleted:
		return 0x36a64f
	case job.StatusFailed:
		return 0xd00000
	default:
		return 0x808080
	}
}
