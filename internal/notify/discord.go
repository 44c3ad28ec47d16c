package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordSink posts alerts to a Discord channel through the REST API.
// It never opens a gateway session.
type DiscordSink struct {
	session *discordgo.Session
	channel string
	logger  *zap.Logger
}

// NewDiscordSink creates a sink for a bot token.
func NewDiscordSink(token, channel string, logger *zap.Logger) (*DiscordSink, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordSink{session: session, channel: channel, logger: logger}, nil
}

func (s *DiscordSink) Name() string { return "discord" }

func (s *DiscordSink) Notify(ctx context.Context, a Alert) error {
	content := fmt.Sprintf("**%s** `%s`\n%s", a.Kind, a.AgentID, a.Message)
	msg, err := s.session.ChannelMessageSend(s.channel, content, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	s.logger.Debug("alert posted to discord", zap.String("channel", s.channel), zap.String("message", msg.ID))
	return nil
}
