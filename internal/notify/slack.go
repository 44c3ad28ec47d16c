package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackSink posts alerts to a Slack channel with a bot token.
type SlackSink struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackSink creates a sink. botToken is the Bot User OAuth Token
// (xoxb-...). Extra client options are passed through to slack.New.
func NewSlackSink(botToken, channel string, logger *zap.Logger, opts ...slack.Option) *SlackSink {
	return &SlackSink{
		client:  slack.New(botToken, opts...),
		channel: channel,
		logger:  logger,
	}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Notify(ctx context.Context, a Alert) error {
	opts := []slack.MsgOption{
		slack.MsgOptionText(a.Text(), false),
		slack.MsgOptionUsername("nuka-forge"),
		slack.MsgOptionIconEmoji(emoji(a.Kind)),
	}
	_, ts, err := s.client.PostMessageContext(ctx, s.channel, opts...)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	s.logger.Debug("alert posted to slack", zap.String("channel", s.channel), zap.String("ts", ts))
	return nil
}

func emoji(k Kind) string {
	switch k {
	case KindGovernanceIntervention:
		return ":octagonal_sign:"
	case KindAnomaly:
		return ":warning:"
	default:
		return ":robot_face:"
	}
}
