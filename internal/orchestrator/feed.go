package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-forge/internal/agent"
	"github.com/nidhogg/nuka-forge/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultFeedStream is the Redis stream audit entries are published to.
const DefaultFeedStream = "forge:audit"

// Subscribe backs off between failed reads within these bounds.
const (
	minReadBackoff = 100 * time.Millisecond
	maxReadBackoff = 5 * time.Second
)

// FeedEvent is one audit entry as it travels over the stream.
type FeedEvent struct {
	Action    agent.ActionType `json:"action"`
	Stage     agent.Stage      `json:"stage"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"timestamp"`
}

// Feed publishes derived audit entries to a Redis stream so other
// processes can follow the audit trail.
type Feed struct {
	rdb     *redis.Client
	stream  string
	pending chan FeedEvent
	logger  *zap.Logger
}

// NewFeed connects to redisURL and verifies the connection.
func NewFeed(redisURL, stream string, logger *zap.Logger) (*Feed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if stream == "" {
		stream = DefaultFeedStream
	}
	return &Feed{
		rdb:     rdb,
		stream:  stream,
		pending: make(chan FeedEvent, 256),
		logger:  logger,
	}, nil
}

// Observe is a store observer. It never blocks the apply cycle: when the
// publisher falls behind, entries are dropped.
func (f *Feed) Observe(c store.Change) {
	for _, e := range c.Audit {
		ev := FeedEvent{Action: c.Action.Type(), Stage: e.Stage, Message: e.Message, Timestamp: e.Timestamp}
		select {
		case f.pending <- ev:
		default:
			f.logger.Warn("audit feed full, dropping entry", zap.String("message", e.Message))
		}
	}
}

// Run publishes queued entries until ctx is done.
func (f *Feed) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-f.pending:
			if err := f.Publish(ctx, ev); err != nil && ctx.Err() == nil {
				f.logger.Warn("publish audit entry", zap.Error(err))
			}
		}
	}
}

// Publish appends one event to the stream.
func (f *Feed) Publish(ctx context.Context, ev FeedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = f.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: f.stream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", f.stream, err)
	}
	f.logger.Debug("published audit entry", zap.String("action", string(ev.Action)))
	return nil
}

// Subscribe streams events from the feed. from is a stream id; "$" only
// delivers new entries and "0" replays the stream. Cancel ctx to stop.
func (f *Feed) Subscribe(ctx context.Context, from string) <-chan FeedEvent {
	ch := make(chan FeedEvent, 16)
	if from == "" {
		from = "$"
	}

	go func() {
		defer close(ch)
		lastID := from
		backoff := minReadBackoff

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := f.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{f.stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if errors.Is(err, redis.Nil) {
				// Block timed out with nothing new.
				continue
			}
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				f.logger.Warn("audit feed read failed", zap.Error(err), zap.Duration("retry_in", backoff))
				timer := time.NewTimer(backoff)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
				backoff = min(backoff*2, maxReadBackoff)
				continue
			}
			backoff = minReadBackoff

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev FeedEvent
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (f *Feed) Close() error {
	return f.rdb.Close()
}
