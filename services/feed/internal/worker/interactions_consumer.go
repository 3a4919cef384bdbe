// Package worker runs the background consumers of the feed service.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/shortvideo-platform/internal/platform/analytics"
	"github.com/example/shortvideo-platform/services/feed/internal/interactions"
)

// ErrMalformed marks an event that can never be processed. Such messages
// are terminated instead of redelivered.
var ErrMalformed = errors.New("malformed interaction event")

// InteractionEvent is the part of an engagement event the feed reads.
type InteractionEvent struct {
	EventID    string         `json:"event_id"`
	EventName  string         `json:"event_name"`
	UserID     string         `json:"user_id"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Invalidator drops a user's cached feed.
type Invalidator interface {
	Invalidate(ctx context.Context, userID, reason string) error
}

// InteractionsConsumer invalidates feed caches for interactions recorded
// by other services.
type InteractionsConsumer struct {
	// Stream is created over Subject when missing.
	Stream    string
	Subject   string
	Durable   string
	BatchSize int
	MaxWait   time.Duration

	cache Invalidator
	log   *zap.Logger
}

func NewInteractionsConsumer(cache Invalidator, subject, durable string, log *zap.Logger) *InteractionsConsumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &InteractionsConsumer{
		Stream:    "ENGAGEMENT",
		Subject:   subject,
		Durable:   durable,
		BatchSize: 100,
		MaxWait:   2 * time.Second,
		cache:     cache,
		log:       log.With(zap.String("consumer", durable)),
	}
}

// Run pulls batches until ctx is done.
func (c *InteractionsConsumer) Run(ctx context.Context, js nats.JetStreamContext) error {
	err := analytics.EnsureStream(js, &nats.StreamConfig{
		Name:      c.Stream,
		Subjects:  []string{c.Subject},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	}, c.log)
	if err != nil {
		// Another stream may already own the subject.
		c.log.Warn("ensure stream", zap.String("stream", c.Stream), zap.Error(err))
	}

	sub, err := js.PullSubscribe(c.Subject, c.Durable)
	if err != nil {
		return fmt.Errorf("interactions consumer: subscribe %s: %w", c.Subject, err)
	}
	c.log.Info("interactions consumer started", zap.String("subject", c.Subject))

	for {
		select {
		case <-ctx.Done():
			c.log.Info("interactions consumer stopped")
			return nil
		default:
		}

		msgs, err := sub.Fetch(c.BatchSize, nats.MaxWait(c.MaxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			c.log.Warn("fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, m := range msgs {
			c.settle(m, c.Handle(ctx, m.Subject, m.Data))
		}
	}
}

func (c *InteractionsConsumer) settle(m *nats.Msg, err error) {
	var ackErr error
	switch {
	case err == nil:
		ackErr = m.Ack()
	case errors.Is(err, ErrMalformed):
		c.log.Warn("dropping event", zap.String("subject", m.Subject), zap.Error(err))
		ackErr = m.Term()
	default:
		c.log.Warn("invalidation failed, redelivering", zap.String("subject", m.Subject), zap.Error(err))
		ackErr = m.NakWithDelay(time.Second)
	}
	if ackErr != nil {
		c.log.Warn("ack failed", zap.String("subject", m.Subject), zap.Error(ackErr))
	}
}

// Handle processes one event. The action comes from event_name
// ("engagement_like") and falls back to the last subject token.
func (c *InteractionsConsumer) Handle(ctx context.Context, subject string, data []byte) error {
	var ev InteractionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	userID := strings.TrimSpace(ev.UserID)
	if userID == "" {
		return fmt.Errorf("%w: missing user_id", ErrMalformed)
	}

	action, ok := strings.CutPrefix(ev.EventName, "engagement_")
	if !ok || action == "" {
		action = subject[strings.LastIndexByte(subject, '.')+1:]
	}
	if !interactions.IsTasteSignal(action) {
		return nil
	}

	if err := c.cache.Invalidate(ctx, userID, "remote_"+action); err != nil {
		return err
	}
	c.log.Debug("feed cache invalidated", zap.String("user_id", userID), zap.String("action", action), zap.String("event_id", ev.EventID))
	return nil
}
