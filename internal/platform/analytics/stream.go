package analytics

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// StreamName is the JetStream stream holding every analytics.> event.
const StreamName = "ANALYTICS"

// StreamConfig returns the stream layout for analytics events.
func StreamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"analytics.>"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    30 * 24 * time.Hour,
	}
}

// EnsureStream creates cfg's stream, or updates it when it already exists.
// Publishers and pull consumers both need a stream covering their subjects.
func EnsureStream(js nats.JetStreamManager, cfg *nats.StreamConfig, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	_, err := js.AddStream(cfg)
	if err == nil {
		log.Info("stream created", zap.String("stream", cfg.Name))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return err
	}
	if _, err := js.UpdateStream(cfg); err != nil {
		log.Warn("stream update failed (may already be up to date)", zap.String("stream", cfg.Name), zap.Error(err))
	}
	return nil
}
