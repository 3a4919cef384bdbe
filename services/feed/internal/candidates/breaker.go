package candidates

import (
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/example/shortvideo-platform/services/feed/internal/errs"
	"github.com/example/shortvideo-platform/services/feed/internal/metrics"
)

// BreakerConfig tunes the circuit breaker in front of the engagement store.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// NewBreaker builds a breaker that trips on consecutive transient failures.
// Validation, not-found and caller cancellation do not count as failures.
func NewBreaker(cfg BreakerConfig, log *zap.Logger) *gobreaker.CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "engagement-store"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errs.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
			log.Info("circuit-breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
