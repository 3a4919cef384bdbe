package feedcache

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// InvalidateSubject carries cross-instance invalidations. The payload is a
// user id, or ALL (or empty) for every user.
const InvalidateSubject = "feed.cache.invalidate"

const originHeader = "Feed-Origin"

// Bus publishes and applies invalidations over core NATS.
type Bus struct {
	nc      *nats.Conn
	subject string
	origin  string
	log     *zap.Logger
}

// NewBus creates a Bus. Each Bus has its own origin id so an instance can
// skip the echo of its own broadcasts.
func NewBus(nc *nats.Conn, subject string, log *zap.Logger) *Bus {
	if subject == "" {
		subject = InvalidateSubject
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{nc: nc, subject: subject, origin: uuid.NewString(), log: log}
}

func (b *Bus) Broadcast(userID string) error {
	payload := userID
	if payload == "" {
		payload = "ALL"
	}
	msg := nats.NewMsg(b.subject)
	msg.Data = []byte(payload)
	msg.Header.Set(originHeader, b.origin)
	return b.nc.PublishMsg(msg)
}

// Bind applies every invalidation published by other instances or services to c.
func (b *Bus) Bind(c *Cache) (*nats.Subscription, error) {
	return b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		if m.Header != nil && m.Header.Get(originHeader) == b.origin {
			return
		}
		user := strings.TrimSpace(string(m.Data))
		if strings.EqualFold(user, "ALL") {
			user = ""
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.ApplyRemote(ctx, user); err != nil {
			b.log.Warn("remote invalidation failed", zap.String("user_id", user), zap.Error(err))
		}
	})
}
