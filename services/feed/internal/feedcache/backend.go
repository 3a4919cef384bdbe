// Package feedcache caches ranked feed windows per user, sort mode, seed and
// page window. Entries are derived state: losing them only costs a recompute.
//
// Invalidation is epoch based. Every user has an epoch and there is one
// global epoch; both are part of the storage key. Bumping an epoch makes
// every entry stored under the previous value unreachable, including entries
// written later by computations that started before the bump.
package feedcache

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// AnonymousUser is the cache scope of requests without a user.
const AnonymousUser = "anon"

// Key identifies one cached window.
type Key struct {
	UserID string
	Mode   string
	Seed   float64
	Window int
}

func (k Key) user() string {
	if k.UserID == "" {
		return AnonymousUser
	}
	return k.UserID
}

// String is the epoch-free form, used in logs and for uncached flights.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s:%d", k.user(), k.Mode, strconv.FormatFloat(k.Seed, 'g', -1, 64), k.Window)
}

// Epochs are the invalidation generations a key is resolved against.
type Epochs struct {
	Global uint64
	User   uint64
}

func storageKey(prefix string, k Key, ep Epochs) string {
	return fmt.Sprintf("%s:%s:g%d:u%d", prefix, k.String(), ep.Global, ep.User)
}

// Entry is one ranked window. Callers must not modify VideoIDs.
type Entry struct {
	VideoIDs []string `json:"video_ids"`
	// Total is the size of the whole ranked pool the window was cut from.
	Total      int       `json:"total"`
	ComputedAt time.Time `json:"computed_at"`
	// FreshRatio is the share of ids uploaded within the recent window.
	FreshRatio float64 `json:"fresh_ratio"`
}

// Backend stores entries and epochs. Implementations must be safe for
// concurrent use.
type Backend interface {
	Epochs(ctx context.Context, userID string) (Epochs, error)
	BumpUser(ctx context.Context, userID string) error
	BumpGlobal(ctx context.Context) error
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Set keeps e for at least ttl.
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}
