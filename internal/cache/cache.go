package cache

import (
	"context"
	"fmt"
	"time"
)

// RequestCurrentKey is the snapshot key for a tracking request. Intake writes
// it, the fulfillment worker drops it on terminal transitions so readers never
// poll a stale state.
func RequestCurrentKey(id string) string {
	return fmt.Sprintf("request:%s:current", id)
}

// BytesCache is a best-effort byte cache. Implementations must be safe for
// concurrent use; callers treat every error as a miss.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}
