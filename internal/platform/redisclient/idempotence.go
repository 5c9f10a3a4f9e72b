package redisclient

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/merlt/merlt-backend/internal/platform/envutil"
)

const processedKeyPrefix = "merlt:feedback:processed:"

// MarkIfUnprocessed claims the feedback id with SETNX so exactly one
// delivery wins, even across concurrent requests and instances.
func (c *Client) MarkIfUnprocessed(ctx context.Context, feedbackID uuid.UUID) (bool, error) {
	ttl := envutil.Duration("FEEDBACK_PROCESSED_TTL", 90*24*time.Hour)
	return c.rdb.SetNX(ctx, processedKeyPrefix+feedbackID.String(), "1", ttl).Result()
}

// ReleaseClaim drops a claim whose record could not be applied.
func (c *Client) ReleaseClaim(ctx context.Context, feedbackID uuid.UUID) error {
	return c.rdb.Del(ctx, processedKeyPrefix+feedbackID.String()).Err()
}
