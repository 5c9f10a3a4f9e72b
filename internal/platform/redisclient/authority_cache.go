package redisclient

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/merlt/merlt-backend/internal/platform/envutil"
)

const authorityKeyPrefix = "merlt:authority:"

// GetAuthority returns the cached authority score for a user, if any.
func (c *Client) GetAuthority(ctx context.Context, userID uuid.UUID) (float64, bool, error) {
	val, err := c.rdb.Get(ctx, authorityKeyPrefix+userID.String()).Result()
	if err == goredis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	score, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, nil
	}
	return score, true, nil
}

// SetAuthority caches a freshly computed authority score.
func (c *Client) SetAuthority(ctx context.Context, userID uuid.UUID, score float64) error {
	ttl := envutil.Duration("AUTHORITY_CACHE_TTL", time.Hour)
	return c.rdb.Set(ctx, authorityKeyPrefix+userID.String(), strconv.FormatFloat(score, 'f', -1, 64), ttl).Err()
}
