package redisclient

import (
	"context"
	"encoding/json"
	"time"

	"github.com/merlt/merlt-backend/internal/platform/envutil"
)

const (
	feedbackCountKeyPrefix = "merlt:feedback:count:"
	rolloutChannelDefault  = "merlt:rollout:candidates"
)

// CandidateReadyEvent is what the external A/B rollout controller consumes.
// This core only signals readiness; traffic splitting happens elsewhere.
type CandidateReadyEvent struct {
	WeightSetID   string    `json:"weight_set_id"`
	FeedbackCount int64     `json:"feedback_count"`
	EmittedAt     time.Time `json:"emitted_at"`
}

// IncrFeedbackCount bumps the cumulative feedback counter for a weight set
// and returns the new total.
func (c *Client) IncrFeedbackCount(ctx context.Context, weightSetID string) (int64, error) {
	return c.rdb.Incr(ctx, feedbackCountKeyPrefix+weightSetID).Result()
}

// CandidateReady publishes a candidate-ready event for the rollout controller.
func (c *Client) CandidateReady(ctx context.Context, weightSetID string, count int64) error {
	ev := CandidateReadyEvent{
		WeightSetID:   weightSetID,
		FeedbackCount: count,
		EmittedAt:     time.Now().UTC(),
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	channel := envutil.String("ROLLOUT_CHANNEL", rolloutChannelDefault)
	if err := c.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		return err
	}
	c.log.Info("candidate-ready emitted", "weight_set_id", weightSetID, "feedback_count", count)
	return nil
}
