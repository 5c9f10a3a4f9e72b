package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// FeedbackEvent is the archived form of an applied FeedbackRecord. Read-only
// after creation; the training-example generator consumes it downstream.
type FeedbackEvent struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	FeedbackID uuid.UUID      `gorm:"type:uuid;uniqueIndex" json:"feedback_id"`
	RequestID  uuid.UUID      `gorm:"type:uuid;index" json:"request_id"`
	UserID     uuid.UUID      `gorm:"type:uuid;index" json:"user_id"`
	Rating     int            `json:"rating"`
	Authority  float64        `json:"authority"`
	WeightSet  string         `gorm:"index" json:"weight_set"`
	Payload    datatypes.JSON `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
}

// UserAccount backs the authority scorer. Rows are provisioned by the
// community-platform sync job, not by this service.
type UserAccount struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Role               string    `gorm:"index" json:"role"`
	HistoricalAccuracy float64   `json:"historical_accuracy"`
	ConsensusRate      float64   `json:"consensus_rate"`
	Reputation         float64   `json:"reputation"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}
