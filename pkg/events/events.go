// Package events fans confirmed mint outcomes out over NATS.
package events

import (
	"context"
	"time"

	metatx "github.com/mintrelay/metatx"
)

// Event topic constants
const (
	TopicMintConfirmed = "metatx.mint.confirmed"
)

// MintConfirmed is published once per confirmed handle
type MintConfirmed struct {
	OutcomeID        string `json:"outcome_id"`
	SourceContract   string `json:"source_contract"`
	SubmissionHandle string `json:"submission_handle"`
	BlockNumber      uint64 `json:"block_number,omitempty"`
	ConfirmedAt      int64  `json:"confirmed_at"`
}

// Publisher publishes JSON-encoded events to a topic
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// OutcomePublisher adapts a Publisher to metatx.OutcomePublisher
type OutcomePublisher struct {
	pub Publisher
	now func() time.Time
}

func NewOutcomePublisher(pub Publisher) *OutcomePublisher {
	return &OutcomePublisher{pub: pub, now: time.Now}
}

func (p *OutcomePublisher) PublishOutcome(ctx context.Context, outcome metatx.MintOutcome) error {
	return p.pub.Publish(ctx, TopicMintConfirmed, MintConfirmed{
		OutcomeID:        outcome.OutcomeID,
		SourceContract:   outcome.SourceContract.Hex(),
		SubmissionHandle: outcome.SubmissionHandle.String(),
		BlockNumber:      outcome.BlockNumber,
		ConfirmedAt:      p.now().Unix(),
	})
}
