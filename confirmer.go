package metatx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ConfirmerConfig wires confirmation tracking. Ledger, Publisher and Logger
// are optional.
type ConfirmerConfig struct {
	Tracker   Tracker
	Ledger    SubmissionLedger
	Publisher OutcomePublisher
	Logger    *zerolog.Logger

	// CacheTTL for terminal verdicts (optional, defaults to 10m)
	CacheTTL time.Duration
}

// Confirmer resolves submission handles to a confirmed outcome or a terminal
// failure. Each verdict is written to the ledger and each confirmed outcome
// is published exactly once per poll, however many callers asked.
type Confirmer struct {
	tracker   Tracker
	ledger    SubmissionLedger
	publisher OutcomePublisher
	cache     *OutcomeCache
	log       zerolog.Logger
}

// NewConfirmer validates cfg and returns a ready Confirmer
func NewConfirmer(cfg ConfirmerConfig) (*Confirmer, error) {
	if cfg.Tracker == nil {
		return nil, errors.New("confirmer: tracker is required")
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = DefaultOutcomeCacheTTL
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Confirmer{
		tracker:   cfg.Tracker,
		ledger:    cfg.Ledger,
		publisher: cfg.Publisher,
		cache:     NewOutcomeCache(ttl),
		log:       logger.With().Str("component", "confirmer").Logger(),
	}, nil
}

// Recheck resolves a handle returned by an earlier timed-out attempt.
func (c *Confirmer) Recheck(ctx context.Context, handle SubmissionHandle) (*MintOutcome, error) {
	if _, ok := handle.Hash(); !ok {
		return nil, InvalidRequest(fmt.Sprintf("malformed submission handle %q", handle))
	}
	return c.resolve(ctx, handle, c.log.With().Str("handle", handle.String()).Logger())
}

func (c *Confirmer) resolve(ctx context.Context, handle SubmissionHandle, log zerolog.Logger) (*MintOutcome, error) {
	outcome, err := c.cache.Resolve(ctx, handle, func(pollCtx context.Context) (*MintOutcome, error) {
		outcome, err := c.tracker.Track(pollCtx, handle)
		if err != nil {
			c.recordResolution(pollCtx, handle, err, "", log)
			log.Info().Str("code", CodeOf(err)).Str("handle", handle.String()).Msg("confirmation failed")
			return nil, err
		}
		c.recordResolution(pollCtx, handle, nil, outcome.OutcomeID, log)
		if c.publisher != nil {
			if perr := c.publisher.PublishOutcome(pollCtx, *outcome); perr != nil {
				log.Warn().Err(perr).Msg("publish outcome failed")
			}
		}
		log.Info().Str("handle", handle.String()).Str("outcome", outcome.OutcomeID).Msg("mint confirmed")
		return outcome, nil
	})
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil, NewHandleError(ErrCodeConfirmationTimeout, handle, "gave up waiting for confirmation", err)
	}
	return outcome, err
}

func (c *Confirmer) recordResolution(ctx context.Context, handle SubmissionHandle, trackErr error, outcomeID string, log zerolog.Logger) {
	if c.ledger == nil {
		return
	}
	status := SubmissionConfirmed
	switch {
	case trackErr == nil:
	case errors.Is(trackErr, ErrReceiptReverted):
		status = SubmissionReverted
	case errors.Is(trackErr, ErrOutcomeNotFound):
		status = SubmissionOutcomeMissing
	default:
		// Still pending on chain as far as we know.
		return
	}
	if err := c.ledger.RecordResolution(ctx, handle, status, outcomeID); err != nil {
		log.Warn().Err(err).Str("handle", handle.String()).Msg("ledger update failed")
	}
}
