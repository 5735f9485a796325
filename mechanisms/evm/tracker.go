package evm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	metatx "github.com/mintrelay/metatx"
)

// TrackerConfig configures a ConfirmationTracker
type TrackerConfig struct {
	// EventSignature is the full canonical signature of the expected event,
	// e.g. "Transfer(address,address,uint256)".
	EventSignature string

	// TopicIndex is the position of the outcome id in the log topics.
	// Topic 0 is the event signature hash.
	TopicIndex int

	// Emitter is the contract expected to emit the event.
	Emitter common.Address

	// Timeout bounds one Track call (optional, defaults to 2m)
	Timeout time.Duration

	// PollInterval between receipt lookups (optional, defaults to 2s)
	PollInterval time.Duration

	Logger *zerolog.Logger
}

// ConfirmationTracker polls for a receipt and extracts the outcome id.
type ConfirmationTracker struct {
	receipts metatx.ReceiptSource
	topic0   common.Hash
	index    int
	emitter  common.Address
	timeout  time.Duration
	interval time.Duration
	log      zerolog.Logger
}

// NewConfirmationTracker validates cfg and creates a tracker
func NewConfirmationTracker(receipts metatx.ReceiptSource, cfg TrackerConfig) (*ConfirmationTracker, error) {
	if receipts == nil {
		return nil, fmt.Errorf("receipt source is required")
	}
	if cfg.EventSignature == "" {
		return nil, fmt.Errorf("event signature is required")
	}
	if cfg.TopicIndex < 1 || cfg.TopicIndex > 3 {
		return nil, fmt.Errorf("topic index must be 1..3, got %d", cfg.TopicIndex)
	}
	if cfg.Emitter == (common.Address{}) {
		return nil, fmt.Errorf("event emitter is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultConfirmationTimeout
	}
	interval := cfg.PollInterval
	if interval == 0 {
		interval = DefaultPollInterval
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &ConfirmationTracker{
		receipts: receipts,
		topic0:   crypto.Keccak256Hash([]byte(cfg.EventSignature)),
		index:    cfg.TopicIndex,
		emitter:  cfg.Emitter,
		timeout:  timeout,
		interval: interval,
		log:      logger.With().Str("component", "tracker").Logger(),
	}, nil
}

// Track blocks until handle reaches a terminal state or the timeout elapses.
// A timeout returns ConfirmationTimeout; the handle stays valid.
func (t *ConfirmationTracker) Track(ctx context.Context, handle metatx.SubmissionHandle) (*metatx.MintOutcome, error) {
	txHash, ok := handle.Hash()
	if !ok {
		return nil, metatx.InvalidRequest(fmt.Sprintf("malformed submission handle %q", handle))
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		receipt, err := t.receipts.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			return t.Extract(handle, receipt)
		case err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil:
			t.log.Debug().Err(err).Str("handle", handle.String()).Msg("receipt lookup failed, retrying")
		}

		select {
		case <-ctx.Done():
			return nil, metatx.NewHandleError(metatx.ErrCodeConfirmationTimeout, handle,
				fmt.Sprintf("no receipt within %s", t.timeout), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Extract maps a receipt to an outcome. It is pure.
func (t *ConfirmationTracker) Extract(handle metatx.SubmissionHandle, receipt *types.Receipt) (*metatx.MintOutcome, error) {
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, metatx.NewHandleError(metatx.ErrCodeReceiptReverted, handle, "transaction reverted", nil)
	}

	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != t.emitter || len(lg.Topics) <= t.index || lg.Topics[0] != t.topic0 {
			continue
		}
		outcome := &metatx.MintOutcome{
			OutcomeID:        lg.Topics[t.index].Big().String(),
			SourceContract:   lg.Address,
			SubmissionHandle: handle,
		}
		if receipt.BlockNumber != nil {
			outcome.BlockNumber = receipt.BlockNumber.Uint64()
		}
		return outcome, nil
	}

	return nil, metatx.NewHandleError(metatx.ErrCodeOutcomeNotFound, handle,
		fmt.Sprintf("no %s event from %s in receipt", t.topic0.Hex(), t.emitter.Hex()), nil)
}
