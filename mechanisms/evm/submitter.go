package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	metatx "github.com/mintrelay/metatx"
)

// SubmitterConfig configures a RelaySubmitter
type SubmitterConfig struct {
	// Target is the forwarding contract the sponsor calls.
	Target common.Address

	// Speed is the pricing hint passed to the sponsor (optional, defaults to fast)
	Speed metatx.SpeedHint

	// GasCeiling is the sponsor transaction gas limit (optional, defaults to 1,500,000).
	// It must exceed the inner request's gas.
	GasCeiling uint64
}

// RelaySubmitter hands encoded execute calls to a fee-sponsoring transport.
type RelaySubmitter struct {
	transport metatx.RelayTransport
	target    common.Address
	speed     metatx.SpeedHint
	ceiling   uint64
}

// NewRelaySubmitter validates cfg and creates a submitter
func NewRelaySubmitter(transport metatx.RelayTransport, cfg SubmitterConfig) (*RelaySubmitter, error) {
	if transport == nil {
		return nil, fmt.Errorf("relay transport is required")
	}
	if cfg.Target == (common.Address{}) {
		return nil, fmt.Errorf("relay target contract is required")
	}
	speed := cfg.Speed
	if speed == "" {
		speed = metatx.SpeedFast
	}
	if !speed.Valid() {
		return nil, fmt.Errorf("unknown speed hint %q", speed)
	}
	ceiling := cfg.GasCeiling
	if ceiling == 0 {
		ceiling = DefaultGasCeiling
	}
	return &RelaySubmitter{
		transport: transport,
		target:    cfg.Target,
		speed:     speed,
		ceiling:   ceiling,
	}, nil
}

// Submit relays payload and returns the handle as soon as the sponsor
// acknowledges it. It does not wait for inclusion.
func (s *RelaySubmitter) Submit(ctx context.Context, payload []byte, innerGas *big.Int) (metatx.SubmissionHandle, error) {
	if len(payload) == 0 {
		return "", metatx.InvalidRequest("encoded payload is empty")
	}
	if innerGas == nil || innerGas.Sign() <= 0 {
		return "", metatx.InvalidRequest("inner request gas is required")
	}
	if new(big.Int).SetUint64(s.ceiling).Cmp(innerGas) <= 0 {
		return "", metatx.InvalidRequest(fmt.Sprintf("gas ceiling %d does not exceed request gas %s", s.ceiling, innerGas))
	}

	receipt, err := s.transport.Send(ctx, metatx.RelayTransaction{
		TargetContract: s.target,
		EncodedPayload: payload,
		SpeedHint:      s.speed,
		GasCeiling:     s.ceiling,
	})
	if err != nil {
		if metatx.CodeOf(err) != "" {
			return "", err
		}
		return "", metatx.TransportError("relay send failed", err)
	}
	if receipt.SubmissionID == "" {
		return "", metatx.SubmissionRejected("relay returned an empty submission id", nil)
	}
	return receipt.SubmissionID, nil
}
