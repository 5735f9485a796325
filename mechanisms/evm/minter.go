// Package evm implements the forward-request meta-transaction protocol on EVM
// chains: EIP-712 typed data for an ERC-2771 forwarder, request building,
// signing, verification, execute encoding, relaying and confirmation.
package evm

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	metatx "github.com/mintrelay/metatx"
)

// ForwarderMinterConfig holds configuration for creating a Minter backed by
// the EVM components of this package.
type ForwarderMinterConfig struct {
	// Domain of the forwarding contract. VerifyingContract is the relay target.
	Domain metatx.DomainDescriptor

	// Token is the contract minted through the forwarder and the emitter of
	// the outcome event.
	Token common.Address

	Signer    metatx.SigningCapability
	Counter   metatx.CounterSource
	Receipts  metatx.ReceiptSource
	Transport metatx.RelayTransport

	// Request defaults (optional)
	RequestGas     uint64
	ValidityPeriod time.Duration

	// Relay settings (optional)
	Speed      metatx.SpeedHint
	GasCeiling uint64

	// Outcome extraction (optional, defaults to the ERC-721 Transfer tokenId)
	EventSignature string
	TopicIndex     int

	ConfirmationTimeout time.Duration
	PollInterval        time.Duration

	Ledger    metatx.SubmissionLedger
	Publisher metatx.OutcomePublisher
	Logger    *zerolog.Logger
}

// NewForwarderMinter wires builder, signer, verifier, codec, submitter and
// tracker into a metatx.Minter.
func NewForwarderMinter(cfg ForwarderMinterConfig) (*metatx.Minter, error) {
	if cfg.Counter == nil {
		return nil, fmt.Errorf("counter source is required")
	}

	var builderOpts []BuilderOption
	if cfg.RequestGas != 0 {
		builderOpts = append(builderOpts, WithDefaultGas(cfg.RequestGas))
	}
	if cfg.ValidityPeriod != 0 {
		builderOpts = append(builderOpts, WithValidityWindow(cfg.ValidityPeriod))
	}

	requestGas, ceiling := cfg.RequestGas, cfg.GasCeiling
	if requestGas == 0 {
		requestGas = DefaultRequestGas
	}
	if ceiling == 0 {
		ceiling = DefaultGasCeiling
	}
	if ceiling <= requestGas {
		return nil, fmt.Errorf("gas ceiling %d must exceed request gas %d", ceiling, requestGas)
	}

	submitter, err := NewRelaySubmitter(cfg.Transport, SubmitterConfig{
		Target:     cfg.Domain.VerifyingContract,
		Speed:      cfg.Speed,
		GasCeiling: cfg.GasCeiling,
	})
	if err != nil {
		return nil, err
	}

	eventSig := cfg.EventSignature
	if eventSig == "" {
		eventSig = TransferEventSignature
	}
	topicIndex := cfg.TopicIndex
	if topicIndex == 0 {
		topicIndex = TransferTokenIDTopic
	}
	tracker, err := NewConfirmationTracker(cfg.Receipts, TrackerConfig{
		EventSignature: eventSig,
		TopicIndex:     topicIndex,
		Emitter:        cfg.Token,
		Timeout:        cfg.ConfirmationTimeout,
		PollInterval:   cfg.PollInterval,
		Logger:         cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	return metatx.NewMinter(metatx.MinterConfig{
		Target:    cfg.Token,
		Signer:    cfg.Signer,
		Builder:   NewRequestBuilder(cfg.Counter, builderOpts...),
		Signing:   NewTypedDataSigner(cfg.Domain),
		Verifier:  NewVerifier(cfg.Domain, cfg.Counter),
		Encoder:   ExecuteCodec{},
		Submitter: submitter,
		Tracker:   tracker,
		Ledger:    cfg.Ledger,
		Publisher: cfg.Publisher,
		Logger:    cfg.Logger,
	})
}
