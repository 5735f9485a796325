package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	metatx "github.com/mintrelay/metatx"
)

// SponsorBackend is the subset of *ethclient.Client the sponsor needs
type SponsorBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// tipPercent scales the suggested priority fee per speed hint
var tipPercent = map[metatx.SpeedHint]int64{
	metatx.SpeedSafeLow: 80,
	metatx.SpeedAverage: 100,
	metatx.SpeedFast:    125,
	metatx.SpeedFastest: 150,
}

// rejectionMarkers identify node errors caused by the transaction itself
// rather than the channel. They are not worth retrying unchanged.
var rejectionMarkers = []string{
	"insufficient funds",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"gas limit reached",
	"invalid sender",
	"oversized data",
	"tx type not supported",
}

// Sponsor pays for and submits forwarder calls. It implements
// metatx.RelayTransport with an in-process fee payer.
type Sponsor struct {
	backend SponsorBackend
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer
	log     zerolog.Logger

	// mu serializes nonce assignment for the sponsor account
	mu        sync.Mutex
	nextNonce uint64
	haveNonce bool
}

// NewSponsor creates a sponsor for chainID funded by key
func NewSponsor(backend SponsorBackend, key *ecdsa.PrivateKey, chainID *big.Int, logger *zerolog.Logger) *Sponsor {
	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}
	return &Sponsor{
		backend: backend,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).Set(chainID),
		signer:  types.LatestSignerForChainID(chainID),
		log:     log.With().Str("component", "sponsor").Logger(),
	}
}

// Address of the fee-paying account
func (s *Sponsor) Address() common.Address {
	return s.address
}

// Send signs an EIP-1559 transaction to tx.TargetContract with gas limit
// tx.GasCeiling and broadcasts it. It returns the transaction hash without
// waiting for inclusion.
func (s *Sponsor) Send(ctx context.Context, tx metatx.RelayTransaction) (metatx.RelayReceipt, error) {
	if len(tx.EncodedPayload) == 0 {
		return metatx.RelayReceipt{}, metatx.SubmissionRejected("encoded payload is empty", nil)
	}
	if tx.GasCeiling == 0 {
		return metatx.RelayReceipt{}, metatx.SubmissionRejected("gas ceiling is required", nil)
	}
	percent, ok := tipPercent[tx.SpeedHint]
	if !ok {
		return metatx.RelayReceipt{}, metatx.SubmissionRejected(fmt.Sprintf("unknown speed hint %q", tx.SpeedHint), nil)
	}

	tipCap, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return metatx.RelayReceipt{}, metatx.TransportError("failed to get tip cap", err)
	}
	tipCap = new(big.Int).Div(new(big.Int).Mul(tipCap, big.NewInt(percent)), big.NewInt(100))

	head, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return metatx.RelayReceipt{}, metatx.TransportError("failed to get latest header", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	// feeCap = 2*baseFee + tip
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tipCap)

	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.backend.PendingNonceAt(ctx, s.address)
	if err != nil {
		return metatx.RelayReceipt{}, metatx.TransportError("failed to get sponsor nonce", err)
	}
	nonce := pending
	if s.haveNonce && s.nextNonce > nonce {
		nonce = s.nextNonce
	}

	to := tx.TargetContract
	signed, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       tx.GasCeiling,
		To:        &to,
		Value:     new(big.Int),
		Data:      tx.EncodedPayload,
	}), s.signer, s.key)
	if err != nil {
		return metatx.RelayReceipt{}, metatx.SubmissionRejected("failed to sign sponsor transaction", err)
	}

	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		if isRejection(err) {
			return metatx.RelayReceipt{}, metatx.SubmissionRejected("node rejected sponsor transaction", err)
		}
		// The nonce may or may not have been consumed; re-read it next time.
		s.haveNonce = false
		return metatx.RelayReceipt{}, metatx.TransportError("failed to broadcast sponsor transaction", err)
	}

	s.nextNonce = nonce + 1
	s.haveNonce = true

	hash := signed.Hash().Hex()
	s.log.Info().
		Str("handle", hash).
		Uint64("sponsor_nonce", nonce).
		Str("speed", string(tx.SpeedHint)).
		Uint64("gas", tx.GasCeiling).
		Msg("sponsor transaction sent")
	return metatx.RelayReceipt{SubmissionID: metatx.SubmissionHandle(hash)}, nil
}

func isRejection(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range rejectionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
