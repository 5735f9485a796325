package metatx

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ============================================================================
// External collaborators
// ============================================================================

// CounterSource exposes the per-address anti-replay counter. It is read-only
// from this module's perspective; the forwarding contract increments it.
type CounterSource interface {
	NextNonce(ctx context.Context, from common.Address) (*big.Int, error)
}

// SigningCapability produces a detached signature over serialized
// eth_signTypedData_v4 JSON. Wallets, custodians and test keys implement it.
type SigningCapability interface {
	SignTypedData(ctx context.Context, typedData []byte) ([]byte, error)
}

// RelayTransport is the fee-sponsoring channel.
type RelayTransport interface {
	Send(ctx context.Context, tx RelayTransaction) (RelayReceipt, error)
}

// ReceiptSource looks up transaction receipts. Implementations return
// ethereum.NotFound while the transaction is pending.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// SubmissionLedger records handles so they survive the process.
type SubmissionLedger interface {
	RecordSubmission(ctx context.Context, rec SubmissionRecord) error
	RecordResolution(ctx context.Context, handle SubmissionHandle, status SubmissionStatus, outcomeID string) error
}

// OutcomePublisher fans confirmed outcomes out to other systems.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, outcome MintOutcome) error
}

// ============================================================================
// Pipeline stages
// ============================================================================

// RequestBuilder assembles a ForwardRequest from caller intent.
type RequestBuilder interface {
	BuildRequest(ctx context.Context, from, to common.Address, data []byte) (*ForwardRequest, error)
}

// RequestSigner binds a request to the domain and signs it.
type RequestSigner interface {
	SignRequest(ctx context.Context, req *ForwardRequest, signer SigningCapability) (*SignedForwardRequest, error)
}

// RequestVerifier checks signature, counter and deadline. Negative verdicts
// are values; a non-nil error means verification could not run at all.
type RequestVerifier interface {
	Verify(ctx context.Context, signed *SignedForwardRequest) (VerifyResult, error)
}

// ExecuteEncoder applies the forwarding contract's execute encoding.
type ExecuteEncoder interface {
	EncodeExecute(signed *SignedForwardRequest) ([]byte, error)
}

// Submitter relays an encoded payload and returns immediately.
type Submitter interface {
	Submit(ctx context.Context, payload []byte, innerGas *big.Int) (SubmissionHandle, error)
}

// Tracker resolves a handle into a terminal outcome.
type Tracker interface {
	Track(ctx context.Context, handle SubmissionHandle) (*MintOutcome, error)
}
