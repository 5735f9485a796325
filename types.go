package metatx

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ForwardRequest is the unit of authorization signed by the user and
// executed by the forwarding contract on their behalf.
type ForwardRequest struct {
	From     common.Address `json:"from"`
	To       common.Address `json:"to"`
	Value    *big.Int       `json:"value"`
	Gas      *big.Int       `json:"gas"`
	Nonce    *big.Int       `json:"nonce"`
	Deadline uint64         `json:"deadline"`
	Data     []byte         `json:"data"`
}

// Clone returns a deep copy so a signed request cannot be mutated through
// a shared pointer or slice.
func (r ForwardRequest) Clone() ForwardRequest {
	out := ForwardRequest{
		From:     r.From,
		To:       r.To,
		Deadline: r.Deadline,
	}
	if r.Value != nil {
		out.Value = new(big.Int).Set(r.Value)
	}
	if r.Gas != nil {
		out.Gas = new(big.Int).Set(r.Gas)
	}
	if r.Nonce != nil {
		out.Nonce = new(big.Int).Set(r.Nonce)
	}
	if r.Data != nil {
		out.Data = append([]byte{}, r.Data...)
	}
	return out
}

// DeadlineTime returns the deadline as a wall-clock time.
func (r ForwardRequest) DeadlineTime() time.Time {
	return time.Unix(int64(r.Deadline), 0)
}

// SignedForwardRequest is a ForwardRequest plus the detached signature over
// its typed, domain-bound encoding. It is never persisted.
type SignedForwardRequest struct {
	Request   ForwardRequest `json:"request"`
	Signature []byte         `json:"signature"`
}

// NewSignedForwardRequest copies req and sig into an immutable pair.
func NewSignedForwardRequest(req ForwardRequest, sig []byte) *SignedForwardRequest {
	return &SignedForwardRequest{
		Request:   req.Clone(),
		Signature: append([]byte{}, sig...),
	}
}

// DomainDescriptor identifies the forwarding contract and chain a signature
// is valid for.
type DomainDescriptor struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           *big.Int       `json:"chainId"`
	VerifyingContract common.Address `json:"verifyingContract"`
}

// SubmissionHandle is the opaque reference returned by a relay. For the
// transports in this module it is the sponsor transaction hash.
type SubmissionHandle string

// Hash interprets the handle as a transaction hash. The 0x prefix is
// optional. The second return is false when the handle is not 32 bytes of hex.
func (h SubmissionHandle) Hash() (common.Hash, bool) {
	s := string(h)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

func (h SubmissionHandle) String() string {
	return string(h)
}

// MintOutcome is the caller-visible result of a confirmed mint.
type MintOutcome struct {
	OutcomeID        string           `json:"outcomeId"`
	SourceContract   common.Address   `json:"sourceContract"`
	SubmissionHandle SubmissionHandle `json:"submissionHandle"`
	BlockNumber      uint64           `json:"blockNumber,omitempty"`
}

// VerifyResult is the verdict of a verification pass. A failed check is a
// value with Valid=false and Reason set to the failing error code.
type VerifyResult struct {
	Valid  bool           `json:"isValid"`
	Reason string         `json:"invalidReason,omitempty"`
	Signer common.Address `json:"signer"`
}

// SpeedHint tells the sponsor how aggressively to price the transaction.
type SpeedHint string

const (
	SpeedSafeLow SpeedHint = "safeLow"
	SpeedAverage SpeedHint = "average"
	SpeedFast    SpeedHint = "fast"
	SpeedFastest SpeedHint = "fastest"
)

// Valid reports whether h is a known hint.
func (h SpeedHint) Valid() bool {
	switch h {
	case SpeedSafeLow, SpeedAverage, SpeedFast, SpeedFastest:
		return true
	}
	return false
}

// RelayTransaction is everything a relay transport accepts.
type RelayTransaction struct {
	TargetContract common.Address
	EncodedPayload []byte
	SpeedHint      SpeedHint
	GasCeiling     uint64
}

// RelayReceipt is the relay acknowledgement.
type RelayReceipt struct {
	SubmissionID SubmissionHandle
}

// SubmissionStatus is the ledger state of a handle.
type SubmissionStatus string

const (
	SubmissionPending        SubmissionStatus = "pending"
	SubmissionConfirmed      SubmissionStatus = "confirmed"
	SubmissionReverted       SubmissionStatus = "reverted"
	SubmissionOutcomeMissing SubmissionStatus = "outcome_missing"
)

// SubmissionRecord is what the ledger keeps about a relayed request. It
// never holds the signature.
type SubmissionRecord struct {
	Handle      SubmissionHandle
	From        common.Address
	Nonce       *big.Int
	Target      common.Address
	Status      SubmissionStatus
	OutcomeID   string
	SubmittedAt time.Time
	ResolvedAt  time.Time
}
