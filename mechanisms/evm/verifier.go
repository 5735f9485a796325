package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	metatx "github.com/mintrelay/metatx"
)

// Verifier re-derives the typed structure and checks signature, deadline and
// counter. Its only inputs are the signed request, the domain, the counter
// source and the clock, so the client pre-check and the relay's authoritative
// check reach the same verdict.
type Verifier struct {
	domain  metatx.DomainDescriptor
	counter metatx.CounterSource
	now     func() time.Time
}

// VerifierOption configures a Verifier
type VerifierOption func(*Verifier)

// WithVerifierClock injects the time source
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a verifier for domain reading expected nonces from counter
func NewVerifier(domain metatx.DomainDescriptor, counter metatx.CounterSource, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		domain:  domain,
		counter: counter,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Domain returns the domain this verifier checks against
func (v *Verifier) Domain() metatx.DomainDescriptor {
	return v.domain
}

// Verify checks signed in a fixed order: well-formedness, deadline, signature,
// nonce. Failed checks are returned as a negative result. An error is
// returned only when the counter source cannot be read.
func (v *Verifier) Verify(ctx context.Context, signed *metatx.SignedForwardRequest) (metatx.VerifyResult, error) {
	if signed == nil {
		return invalid(metatx.ErrCodeInvalidRequest), nil
	}
	req := signed.Request
	if err := metatx.ValidateForwardRequest(req); err != nil {
		return invalid(metatx.ErrCodeInvalidRequest), nil
	}

	// A deadline equal to now is still valid, matching the forwarder.
	if req.Deadline < uint64(v.now().Unix()) {
		return invalid(metatx.ErrCodeExpired), nil
	}

	signer, err := RecoverSigner(v.domain, signed)
	if err != nil || signer != req.From {
		return metatx.VerifyResult{Valid: false, Reason: metatx.ErrCodeBadSignature, Signer: signer}, nil
	}

	expected, err := v.counter.NextNonce(ctx, req.From)
	if err != nil {
		return metatx.VerifyResult{}, metatx.CounterFetchError(err)
	}
	if expected == nil || req.Nonce.Cmp(expected) != 0 {
		return metatx.VerifyResult{Valid: false, Reason: metatx.ErrCodeStaleNonce, Signer: signer}, nil
	}

	return metatx.VerifyResult{Valid: true, Signer: signer}, nil
}

// RecoverSigner returns the address that produced signed.Signature over the
// request under domain. High-s signatures are rejected.
func RecoverSigner(domain metatx.DomainDescriptor, signed *metatx.SignedForwardRequest) (common.Address, error) {
	digest, err := HashForwardRequest(domain, signed.Request)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash request: %w", err)
	}
	sig, err := normalizeV(signed.Signature)
	if err != nil {
		return common.Address{}, err
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[64], r, s, true) {
		return common.Address{}, fmt.Errorf("non-canonical signature")
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func invalid(reason string) metatx.VerifyResult {
	return metatx.VerifyResult{Valid: false, Reason: reason}
}
