package evm

import (
	"context"
	"encoding/json"
	"fmt"

	metatx "github.com/mintrelay/metatx"
)

// TypedDataSigner defines what must be signed for a domain. How the key is
// held is up to the SigningCapability.
type TypedDataSigner struct {
	domain metatx.DomainDescriptor
}

// NewTypedDataSigner creates a signer bound to domain
func NewTypedDataSigner(domain metatx.DomainDescriptor) *TypedDataSigner {
	return &TypedDataSigner{domain: domain}
}

// SignRequest serializes the typed structure as eth_signTypedData_v4 JSON
// and asks capability to sign it.
func (s *TypedDataSigner) SignRequest(ctx context.Context, req *metatx.ForwardRequest, capability metatx.SigningCapability) (*metatx.SignedForwardRequest, error) {
	if req == nil {
		return nil, metatx.InvalidRequest("request is required")
	}
	frozen := req.Clone()

	typedData, err := TypedDataFor(s.domain, frozen)
	if err != nil {
		return nil, metatx.NewError(metatx.ErrCodeInvalidRequest, "cannot build typed data", err)
	}
	payload, err := json.Marshal(typedData)
	if err != nil {
		return nil, metatx.NewError(metatx.ErrCodeInvalidRequest, "cannot serialize typed data", err)
	}

	sig, err := capability.SignTypedData(ctx, payload)
	if err != nil {
		return nil, metatx.SigningRejected(err)
	}
	if len(sig) != SignatureLength {
		return nil, metatx.SigningRejected(fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig)))
	}
	return metatx.NewSignedForwardRequest(frozen, sig), nil
}
