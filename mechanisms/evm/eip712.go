package evm

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	metatx "github.com/mintrelay/metatx"
)

// ForwardRequestTypes returns the canonical schema. Field order is part of the
// type hash and must match the forwarding contract exactly.
func ForwardRequestTypes() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		DomainType: {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		PrimaryType: {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "gas", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint48"},
			{Name: "data", Type: "bytes"},
		},
	}
}

// RequestMessage renders req as an EIP-712 message. Every value is a string
// so the structure survives a JSON round trip unchanged.
func RequestMessage(req metatx.ForwardRequest) map[string]interface{} {
	return map[string]interface{}{
		"from":     req.From.Hex(),
		"to":       req.To.Hex(),
		"value":    req.Value.String(),
		"gas":      req.Gas.String(),
		"nonce":    req.Nonce.String(),
		"deadline": strconv.FormatUint(req.Deadline, 10),
		"data":     hexutil.Encode(req.Data),
	}
}

// TypedDomain converts a domain descriptor to the go-ethereum representation
func TypedDomain(domain metatx.DomainDescriptor) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              domain.Name,
		Version:           domain.Version,
		ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
		VerifyingContract: domain.VerifyingContract.Hex(),
	}
}

// TypedDataFor binds req to domain.
func TypedDataFor(domain metatx.DomainDescriptor, req metatx.ForwardRequest) (apitypes.TypedData, error) {
	if domain.ChainID == nil || domain.ChainID.Sign() <= 0 {
		return apitypes.TypedData{}, fmt.Errorf("domain chain id must be positive")
	}
	if err := metatx.ValidateForwardRequest(req); err != nil {
		return apitypes.TypedData{}, err
	}
	return apitypes.TypedData{
		Types:       toAPITypes(ForwardRequestTypes()),
		PrimaryType: PrimaryType,
		Domain:      TypedDomain(domain),
		Message:     RequestMessage(req),
	}, nil
}

// HashTypedData hashes EIP-712 typed data.
//
// The hash is computed as: keccak256("\x19\x01" + domainSeparator + structHash)
//
// Returns:
//
//	32-byte hash suitable for signing or verification
//	error if hashing fails
func HashTypedData(typedData apitypes.TypedData) ([]byte, error) {
	if _, exists := typedData.Types[DomainType]; !exists {
		return nil, fmt.Errorf("typed data is missing the %s type", DomainType)
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}

	domainSeparator, err := typedData.HashStruct(DomainType, typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	// Create EIP-712 digest: 0x19 0x01 <domainSeparator> <dataHash>
	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, dataHash...)
	return crypto.Keccak256(rawData), nil
}

// HashForwardRequest is the digest the user signs for req under domain.
func HashForwardRequest(domain metatx.DomainDescriptor, req metatx.ForwardRequest) ([]byte, error) {
	typedData, err := TypedDataFor(domain, req)
	if err != nil {
		return nil, err
	}
	return HashTypedData(typedData)
}
