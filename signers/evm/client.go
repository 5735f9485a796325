package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	evmmech "github.com/mintrelay/metatx/mechanisms/evm"
)

// KeySigner implements metatx.SigningCapability using an ECDSA private key.
// It signs the same eth_signTypedData_v4 JSON a browser wallet receives.
type KeySigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewKeySignerFromPrivateKey creates a signer from a hex-encoded private key.
//
// Args:
//
//	privateKeyHex: Hex-encoded private key (with or without "0x" prefix)
//
// Returns:
//
//	KeySigner ready for use as MinterConfig.Signer
//	Error if private key is invalid
func NewKeySignerFromPrivateKey(privateKeyHex string) (*KeySigner, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewKeySigner(privateKey), nil
}

// NewKeySigner wraps an already parsed key
func NewKeySigner(privateKey *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// Address returns the Ethereum address of the signer.
func (s *KeySigner) Address() common.Address {
	return s.address
}

// SignTypedData signs serialized EIP-712 typed data.
//
// Returns:
//
//	65-byte signature (r, s, v) with v in {27, 28}
//	Error if the payload cannot be parsed or hashed
func (s *KeySigner) SignTypedData(ctx context.Context, typedData []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var parsed apitypes.TypedData
	if err := json.Unmarshal(typedData, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse typed data: %w", err)
	}

	digest, err := evmmech.HashTypedData(parsed)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Adjust v value for Ethereum (recovery ID 0/1 → 27/28)
	signature[64] += 27

	return signature, nil
}
