package evm

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HexToBytes decodes a hex string with or without the 0x prefix
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd length hex string")
	}
	return hex.DecodeString(s)
}

// BytesToHex encodes bytes with the 0x prefix
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// normalizeV returns a copy of sig with v in {0, 1}. Wallets return 27/28.
func normalizeV(sig []byte) ([]byte, error) {
	if len(sig) != SignatureLength {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	out := append([]byte{}, sig...)
	switch out[64] {
	case 0, 1:
	case 27, 28:
		out[64] -= 27
	default:
		return nil, fmt.Errorf("invalid recovery id %d", sig[64])
	}
	return out, nil
}
