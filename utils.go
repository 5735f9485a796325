package metatx

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// maxUint48 bounds the deadline field of the typed structure.
const maxUint48 = 1<<48 - 1

// ValidateForwardRequest performs basic validation on a forward request
func ValidateForwardRequest(r ForwardRequest) error {
	if r.From == (common.Address{}) {
		return fmt.Errorf("from address is required")
	}
	if r.To == (common.Address{}) {
		return fmt.Errorf("to address is required")
	}
	if r.Value == nil || r.Value.Sign() < 0 {
		return fmt.Errorf("value must be a non-negative integer")
	}
	if r.Gas == nil || r.Gas.Sign() <= 0 {
		return fmt.Errorf("gas must be positive")
	}
	if r.Nonce == nil || r.Nonce.Sign() < 0 {
		return fmt.Errorf("nonce must be a non-negative integer")
	}
	if r.Deadline > maxUint48 {
		return fmt.Errorf("deadline %d overflows uint48", r.Deadline)
	}
	return nil
}

// ParseAddress accepts only a 20-byte hex address. common.HexToAddress
// silently truncates or pads anything else.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address: %q", s)
	}
	return common.HexToAddress(s), nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "<nil>"
	}
	return v.String()
}
