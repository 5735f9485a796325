package evm

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	metatx "github.com/mintrelay/metatx"
)

// executeRequest mirrors the forwarder's ForwardRequestData tuple. Field
// names must match the ABI component names in camel case.
type executeRequest struct {
	From      common.Address
	To        common.Address
	Value     *big.Int
	Gas       *big.Int
	Nonce     *big.Int
	Deadline  *big.Int
	Data      []byte
	Signature []byte
}

var (
	forwarderOnce sync.Once
	forwarderABI  abi.ABI
	forwarderErr  error

	mintOnce sync.Once
	mintABI  abi.ABI
	mintErr  error
)

func parsedForwarderABI() (abi.ABI, error) {
	forwarderOnce.Do(func() {
		forwarderABI, forwarderErr = abi.JSON(bytes.NewReader(ForwarderABI))
	})
	return forwarderABI, forwarderErr
}

func parsedMintABI() (abi.ABI, error) {
	mintOnce.Do(func() {
		mintABI, mintErr = abi.JSON(strings.NewReader(string(MintABI)))
	})
	return mintABI, mintErr
}

// ExecuteCodec applies the forwarder's execute encoding
type ExecuteCodec struct{}

// EncodeExecute implements metatx.ExecuteEncoder
func (ExecuteCodec) EncodeExecute(signed *metatx.SignedForwardRequest) ([]byte, error) {
	return EncodeExecute(signed)
}

// EncodeExecute packs signed as calldata for execute(ForwardRequestData).
func EncodeExecute(signed *metatx.SignedForwardRequest) ([]byte, error) {
	if signed == nil {
		return nil, metatx.InvalidRequest("signed request is required")
	}
	if err := metatx.ValidateForwardRequest(signed.Request); err != nil {
		return nil, metatx.NewError(metatx.ErrCodeInvalidRequest, "cannot encode request", err)
	}
	parsed, err := parsedForwarderABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse forwarder ABI: %w", err)
	}

	req := signed.Request
	data, err := parsed.Pack(FunctionExecute, executeRequest{
		From:      req.From,
		To:        req.To,
		Value:     req.Value,
		Gas:       req.Gas,
		Nonce:     req.Nonce,
		Deadline:  new(big.Int).SetUint64(req.Deadline),
		Data:      nonNil(req.Data),
		Signature: nonNil(signed.Signature),
	})
	if err != nil {
		return nil, metatx.NewError(metatx.ErrCodeInvalidRequest, "cannot encode execute call", err)
	}
	return data, nil
}

// DecodeExecute is the inverse of EncodeExecute. It rejects calldata for any
// other function.
func DecodeExecute(calldata []byte) (*metatx.SignedForwardRequest, error) {
	parsed, err := parsedForwarderABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse forwarder ABI: %w", err)
	}
	method := parsed.Methods[FunctionExecute]
	if len(calldata) < 4 || !bytes.Equal(calldata[:4], method.ID) {
		return nil, metatx.InvalidRequest("payload is not an execute call")
	}

	args, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return nil, metatx.NewError(metatx.ErrCodeInvalidRequest, "malformed execute payload", err)
	}
	if len(args) != 1 {
		return nil, metatx.InvalidRequest("malformed execute payload")
	}
	decoded := *abi.ConvertType(args[0], new(executeRequest)).(*executeRequest)
	if !decoded.Deadline.IsUint64() {
		return nil, metatx.InvalidRequest("deadline out of range")
	}

	req := metatx.ForwardRequest{
		From:     decoded.From,
		To:       decoded.To,
		Value:    decoded.Value,
		Gas:      decoded.Gas,
		Nonce:    decoded.Nonce,
		Deadline: decoded.Deadline.Uint64(),
		Data:     decoded.Data,
	}
	return metatx.NewSignedForwardRequest(req, decoded.Signature), nil
}

// EncodeSafeMint builds the token call payload that mints to recipient.
func EncodeSafeMint(recipient common.Address) ([]byte, error) {
	parsed, err := parsedMintABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse mint ABI: %w", err)
	}
	return parsed.Pack(FunctionSafeMint, recipient)
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
