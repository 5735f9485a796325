package evm

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	evmmech "github.com/mintrelay/metatx/mechanisms/evm"
)

// ChainBackend is the subset of *ethclient.Client the reader needs
type ChainBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ChainReader reads the forwarder's anti-replay counter and transaction
// receipts over JSON-RPC. It implements metatx.CounterSource and
// metatx.ReceiptSource.
type ChainReader struct {
	backend   ChainBackend
	forwarder common.Address
	abi       abi.ABI
	timeout   time.Duration
}

// DialChainReader connects to rpcURL
func DialChainReader(ctx context.Context, rpcURL string, forwarder common.Address) (*ChainReader, *ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", rpcURL, err)
	}
	reader, err := NewChainReader(client, forwarder)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return reader, client, nil
}

// NewChainReader creates a reader over backend
func NewChainReader(backend ChainBackend, forwarder common.Address) (*ChainReader, error) {
	parsed, err := abi.JSON(bytes.NewReader(evmmech.ForwarderABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse forwarder ABI: %w", err)
	}
	return &ChainReader{
		backend:   backend,
		forwarder: forwarder,
		abi:       parsed,
		timeout:   10 * time.Second,
	}, nil
}

// NextNonce calls nonces(from) on the forwarder at the latest block.
func (r *ChainReader) NextNonce(ctx context.Context, from common.Address) (*big.Int, error) {
	data, err := r.abi.Pack(evmmech.FunctionNonces, from)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &r.forwarder, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call nonces: %w", err)
	}

	out, err := r.abi.Unpack(evmmech.FunctionNonces, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack nonces: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected nonces output length %d", len(out))
	}
	nonce, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected nonces output type %T", out[0])
	}
	return nonce, nil
}

// TransactionReceipt returns ethereum.NotFound while the transaction is pending.
func (r *ChainReader) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return r.backend.TransactionReceipt(ctx, txHash)
}
