package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	metatx "github.com/mintrelay/metatx"
)

var (
	testForwarder = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testToken     = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	testNow       = time.Unix(1_750_000_000, 0)
)

func testDomain() metatx.DomainDescriptor {
	return metatx.DomainDescriptor{
		Name:              "MyForwarder",
		Version:           "1",
		ChainID:           big.NewInt(84532),
		VerifyingContract: testForwarder,
	}
}

func fixedClock() time.Time { return testNow }

// keyCapability signs eth_signTypedData_v4 JSON with a local key, the way a
// wallet would.
type keyCapability struct {
	key   *ecdsa.PrivateKey
	err   error
	calls int
}

func newKeyCapability(t testing.TB) *keyCapability {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &keyCapability{key: key}
}

func (k *keyCapability) Address() common.Address {
	return crypto.PubkeyToAddress(k.key.PublicKey)
}

func (k *keyCapability) SignTypedData(_ context.Context, payload []byte) ([]byte, error) {
	k.calls++
	if k.err != nil {
		return nil, k.err
	}
	var typedData apitypes.TypedData
	if err := json.Unmarshal(payload, &typedData); err != nil {
		return nil, err
	}
	digest, err := HashTypedData(typedData)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, k.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// memCounter is a deterministic in-memory counter store.
type memCounter struct {
	mu     sync.Mutex
	nonces map[common.Address]*big.Int
	err    error
	calls  int
}

func newMemCounter() *memCounter {
	return &memCounter{nonces: make(map[common.Address]*big.Int)}
}

func (c *memCounter) NextNonce(_ context.Context, from common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	if n, ok := c.nonces[from]; ok {
		return new(big.Int).Set(n), nil
	}
	return new(big.Int), nil
}

func (c *memCounter) set(from common.Address, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[from] = big.NewInt(n)
}

// fakeReceipts returns ethereum.NotFound until a receipt is stored.
type fakeReceipts struct {
	mu       sync.Mutex
	receipts map[common.Hash]*types.Receipt
	err      error
	calls    int
}

func newFakeReceipts() *fakeReceipts {
	return &fakeReceipts{receipts: make(map[common.Hash]*types.Receipt)}
}

func (f *fakeReceipts) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeReceipts) land(hash common.Hash, r *types.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[hash] = r
}

// fakeTransport records what it was asked to relay.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []metatx.RelayTransaction
	handle metatx.SubmissionHandle
	err    error
}

func (f *fakeTransport) Send(_ context.Context, tx metatx.RelayTransaction) (metatx.RelayReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return metatx.RelayReceipt{}, f.err
	}
	f.sent = append(f.sent, tx)
	return metatx.RelayReceipt{SubmissionID: f.handle}, nil
}

func transferReceipt(emitter common.Address, to common.Address, tokenID int64) *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(42),
		Logs: []*types.Log{{
			Address: emitter,
			Topics: []common.Hash{
				crypto.Keccak256Hash([]byte(TransferEventSignature)),
				{},
				common.BytesToHash(to.Bytes()),
				common.BigToHash(big.NewInt(tokenID)),
			},
		}},
	}
}

func signFor(t testing.TB, domain metatx.DomainDescriptor, capability *keyCapability, req metatx.ForwardRequest) *metatx.SignedForwardRequest {
	t.Helper()
	signed, err := NewTypedDataSigner(domain).SignRequest(context.Background(), &req, capability)
	if err != nil {
		t.Fatalf("sign request: %v", err)
	}
	return signed
}

func sampleRequest(from common.Address, nonce int64, deadline uint64) metatx.ForwardRequest {
	return metatx.ForwardRequest{
		From:     from,
		To:       testToken,
		Value:    new(big.Int),
		Gas:      big.NewInt(DefaultRequestGas),
		Nonce:    big.NewInt(nonce),
		Deadline: deadline,
		Data:     []byte{0x40, 0xd0, 0x97, 0xc3},
	}
}

var errBoom = errors.New("boom")
