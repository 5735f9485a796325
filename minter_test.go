package metatx_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	metatx "github.com/mintrelay/metatx"
	"github.com/mintrelay/metatx/mechanisms/evm"
	signerevm "github.com/mintrelay/metatx/signers/evm"
)

var (
	forwarder = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	token     = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
)

// fakeChain plays forwarder, token and sponsor at once: a relayed execute
// call bumps the nonce and mints the next token id.
type fakeChain struct {
	mu         sync.Mutex
	nonces     map[common.Address]int64
	receipts   map[common.Hash]*types.Receipt
	held       map[common.Hash]*types.Receipt
	nextToken  int64
	hold       bool
	revert     bool
	counterErr error
	sendErr    error
	sent       int
	lookups    int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		nonces:    make(map[common.Address]int64),
		receipts:  make(map[common.Hash]*types.Receipt),
		held:      make(map[common.Hash]*types.Receipt),
		nextToken: 1,
	}
}

func (c *fakeChain) NextNonce(_ context.Context, from common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counterErr != nil {
		return nil, c.counterErr
	}
	return big.NewInt(c.nonces[from]), nil
}

func (c *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	r, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *fakeChain) Send(_ context.Context, tx metatx.RelayTransaction) (metatx.RelayReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return metatx.RelayReceipt{}, c.sendErr
	}
	if tx.TargetContract != forwarder {
		return metatx.RelayReceipt{}, metatx.SubmissionRejected("wrong target", nil)
	}
	signed, err := evm.DecodeExecute(tx.EncodedPayload)
	if err != nil {
		return metatx.RelayReceipt{}, err
	}
	c.sent++

	from := signed.Request.From
	receipt := &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(100 + int64(c.sent))}
	if !c.revert && signed.Request.Nonce.Int64() == c.nonces[from] {
		c.nonces[from]++
		receipt.Status = types.ReceiptStatusSuccessful
		receipt.Logs = []*types.Log{{
			Address: token,
			Topics: []common.Hash{
				crypto.Keccak256Hash([]byte(evm.TransferEventSignature)),
				{},
				common.BytesToHash(from.Bytes()),
				common.BigToHash(big.NewInt(c.nextToken)),
			},
		}}
		c.nextToken++
	}

	hash := crypto.Keccak256Hash(tx.EncodedPayload)
	if c.hold {
		c.held[hash] = receipt
	} else {
		c.receipts[hash] = receipt
	}
	return metatx.RelayReceipt{SubmissionID: metatx.SubmissionHandle(hash.Hex())}, nil
}

func (c *fakeChain) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for h, r := range c.held {
		c.receipts[h] = r
		delete(c.held, h)
	}
	c.hold = false
}

type memLedger struct {
	mu      sync.Mutex
	records map[metatx.SubmissionHandle]metatx.SubmissionRecord
}

func (l *memLedger) RecordSubmission(_ context.Context, rec metatx.SubmissionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[rec.Handle] = rec
	return nil
}

func (l *memLedger) RecordResolution(_ context.Context, handle metatx.SubmissionHandle, status metatx.SubmissionStatus, outcomeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.records[handle]
	rec.Status = status
	rec.OutcomeID = outcomeID
	l.records[handle] = rec
	return nil
}

func (l *memLedger) status(handle metatx.SubmissionHandle) metatx.SubmissionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records[handle].Status
}

type memPublisher struct {
	mu       sync.Mutex
	outcomes []metatx.MintOutcome
}

func (p *memPublisher) PublishOutcome(_ context.Context, o metatx.MintOutcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, o)
	return nil
}

type harness struct {
	chain     *fakeChain
	signer    *signerevm.KeySigner
	ledger    *memLedger
	publisher *memPublisher
	minter    *metatx.Minter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	h := &harness{
		chain:     newFakeChain(),
		signer:    signerevm.NewKeySigner(key),
		ledger:    &memLedger{records: make(map[metatx.SubmissionHandle]metatx.SubmissionRecord)},
		publisher: &memPublisher{},
	}
	h.minter, err = evm.NewForwarderMinter(evm.ForwarderMinterConfig{
		Domain: metatx.DomainDescriptor{
			Name:              "MyForwarder",
			Version:           "1",
			ChainID:           big.NewInt(31337),
			VerifyingContract: forwarder,
		},
		Token:               token,
		Signer:              h.signer,
		Counter:             h.chain,
		Receipts:            h.chain,
		Transport:           h.chain,
		ConfirmationTimeout: 100 * time.Millisecond,
		PollInterval:        5 * time.Millisecond,
		Ledger:              h.ledger,
		Publisher:           h.publisher,
	})
	require.NoError(t, err)
	return h
}

func (c *fakeChain) receiptLookups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookups
}

func (h *harness) mint(t *testing.T) (*metatx.MintOutcome, error) {
	t.Helper()
	payload, err := evm.EncodeSafeMint(h.signer.Address())
	require.NoError(t, err)
	return h.minter.SubmitMintRequest(context.Background(), h.signer.Address(), payload)
}

func TestSubmitMintRequestFreshAccount(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.mint(t)
	require.NoError(t, err)
	assert.Equal(t, "1", outcome.OutcomeID)
	assert.Equal(t, token, outcome.SourceContract)
	assert.Equal(t, uint64(101), outcome.BlockNumber)

	assert.Equal(t, metatx.SubmissionConfirmed, h.ledger.status(outcome.SubmissionHandle))
	rec := h.ledger.records[outcome.SubmissionHandle]
	assert.Equal(t, h.signer.Address(), rec.From)
	assert.Equal(t, "0", rec.Nonce.String())
	assert.Equal(t, token, rec.Target)
	assert.Equal(t, "1", rec.OutcomeID)

	require.Len(t, h.publisher.outcomes, 1)
	assert.Equal(t, *outcome, h.publisher.outcomes[0])
}

func TestSubmitMintRequestSequentialNonces(t *testing.T) {
	h := newHarness(t)

	first, err := h.mint(t)
	require.NoError(t, err)
	second, err := h.mint(t)
	require.NoError(t, err)

	assert.Equal(t, "1", first.OutcomeID)
	assert.Equal(t, "2", second.OutcomeID)
	assert.NotEqual(t, first.SubmissionHandle, second.SubmissionHandle)
	assert.Equal(t, "1", h.ledger.records[second.SubmissionHandle].Nonce.String())
}

func TestSubmitMintRequestHooks(t *testing.T) {
	h := newHarness(t)

	var before []metatx.MintContext
	var after []metatx.MintResultContext
	h.minter.
		OnBeforeSubmit(func(ctx metatx.MintContext) (*metatx.BeforeSubmitHookResult, error) {
			before = append(before, ctx)
			return nil, nil
		}).
		OnAfterConfirm(func(ctx metatx.MintResultContext) error {
			after = append(after, ctx)
			return errors.New("ignored")
		})

	outcome, err := h.mint(t)
	require.NoError(t, err)

	require.Len(t, before, 1)
	assert.NotEmpty(t, before[0].AttemptID)
	assert.Equal(t, h.signer.Address(), before[0].Request.From)
	assert.Equal(t, token, before[0].Request.To)
	require.Len(t, after, 1)
	assert.Equal(t, outcome.OutcomeID, after[0].Outcome.OutcomeID)
	assert.Equal(t, before[0].AttemptID, after[0].AttemptID)
}

func TestSubmitMintRequestBeforeHookAborts(t *testing.T) {
	h := newHarness(t)

	var failures []metatx.MintFailureContext
	h.minter.
		OnBeforeSubmit(func(metatx.MintContext) (*metatx.BeforeSubmitHookResult, error) {
			return &metatx.BeforeSubmitHookResult{Abort: true, Reason: "mint paused"}, nil
		}).
		OnFailure(func(ctx metatx.MintFailureContext) {
			failures = append(failures, ctx)
		})

	_, err := h.mint(t)
	assert.ErrorIs(t, err, metatx.ErrSubmissionRejected)
	assert.Equal(t, 0, h.chain.sent)
	assert.Empty(t, h.ledger.records)

	require.Len(t, failures, 1)
	assert.Equal(t, metatx.StageSubmit, failures[0].Stage)
}

func TestSubmitMintRequestCounterOutage(t *testing.T) {
	h := newHarness(t)
	h.chain.counterErr = errors.New("rpc down")

	var stage string
	h.minter.OnFailure(func(ctx metatx.MintFailureContext) { stage = ctx.Stage })

	_, err := h.mint(t)
	assert.ErrorIs(t, err, metatx.ErrCounterFetch)
	assert.True(t, metatx.IsRetryable(err))
	assert.Equal(t, "Could not reach the network. Please try again.", metatx.UserMessage(err))
	assert.Equal(t, metatx.StageBuild, stage)
	assert.Equal(t, 0, h.chain.sent)
}

func TestSubmitMintRequestTransportFailure(t *testing.T) {
	h := newHarness(t)
	h.chain.sendErr = errors.New("connection reset")

	_, err := h.mint(t)
	assert.ErrorIs(t, err, metatx.ErrTransport)
	assert.Equal(t, metatx.ClassTransport, metatx.ClassOf(metatx.CodeOf(err)))
	assert.Empty(t, h.ledger.records)
}

func TestSubmitMintRequestReverted(t *testing.T) {
	h := newHarness(t)
	h.chain.revert = true

	_, err := h.mint(t)
	assert.ErrorIs(t, err, metatx.ErrReceiptReverted)

	var typed *metatx.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, metatx.SubmissionReverted, h.ledger.status(typed.Handle))
	assert.Empty(t, h.publisher.outcomes)
}

func TestSubmitMintRequestTimeoutThenRecheck(t *testing.T) {
	h := newHarness(t)
	h.chain.hold = true

	_, err := h.mint(t)
	require.ErrorIs(t, err, metatx.ErrConfirmationTimeout)
	assert.True(t, metatx.IsRetryable(err))

	var typed *metatx.Error
	require.ErrorAs(t, err, &typed)
	handle := typed.Handle
	require.NotEmpty(t, handle)
	assert.Equal(t, metatx.SubmissionPending, h.ledger.status(handle))

	h.chain.release()

	outcome, err := h.minter.Recheck(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, "1", outcome.OutcomeID)
	assert.Equal(t, handle, outcome.SubmissionHandle)
	assert.Equal(t, metatx.SubmissionConfirmed, h.ledger.status(handle))

	again, err := h.minter.Recheck(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, outcome, again)
	assert.Len(t, h.publisher.outcomes, 1, "cached outcome is not published twice")
}

func TestRecheckRevertedIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.chain.revert = true

	_, err := h.mint(t)
	var typed *metatx.Error
	require.ErrorAs(t, err, &typed)
	require.ErrorIs(t, err, metatx.ErrReceiptReverted)
	lookups := h.chain.receiptLookups()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range 3 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = h.minter.Recheck(context.Background(), typed.Handle)
		}(i)
	}
	wg.Wait()

	for i := range 3 {
		assert.ErrorIs(t, errs[i], metatx.ErrReceiptReverted)
		assert.False(t, metatx.IsRetryable(errs[i]))
	}
	assert.Equal(t, lookups, h.chain.receiptLookups(), "a reverted handle is not polled again")
	assert.Equal(t, metatx.SubmissionReverted, h.ledger.status(typed.Handle))
}

func TestConfirmerPublishesRecheckedOutcome(t *testing.T) {
	h := newHarness(t)
	h.chain.hold = true

	_, err := h.mint(t)
	var typed *metatx.Error
	require.ErrorAs(t, err, &typed)
	require.ErrorIs(t, err, metatx.ErrConfirmationTimeout)
	h.chain.release()

	tracker, err := evm.NewConfirmationTracker(h.chain, evm.TrackerConfig{
		EventSignature: evm.TransferEventSignature,
		TopicIndex:     evm.TransferTokenIDTopic,
		Emitter:        token,
		Timeout:        100 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	})
	require.NoError(t, err)
	publisher := &memPublisher{}
	confirmer, err := metatx.NewConfirmer(metatx.ConfirmerConfig{
		Tracker:   tracker,
		Ledger:    h.ledger,
		Publisher: publisher,
	})
	require.NoError(t, err)

	outcome, err := confirmer.Recheck(context.Background(), typed.Handle)
	require.NoError(t, err)
	assert.Equal(t, "1", outcome.OutcomeID)
	assert.Equal(t, metatx.SubmissionConfirmed, h.ledger.status(typed.Handle))
	require.Len(t, publisher.outcomes, 1)
	assert.Equal(t, typed.Handle, publisher.outcomes[0].SubmissionHandle)

	_, err = confirmer.Recheck(context.Background(), "0x12")
	assert.ErrorIs(t, err, metatx.ErrInvalidRequest)
}

func TestNewConfirmerRequiresTracker(t *testing.T) {
	_, err := metatx.NewConfirmer(metatx.ConfirmerConfig{})
	assert.Error(t, err)
}

func TestRecheckMalformedHandle(t *testing.T) {
	h := newHarness(t)
	_, err := h.minter.Recheck(context.Background(), "not-a-hash")
	assert.ErrorIs(t, err, metatx.ErrInvalidRequest)
}

func TestConcurrentRechecksShareOutcome(t *testing.T) {
	h := newHarness(t)
	h.chain.hold = true

	_, err := h.mint(t)
	var typed *metatx.Error
	require.ErrorAs(t, err, &typed)
	h.chain.release()

	var wg sync.WaitGroup
	results := make([]*metatx.MintOutcome, 4)
	errs := make([]error, 4)
	for i := range 4 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = h.minter.Recheck(context.Background(), typed.Handle)
		}(i)
	}
	wg.Wait()

	for i := range 4 {
		require.NoError(t, errs[i])
		assert.Equal(t, "1", results[i].OutcomeID)
	}
	assert.Len(t, h.publisher.outcomes, 1)
}

func TestNewMinterValidation(t *testing.T) {
	_, err := metatx.NewMinter(metatx.MinterConfig{})
	assert.Error(t, err)

	_, err = metatx.NewMinter(metatx.MinterConfig{Target: token})
	assert.Error(t, err)
}

func TestNewForwarderMinterRejectsLowCeiling(t *testing.T) {
	chain := newFakeChain()
	_, err := evm.NewForwarderMinter(evm.ForwarderMinterConfig{
		Domain:     metatx.DomainDescriptor{Name: "MyForwarder", Version: "1", ChainID: big.NewInt(1), VerifyingContract: forwarder},
		Token:      token,
		Counter:    chain,
		Receipts:   chain,
		Transport:  chain,
		GasCeiling: 500_000,
	})
	assert.ErrorContains(t, err, "must exceed")
}
