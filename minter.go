package metatx

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultOutcomeCacheTTL is how long a terminal verdict is served from memory.
const DefaultOutcomeCacheTTL = 10 * time.Minute

// MinterConfig wires the pipeline stages around one target contract and one
// signing capability. Ledger, Publisher and Logger are optional.
type MinterConfig struct {
	// Target is the contract the forwarded call executes on.
	Target common.Address

	// Signer is the authorizing party's signing capability.
	Signer SigningCapability

	Builder   RequestBuilder
	Signing   RequestSigner
	Verifier  RequestVerifier
	Encoder   ExecuteEncoder
	Submitter Submitter
	Tracker   Tracker

	Ledger    SubmissionLedger
	Publisher OutcomePublisher
	Logger    *zerolog.Logger

	// CacheTTL for terminal verdicts (optional, defaults to 10m)
	CacheTTL time.Duration
}

// Minter is the single entry point used by the UI layer. It sequences
// build, sign, verify, submit and confirm for one request at a time per call.
type Minter struct {
	mu sync.RWMutex

	target    common.Address
	signer    SigningCapability
	builder   RequestBuilder
	signing   RequestSigner
	verifier  RequestVerifier
	encoder   ExecuteEncoder
	submitter Submitter
	ledger    SubmissionLedger
	confirm   *Confirmer
	log       zerolog.Logger
	now       func() time.Time

	beforeSubmitHooks []BeforeSubmitHook
	afterConfirmHooks []AfterConfirmHook
	onFailureHooks    []OnFailureHook
}

// NewMinter validates cfg and returns a ready Minter.
func NewMinter(cfg MinterConfig) (*Minter, error) {
	switch {
	case cfg.Target == (common.Address{}):
		return nil, errors.New("minter: target contract is required")
	case cfg.Signer == nil:
		return nil, errors.New("minter: signing capability is required")
	case cfg.Builder == nil, cfg.Signing == nil, cfg.Verifier == nil, cfg.Encoder == nil:
		return nil, errors.New("minter: builder, signer, verifier and encoder are required")
	case cfg.Submitter == nil, cfg.Tracker == nil:
		return nil, errors.New("minter: submitter and tracker are required")
	}

	confirm, err := NewConfirmer(ConfirmerConfig{
		Tracker:   cfg.Tracker,
		Ledger:    cfg.Ledger,
		Publisher: cfg.Publisher,
		Logger:    cfg.Logger,
		CacheTTL:  cfg.CacheTTL,
	})
	if err != nil {
		return nil, err
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Minter{
		target:    cfg.Target,
		signer:    cfg.Signer,
		builder:   cfg.Builder,
		signing:   cfg.Signing,
		verifier:  cfg.Verifier,
		encoder:   cfg.Encoder,
		submitter: cfg.Submitter,
		ledger:    cfg.Ledger,
		confirm:   confirm,
		log:       logger.With().Str("component", "minter").Logger(),
		now:       time.Now,
	}, nil
}

// ============================================================================
// Hook Registration Methods
// ============================================================================

func (m *Minter) OnBeforeSubmit(hook BeforeSubmitHook) *Minter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeSubmitHooks = append(m.beforeSubmitHooks, hook)
	return m
}

func (m *Minter) OnAfterConfirm(hook AfterConfirmHook) *Minter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.afterConfirmHooks = append(m.afterConfirmHooks, hook)
	return m
}

func (m *Minter) OnFailure(hook OnFailureHook) *Minter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailureHooks = append(m.onFailureHooks, hook)
	return m
}

// ============================================================================
// Caller API
// ============================================================================

// SubmitMintRequest builds, signs, pre-verifies and relays a forward request
// from `from` carrying callPayload for the target contract, then waits for
// confirmation. Every failure is a *Error; UserMessage renders it for display.
// On ConfirmationTimeout the returned error carries the handle for Recheck.
func (m *Minter) SubmitMintRequest(ctx context.Context, from common.Address, callPayload []byte) (*MintOutcome, error) {
	hookCtx := MintContext{
		Ctx:       ctx,
		AttemptID: uuid.NewString(),
		From:      from,
		Timestamp: m.now(),
	}
	log := m.log.With().Str("attempt", hookCtx.AttemptID).Str("from", from.Hex()).Logger()

	handle, req, stage, err := m.relay(ctx, &hookCtx, callPayload, log)
	if err != nil {
		m.fail(hookCtx, stage, err, log)
		return nil, err
	}

	if m.ledger != nil {
		rec := SubmissionRecord{
			Handle:      handle,
			From:        req.From,
			Nonce:       req.Nonce,
			Target:      req.To,
			Status:      SubmissionPending,
			SubmittedAt: m.now(),
		}
		if lerr := m.ledger.RecordSubmission(ctx, rec); lerr != nil {
			log.Warn().Err(lerr).Str("handle", handle.String()).Msg("ledger write failed")
		}
	}

	outcome, err := m.confirm.resolve(ctx, handle, log)
	if err != nil {
		m.fail(hookCtx, StageConfirm, err, log)
		return nil, err
	}

	resultCtx := MintResultContext{MintContext: hookCtx, Outcome: *outcome, Duration: m.now().Sub(hookCtx.Timestamp)}
	m.mu.RLock()
	hooks := m.afterConfirmHooks
	m.mu.RUnlock()
	for _, hook := range hooks {
		if herr := hook(resultCtx); herr != nil {
			log.Warn().Err(herr).Msg("after confirm hook failed")
		}
	}
	return outcome, nil
}

// Recheck resolves a handle returned by an earlier timed-out attempt.
func (m *Minter) Recheck(ctx context.Context, handle SubmissionHandle) (*MintOutcome, error) {
	return m.confirm.Recheck(ctx, handle)
}

// relay runs every stage up to and including submission. The signed request
// never leaves this function.
func (m *Minter) relay(ctx context.Context, hookCtx *MintContext, callPayload []byte, log zerolog.Logger) (SubmissionHandle, *ForwardRequest, string, error) {
	req, err := m.builder.BuildRequest(ctx, hookCtx.From, m.target, callPayload)
	if err != nil {
		return "", nil, StageBuild, err
	}
	hookCtx.Request = req.Clone()
	log = log.With().Str("nonce", bigString(req.Nonce)).Logger()
	log.Debug().Uint64("deadline", req.Deadline).Msg("request built")

	signed, err := m.signing.SignRequest(ctx, req, m.signer)
	if err != nil {
		return "", req, StageSign, err
	}

	verdict, err := m.verifier.Verify(ctx, signed)
	if err != nil {
		return "", req, StageVerify, err
	}
	if !verdict.Valid {
		log.Info().Str("code", verdict.Reason).Msg("pre-flight verification failed")
		return "", req, StageVerify, NewError(verdict.Reason, "pre-flight verification failed", nil)
	}

	payload, err := m.encoder.EncodeExecute(signed)
	if err != nil {
		return "", req, StageEncode, err
	}

	m.mu.RLock()
	hooks := m.beforeSubmitHooks
	m.mu.RUnlock()
	for _, hook := range hooks {
		result, herr := hook(*hookCtx)
		if herr != nil {
			return "", req, StageSubmit, SubmissionRejected("before submit hook failed", herr)
		}
		if result != nil && result.Abort {
			return "", req, StageSubmit, SubmissionRejected(result.Reason, nil)
		}
	}

	handle, err := m.submitter.Submit(ctx, payload, req.Gas)
	if err != nil {
		return "", req, StageSubmit, err
	}
	log.Info().Str("handle", handle.String()).Msg("request relayed")
	return handle, req, "", nil
}
