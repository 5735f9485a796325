package metatx

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ============================================================================
// Minter Hook Context Types
// ============================================================================

// MintContext contains information passed to minter hooks. Request is a copy;
// hooks cannot alter what was signed.
type MintContext struct {
	Ctx       context.Context
	AttemptID string
	From      common.Address
	Request   ForwardRequest
	Timestamp time.Time
}

// MintResultContext contains a confirmed outcome and its context
type MintResultContext struct {
	MintContext
	Outcome  MintOutcome
	Duration time.Duration
}

// MintFailureContext contains a failed attempt and its context
type MintFailureContext struct {
	MintContext
	Error    error
	Stage    string
	Duration time.Duration
}

// ============================================================================
// Minter Hook Result Types
// ============================================================================

// BeforeSubmitHookResult represents the result of a "before submit" hook.
// If Abort is true, the request is not relayed and SubmissionRejected is
// returned with the given Reason.
type BeforeSubmitHookResult struct {
	Abort  bool
	Reason string
}

// ============================================================================
// Minter Hook Function Types
// ============================================================================

// BeforeSubmitHook is called after verification and before the relay call
type BeforeSubmitHook func(MintContext) (*BeforeSubmitHookResult, error)

// AfterConfirmHook is called after an outcome is extracted.
// Any error returned will be logged but will not affect the result
type AfterConfirmHook func(MintResultContext) error

// OnFailureHook is called when any stage fails
type OnFailureHook func(MintFailureContext)

// Pipeline stage names reported to failure hooks and logs.
const (
	StageBuild   = "build"
	StageSign    = "sign"
	StageVerify  = "verify"
	StageEncode  = "encode"
	StageSubmit  = "submit"
	StageConfirm = "confirm"
)
