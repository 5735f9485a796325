package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	metatx "github.com/mintrelay/metatx"
)

// Intent is what a caller wants executed. Nil Value and Gas take the
// builder defaults.
type Intent struct {
	From  common.Address
	To    common.Address
	Data  []byte
	Value *big.Int
	Gas   *big.Int
}

// RequestBuilder assembles ForwardRequests with a freshly fetched counter.
type RequestBuilder struct {
	counter metatx.CounterSource
	gas     *big.Int
	value   *big.Int
	window  time.Duration
	now     func() time.Time
}

// BuilderOption configures a RequestBuilder
type BuilderOption func(*RequestBuilder)

// WithDefaultGas overrides the default gas budget
func WithDefaultGas(gas uint64) BuilderOption {
	return func(b *RequestBuilder) {
		b.gas = new(big.Int).SetUint64(gas)
	}
}

// WithDefaultValue overrides the default forwarded value
func WithDefaultValue(value *big.Int) BuilderOption {
	return func(b *RequestBuilder) {
		b.value = new(big.Int).Set(value)
	}
}

// WithValidityWindow overrides how long a built request stays valid
func WithValidityWindow(window time.Duration) BuilderOption {
	return func(b *RequestBuilder) {
		b.window = window
	}
}

// WithClock injects the time source
func WithClock(now func() time.Time) BuilderOption {
	return func(b *RequestBuilder) {
		b.now = now
	}
}

// NewRequestBuilder creates a builder reading nonces from counter
func NewRequestBuilder(counter metatx.CounterSource, opts ...BuilderOption) *RequestBuilder {
	b := &RequestBuilder{
		counter: counter,
		gas:     big.NewInt(DefaultRequestGas),
		value:   new(big.Int),
		window:  DefaultValidityPeriod,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildRequest builds a request with the default value and gas.
func (b *RequestBuilder) BuildRequest(ctx context.Context, from, to common.Address, data []byte) (*metatx.ForwardRequest, error) {
	return b.Build(ctx, Intent{From: from, To: to, Data: data})
}

// Build fetches the current counter for intent.From and returns a request
// valid until now + window. It has no side effects.
func (b *RequestBuilder) Build(ctx context.Context, intent Intent) (*metatx.ForwardRequest, error) {
	if intent.From == (common.Address{}) {
		return nil, metatx.InvalidRequest("from address is required")
	}
	if intent.To == (common.Address{}) {
		return nil, metatx.InvalidRequest("to address is required")
	}

	value := b.value
	if intent.Value != nil {
		if intent.Value.Sign() < 0 {
			return nil, metatx.InvalidRequest("value must not be negative")
		}
		value = intent.Value
	}
	gas := b.gas
	if intent.Gas != nil {
		if intent.Gas.Sign() <= 0 {
			return nil, metatx.InvalidRequest("gas must be positive")
		}
		gas = intent.Gas
	}

	nonce, err := b.counter.NextNonce(ctx, intent.From)
	if err != nil {
		return nil, metatx.CounterFetchError(err)
	}
	if nonce == nil || nonce.Sign() < 0 {
		return nil, metatx.CounterFetchError(fmt.Errorf("counter source returned invalid nonce %v", nonce))
	}

	deadline := b.now().Add(b.window).Unix()
	req := metatx.ForwardRequest{
		From:     intent.From,
		To:       intent.To,
		Value:    value,
		Gas:      gas,
		Nonce:    nonce,
		Deadline: uint64(deadline),
		Data:     intent.Data,
	}.Clone()
	return &req, nil
}
