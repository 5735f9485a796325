package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	metatx "github.com/mintrelay/metatx"
)

func newTestVerifier(counter metatx.CounterSource) *Verifier {
	return NewVerifier(testDomain(), counter, WithVerifierClock(fixedClock))
}

func TestVerifyScenarios(t *testing.T) {
	capability := newKeyCapability(t)
	from := capability.Address()
	future := uint64(testNow.Unix() + 3600)

	t.Run("fresh request is valid", func(t *testing.T) {
		counter := newMemCounter()
		signed := signFor(t, testDomain(), capability, sampleRequest(from, 0, future))

		result, err := newTestVerifier(counter).Verify(context.Background(), signed)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if !result.Valid {
			t.Fatalf("result = %+v, want valid", result)
		}
		if result.Signer != from {
			t.Errorf("signer = %s, want %s", result.Signer.Hex(), from.Hex())
		}
	})

	t.Run("stale nonce after counter advances", func(t *testing.T) {
		counter := newMemCounter()
		signed := signFor(t, testDomain(), capability, sampleRequest(from, 0, future))
		counter.set(from, 1)

		result, err := newTestVerifier(counter).Verify(context.Background(), signed)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if result.Valid || result.Reason != metatx.ErrCodeStaleNonce {
			t.Errorf("result = %+v, want stale_nonce", result)
		}
	})

	t.Run("future nonce is not queued", func(t *testing.T) {
		counter := newMemCounter()
		signed := signFor(t, testDomain(), capability, sampleRequest(from, 2, future))

		result, _ := newTestVerifier(counter).Verify(context.Background(), signed)
		if result.Valid || result.Reason != metatx.ErrCodeStaleNonce {
			t.Errorf("result = %+v, want stale_nonce", result)
		}
	})

	t.Run("expired with valid signature", func(t *testing.T) {
		signed := signFor(t, testDomain(), capability, sampleRequest(from, 0, uint64(testNow.Unix()-1)))

		result, err := newTestVerifier(newMemCounter()).Verify(context.Background(), signed)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if result.Valid || result.Reason != metatx.ErrCodeExpired {
			t.Errorf("result = %+v, want expired", result)
		}
	})

	t.Run("deadline equal to now is valid", func(t *testing.T) {
		signed := signFor(t, testDomain(), capability, sampleRequest(from, 0, uint64(testNow.Unix())))

		result, _ := newTestVerifier(newMemCounter()).Verify(context.Background(), signed)
		if !result.Valid {
			t.Errorf("result = %+v, want valid", result)
		}
	})

	t.Run("signed by someone else", func(t *testing.T) {
		other := newKeyCapability(t)
		signed := signFor(t, testDomain(), other, sampleRequest(other.Address(), 0, future))
		forged := metatx.NewSignedForwardRequest(sampleRequest(from, 0, future), signed.Signature)

		result, _ := newTestVerifier(newMemCounter()).Verify(context.Background(), forged)
		if result.Valid || result.Reason != metatx.ErrCodeBadSignature {
			t.Errorf("result = %+v, want bad_signature", result)
		}
	})

	t.Run("tampered field", func(t *testing.T) {
		signed := signFor(t, testDomain(), capability, sampleRequest(from, 0, future))
		tampered := signed.Request.Clone()
		tampered.Value = big.NewInt(1)

		result, _ := newTestVerifier(newMemCounter()).Verify(context.Background(), metatx.NewSignedForwardRequest(tampered, signed.Signature))
		if result.Reason != metatx.ErrCodeBadSignature {
			t.Errorf("result = %+v, want bad_signature", result)
		}
	})

	t.Run("malformed signatures", func(t *testing.T) {
		signed := signFor(t, testDomain(), capability, sampleRequest(from, 0, future))
		badV := append([]byte{}, signed.Signature...)
		badV[64] = 5

		for name, sig := range map[string][]byte{
			"empty":     nil,
			"too short": signed.Signature[:64],
			"bad v":     badV,
		} {
			result, err := newTestVerifier(newMemCounter()).Verify(context.Background(), metatx.NewSignedForwardRequest(signed.Request, sig))
			if err != nil {
				t.Fatalf("%s: Verify: %v", name, err)
			}
			if result.Reason != metatx.ErrCodeBadSignature {
				t.Errorf("%s: result = %+v, want bad_signature", name, result)
			}
		}
	})

	t.Run("raw v accepted", func(t *testing.T) {
		signed := signFor(t, testDomain(), capability, sampleRequest(from, 0, future))
		raw := append([]byte{}, signed.Signature...)
		raw[64] -= 27

		result, _ := newTestVerifier(newMemCounter()).Verify(context.Background(), metatx.NewSignedForwardRequest(signed.Request, raw))
		if !result.Valid {
			t.Errorf("result = %+v, want valid", result)
		}
	})

	t.Run("high s rejected", func(t *testing.T) {
		signed := signFor(t, testDomain(), capability, sampleRequest(from, 0, future))
		sig := append([]byte{}, signed.Signature...)
		s := new(big.Int).SetBytes(sig[32:64])
		highS := new(big.Int).Sub(crypto.S256().Params().N, s)
		highS.FillBytes(sig[32:64])
		if sig[64] == 27 {
			sig[64] = 28
		} else {
			sig[64] = 27
		}

		result, _ := newTestVerifier(newMemCounter()).Verify(context.Background(), metatx.NewSignedForwardRequest(signed.Request, sig))
		if result.Valid {
			t.Errorf("malleated signature accepted")
		}
	})

	t.Run("zero address request", func(t *testing.T) {
		req := sampleRequest(from, 0, future)
		req.To = common.Address{}
		result, _ := newTestVerifier(newMemCounter()).Verify(context.Background(), metatx.NewSignedForwardRequest(req, make([]byte, 65)))
		if result.Reason != metatx.ErrCodeInvalidRequest {
			t.Errorf("result = %+v, want invalid_request", result)
		}
	})
}

func TestVerifyCounterOutageIsAnError(t *testing.T) {
	capability := newKeyCapability(t)
	signed := signFor(t, testDomain(), capability, sampleRequest(capability.Address(), 0, uint64(testNow.Unix()+60)))

	counter := newMemCounter()
	counter.err = errBoom
	_, err := newTestVerifier(counter).Verify(context.Background(), signed)
	if !errors.Is(err, metatx.ErrCounterFetch) {
		t.Fatalf("err = %v, want counter fetch error", err)
	}
}

func TestVerifyExpiredSkipsCounter(t *testing.T) {
	capability := newKeyCapability(t)
	signed := signFor(t, testDomain(), capability, sampleRequest(capability.Address(), 0, uint64(testNow.Unix()-1)))

	counter := newMemCounter()
	counter.err = errBoom
	result, err := newTestVerifier(counter).Verify(context.Background(), signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Reason != metatx.ErrCodeExpired {
		t.Errorf("result = %+v, want expired", result)
	}
}

func TestVerifyCrossDomain(t *testing.T) {
	capability := newKeyCapability(t)
	signed := signFor(t, testDomain(), capability, sampleRequest(capability.Address(), 0, uint64(testNow.Unix()+60)))

	otherChain := testDomain()
	otherChain.ChainID = big.NewInt(8453)
	otherContract := testDomain()
	otherContract.VerifyingContract = common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")

	for name, domain := range map[string]metatx.DomainDescriptor{"chain": otherChain, "contract": otherContract} {
		t.Run(name, func(t *testing.T) {
			v := NewVerifier(domain, newMemCounter(), WithVerifierClock(fixedClock))
			result, err := v.Verify(context.Background(), signed)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if result.Valid || result.Reason != metatx.ErrCodeBadSignature {
				t.Errorf("result = %+v, want bad_signature", result)
			}
		})
	}
}
