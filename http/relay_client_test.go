package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	metatx "github.com/mintrelay/metatx"
)

var clientForwarder = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func sampleRelayTx() metatx.RelayTransaction {
	return metatx.RelayTransaction{
		TargetContract: clientForwarder,
		EncodedPayload: []byte{0xde, 0xad, 0xbe, 0xef},
		SpeedHint:      metatx.SpeedFast,
		GasCeiling:     1_500_000,
	}
}

func newTestRelayClient(t *testing.T, url string) *RelayClient {
	t.Helper()
	client, err := NewRelayClient(RelayConfig{URL: url + "/"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	client.retryDelay = time.Millisecond
	return client
}

func TestNewRelayClientRequiresURL(t *testing.T) {
	if _, err := NewRelayClient(RelayConfig{}); err == nil {
		t.Fatal("Expected error for empty URL")
	}
}

func TestRelayClientSend(t *testing.T) {
	const handle = "0x1111111111111111111111111111111111111111111111111111111111111111"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/relay" {
			t.Errorf("Expected path /relay, got %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}

		var body RelayRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}
		if body.TargetContract != clientForwarder.Hex() {
			t.Errorf("Expected target %s, got %s", clientForwarder.Hex(), body.TargetContract)
		}
		if body.EncodedPayload != "0xdeadbeef" {
			t.Errorf("Expected payload 0xdeadbeef, got %s", body.EncodedPayload)
		}
		if body.SpeedHint != "fast" || body.GasCeiling != 1_500_000 {
			t.Errorf("Unexpected speed/ceiling %s/%d", body.SpeedHint, body.GasCeiling)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(RelayResponse{SubmissionID: handle})
	}))
	defer server.Close()

	receipt, err := newTestRelayClient(t, server.URL).Send(context.Background(), sampleRelayTx())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if receipt.SubmissionID != handle {
		t.Errorf("Expected handle %s, got %s", handle, receipt.SubmissionID)
	}
}

func TestRelayClientStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
	}{
		{"empty id", http.StatusOK, `{"submissionId":""}`, metatx.ErrCodeSubmissionRejected},
		{"stale nonce passthrough", http.StatusConflict, `{"code":"stale_nonce","error":"verification failed"}`, metatx.ErrCodeStaleNonce},
		{"expired passthrough", http.StatusUnprocessableEntity, `{"code":"expired","error":"verification failed"}`, metatx.ErrCodeExpired},
		{"bad signature passthrough", http.StatusUnprocessableEntity, `{"code":"bad_signature","error":"verification failed"}`, metatx.ErrCodeBadSignature},
		{"other 4xx", http.StatusForbidden, `{"code":"forbidden","error":"no"}`, metatx.ErrCodeSubmissionRejected},
		{"plain text 4xx", http.StatusBadRequest, `nope`, metatx.ErrCodeSubmissionRejected},
		{"5xx", http.StatusBadGateway, `{"code":"transport_error"}`, metatx.ErrCodeTransportError},
		{"garbled 2xx", http.StatusOK, `not json`, metatx.ErrCodeTransportError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestRelayClient(t, server.URL).Send(context.Background(), sampleRelayTx())
			if err == nil {
				t.Fatal("Expected error")
			}
			if code := metatx.CodeOf(err); code != tt.wantCode {
				t.Errorf("Expected code %s, got %s (%v)", tt.wantCode, code, err)
			}
		})
	}
}

func TestRelayClientRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(RelayResponse{SubmissionID: "0xabc"})
	}))
	defer server.Close()

	receipt, err := newTestRelayClient(t, server.URL).Send(context.Background(), sampleRelayTx())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if receipt.SubmissionID != "0xabc" {
		t.Errorf("Expected handle 0xabc, got %s", receipt.SubmissionID)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
}

func TestRelayClientRateLimitExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestRelayClient(t, server.URL).Send(context.Background(), sampleRelayTx())
	if !errors.Is(err, metatx.ErrTransport) {
		t.Fatalf("Expected transport error, got %v", err)
	}
	if !metatx.IsRetryable(err) {
		t.Error("Expected rate limit to be retryable")
	}
	if calls.Load() != relayRetries {
		t.Errorf("Expected %d attempts, got %d", relayRetries, calls.Load())
	}
}

func TestRelayClientNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestRelayClient(t, url).Send(context.Background(), sampleRelayTx())
	if !errors.Is(err, metatx.ErrTransport) {
		t.Fatalf("Expected transport error, got %v", err)
	}
}
