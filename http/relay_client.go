package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	metatx "github.com/mintrelay/metatx"
)

// RelayConfig configures the HTTP relay client
type RelayConfig struct {
	// URL is the base URL of the relay service
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration
}

// relayRetries is the number of attempts on 429 rate limit responses
const relayRetries = 3

// relayRetryBaseDelay is the base delay for exponential backoff on retries
const relayRetryBaseDelay = 500 * time.Millisecond

// passthroughCodes are relay verdicts surfaced with their own code rather
// than as a generic rejection.
var passthroughCodes = map[string]bool{
	metatx.ErrCodeStaleNonce:     true,
	metatx.ErrCodeExpired:        true,
	metatx.ErrCodeBadSignature:   true,
	metatx.ErrCodeInvalidRequest: true,
}

// RelayClient submits encoded payloads to a remote relay service.
// It implements metatx.RelayTransport.
type RelayClient struct {
	url        string
	httpClient *http.Client
	retryDelay time.Duration
}

// NewRelayClient creates a new HTTP relay client
func NewRelayClient(config RelayConfig) (*RelayClient, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("relay URL is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	return &RelayClient{
		url:        strings.TrimSuffix(config.URL, "/"),
		httpClient: httpClient,
		retryDelay: relayRetryBaseDelay,
	}, nil
}

// Send posts tx to /relay. 2xx yields a handle; 4xx is a rejection; 429,
// 5xx and network failures are transport errors.
func (c *RelayClient) Send(ctx context.Context, tx metatx.RelayTransaction) (metatx.RelayReceipt, error) {
	body, err := json.Marshal(RelayRequest{
		TargetContract: tx.TargetContract.Hex(),
		EncodedPayload: hexutil.Encode(tx.EncodedPayload),
		SpeedHint:      string(tx.SpeedHint),
		GasCeiling:     tx.GasCeiling,
	})
	if err != nil {
		return metatx.RelayReceipt{}, metatx.NewError(metatx.ErrCodeInvalidRequest, "failed to marshal relay request", err)
	}

	var lastErr error
	for attempt := range relayRetries {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/relay", bytes.NewReader(body))
		if err != nil {
			return metatx.RelayReceipt{}, metatx.TransportError("failed to create relay request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return metatx.RelayReceipt{}, metatx.TransportError("relay request failed", err)
		}
		responseBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return metatx.RelayReceipt{}, metatx.TransportError("failed to read relay response", err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			var relayResponse RelayResponse
			if err := json.Unmarshal(responseBody, &relayResponse); err != nil {
				return metatx.RelayReceipt{}, metatx.TransportError("failed to decode relay response", err)
			}
			if relayResponse.SubmissionID == "" {
				return metatx.RelayReceipt{}, metatx.SubmissionRejected("relay returned an empty submission id", nil)
			}
			return metatx.RelayReceipt{SubmissionID: metatx.SubmissionHandle(relayResponse.SubmissionID)}, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = metatx.TransportError(fmt.Sprintf("relay rate limited (%d)", resp.StatusCode), nil)
			if attempt < relayRetries-1 {
				delay := c.retryDelay * time.Duration(1<<uint(attempt))
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return metatx.RelayReceipt{}, metatx.TransportError("relay request cancelled", ctx.Err())
				}
			}

		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return metatx.RelayReceipt{}, rejectionFromBody(resp.StatusCode, responseBody)

		default:
			return metatx.RelayReceipt{}, metatx.TransportError(
				fmt.Sprintf("relay failed (%d): %s", resp.StatusCode, summarize(responseBody)), nil)
		}
	}
	return metatx.RelayReceipt{}, lastErr
}

func rejectionFromBody(status int, body []byte) error {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && passthroughCodes[errResp.Code] {
		return metatx.NewError(errResp.Code, errResp.Error, nil)
	}
	msg := errResp.Error
	if msg == "" {
		msg = summarize(body)
	}
	return metatx.SubmissionRejected(fmt.Sprintf("relay rejected request (%d): %s", status, msg), nil)
}

func summarize(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
