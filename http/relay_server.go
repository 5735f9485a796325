package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/time/rate"

	metatx "github.com/mintrelay/metatx"
	"github.com/mintrelay/metatx/mechanisms/evm"
)

// RequestIDHeader carries the per-request correlation id
const RequestIDHeader = "X-Request-ID"

// RelayServerConfig configures the relay service
type RelayServerConfig struct {
	// Domain of the forwarding contract; its VerifyingContract is the only
	// accepted target.
	Domain metatx.DomainDescriptor

	// Counter reads the on-chain anti-replay counter.
	Counter metatx.CounterSource

	// Transport pays for and submits accepted requests.
	Transport metatx.RelayTransport

	// Receipts is watched for every relayed handle. A reverted or never
	// mined handle gives its nonce back.
	Receipts metatx.ReceiptSource

	// ReceiptPollInterval between receipt lookups (optional, defaults to 2s)
	ReceiptPollInterval time.Duration

	// MaxGasCeiling caps the requested gas ceiling (optional, defaults to 3,000,000)
	MaxGasCeiling uint64

	// RateLimit per client IP in requests per second (optional, defaults to 5)
	RateLimit float64

	// Burst per client IP (optional, defaults to 10)
	Burst int

	// ReservationTTL for relayed-but-unmined nonces (optional)
	ReservationTTL time.Duration

	// VerifierOptions are passed to the authoritative verifier
	VerifierOptions []evm.VerifierOption

	Logger *zerolog.Logger
}

// RelayServer is the fee-sponsoring relay endpoint. It re-verifies every
// request with the same Verifier the client uses before paying for it.
type RelayServer struct {
	forwarder common.Address
	verifier  *evm.Verifier
	pending   *evm.PendingCounter
	transport metatx.RelayTransport
	receipts  metatx.ReceiptSource
	schema    *gojsonschema.Schema
	maxGas    uint64
	limiter   *visitorLimiter
	log       zerolog.Logger

	watchTTL  time.Duration
	watchPoll time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	watchers  sync.WaitGroup
}

// NewRelayServer validates config and creates the service
func NewRelayServer(config RelayServerConfig) (*RelayServer, error) {
	if config.Counter == nil || config.Transport == nil || config.Receipts == nil {
		return nil, fmt.Errorf("relay server needs a counter source, a transport and a receipt source")
	}
	if config.Domain.VerifyingContract == (common.Address{}) {
		return nil, fmt.Errorf("relay server needs the forwarder address")
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(relayRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile relay schema: %w", err)
	}

	maxGas := config.MaxGasCeiling
	if maxGas == 0 {
		maxGas = 3_000_000
	}
	rps := config.RateLimit
	if rps == 0 {
		rps = 5
	}
	burst := config.Burst
	if burst == 0 {
		burst = 10
	}
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}

	watchTTL := config.ReservationTTL
	if watchTTL == 0 {
		watchTTL = evm.DefaultReservationTTL
	}
	watchPoll := config.ReceiptPollInterval
	if watchPoll == 0 {
		watchPoll = evm.DefaultPollInterval
	}

	pending := evm.NewPendingCounter(config.Counter, watchTTL)
	ctx, cancel := context.WithCancel(context.Background())
	return &RelayServer{
		forwarder: config.Domain.VerifyingContract,
		verifier:  evm.NewVerifier(config.Domain, pending, config.VerifierOptions...),
		pending:   pending,
		transport: config.Transport,
		receipts:  config.Receipts,
		schema:    schema,
		maxGas:    maxGas,
		limiter:   newVisitorLimiter(rate.Limit(rps), burst),
		log:       logger.With().Str("component", "relay").Logger(),
		watchTTL:  watchTTL,
		watchPoll: watchPoll,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Close stops every receipt watcher and waits for them to exit
func (s *RelayServer) Close() {
	s.cancel()
	s.watchers.Wait()
}

// Handler returns the gin engine serving POST /relay and GET /healthz
func (s *RelayServer) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "forwarder": s.forwarder.Hex()})
	})
	r.POST("/relay", s.rateLimit(), s.handleRelay)
	return r
}

func (s *RelayServer) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func (s *RelayServer) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.allow(c.ClientIP()) {
			abort(c, http.StatusTooManyRequests, metatx.ErrCodeTransportError, "rate limit exceeded")
			return
		}
		c.Next()
	}
}

func (s *RelayServer) handleRelay(c *gin.Context) {
	log := s.log.With().Str("request_id", c.GetString("request_id")).Logger()

	body, err := c.GetRawData()
	if err != nil {
		abort(c, http.StatusBadRequest, metatx.ErrCodeInvalidRequest, "unreadable body")
		return
	}
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		abort(c, http.StatusBadRequest, metatx.ErrCodeInvalidRequest, "body is not valid JSON")
		return
	}
	if !result.Valid() {
		abort(c, http.StatusBadRequest, metatx.ErrCodeInvalidRequest, result.Errors()[0].String())
		return
	}

	var req RelayRequest
	if err := json.Unmarshal(body, &req); err != nil {
		abort(c, http.StatusBadRequest, metatx.ErrCodeInvalidRequest, "malformed body")
		return
	}
	if common.HexToAddress(req.TargetContract) != s.forwarder {
		abort(c, http.StatusBadRequest, metatx.ErrCodeInvalidRequest, "target is not the forwarder")
		return
	}
	payload, err := evm.HexToBytes(req.EncodedPayload)
	if err != nil {
		abort(c, http.StatusBadRequest, metatx.ErrCodeInvalidRequest, "payload is not hex")
		return
	}
	signed, err := evm.DecodeExecute(payload)
	if err != nil {
		abort(c, http.StatusBadRequest, metatx.ErrCodeInvalidRequest, err.Error())
		return
	}

	ceiling := min(req.GasCeiling, s.maxGas)
	if !signed.Request.Gas.IsUint64() || ceiling <= signed.Request.Gas.Uint64() {
		abort(c, http.StatusBadRequest, metatx.ErrCodeInvalidRequest, "gas ceiling does not exceed request gas")
		return
	}

	from := signed.Request.From
	log = log.With().Str("from", from.Hex()).Str("nonce", signed.Request.Nonce.String()).Logger()

	unlock := s.pending.Lock(from)
	defer unlock()

	verdict, err := s.verifier.Verify(c.Request.Context(), signed)
	if err != nil {
		log.Warn().Err(err).Msg("counter unavailable")
		abort(c, http.StatusServiceUnavailable, metatx.ErrCodeCounterFetchFailed, "counter unavailable")
		return
	}
	if !verdict.Valid {
		log.Info().Str("code", verdict.Reason).Msg("request refused")
		abort(c, verdictStatus(verdict.Reason), verdict.Reason, "verification failed")
		return
	}

	receipt, err := s.transport.Send(c.Request.Context(), metatx.RelayTransaction{
		TargetContract: s.forwarder,
		EncodedPayload: payload,
		SpeedHint:      metatx.SpeedHint(req.SpeedHint),
		GasCeiling:     ceiling,
	})
	if err != nil {
		log.Warn().Err(err).Str("code", metatx.CodeOf(err)).Msg("sponsor send failed")
		if errors.Is(err, metatx.ErrSubmissionRejected) {
			abort(c, http.StatusUnprocessableEntity, metatx.ErrCodeSubmissionRejected, "sponsor refused the transaction")
			return
		}
		abort(c, http.StatusBadGateway, metatx.ErrCodeTransportError, "sponsor unavailable")
		return
	}

	s.pending.Reserve(from, signed.Request.Nonce, receipt.SubmissionID)
	s.watchers.Add(1)
	go s.watch(receipt.SubmissionID, log)
	log.Info().Str("handle", receipt.SubmissionID.String()).Msg("request relayed")
	c.JSON(http.StatusOK, RelayResponse{SubmissionID: receipt.SubmissionID.String()})
}

// watch follows handle until its receipt appears or the reservation ages out.
// A successful receipt means the forwarder consumed the nonce. A reverted
// execute leaves the forwarder counter untouched, as does a transaction that
// is never mined, so both hand the nonce back.
func (s *RelayServer) watch(handle metatx.SubmissionHandle, log zerolog.Logger) {
	defer s.watchers.Done()
	log = log.With().Str("handle", handle.String()).Logger()

	txHash, ok := handle.Hash()
	if !ok {
		log.Warn().Msg("handle is not a transaction hash, reservation left to expire")
		s.pending.Landed(handle)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.watchTTL)
	defer cancel()
	ticker := time.NewTicker(s.watchPoll)
	defer ticker.Stop()

	for {
		receipt, err := s.receipts.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == types.ReceiptStatusSuccessful {
				s.pending.Landed(handle)
				return
			}
			log.Info().Msg("relayed transaction reverted, nonce released")
			s.pending.Dropped(handle)
			return
		case err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil:
			log.Debug().Err(err).Msg("receipt lookup failed, retrying")
		}

		select {
		case <-ctx.Done():
			if s.ctx.Err() == nil {
				log.Info().Msg("relayed transaction not mined, nonce released")
			}
			s.pending.Dropped(handle)
			return
		case <-ticker.C:
		}
	}
}

func verdictStatus(reason string) int {
	switch reason {
	case metatx.ErrCodeStaleNonce:
		return http.StatusConflict
	case metatx.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Code: code, Error: message})
}

// visitorLimiter keeps one token bucket per client IP
type visitorLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
	lastGC   time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newVisitorLimiter(rps rate.Limit, burst int) *visitorLimiter {
	return &visitorLimiter{
		visitors: make(map[string]*visitor),
		rps:      rps,
		burst:    burst,
		lastGC:   time.Now(),
	}
}

func (l *visitorLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastGC) > time.Minute {
		for key, v := range l.visitors {
			if now.Sub(v.lastSeen) > 3*time.Minute {
				delete(l.visitors, key)
			}
		}
		l.lastGC = now
	}

	v, exists := l.visitors[ip]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.Allow()
}
