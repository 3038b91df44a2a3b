package app

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/artpar/metergate/domain/pricing"
	"github.com/artpar/metergate/domain/proxy"
	"github.com/artpar/metergate/domain/ratelimit"
	"github.com/artpar/metergate/domain/registry"
	"github.com/artpar/metergate/domain/usage"
	"github.com/artpar/metergate/ports"
	"github.com/rs/zerolog"
)

// GatewayService orchestrates the request pipeline:
// ResolveApi -> ValidateKey -> RateLimitCheck -> BalanceCheck -> Forward ->
// RecordUsage (async, best-effort).
type GatewayService struct {
	registry   ports.RegistryStore
	rateLimit  ports.RateLimitStore
	settlement ports.Settlement
	upstream   ports.Upstream
	recorder   *Recorder
	clock      ports.Clock
	idGen      ports.IDGenerator
	logger     zerolog.Logger

	// Dynamic configuration (hot-reloadable)
	dynamicCfg atomic.Pointer[DynamicConfig]
}

// DynamicConfig contains hot-reloadable gateway configuration.
type DynamicConfig struct {
	RateLimit  ratelimit.Config
	Recordable usage.RecordablePolicy
}

// GatewayDeps contains dependencies for GatewayService.
type GatewayDeps struct {
	Registry   ports.RegistryStore
	RateLimit  ports.RateLimitStore
	Settlement ports.Settlement
	Upstream   ports.Upstream
	Recorder   *Recorder
	Clock      ports.Clock
	IDGen      ports.IDGenerator
	Logger     zerolog.Logger
}

// NewGatewayService creates a new gateway service.
func NewGatewayService(deps GatewayDeps, cfg DynamicConfig) *GatewayService {
	s := &GatewayService{
		registry:   deps.Registry,
		rateLimit:  deps.RateLimit,
		settlement: deps.Settlement,
		upstream:   deps.Upstream,
		recorder:   deps.Recorder,
		clock:      deps.Clock,
		idGen:      deps.IDGen,
		logger:     deps.Logger,
	}
	s.UpdateConfig(cfg)
	return s
}

// UpdateConfig swaps the hot-reloadable configuration.
// Thread-safe; can be called while handling requests.
func (s *GatewayService) UpdateConfig(cfg DynamicConfig) {
	if cfg.RateLimit.Limit <= 0 {
		cfg.RateLimit.Limit = 60
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = time.Minute
	}
	s.dynamicCfg.Store(&cfg)
}

func (s *GatewayService) getDynamicConfig() *DynamicConfig {
	return s.dynamicCfg.Load()
}

// CallContext carries everything the pipeline resolved for one request.
type CallContext struct {
	RequestID string // billing idempotency key for this call
	Entry     registry.Entry
	Endpoint  pricing.Endpoint
	Key       registry.Key

	// Rate limit headers for the response
	RateRemaining int
	RateResetAt   time.Time
}

// Denial is a terminal pipeline failure plus the extra fields some
// responses carry (Retry-After, current balance).
type Denial struct {
	Response   proxy.ErrorResponse
	RetryAfter time.Duration // set for rate limit denials
	Balance    float64       // set for insufficient balance denials
}

func deny(resp proxy.ErrorResponse) *Denial {
	return &Denial{Response: resp}
}

// Authorize runs the pre-forward pipeline states. On success the returned
// CallContext is ready for Forward; on failure the Denial maps directly to
// a client response.
func (s *GatewayService) Authorize(ctx context.Context, req proxy.Request) (CallContext, *Denial) {
	now := s.clock.Now()
	cfg := s.getDynamicConfig()

	// ResolveApi
	entry, err := s.registry.Resolve(ctx, req.SlugOrID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return CallContext{}, deny(proxy.ErrUnknownAPI)
		}
		s.logger.Error().Err(err).Str("api", req.SlugOrID).Msg("registry resolve failed")
		return CallContext{}, deny(proxy.ErrPersistenceFailure)
	}

	// ValidateKey. Key misses and key/API mismatches produce the same
	// generic denial so callers cannot probe which part failed.
	if req.APIKey == "" {
		return CallContext{}, deny(proxy.ErrUnauthorized)
	}
	key, err := s.registry.LookupKey(ctx, req.APIKey)
	if err != nil {
		if !errors.Is(err, ports.ErrNotFound) {
			s.logger.Error().Err(err).Msg("key lookup failed")
		}
		return CallContext{}, deny(proxy.ErrUnauthorized)
	}
	if !registry.Authorize(key, entry) {
		return CallContext{}, deny(proxy.ErrUnauthorized)
	}

	// RateLimitCheck
	rl, err := s.rateLimit.GetAndCheck(ctx, key.ID, cfg.RateLimit, now)
	if err != nil {
		s.logger.Error().Err(err).Str("key_id", key.ID).Msg("rate limit check failed")
		return CallContext{}, deny(proxy.ErrPersistenceFailure)
	}
	if !rl.Allowed {
		return CallContext{}, &Denial{
			Response:   proxy.ErrRateLimited,
			RetryAfter: rl.RetryAfter,
		}
	}

	endpoint := pricing.Resolve(entry.Endpoints, req.SubPath)

	// BalanceCheck: read-only pre-check, short-circuits depleted accounts
	// before the network hop. The authoritative deduction happens in the
	// asynchronous recording step.
	if endpoint.PriceUSDC > 0 {
		balance, err := s.settlement.GetBalance(ctx, entry.DeveloperID)
		if err != nil {
			// Advisory check only; the deduction itself still decides.
			s.logger.Warn().Err(err).
				Str("developer_id", entry.DeveloperID).
				Msg("balance pre-check unavailable, continuing")
		} else if balance < endpoint.PriceUSDC {
			return CallContext{}, &Denial{
				Response: proxy.ErrInsufficientBalance,
				Balance:  balance,
			}
		}
	}

	requestID := req.IdempotencyKey
	if requestID == "" {
		requestID = s.idGen.New()
	}

	return CallContext{
		RequestID:     requestID,
		Entry:         entry,
		Endpoint:      endpoint,
		Key:           key,
		RateRemaining: rl.Remaining,
		RateResetAt:   rl.ResetAt,
	}, nil
}

// Forward sends the request upstream and classifies failures.
// The response body is unread; the caller streams and closes it.
func (s *GatewayService) Forward(ctx context.Context, call CallContext, req proxy.Request, body io.Reader) (ports.UpstreamResponse, *Denial) {
	resp, err := s.upstream.Forward(ctx, call.Entry, req, body)
	if err != nil {
		switch {
		case errors.Is(err, ports.ErrUpstreamTimeout):
			s.logger.Warn().Str("api", call.Entry.ID).Err(err).Msg("upstream timed out")
			return ports.UpstreamResponse{}, deny(proxy.ErrUpstreamTimeout)
		default:
			s.logger.Warn().Str("api", call.Entry.ID).Err(err).Msg("upstream unreachable")
			return ports.UpstreamResponse{}, deny(proxy.ErrUpstreamUnreachable)
		}
	}
	return resp, nil
}

// Finish schedules the post-response recording step. delivered must be true
// only when the response body was fully streamed to the client; an aborted
// stream records nothing. Runs after the response is flushed and never
// affects it.
func (s *GatewayService) Finish(call CallContext, statusCode int, delivered bool) {
	if !delivered {
		return
	}
	cfg := s.getDynamicConfig()
	if !cfg.Recordable.Recordable(statusCode) {
		return
	}

	s.recorder.Submit(RecordJob{
		RequestID:   call.RequestID,
		APIKey:      call.Key.Value,
		APIKeyID:    call.Key.ID,
		APIID:       call.Entry.ID,
		EndpointID:  call.Endpoint.ID,
		DeveloperID: call.Entry.DeveloperID,
		AmountUSDC:  call.Endpoint.PriceUSDC,
		StatusCode:  statusCode,
		Timestamp:   s.clock.Now(),
	})
}
