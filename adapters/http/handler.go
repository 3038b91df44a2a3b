package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/artpar/metergate/adapters/metrics"
	"github.com/artpar/metergate/app"
	"github.com/artpar/metergate/domain/proxy"
	"github.com/artpar/metergate/domain/usage"
	"github.com/artpar/metergate/ports"
)

// Server hosts the gateway's HTTP surface.
type Server struct {
	gateway *app.GatewayService
	ledger  *app.LedgerService
	usage   ports.UsageStore
	metrics *metrics.Collector
	logger  zerolog.Logger
}

// ServerDeps contains dependencies for Server.
type ServerDeps struct {
	Gateway *app.GatewayService
	Ledger  *app.LedgerService
	Usage   ports.UsageStore
	Metrics *metrics.Collector
	Logger  zerolog.Logger
}

// NewServer creates a new HTTP server.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		gateway: deps.Gateway,
		ledger:  deps.Ledger,
		usage:   deps.Usage,
		metrics: deps.Metrics,
		logger:  deps.Logger,
	}
}

// Router builds the chi router for all gateway endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.HandleFunc("/v1/call/{api}", s.handleCall)
	r.HandleFunc("/v1/call/{api}/*", s.handleCall)

	r.Post("/v1/billing/settle", s.handleSettle)
	r.Get("/v1/billing/settle/status/{requestID}", s.handleSettleStatus)

	r.Get("/v1/usage/summary", s.handleUsageSummary)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// errorBody is the JSON shape of every non-passthrough error response.
type errorBody struct {
	Error        string   `json:"error"`
	Message      string   `json:"message"`
	RetryAfterMs *int64   `json:"retryAfterMs,omitempty"`
	BalanceUSDC  *float64 `json:"balance,omitempty"`
}

func (s *Server) writeDenial(w http.ResponseWriter, traceID string, d *app.Denial) {
	body := errorBody{
		Error:   d.Response.Code,
		Message: d.Response.Message,
	}

	// Every non-passthrough response carries the correlation id.
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", traceID)
	if d.Response.Status == http.StatusTooManyRequests {
		// Retry-After is whole seconds, rounded up so clients never retry
		// inside the same window.
		secs := int64((d.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		ms := d.RetryAfter.Milliseconds()
		body.RetryAfterMs = &ms
	}
	if d.Response.Status == http.StatusPaymentRequired {
		balance := d.Balance
		body.BalanceUSDC = &balance
	}

	w.WriteHeader(d.Response.Status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.metrics.RequestsInFlight.Inc()
	defer s.metrics.RequestsInFlight.Dec()

	req := proxy.Request{
		APIKey:         r.Header.Get("x-api-key"),
		SlugOrID:       chi.URLParam(r, "api"),
		SubPath:        chi.URLParam(r, "*"),
		Method:         r.Method,
		Query:          r.URL.RawQuery,
		Headers:        flattenHeaders(r.Header),
		IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
		RemoteIP:       r.RemoteAddr,
		UserAgent:      r.UserAgent(),
		TraceID:        uuid.NewString(),
	}

	call, denial := s.gateway.Authorize(r.Context(), req)
	if denial != nil {
		switch denial.Response.Status {
		case http.StatusUnauthorized:
			s.metrics.AuthFailures.WithLabelValues(denial.Response.Code).Inc()
		case http.StatusTooManyRequests:
			s.metrics.RateLimitHits.WithLabelValues(req.SlugOrID).Inc()
		}
		s.metrics.RequestsTotal.WithLabelValues(req.SlugOrID, req.Method, strconv.Itoa(denial.Response.Status)).Inc()
		s.writeDenial(w, req.TraceID, denial)
		return
	}

	resp, denial := s.gateway.Forward(r.Context(), call, req, r.Body)
	if denial != nil {
		s.metrics.UpstreamErrors.WithLabelValues(call.Entry.ID, denial.Response.Code).Inc()
		s.metrics.RequestsTotal.WithLabelValues(req.SlugOrID, req.Method, strconv.Itoa(denial.Response.Status)).Inc()
		s.writeDenial(w, req.TraceID, denial)
		// A call that never reached the upstream is not billable.
		s.gateway.Finish(call, denial.Response.Status, false)
		return
	}
	defer resp.Body.Close()

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(call.RateRemaining))
	w.WriteHeader(resp.Status)

	delivered := streamBody(w, resp.Body)
	if !delivered {
		s.logger.Debug().
			Str("request_id", call.RequestID).
			Str("api", call.Entry.ID).
			Msg("client went away mid-stream")
	}

	s.gateway.Finish(call, resp.Status, delivered)

	s.metrics.RequestsTotal.WithLabelValues(req.SlugOrID, req.Method, strconv.Itoa(resp.Status)).Inc()
	s.metrics.RequestDuration.WithLabelValues(req.SlugOrID, req.Method).Observe(time.Since(start).Seconds())
}

// streamBody copies the upstream body to the client, flushing as data
// arrives so server-sent event streams are not held back by buffering.
func streamBody(w http.ResponseWriter, body io.Reader) bool {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return false
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return true
		}
		if err != nil {
			return false
		}
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// settleRequest is the POST /v1/billing/settle body.
type settleRequest struct {
	RequestID   string  `json:"requestId"`
	DeveloperID string  `json:"developerId"`
	APIID       string  `json:"apiId"`
	EndpointID  string  `json:"endpointId"`
	APIKeyID    string  `json:"apiKeyId"`
	AmountUSDC  float64 `json:"amountUsdc"`
}

// settleResponse is returned by the settle and settle-status endpoints.
type settleResponse struct {
	UsageEventID     string `json:"usageEventId"`
	StellarTxHash    string `json:"stellarTxHash"`
	AlreadyProcessed bool   `json:"alreadyProcessed"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   proxy.ErrInvalidRequest.Code,
			Message: proxy.ErrInvalidRequest.Message,
		})
		return
	}
	if req.RequestID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "MISSING_REQUEST_ID",
			Message: "requestId is required",
		})
		return
	}

	start := time.Now()
	res, err := s.ledger.Deduct(r.Context(), app.DeductParams{
		RequestID:   req.RequestID,
		DeveloperID: req.DeveloperID,
		APIID:       req.APIID,
		EndpointID:  req.EndpointID,
		APIKeyID:    req.APIKeyID,
		AmountUSDC:  req.AmountUSDC,
	})
	s.metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.SettlementCalls.WithLabelValues("deduct", "failure").Inc()
		if errors.Is(err, app.ErrSettlementFailure) {
			writeJSON(w, proxy.ErrSettlementFailure.Status, errorBody{
				Error:   proxy.ErrSettlementFailure.Code,
				Message: proxy.ErrSettlementFailure.Message,
			})
			return
		}
		s.logger.Error().Str("request_id", req.RequestID).Err(err).Msg("settle failed")
		writeJSON(w, proxy.ErrPersistenceFailure.Status, errorBody{
			Error:   proxy.ErrPersistenceFailure.Code,
			Message: proxy.ErrPersistenceFailure.Message,
		})
		return
	}
	s.metrics.SettlementCalls.WithLabelValues("deduct", "success").Inc()

	// A usage event recorded while settlement was down carries no hash;
	// a successful settle retry fills it in.
	if res.TxHash != "" {
		if err := s.usage.AttachTxHash(r.Context(), req.RequestID, res.TxHash); err != nil {
			s.logger.Error().Str("request_id", req.RequestID).Err(err).Msg("tx hash back-fill failed")
		}
	}

	writeJSON(w, http.StatusOK, settleResponse{
		UsageEventID:     res.UsageEventID,
		StellarTxHash:    res.TxHash,
		AlreadyProcessed: res.AlreadyProcessed,
	})
}

func (s *Server) handleSettleStatus(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	entry, err := s.ledger.GetByRequestID(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{
				Error:   "not_found",
				Message: "No settlement recorded for that request id",
			})
			return
		}
		s.logger.Error().Str("request_id", requestID).Err(err).Msg("settle status lookup failed")
		writeJSON(w, proxy.ErrPersistenceFailure.Status, errorBody{
			Error:   proxy.ErrPersistenceFailure.Code,
			Message: proxy.ErrPersistenceFailure.Message,
		})
		return
	}

	writeJSON(w, http.StatusOK, settleResponse{
		UsageEventID:     entry.ID,
		StellarTxHash:    entry.TxHash,
		AlreadyProcessed: true,
	})
}

// usageSummary is the GET /v1/usage/summary response, a reconciliation
// report over recorded events.
type usageSummary struct {
	DeveloperID  string    `json:"developerId,omitempty"`
	PeriodStart  time.Time `json:"periodStart"`
	PeriodEnd    time.Time `json:"periodEnd"`
	RequestCount int64     `json:"requestCount"`
	AmountUSDC   float64   `json:"amountUsdc"`
	ErrorCount   int64     `json:"errorCount"`
	Settled      int64     `json:"settled"`
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	events, err := s.usage.List(r.Context(), r.URL.Query().Get("apiKey"))
	if err != nil {
		s.logger.Error().Err(err).Msg("usage summary listing failed")
		writeJSON(w, proxy.ErrPersistenceFailure.Status, errorBody{
			Error:   proxy.ErrPersistenceFailure.Code,
			Message: proxy.ErrPersistenceFailure.Message,
		})
		return
	}

	var start, end time.Time
	for _, e := range events {
		if start.IsZero() || e.Timestamp.Before(start) {
			start = e.Timestamp
		}
		if e.Timestamp.After(end) {
			end = e.Timestamp
		}
	}
	sum := usage.Aggregate(events, start, end)

	writeJSON(w, http.StatusOK, usageSummary{
		DeveloperID:  sum.DeveloperID,
		PeriodStart:  sum.PeriodStart,
		PeriodEnd:    sum.PeriodEnd,
		RequestCount: sum.RequestCount,
		AmountUSDC:   sum.AmountUSDC,
		ErrorCount:   sum.ErrorCount,
		Settled:      sum.Settled,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
