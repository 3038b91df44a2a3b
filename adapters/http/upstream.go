// Package http provides the HTTP server and upstream client adapters.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/metergate/domain/pricing"
	"github.com/artpar/metergate/domain/proxy"
	"github.com/artpar/metergate/domain/registry"
	"github.com/artpar/metergate/ports"
)

// strippedHeaders are never forwarded upstream: hop-by-hop headers plus the
// gateway's own credential header.
var strippedHeaders = map[string]bool{
	"host":                true,
	"connection":          true,
	"keep-alive":          true,
	"transfer-encoding":   true,
	"te":                  true,
	"trailer":             true,
	"upgrade":             true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"x-api-key":           true,
}

// UpstreamClient forwards requests to registered APIs' base URLs.
// Responses are returned with their bodies unread so large payloads stream
// through without buffering.
type UpstreamClient struct {
	client  *http.Client
	timeout time.Duration
}

// UpstreamConfig contains configuration for the upstream client.
type UpstreamConfig struct {
	Timeout         time.Duration // per-request deadline (default 30s)
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

// NewUpstreamClient creates a new upstream HTTP client.
func NewUpstreamClient(cfg UpstreamConfig) *UpstreamClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}

	return &UpstreamClient{
		// No client-level timeout: the per-request context carries the
		// deadline so body streaming is bounded by it, not cut short.
		client:  &http.Client{Transport: transport},
		timeout: cfg.Timeout,
	}
}

// Forward sends the request to entry.BaseURL + subPath and returns the
// response with its body unread. The caller streams and closes the body.
func (u *UpstreamClient) Forward(ctx context.Context, entry registry.Entry, req proxy.Request, body io.Reader) (ports.UpstreamResponse, error) {
	start := time.Now()

	baseURL, err := url.Parse(entry.BaseURL)
	if err != nil {
		return ports.UpstreamResponse{}, fmt.Errorf("parse base url: %w", err)
	}
	target := *baseURL
	target.Path = strings.TrimSuffix(target.Path, "/") + pricing.Normalize(req.SubPath)
	target.RawQuery = req.Query

	ctx, cancel := context.WithTimeout(ctx, u.timeout)

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		cancel()
		return ports.UpstreamResponse{}, fmt.Errorf("create request: %w", err)
	}

	for k, v := range req.Headers {
		if strippedHeaders[strings.ToLower(k)] {
			continue
		}
		httpReq.Header.Set(k, v)
	}

	if req.RemoteIP != "" {
		httpReq.Header.Set("X-Forwarded-For", req.RemoteIP)
	}
	// The upstream sees the gateway-assigned correlation id, never the
	// client's own.
	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	httpReq.Header.Set("X-Request-Id", traceID)

	resp, err := u.client.Do(httpReq)
	if err != nil {
		cancel()
		return ports.UpstreamResponse{}, classifyForwardError(ctx, err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if strippedHeaders[strings.ToLower(k)] {
			continue
		}
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	return ports.UpstreamResponse{
		Status:       resp.StatusCode,
		Headers:      headers,
		Body:         &cancelOnClose{rc: resp.Body, cancel: cancel},
		UpstreamAddr: target.Host,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func classifyForwardError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ports.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ports.ErrUpstreamUnreachable, err)
}

// cancelOnClose ties the request context's lifetime to the response body.
type cancelOnClose struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Read(p []byte) (int, error) { return c.rc.Read(p) }

func (c *cancelOnClose) Close() error {
	err := c.rc.Close()
	c.cancel()
	return err
}

// Close releases idle connections.
func (u *UpstreamClient) Close() error {
	u.client.CloseIdleConnections()
	return nil
}

// Ensure interface compliance.
var _ ports.Upstream = (*UpstreamClient)(nil)
