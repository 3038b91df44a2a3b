// Package proxy provides request/response value types for the proxy layer.
package proxy

// Request represents an inbound gateway request (value type).
// This is extracted from HTTP and passed through the pipeline.
type Request struct {
	// Authentication
	APIKey string

	// Target API and remaining path
	SlugOrID string
	SubPath  string

	// HTTP request details
	Method  string
	Query   string
	Headers map[string]string

	// Idempotency key for billing; empty means the gateway generates one.
	IdempotencyKey string

	// Metadata
	RemoteIP  string
	UserAgent string

	// TraceID is the gateway-assigned correlation id for this call. It is
	// sent upstream as X-Request-Id and echoed on denial responses.
	TraceID string
}

// ErrorResponse represents an error to return to the client (value type).
// Messages are generic on purpose; detail stays in the server log.
type ErrorResponse struct {
	Status  int
	Code    string
	Message string
}

// Common error responses, one per taxonomy entry.
var (
	ErrUnauthorized = ErrorResponse{
		Status:  401,
		Code:    "unauthorized",
		Message: "Missing or invalid API key",
	}
	ErrUnknownAPI = ErrorResponse{
		Status:  404,
		Code:    "unknown_api",
		Message: "No API registered under that slug or id",
	}
	ErrRateLimited = ErrorResponse{
		Status:  429,
		Code:    "rate_limit_exceeded",
		Message: "Rate limit exceeded",
	}
	ErrInsufficientBalance = ErrorResponse{
		Status:  402,
		Code:    "insufficient_balance",
		Message: "Insufficient balance",
	}
	ErrUpstreamTimeout = ErrorResponse{
		Status:  504,
		Code:    "upstream_timeout",
		Message: "Upstream service timed out",
	}
	ErrUpstreamUnreachable = ErrorResponse{
		Status:  502,
		Code:    "upstream_unreachable",
		Message: "Upstream service unavailable",
	}
	ErrSettlementFailure = ErrorResponse{
		Status:  502,
		Code:    "settlement_failed",
		Message: "Settlement service rejected the deduction",
	}
	ErrPersistenceFailure = ErrorResponse{
		Status:  500,
		Code:    "persistence_failure",
		Message: "Internal storage error",
	}
	ErrInvalidRequest = ErrorResponse{
		Status:  400,
		Code:    "invalid_request",
		Message: "Malformed request body",
	}
)
