package models

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures surfaced in payloads and logs.
type ErrorCode string

const (
	ErrCodeValidation        ErrorCode = "VALIDATION_ERROR"
	ErrCodeHTTP              ErrorCode = "HTTP_ERROR"
	ErrCodeNavigationTimeout ErrorCode = "NAVIGATION_TIMEOUT"
	ErrCodeProxy             ErrorCode = "PROXY_ERROR"
	ErrCodeProxyUnavailable  ErrorCode = "PROXY_UNAVAILABLE"
	ErrCodeBrowser           ErrorCode = "BROWSER_ERROR"
	ErrCodeExtraction        ErrorCode = "EXTRACTION_ERROR"
	ErrCodeCostLimit         ErrorCode = "COST_LIMIT_EXCEEDED"
	ErrCodeCrawlLimitReached ErrorCode = "CRAWL_LIMIT_REACHED"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// CodedError is an error carrying a user-visible error code.
type CodedError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewCodedError wraps cause with a code and message.
func NewCodedError(code ErrorCode, message string, cause error) *CodedError {
	return &CodedError{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the error code from err, defaulting to INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return ErrCodeHTTP
	}
	var extErr *ExtractionError
	if errors.As(err, &extErr) {
		return ErrCodeExtraction
	}
	var proxyErr *ProxyError
	if errors.As(err, &proxyErr) {
		return ErrCodeProxy
	}
	var costErr *CostLimitError
	if errors.As(err, &costErr) {
		return ErrCodeCostLimit
	}
	return ErrCodeInternal
}

// HTTPStatusError reports a non-2xx origin response. The page body is
// still extracted best-effort before this error is surfaced.
type HTTPStatusError struct {
	StatusCode int
	Message    string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP_ERROR: status %d: %s", e.StatusCode, e.Message)
}

// ExtractionError reports a failure in a specific extraction step.
type ExtractionError struct {
	Step    string
	Message string
	Cause   error
}

func (e *ExtractionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("extraction failed at %s: %s: %v", e.Step, e.Message, e.Cause)
	}
	return fmt.Sprintf("extraction failed at %s: %s", e.Step, e.Message)
}

func (e *ExtractionError) Unwrap() error { return e.Cause }

// NewExtractionError wraps cause with the offending step.
func NewExtractionError(step, message string, cause error) *ExtractionError {
	return &ExtractionError{Step: step, Message: message, Cause: cause}
}

// CostLimitError is raised before dispatching an LLM call that would push
// cumulative cost over the configured limit.
type CostLimitError struct {
	LimitUSD   float64
	CurrentUSD float64
	NextUSD    float64
}

func (e *CostLimitError) Error() string {
	return fmt.Sprintf("COST_LIMIT_EXCEEDED: next call would cost %.6f USD, cumulative %.6f exceeds limit %.6f",
		e.NextUSD, e.CurrentUSD+e.NextUSD, e.LimitUSD)
}

// NavigationOutcome is the tagged result of a pre-navigation hook. Hooks
// return Abort instead of raising signalling errors.
type NavigationOutcome struct {
	Proceed bool
	Reason  ErrorCode
}

// Proceed allows navigation to continue.
func Proceed() NavigationOutcome { return NavigationOutcome{Proceed: true} }

// Abort stops navigation with a reason; CRAWL_LIMIT_REACHED aborts are
// expected outcomes, not failures.
func Abort(reason ErrorCode) NavigationOutcome {
	return NavigationOutcome{Proceed: false, Reason: reason}
}

// IsCrawlLimit reports whether the outcome aborted due to the crawl limit.
func (o NavigationOutcome) IsCrawlLimit() bool {
	return !o.Proceed && o.Reason == ErrCodeCrawlLimitReached
}

// Transient proxy faults that trigger retry (others do not).
var retryableProxyFaults = map[string]struct{}{
	"PROXY_CONNECTION_FAILED":  {},
	"TUNNEL_CONNECTION_FAILED": {},
	"PROXY_AUTH_FAILED":        {},
	"SOCKS_CONNECTION_FAILED":  {},
}

// ProxyError reports a proxy fault with its specific kind.
type ProxyError struct {
	Kind    string
	Message string
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("PROXY_ERROR: %s: %s", e.Kind, e.Message)
}

// Retryable reports whether the proxy fault is transient.
func (e *ProxyError) Retryable() bool {
	_, ok := retryableProxyFaults[e.Kind]
	return ok
}

// IsRetryable reports whether err warrants a queue-level retry.
func IsRetryable(err error) bool {
	var proxyErr *ProxyError
	if errors.As(err, &proxyErr) {
		return proxyErr.Retryable()
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code == ErrCodeNavigationTimeout
	}
	return false
}
