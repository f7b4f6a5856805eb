package engine

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackronrau/anycrawl/internal/models"
)

// mapFetchError classifies a transport-level failure into the service's
// error taxonomy.
func mapFetchError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &models.CodedError{
			Code:    models.ErrCodeNavigationTimeout,
			Message: "navigation timed out",
			Cause:   err,
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &models.CodedError{
			Code:    models.ErrCodeNavigationTimeout,
			Message: "navigation timed out",
			Cause:   err,
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "proxyconnect"):
		return &models.ProxyError{Kind: "PROXY_CONNECTION_FAILED", Message: err.Error()}
	case strings.Contains(msg, "proxy authentication required"):
		return &models.ProxyError{Kind: "PROXY_AUTH_FAILED", Message: err.Error()}
	case strings.Contains(msg, "socks"):
		return &models.ProxyError{Kind: "SOCKS_CONNECTION_FAILED", Message: err.Error()}
	case strings.Contains(msg, "err_tunnel_connection_failed"):
		return &models.ProxyError{Kind: "TUNNEL_CONNECTION_FAILED", Message: err.Error()}
	case strings.Contains(msg, "err_proxy_connection_failed"):
		return &models.ProxyError{Kind: "PROXY_CONNECTION_FAILED", Message: err.Error()}
	case strings.Contains(msg, "err_timed_out"), strings.Contains(msg, "timeout"):
		return &models.CodedError{
			Code:    models.ErrCodeNavigationTimeout,
			Message: "navigation timed out",
			Cause:   err,
		}
	}
	return &models.CodedError{
		Code:    models.ErrCodeHTTP,
		Message: err.Error(),
		Cause:   err,
	}
}

// mapBrowserError is mapFetchError with a browser-flavored fallback.
func mapBrowserError(err error) error {
	mapped := mapFetchError(err)
	var coded *models.CodedError
	if errors.As(mapped, &coded) && coded.Code == models.ErrCodeHTTP {
		return &models.CodedError{
			Code:    models.ErrCodeBrowser,
			Message: err.Error(),
			Cause:   err,
		}
	}
	return mapped
}
