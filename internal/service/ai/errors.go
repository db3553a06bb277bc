package ai

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/zhouzirui/chatstream/internal/apperr"
)

var (
	rateLimitMarkers = []string{"quota", "rate limit", "rate_limit", "ratelimit", "resource_exhausted", "429", "too many requests"}
	transientMarkers = []string{"unavailable", "overloaded", "503", "502", "504", "connection reset", "connection refused", "i/o timeout"}
)

// Classify converts a provider error into the apperr taxonomy
// (ErrRateLimited, ErrTransient or ErrFatal). Cancellation and io.EOF pass
// through untouched so callers can tell an abort from a failure.
func Classify(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return err
	}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return apperr.Wrap(apperr.ErrRateLimited, "", err)
		case apiErr.Code >= http.StatusInternalServerError:
			return apperr.Wrap(apperr.ErrTransient, "", err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.ErrTransient, "", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.Wrap(apperr.ErrTransient, "", err)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return apperr.Wrap(apperr.ErrRateLimited, "", err)
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return apperr.Wrap(apperr.ErrTransient, "", err)
		}
	}
	return apperr.Wrap(apperr.ErrFatal, "", err)
}

// ClassName labels a classified error for metrics and logs.
func ClassName(err error) string {
	switch apperr.KindOf(err) {
	case apperr.ErrRateLimited:
		return "rate_limited"
	case apperr.ErrTransient:
		return "transient"
	default:
		return "fatal"
	}
}
