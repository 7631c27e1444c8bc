package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/koppeltag/api/internal/platform/auth"
	"github.com/koppeltag/api/internal/platform/httpx"
	"github.com/koppeltag/api/internal/platform/requestctx"
	"github.com/koppeltag/api/internal/services"
)

// DeviceIDHeader names the scanner device a request originates from.
const DeviceIDHeader = "X-Device-ID"

const maxRequestBody = 16 * 1024

// DeviceIDMiddleware copies the device header into the request context.
func DeviceIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if device := strings.TrimSpace(r.Header.Get(DeviceIDHeader)); device != "" {
			r = r.WithContext(requestctx.WithDeviceID(r.Context(), clipDevice(device)))
		}
		next.ServeHTTP(w, r)
	})
}

// scanWriteGrace is added to the scan wait so the outcome can still be written after the wait ends.
const scanWriteGrace = 10 * time.Second

// ScanOption configures handlers that wait on a scanner device.
type ScanOption func(*scanSettings)

type scanSettings struct {
	wait time.Duration
}

// WithScanWait bounds how long a request waits for a device read. Zero leaves the request bound
// only by the server timeouts.
func WithScanWait(d time.Duration) ScanOption {
	return func(s *scanSettings) {
		if d > 0 {
			s.wait = d
		}
	}
}

func newScanSettings(opts []ScanOption) scanSettings {
	var settings scanSettings
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}
	return settings
}

// scanWaitMiddleware limits a device long-poll to wait and moves the connection's write deadline
// past it, replacing the server-wide write timeout for that request.
func scanWaitMiddleware(wait time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if wait <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), wait)
			defer cancel()
			if err := http.NewResponseController(w).SetWriteDeadline(time.Now().Add(wait + scanWriteGrace)); err != nil {
				requestctx.Logger(ctx).Debug("scan write deadline not extended", zap.Error(err))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func clipDevice(device string) string {
	if len(device) > 128 {
		return device[:128]
	}
	return device
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

// decodeBody reads a JSON body, writing the error response itself on failure.
func decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	err := httpx.DecodeJSON(r, maxRequestBody, dst)
	switch {
	case err == nil:
		return true
	case errors.Is(err, httpx.ErrBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	case errors.Is(err, httpx.ErrEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
	}
	return false
}

func pathParam(r *http.Request, name string) string {
	return strings.TrimSpace(chi.URLParam(r, name))
}

// pathIndex parses a positive integer path parameter.
func pathIndex(ctx context.Context, w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := pathParam(r, name)
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", name+" must be a positive integer", http.StatusBadRequest))
		return 0, false
	}
	return value, true
}

func serviceUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", name+" service not available", http.StatusServiceUnavailable))
}

type noticePayload struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

func buildNoticePayload(notice services.Notice) *noticePayload {
	if notice.Code == "" && notice.Message == "" {
		return nil
	}
	return &noticePayload{
		Severity: string(notice.Severity),
		Code:     notice.Code,
		Message:  notice.Message,
	}
}
