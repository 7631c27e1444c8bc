package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/koppeltag/api/internal/domain"
	"github.com/koppeltag/api/internal/platform/auth"
	"github.com/koppeltag/api/internal/platform/httpx"
	"github.com/koppeltag/api/internal/platform/scanrelay"
)

// ScanReceiver accepts reader results for devices with an outstanding scan request.
type ScanReceiver interface {
	Deliver(deviceID, tagID string) error
	Fail(deviceID, reason string) error
}

// ScannerHandlers lets a device's NFC reader hand tag reads back to the waiting request.
type ScannerHandlers struct {
	authn    *auth.Authenticator
	receiver ScanReceiver
}

// NewScannerHandlers constructs the scanner side-channel endpoints.
func NewScannerHandlers(authn *auth.Authenticator, receiver ScanReceiver) *ScannerHandlers {
	return &ScannerHandlers{authn: authn, receiver: receiver}
}

// Routes registers scanner endpoints beneath /scanners.
func (h *ScannerHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	route := r
	if h.authn != nil {
		route = r.With(h.authn.RequireFirebaseAuth(auth.RoleOperator))
	}
	route.Post("/{deviceId}/tags", h.deliver)
	route.Post("/{deviceId}/failures", h.fail)
}

func (h *ScannerHandlers) deliver(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.receiver == nil {
		serviceUnavailable(ctx, w, "scanner")
		return
	}
	var req scannerTagRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}
	if err := h.receiver.Deliver(pathParam(r, "deviceId"), req.TagID); err != nil {
		writeScannerError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *ScannerHandlers) fail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.receiver == nil {
		serviceUnavailable(ctx, w, "scanner")
		return
	}
	var req scannerFailureRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}
	if err := h.receiver.Fail(pathParam(r, "deviceId"), req.Reason); err != nil {
		writeScannerError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type scannerTagRequest struct {
	TagID string `json:"tag_id"`
}

type scannerFailureRequest struct {
	Reason string `json:"reason"`
}

func writeScannerError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scanrelay.ErrNoPendingScan):
		httpx.WriteError(ctx, w, httpx.NewError("no_pending_scan", "device has no scan waiting for a tag", http.StatusConflict))
	case errors.Is(err, domain.ErrEmptyTag), errors.Is(err, scanrelay.ErrDeviceRequired):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("scanner_error", "failed to relay scan", http.StatusInternalServerError))
	}
}
