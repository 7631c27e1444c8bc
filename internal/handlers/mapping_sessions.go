package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/koppeltag/api/internal/domain"
	"github.com/koppeltag/api/internal/mapping"
	"github.com/koppeltag/api/internal/platform/auth"
	"github.com/koppeltag/api/internal/platform/httpx"
	"github.com/koppeltag/api/internal/platform/requestctx"
	"github.com/koppeltag/api/internal/services"
)

// MappingSessionHandlers exposes the interactive mapping workflow to operators.
type MappingSessionHandlers struct {
	authn *auth.Authenticator
	svc   services.MappingSessionService
	scan  scanSettings
}

// NewMappingSessionHandlers constructs a mapping session handler set.
func NewMappingSessionHandlers(authn *auth.Authenticator, svc services.MappingSessionService, opts ...ScanOption) *MappingSessionHandlers {
	return &MappingSessionHandlers{authn: authn, svc: svc, scan: newScanSettings(opts)}
}

// Routes registers session endpoints beneath /mapping-sessions.
func (h *MappingSessionHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}

	route := r
	if h.authn != nil {
		route = r.With(h.authn.RequireFirebaseAuth(auth.RoleOperator))
	}

	route.Post("/", h.open)
	route.Get("/{sessionId}", h.get)
	route.Delete("/{sessionId}", h.discard)
	route.Post("/{sessionId}:begin-scan", h.transition(func(ctx context.Context, _ *http.Request, ref services.SessionRef) (services.SessionView, error) {
		return h.svc.BeginScan(ctx, ref)
	}))
	route.With(scanWaitMiddleware(h.scan.wait)).Post("/{sessionId}:scan-next", h.transition(func(ctx context.Context, _ *http.Request, ref services.SessionRef) (services.SessionView, error) {
		return h.svc.ScanNext(ctx, ref, requestctx.DeviceID(ctx))
	}))
	route.Post("/{sessionId}:cancel-scan", h.transition(func(ctx context.Context, _ *http.Request, ref services.SessionRef) (services.SessionView, error) {
		return h.svc.CancelPending(ctx, ref)
	}))
	route.Post("/{sessionId}:undo", h.transition(func(ctx context.Context, _ *http.Request, ref services.SessionRef) (services.SessionView, error) {
		return h.svc.Undo(ctx, ref)
	}))
	route.Post("/{sessionId}:save", h.transition(func(ctx context.Context, _ *http.Request, ref services.SessionRef) (services.SessionView, error) {
		return h.svc.Save(ctx, ref)
	}))
	route.Post("/{sessionId}/scans", h.submitScan)
	route.Put("/{sessionId}/pairs/{tractorIndex}", h.assign)
	route.Delete("/{sessionId}/pairs/{tractorIndex}", h.unassign)
}

type sessionCall func(ctx context.Context, r *http.Request, ref services.SessionRef) (services.SessionView, error)

// transition wraps a body-less session operation.
func (h *MappingSessionHandlers) transition(call sessionCall) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ref, ok := h.ref(ctx, w, r)
		if !ok {
			return
		}
		view, err := call(ctx, r, ref)
		writeSessionResult(ctx, w, http.StatusOK, view, err)
	}
}

func (h *MappingSessionHandlers) ref(ctx context.Context, w http.ResponseWriter, r *http.Request) (services.SessionRef, bool) {
	if h.svc == nil {
		serviceUnavailable(ctx, w, "mapping session")
		return services.SessionRef{}, false
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return services.SessionRef{}, false
	}
	return services.SessionRef{SessionID: pathParam(r, "sessionId"), OperatorID: identity.UID}, true
}

func (h *MappingSessionHandlers) open(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc == nil {
		serviceUnavailable(ctx, w, "mapping session")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req openSessionRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}
	device := strings.TrimSpace(req.DeviceID)
	if device == "" {
		device = requestctx.DeviceID(ctx)
	}
	view, err := h.svc.Open(ctx, services.OpenMappingSessionCommand{
		CombinationID: req.CombinationID,
		ImplementID:   req.ImplementID,
		OperatorID:    identity.UID,
		DeviceID:      device,
	})
	writeSessionResult(ctx, w, http.StatusCreated, view, err)
}

func (h *MappingSessionHandlers) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref, ok := h.ref(ctx, w, r)
	if !ok {
		return
	}
	view, err := h.svc.Get(ctx, ref)
	writeSessionResult(ctx, w, http.StatusOK, view, err)
}

func (h *MappingSessionHandlers) discard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref, ok := h.ref(ctx, w, r)
	if !ok {
		return
	}
	if err := h.svc.Discard(ctx, ref); err != nil {
		writeSessionResult(ctx, w, http.StatusOK, services.SessionView{}, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MappingSessionHandlers) submitScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref, ok := h.ref(ctx, w, r)
	if !ok {
		return
	}
	var req submitScanRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}
	var (
		view services.SessionView
		err  error
	)
	switch mapping.Side(strings.ToLower(strings.TrimSpace(req.Side))) {
	case mapping.SideNone:
		view, err = h.svc.SubmitScan(ctx, ref, req.TagID)
	case mapping.SideTractor:
		view, err = h.svc.SubmitTractorScan(ctx, ref, req.TagID)
	case mapping.SideImplement:
		view, err = h.svc.SubmitImplementScan(ctx, ref, req.TagID)
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "side must be tractor or implement", http.StatusBadRequest))
		return
	}
	writeSessionResult(ctx, w, http.StatusOK, view, err)
}

func (h *MappingSessionHandlers) assign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref, ok := h.ref(ctx, w, r)
	if !ok {
		return
	}
	tractorIndex, ok := pathIndex(ctx, w, r, "tractorIndex")
	if !ok {
		return
	}
	var req assignPairRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}
	view, err := h.svc.Assign(ctx, ref, tractorIndex, req.ImplementIndex)
	writeSessionResult(ctx, w, http.StatusOK, view, err)
}

func (h *MappingSessionHandlers) unassign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref, ok := h.ref(ctx, w, r)
	if !ok {
		return
	}
	tractorIndex, ok := pathIndex(ctx, w, r, "tractorIndex")
	if !ok {
		return
	}
	view, err := h.svc.Unassign(ctx, ref, tractorIndex)
	writeSessionResult(ctx, w, http.StatusOK, view, err)
}

type openSessionRequest struct {
	CombinationID string `json:"combination_id"`
	ImplementID   string `json:"implement_id"`
	DeviceID      string `json:"device_id"`
}

type submitScanRequest struct {
	TagID string `json:"tag_id"`
	Side  string `json:"side"`
}

type assignPairRequest struct {
	ImplementIndex int `json:"implement_index"`
}

type sessionResponse struct {
	Session sessionPayload `json:"session"`
	Notice  *noticePayload `json:"notice,omitempty"`
}

type sessionPayload struct {
	ID                        string        `json:"id"`
	CombinationID             string        `json:"combination_id"`
	TractorID                 string        `json:"tractor_id"`
	ImplementID               string        `json:"implement_id"`
	DeviceID                  string        `json:"device_id,omitempty"`
	State                     string        `json:"state"`
	ExpectedSide              string        `json:"expected_side,omitempty"`
	PendingTractorIndex       int           `json:"pending_tractor_index,omitempty"`
	Pairs                     []pairPayload `json:"pairs"`
	RemainingTractorIndices   []int         `json:"remaining_tractor_indices"`
	RemainingImplementIndices []int         `json:"remaining_implement_indices"`
	TractorCapacity           int           `json:"tractor_capacity"`
	ImplementCapacity         int           `json:"implement_capacity"`
	Closed                    bool          `json:"closed"`
	Saved                     bool          `json:"saved"`
	UpdatedAt                 string        `json:"updated_at"`
}

func buildSessionPayload(view services.SessionView) sessionPayload {
	snap := view.Snapshot
	payload := sessionPayload{
		ID:                        view.ID,
		CombinationID:             view.CombinationID,
		TractorID:                 view.TractorID,
		ImplementID:               view.ImplementID,
		DeviceID:                  view.DeviceID,
		State:                     snap.State.String(),
		PendingTractorIndex:       snap.PendingTractorIndex,
		Pairs:                     buildPairPayloads(snap.Pairs),
		RemainingTractorIndices:   append([]int{}, snap.RemainingTractorIndices...),
		RemainingImplementIndices: append([]int{}, snap.RemainingImplementIndices...),
		TractorCapacity:           snap.TractorCapacity,
		ImplementCapacity:         snap.ImplementCapacity,
		Closed:                    snap.Closed,
		Saved:                     view.Saved,
		UpdatedAt:                 formatTime(view.UpdatedAt),
	}
	switch snap.State {
	case mapping.StateAwaitingTractorScan:
		payload.ExpectedSide = string(mapping.SideTractor)
	case mapping.StateAwaitingImplementScan:
		payload.ExpectedSide = string(mapping.SideImplement)
	}
	return payload
}

// writeSessionResult renders the session with its notice. Workflow outcomes such as unknown tags
// keep the session in the error envelope so the client can redraw without another request.
func writeSessionResult(ctx context.Context, w http.ResponseWriter, successStatus int, view services.SessionView, err error) {
	if err == nil {
		httpx.WriteJSON(w, successStatus, sessionResponse{
			Session: buildSessionPayload(view),
			Notice:  buildNoticePayload(view.Notice),
		})
		return
	}

	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", "mapping session not found or expired", http.StatusNotFound))
		return
	case errors.Is(err, services.ErrSessionForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "mapping session belongs to another operator", http.StatusForbidden))
		return
	case errors.Is(err, services.ErrSessionInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	case errors.Is(err, services.ErrCombinationNotFound), errors.Is(err, services.ErrMachineNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", err.Error(), http.StatusNotFound))
		return
	case errors.Is(err, services.ErrScannerUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("scanner_unavailable", "no scanner relay configured", http.StatusServiceUnavailable))
		return
	case errors.Is(err, services.ErrSessionUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "mapping records temporarily unavailable", http.StatusServiceUnavailable))
		return
	}

	notice := view.Notice
	if notice.Code == "" {
		notice = services.NoticeFor(err, "")
	}
	details := map[string]any{"notice": buildNoticePayload(notice)}
	if view.ID != "" {
		details["session"] = buildSessionPayload(view)
	}
	code, status := sessionOutcomeStatus(err, notice)
	httpx.WriteError(ctx, w, httpx.NewError(code, notice.Message, status).WithDetails(details))
}

func sessionOutcomeStatus(err error, notice services.Notice) (string, int) {
	var rangeErr *domain.OutOfRangeError
	switch {
	case errors.Is(err, mapping.ErrUnknownTag),
		errors.Is(err, mapping.ErrIncompleteMapping),
		errors.Is(err, mapping.ErrInvalidCapacityRelation),
		errors.As(err, &rangeErr):
		return notice.Code, http.StatusUnprocessableEntity
	case errors.Is(err, mapping.ErrAlreadyMapped),
		errors.Is(err, mapping.ErrInvalidState),
		errors.Is(err, mapping.ErrSessionClosed),
		errors.Is(err, services.ErrScanCancelled):
		return notice.Code, http.StatusConflict
	case errors.Is(err, services.ErrScanFailed):
		return notice.Code, http.StatusBadGateway
	case errors.Is(err, services.ErrSessionStoreFailed):
		return notice.Code, http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "request_cancelled", http.StatusServiceUnavailable
	default:
		return "mapping_session_error", http.StatusInternalServerError
	}
}
