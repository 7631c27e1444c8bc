package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/koppeltag/api/internal/domain"
	"github.com/koppeltag/api/internal/platform/auth"
	"github.com/koppeltag/api/internal/platform/httpx"
	"github.com/koppeltag/api/internal/platform/requestctx"
	"github.com/koppeltag/api/internal/repositories"
	"github.com/koppeltag/api/internal/services"
)

// MachineHandlers exposes tractor or implement records, depending on the bound service.
type MachineHandlers struct {
	authn *auth.Authenticator
	svc   services.MachineService
	scan  scanSettings
}

// NewMachineHandlers constructs a machine handler set.
func NewMachineHandlers(authn *auth.Authenticator, svc services.MachineService, opts ...ScanOption) *MachineHandlers {
	return &MachineHandlers{authn: authn, svc: svc, scan: newScanSettings(opts)}
}

// Routes registers machine endpoints relative to the kind's collection path.
func (h *MachineHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}

	admin := r
	operator := r
	if h.authn != nil {
		admin = r.With(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
		operator = r.With(h.authn.RequireFirebaseAuth(auth.RoleOperator))
	}

	admin.Get("/", h.list)
	admin.Post("/", h.create)
	operator.Get("/{machineId}", h.get)
	admin.Put("/{machineId}", h.update)
	admin.Delete("/{machineId}", h.delete)
	operator.Put("/{machineId}/tags/{index}", h.recordTag)
	operator.Delete("/{machineId}/tags/{index}", h.clearTag)
	operator.With(scanWaitMiddleware(h.scan.wait)).Post("/{machineId}/tags/{index}:scan", h.scanTag)
}

func (h *MachineHandlers) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc == nil {
		serviceUnavailable(ctx, w, "machine")
		return
	}
	order := repositories.MachineOrder(strings.TrimSpace(r.URL.Query().Get("order")))
	machines, err := h.svc.List(ctx, order)
	if err != nil {
		writeMachineError(ctx, w, err)
		return
	}
	items := make([]machinePayload, 0, len(machines))
	for _, m := range machines {
		items = append(items, buildMachinePayload(m))
	}
	httpx.WriteJSON(w, http.StatusOK, machineListResponse{Items: items})
}

func (h *MachineHandlers) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc == nil {
		serviceUnavailable(ctx, w, "machine")
		return
	}
	var req machineRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}
	machine, err := h.svc.Create(ctx, services.CreateMachineCommand{
		Name:     req.Name,
		Brand:    req.Brand,
		Model:    req.Model,
		Capacity: req.ConnectorCount,
		ImageRef: req.ImageRef,
	})
	if err != nil {
		writeMachineError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, machineResponse{Machine: buildMachinePayload(machine)})
}

func (h *MachineHandlers) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc == nil {
		serviceUnavailable(ctx, w, "machine")
		return
	}
	machine, err := h.svc.Get(ctx, pathParam(r, "machineId"))
	if err != nil {
		writeMachineError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, machineResponse{Machine: buildMachinePayload(machine)})
}

func (h *MachineHandlers) update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc == nil {
		serviceUnavailable(ctx, w, "machine")
		return
	}
	var req machineRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}
	machine, err := h.svc.Update(ctx, services.UpdateMachineCommand{
		ID:       pathParam(r, "machineId"),
		Name:     req.Name,
		Brand:    req.Brand,
		Model:    req.Model,
		Capacity: req.ConnectorCount,
		ImageRef: req.ImageRef,
	})
	if err != nil {
		writeMachineError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, machineResponse{Machine: buildMachinePayload(machine)})
}

func (h *MachineHandlers) delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc == nil {
		serviceUnavailable(ctx, w, "machine")
		return
	}
	if err := h.svc.Delete(ctx, pathParam(r, "machineId")); err != nil {
		writeMachineError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MachineHandlers) recordTag(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc == nil {
		serviceUnavailable(ctx, w, "machine")
		return
	}
	index, ok := pathIndex(ctx, w, r, "index")
	if !ok {
		return
	}
	var req recordTagRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}
	machine, err := h.svc.RecordTag(ctx, services.RecordTagCommand{
		MachineID: pathParam(r, "machineId"),
		Index:     index,
		TagID:     req.TagID,
	})
	if err != nil {
		writeMachineError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, machineResponse{Machine: buildMachinePayload(machine)})
}

func (h *MachineHandlers) clearTag(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc == nil {
		serviceUnavailable(ctx, w, "machine")
		return
	}
	index, ok := pathIndex(ctx, w, r, "index")
	if !ok {
		return
	}
	machine, err := h.svc.ClearTag(ctx, pathParam(r, "machineId"), index)
	if err != nil {
		writeMachineError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, machineResponse{Machine: buildMachinePayload(machine)})
}

func (h *MachineHandlers) scanTag(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc == nil {
		serviceUnavailable(ctx, w, "machine")
		return
	}
	index, ok := pathIndex(ctx, w, r, "index")
	if !ok {
		return
	}
	device := requestctx.DeviceID(ctx)
	if device == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", DeviceIDHeader+" header is required", http.StatusBadRequest))
		return
	}
	machine, err := h.svc.ScanTag(ctx, services.ScanTagCommand{
		MachineID: pathParam(r, "machineId"),
		Index:     index,
		DeviceID:  device,
	})
	if err != nil {
		writeMachineError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, machineResponse{Machine: buildMachinePayload(machine)})
}

type machineRequest struct {
	Name           string `json:"name"`
	Brand          string `json:"brand"`
	Model          string `json:"model"`
	ConnectorCount int    `json:"connector_count"`
	ImageRef       string `json:"image_ref"`
}

type recordTagRequest struct {
	TagID string `json:"tag_id"`
}

type machineResponse struct {
	Machine machinePayload `json:"machine"`
}

type machineListResponse struct {
	Items []machinePayload `json:"items"`
}

type machinePayload struct {
	ID             string             `json:"id"`
	Kind           string             `json:"kind"`
	Name           string             `json:"name"`
	Brand          string             `json:"brand,omitempty"`
	Model          string             `json:"model,omitempty"`
	ConnectorCount int                `json:"connector_count"`
	Connectors     []connectorPayload `json:"connectors"`
	Duplicates     map[string][]int   `json:"duplicate_tags,omitempty"`
	ImageRef       string             `json:"image_ref,omitempty"`
	CreatedAt      string             `json:"created_at"`
	UpdatedAt      string             `json:"updated_at"`
}

type connectorPayload struct {
	Index int    `json:"index"`
	TagID string `json:"tag_id,omitempty"`
}

func buildMachinePayload(m services.Machine) machinePayload {
	connectors := make([]connectorPayload, 0, m.Connectors.Capacity())
	for _, index := range m.Connectors.Indices() {
		tag, _ := m.Connectors.Tag(index)
		connectors = append(connectors, connectorPayload{Index: index, TagID: tag})
	}
	payload := machinePayload{
		ID:             m.ID,
		Kind:           string(m.Kind),
		Name:           m.Name,
		Brand:          m.Brand,
		Model:          m.Model,
		ConnectorCount: m.Connectors.Capacity(),
		Connectors:     connectors,
		ImageRef:       m.ImageRef,
		CreatedAt:      formatTime(m.CreatedAt),
		UpdatedAt:      formatTime(m.UpdatedAt),
	}
	if dups := m.Connectors.DuplicateTags(); len(dups) > 0 {
		payload.Duplicates = dups
	}
	return payload
}

func writeMachineError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	notice := map[string]any{"notice": buildNoticePayload(services.NoticeFor(err, ""))}
	var rangeErr *domain.OutOfRangeError
	switch {
	case errors.Is(err, services.ErrMachineInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrMachineNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrDuplicateTag):
		httpx.WriteError(ctx, w, httpx.NewError("duplicate_tag", err.Error(), http.StatusConflict).WithDetails(notice))
	case errors.As(err, &rangeErr):
		httpx.WriteError(ctx, w, httpx.NewError("out_of_range", err.Error(), http.StatusUnprocessableEntity).WithDetails(notice))
	case errors.Is(err, services.ErrScanCancelled):
		httpx.WriteError(ctx, w, httpx.NewError("scan_cancelled", err.Error(), http.StatusConflict).WithDetails(notice))
	case errors.Is(err, services.ErrScanFailed):
		httpx.WriteError(ctx, w, httpx.NewError("scan_failed", err.Error(), http.StatusBadGateway).WithDetails(notice))
	case errors.Is(err, services.ErrConnectorInUse):
		httpx.WriteError(ctx, w, httpx.NewError("connector_in_use", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrMachineConflict):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrScannerUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("scanner_unavailable", "no scanner relay configured", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrMachineUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "machine store temporarily unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("request_cancelled", "request cancelled", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("machine_error", "failed to process machine request", http.StatusInternalServerError))
	}
}
