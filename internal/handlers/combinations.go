package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/koppeltag/api/internal/domain"
	"github.com/koppeltag/api/internal/platform/auth"
	"github.com/koppeltag/api/internal/platform/httpx"
	"github.com/koppeltag/api/internal/services"
)

// CombinationHandlers exposes combinations, their implements, instructions and playback.
type CombinationHandlers struct {
	authn *auth.Authenticator
	svc   services.CombinationService
}

// NewCombinationHandlers constructs a combination handler set.
func NewCombinationHandlers(authn *auth.Authenticator, svc services.CombinationService) *CombinationHandlers {
	return &CombinationHandlers{authn: authn, svc: svc}
}

// Routes registers combination endpoints beneath /combinations.
func (h *CombinationHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}

	admin := r
	operator := r
	if h.authn != nil {
		admin = r.With(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
		operator = r.With(h.authn.RequireFirebaseAuth(auth.RoleOperator))
	}

	operator.Get("/", h.list)
	admin.Post("/", h.create)
	operator.Get("/{combinationId}", h.get)
	admin.Delete("/{combinationId}", h.delete)
	admin.Put("/{combinationId}/implements/{implementId}", h.addImplement)
	admin.Delete("/{combinationId}/implements/{implementId}", h.removeImplement)
	operator.Get("/{combinationId}/implements/{implementId}/playback", h.playback)
	admin.Put("/{combinationId}/implements/{implementId}/instructions/{ordinal}", h.setInstruction)
	admin.Post("/{combinationId}/implements/{implementId}/instructions/{ordinal}:upload-url", h.uploadURL)
}

func (h *CombinationHandlers) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc == nil {
		serviceUnavailable(ctx, w, "combination")
		return
	}
	combinations, err := h.svc.List(ctx)
	if err != nil {
		writeCombinationError(ctx, w, err)
		return
	}
	items := make([]combinationPayload, 0, len(combinations))
	for _, c := range combinations {
		items = append(items, buildCombinationPayload(c))
	}
	httpx.WriteJSON(w, http.StatusOK, combinationListResponse{Items: items})
}

func (h *CombinationHandlers) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc == nil {
		serviceUnavailable(ctx, w, "combination")
		return
	}
	var req createCombinationRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}
	combination, err := h.svc.Create(ctx, services.CreateCombinationCommand{
		Name:         req.Name,
		TractorID:    req.TractorID,
		ImplementIDs: req.ImplementIDs,
	})
	if err != nil {
		writeCombinationError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, combinationResponse{Combination: buildCombinationPayload(combination)})
}

func (h *CombinationHandlers) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc == nil {
		serviceUnavailable(ctx, w, "combination")
		return
	}
	combination, err := h.svc.Get(ctx, pathParam(r, "combinationId"))
	if err != nil {
		writeCombinationError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, combinationResponse{Combination: buildCombinationPayload(combination)})
}

func (h *CombinationHandlers) delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc == nil {
		serviceUnavailable(ctx, w, "combination")
		return
	}
	if err := h.svc.Delete(ctx, pathParam(r, "combinationId")); err != nil {
		writeCombinationError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CombinationHandlers) addImplement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc == nil {
		serviceUnavailable(ctx, w, "combination")
		return
	}
	combination, err := h.svc.AddImplement(ctx, pathParam(r, "combinationId"), pathParam(r, "implementId"))
	if err != nil {
		writeCombinationError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, combinationResponse{Combination: buildCombinationPayload(combination)})
}

func (h *CombinationHandlers) removeImplement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc == nil {
		serviceUnavailable(ctx, w, "combination")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	err := h.svc.RemoveImplement(ctx, services.RemoveImplementCommand{
		CombinationID: pathParam(r, "combinationId"),
		ImplementID:   pathParam(r, "implementId"),
		ActorID:       identity.UID,
	})
	if err != nil {
		writeCombinationError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CombinationHandlers) playback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc == nil {
		serviceUnavailable(ctx, w, "combination")
		return
	}
	playback, err := h.svc.Playback(ctx, pathParam(r, "combinationId"), pathParam(r, "implementId"))
	if err != nil {
		writeCombinationError(ctx, w, err)
		return
	}
	steps := make([]playbackStepPayload, 0, len(playback.Steps))
	for _, step := range playback.Steps {
		steps = append(steps, playbackStepPayload{
			Ordinal:        step.Ordinal,
			TractorIndex:   step.TractorIndex,
			ImplementIndex: step.ImplementIndex,
			Text:           step.Text,
			HTML:           step.HTML,
			ImageRef:       step.ImageRef,
			ImageURL:       step.ImageURL,
			ImageExpiresAt: formatTime(step.ImageExpiresAt),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, playbackResponse{
		CombinationID: playback.CombinationID,
		TractorID:     playback.TractorID,
		ImplementID:   playback.ImplementID,
		Steps:         steps,
	})
}

func (h *CombinationHandlers) setInstruction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc == nil {
		serviceUnavailable(ctx, w, "combination")
		return
	}
	ordinal, ok := pathIndex(ctx, w, r, "ordinal")
	if !ok {
		return
	}
	var req instructionRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}
	instruction, err := h.svc.SetInstruction(ctx, services.SetInstructionCommand{
		CombinationID: pathParam(r, "combinationId"),
		ImplementID:   pathParam(r, "implementId"),
		Ordinal:       ordinal,
		ImageRef:      req.ImageRef,
		Text:          req.Text,
	})
	if err != nil {
		writeCombinationError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, instructionResponse{Instruction: instructionPayload{
		Ordinal:  ordinal,
		ImageRef: instruction.ImageRef,
		Text:     instruction.Text,
	}})
}

func (h *CombinationHandlers) uploadURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc == nil {
		serviceUnavailable(ctx, w, "combination")
		return
	}
	ordinal, ok := pathIndex(ctx, w, r, "ordinal")
	if !ok {
		return
	}
	var req uploadURLRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}
	upload, err := h.svc.InstructionUploadURL(ctx, services.InstructionUploadCommand{
		CombinationID: pathParam(r, "combinationId"),
		ImplementID:   pathParam(r, "implementId"),
		Ordinal:       ordinal,
		FileName:      req.FileName,
		ContentType:   req.ContentType,
		Size:          req.Size,
	})
	if err != nil {
		writeCombinationError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, uploadURLResponse{
		ImageRef:  upload.ImageRef,
		URL:       upload.URL,
		Method:    upload.Method,
		Headers:   upload.Headers,
		ExpiresAt: formatTime(upload.ExpiresAt),
	})
}

type createCombinationRequest struct {
	Name         string   `json:"name"`
	TractorID    string   `json:"tractor_id"`
	ImplementIDs []string `json:"implement_ids"`
}

type instructionRequest struct {
	ImageRef string `json:"image_ref"`
	Text     string `json:"text"`
}

type uploadURLRequest struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

type combinationResponse struct {
	Combination combinationPayload `json:"combination"`
}

type combinationListResponse struct {
	Items []combinationPayload `json:"items"`
}

type combinationPayload struct {
	ID           string                                   `json:"id"`
	Name         string                                   `json:"name"`
	TractorID    string                                   `json:"tractor_id"`
	ImplementIDs []string                                 `json:"implement_ids"`
	Mappings     map[string][]pairPayload                 `json:"mappings"`
	Instructions map[string]map[string]instructionPayload `json:"instructions,omitempty"`
	CreatedAt    string                                   `json:"created_at"`
	UpdatedAt    string                                   `json:"updated_at"`
}

type pairPayload struct {
	TractorIndex   int `json:"tractor_index"`
	ImplementIndex int `json:"implement_index"`
}

type instructionResponse struct {
	Instruction instructionPayload `json:"instruction"`
}

type instructionPayload struct {
	Ordinal  int    `json:"ordinal"`
	ImageRef string `json:"image_ref,omitempty"`
	Text     string `json:"text,omitempty"`
}

type playbackResponse struct {
	CombinationID string                `json:"combination_id"`
	TractorID     string                `json:"tractor_id"`
	ImplementID   string                `json:"implement_id"`
	Steps         []playbackStepPayload `json:"steps"`
}

type playbackStepPayload struct {
	Ordinal        int    `json:"ordinal"`
	TractorIndex   int    `json:"tractor_index"`
	ImplementIndex int    `json:"implement_index"`
	Text           string `json:"text,omitempty"`
	HTML           string `json:"html,omitempty"`
	ImageRef       string `json:"image_ref,omitempty"`
	ImageURL       string `json:"image_url,omitempty"`
	ImageExpiresAt string `json:"image_expires_at,omitempty"`
}

type uploadURLResponse struct {
	ImageRef  string            `json:"image_ref"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt string            `json:"expires_at"`
}

func buildCombinationPayload(c services.Combination) combinationPayload {
	payload := combinationPayload{
		ID:           c.ID,
		Name:         c.Name,
		TractorID:    c.TractorID,
		ImplementIDs: append([]string{}, c.ImplementIDs...),
		Mappings:     make(map[string][]pairPayload, len(c.Mappings)),
		CreatedAt:    formatTime(c.CreatedAt),
		UpdatedAt:    formatTime(c.UpdatedAt),
	}
	for implementID, pairs := range c.Mappings {
		payload.Mappings[implementID] = buildPairPayloads(pairs)
	}
	for implementID, byOrdinal := range c.Instructions {
		if len(byOrdinal) == 0 {
			continue
		}
		if payload.Instructions == nil {
			payload.Instructions = make(map[string]map[string]instructionPayload)
		}
		entries := make(map[string]instructionPayload, len(byOrdinal))
		for ordinal, instruction := range byOrdinal {
			entries[strconv.Itoa(ordinal)] = instructionPayload{Ordinal: ordinal, ImageRef: instruction.ImageRef, Text: instruction.Text}
		}
		payload.Instructions[implementID] = entries
	}
	return payload
}

func buildPairPayloads(pairs []domain.MappingPair) []pairPayload {
	out := make([]pairPayload, 0, len(pairs))
	for _, pair := range pairs {
		out = append(out, pairPayload{TractorIndex: pair.TractorIndex, ImplementIndex: pair.ImplementIndex})
	}
	return out
}

func writeCombinationError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCombinationInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCombinationNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrImplementNotAttached):
		httpx.WriteError(ctx, w, httpx.NewError("implement_not_attached", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrMappingNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("mapping_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrMappingStale):
		httpx.WriteError(ctx, w, httpx.NewError("mapping_stale", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCombinationConflict):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInstructionStorageUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("storage_unavailable", "instruction storage not available", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrCombinationUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "combination store temporarily unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("request_cancelled", "request cancelled", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("combination_error", "failed to process combination request", http.StatusInternalServerError))
	}
}
