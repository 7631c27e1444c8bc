package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/go-chi/chi/v5"

	"github.com/koppeltag/api/internal/domain"
	"github.com/koppeltag/api/internal/platform/auth"
	"github.com/koppeltag/api/internal/repositories"
	"github.com/koppeltag/api/internal/services"
)

type stubMachineService struct {
	createFn    func(context.Context, services.CreateMachineCommand) (services.Machine, error)
	getFn       func(context.Context, string) (services.Machine, error)
	listFn      func(context.Context, repositories.MachineOrder) ([]services.Machine, error)
	recordTagFn func(context.Context, services.RecordTagCommand) (services.Machine, error)
	scanTagFn   func(context.Context, services.ScanTagCommand) (services.Machine, error)
	deleteFn    func(context.Context, string) error
}

func (s *stubMachineService) Kind() services.MachineKind { return domain.MachineKindTractor }

func (s *stubMachineService) Create(ctx context.Context, cmd services.CreateMachineCommand) (services.Machine, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Machine{}, errors.New("not implemented")
}

func (s *stubMachineService) Update(context.Context, services.UpdateMachineCommand) (services.Machine, error) {
	return services.Machine{}, errors.New("not implemented")
}

func (s *stubMachineService) Get(ctx context.Context, id string) (services.Machine, error) {
	if s.getFn != nil {
		return s.getFn(ctx, id)
	}
	return services.Machine{}, services.ErrMachineNotFound
}

func (s *stubMachineService) List(ctx context.Context, order repositories.MachineOrder) ([]services.Machine, error) {
	if s.listFn != nil {
		return s.listFn(ctx, order)
	}
	return nil, nil
}

func (s *stubMachineService) Delete(ctx context.Context, id string) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, id)
	}
	return nil
}

func (s *stubMachineService) RecordTag(ctx context.Context, cmd services.RecordTagCommand) (services.Machine, error) {
	if s.recordTagFn != nil {
		return s.recordTagFn(ctx, cmd)
	}
	return services.Machine{}, errors.New("not implemented")
}

func (s *stubMachineService) ClearTag(context.Context, string, int) (services.Machine, error) {
	return services.Machine{}, errors.New("not implemented")
}

func (s *stubMachineService) ScanTag(ctx context.Context, cmd services.ScanTagCommand) (services.Machine, error) {
	if s.scanTagFn != nil {
		return s.scanTagFn(ctx, cmd)
	}
	return services.Machine{}, errors.New("not implemented")
}

type stubVerifier struct {
	tokens map[string]*firebaseauth.Token
}

func (v *stubVerifier) VerifyIDToken(_ context.Context, token string) (*firebaseauth.Token, error) {
	if tok, ok := v.tokens[token]; ok {
		return tok, nil
	}
	return nil, fmt.Errorf("unknown token %q", token)
}

func newTestAuthenticator() *auth.Authenticator {
	return auth.NewAuthenticator(&stubVerifier{tokens: map[string]*firebaseauth.Token{
		"admin-token":    {UID: "admin-1", Claims: map[string]any{"role": "admin"}},
		"operator-token": {UID: "operator-1", Claims: map[string]any{}},
	}})
}

func sampleTractor() services.Machine {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return services.Machine{
		ID:         "trc_1",
		Kind:       domain.MachineKindTractor,
		Name:       "Fendt 724",
		Connectors: domain.ConnectorSetFromTags(3, map[int]string{1: "04A1", 3: "04A3"}),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func newMachineRouter(svc services.MachineService, authn *auth.Authenticator) chi.Router {
	handlers := NewMachineHandlers(authn, svc)
	return NewRouter(
		WithMiddlewares(DeviceIDMiddleware),
		WithTractorRoutes(handlers.Routes),
	)
}

func TestMachineHandlersCreate(t *testing.T) {
	var captured services.CreateMachineCommand
	svc := &stubMachineService{createFn: func(_ context.Context, cmd services.CreateMachineCommand) (services.Machine, error) {
		captured = cmd
		m := sampleTractor()
		m.Name = cmd.Name
		return m, nil
	}}
	router := newMachineRouter(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tractors", strings.NewReader(`{"name":"Fendt 724","connector_count":3}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Capacity != 3 || captured.Name != "Fendt 724" {
		t.Fatalf("unexpected command %+v", captured)
	}
	var body machineResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Machine.ConnectorCount != 3 || len(body.Machine.Connectors) != 3 {
		t.Fatalf("unexpected payload %+v", body.Machine)
	}
	if body.Machine.Connectors[1].TagID != "" || body.Machine.Connectors[2].TagID != "04A3" {
		t.Fatalf("unexpected connectors %+v", body.Machine.Connectors)
	}
}

func TestMachineHandlersRoleGate(t *testing.T) {
	svc := &stubMachineService{
		getFn: func(context.Context, string) (services.Machine, error) { return sampleTractor(), nil },
	}
	router := newMachineRouter(svc, newTestAuthenticator())

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{name: "missing token", method: http.MethodGet, path: "/api/v1/tractors/trc_1", want: http.StatusUnauthorized},
		{name: "operator reads", method: http.MethodGet, path: "/api/v1/tractors/trc_1", token: "operator-token", want: http.StatusOK},
		{name: "operator cannot list", method: http.MethodGet, path: "/api/v1/tractors", token: "operator-token", want: http.StatusForbidden},
		{name: "admin lists", method: http.MethodGet, path: "/api/v1/tractors", token: "admin-token", want: http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestMachineHandlersRecordTagDuplicate(t *testing.T) {
	svc := &stubMachineService{recordTagFn: func(_ context.Context, cmd services.RecordTagCommand) (services.Machine, error) {
		if cmd.Index != 2 || cmd.TagID != "04a1" || cmd.MachineID != "trc_1" {
			t.Fatalf("unexpected command %+v", cmd)
		}
		return sampleTractor(), fmt.Errorf("%w: tag 04A1 on connector 1", services.ErrDuplicateTag)
	}}
	router := newMachineRouter(svc, nil)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/tractors/trc_1/tags/2", strings.NewReader(`{"tag_id":"04a1"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	var body struct {
		Error  string        `json:"error"`
		Notice noticePayload `json:"notice"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "duplicate_tag" || body.Notice.Code != "duplicate_tag" || body.Notice.Severity != "warning" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestMachineHandlersInvalidIndex(t *testing.T) {
	router := newMachineRouter(&stubMachineService{}, nil)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/tractors/trc_1/tags/zero", strings.NewReader(`{"tag_id":"x"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestMachineHandlersScanTag(t *testing.T) {
	var captured services.ScanTagCommand
	svc := &stubMachineService{scanTagFn: func(_ context.Context, cmd services.ScanTagCommand) (services.Machine, error) {
		captured = cmd
		return sampleTractor(), nil
	}}
	router := newMachineRouter(svc, nil)

	t.Run("requires device", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tractors/trc_1/tags/2:scan", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("uses device header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tractors/trc_1/tags/2:scan", nil)
		req.Header.Set(DeviceIDHeader, "tablet-1")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if captured.DeviceID != "tablet-1" || captured.Index != 2 || captured.MachineID != "trc_1" {
			t.Fatalf("unexpected command %+v", captured)
		}
	})
}

func TestWriteMachineError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid", err: services.ErrMachineInvalidInput, want: http.StatusBadRequest},
		{name: "not found", err: services.ErrMachineNotFound, want: http.StatusNotFound},
		{name: "out of range", err: &domain.OutOfRangeError{Index: 9, Capacity: 3}, want: http.StatusUnprocessableEntity},
		{name: "scan cancelled", err: services.ErrScanCancelled, want: http.StatusConflict},
		{name: "scan failed", err: services.ErrScanFailed, want: http.StatusBadGateway},
		{name: "no scanner", err: services.ErrScannerUnavailable, want: http.StatusServiceUnavailable},
		{name: "store down", err: services.ErrMachineUnavailable, want: http.StatusServiceUnavailable},
		{name: "connector mapped", err: fmt.Errorf("%w: connector 4 is mapped in combination cmb_1", services.ErrConnectorInUse), want: http.StatusConflict},
		{name: "unexpected", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeMachineError(context.Background(), rr, tc.err)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rr.Code)
			}
		})
	}
}
