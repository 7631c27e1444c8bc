package services

import (
	"context"
	"errors"
	"testing"

	"github.com/koppeltag/api/internal/domain"
	"github.com/koppeltag/api/internal/repositories"
)

func newTestMachineService(t *testing.T, repo *memoryMachineRepo, scanner ScanSideChannel, notices NoticeSink) MachineService {
	t.Helper()
	svc, err := NewMachineService(MachineServiceDeps{
		Repository:  repo,
		Scanner:     scanner,
		Notices:     notices,
		Clock:       fixedClock(),
		IDGenerator: sequenceIDs("01HTRACTOR", "01HSECOND"),
	})
	if err != nil {
		t.Fatalf("NewMachineService: %v", err)
	}
	return svc
}

func TestMachineServiceCreate(t *testing.T) {
	repo := newMemoryMachineRepo(domain.MachineKindTractor)
	svc := newTestMachineService(t, repo, nil, nil)

	machine, err := svc.Create(context.Background(), CreateMachineCommand{Name: "  Fendt 724 ", Brand: "Fendt", Capacity: 6})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if machine.ID != "trc_01htractor" {
		t.Fatalf("unexpected id %s", machine.ID)
	}
	if machine.Name != "Fendt 724" || machine.Connectors.Capacity() != 6 || machine.Kind != domain.MachineKindTractor {
		t.Fatalf("unexpected machine %+v", machine)
	}
	if !machine.CreatedAt.Equal(machine.UpdatedAt) || machine.CreatedAt.Location().String() != "UTC" {
		t.Fatalf("expected UTC timestamps, got %v", machine.CreatedAt)
	}
	if _, ok := repo.machines[machine.ID]; !ok {
		t.Fatalf("expected machine stored")
	}
}

func TestMachineServiceCreateValidation(t *testing.T) {
	svc := newTestMachineService(t, newMemoryMachineRepo(domain.MachineKindImplement), nil, nil)
	cases := []CreateMachineCommand{
		{Name: " ", Capacity: 2},
		{Name: "Kieper", Capacity: 0},
		{Name: "Kieper", Capacity: maxConnectorCapacity + 1},
	}
	for _, cmd := range cases {
		if _, err := svc.Create(context.Background(), cmd); !errors.Is(err, ErrMachineInvalidInput) {
			t.Fatalf("expected invalid input for %+v, got %v", cmd, err)
		}
	}
}

func TestNewMachineServiceRequiresRepository(t *testing.T) {
	if _, err := NewMachineService(MachineServiceDeps{}); err == nil {
		t.Fatalf("expected error without repository")
	}
}

func TestMachineServiceUpdateResizesConnectors(t *testing.T) {
	repo := newMemoryMachineRepo(domain.MachineKindImplement, domain.Machine{
		ID:         "eq_1",
		Name:       "Kieper",
		Connectors: taggedSet(3, map[int]string{1: "A", 2: "B", 3: "C"}),
	})
	svc := newTestMachineService(t, repo, nil, nil)

	machine, err := svc.Update(context.Background(), UpdateMachineCommand{ID: "eq_1", Name: "Kieper XL", Capacity: 2})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if machine.Connectors.Capacity() != 2 {
		t.Fatalf("expected capacity 2, got %d", machine.Connectors.Capacity())
	}
	if _, ok := machine.Connectors.Tag(3); ok {
		t.Fatalf("expected tag above capacity to be dropped")
	}
	if tag, _ := repo.machines["eq_1"].Connectors.Tag(2); tag != "B" {
		t.Fatalf("expected kept tag B, got %q", tag)
	}

	if _, err := svc.Update(context.Background(), UpdateMachineCommand{ID: "eq_missing", Name: "x", Capacity: 1}); !errors.Is(err, ErrMachineNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMachineServiceUpdateKeepsMappedConnectors(t *testing.T) {
	tractors := newMemoryMachineRepo(domain.MachineKindTractor, domain.Machine{
		ID:         "trc_1",
		Name:       "Fendt",
		Connectors: domain.NewConnectorSet(4),
	})
	implements := newMemoryMachineRepo(domain.MachineKindImplement, domain.Machine{
		ID:         "eq_1",
		Name:       "Kieper",
		Connectors: domain.NewConnectorSet(3),
	})
	combinations := newMemoryCombinationRepo(domain.Combination{
		ID:           "cmb_1",
		TractorID:    "trc_1",
		ImplementIDs: []string{"eq_1"},
		Mappings: map[string][]domain.MappingPair{
			"eq_1": {{TractorIndex: 2, ImplementIndex: 1}, {TractorIndex: 4, ImplementIndex: 2}},
		},
	})
	newSvc := func(repo *memoryMachineRepo) MachineService {
		svc, err := NewMachineService(MachineServiceDeps{Repository: repo, Combinations: combinations, Clock: fixedClock()})
		if err != nil {
			t.Fatalf("NewMachineService: %v", err)
		}
		return svc
	}
	ctx := context.Background()

	tractorSvc := newSvc(tractors)
	if _, err := tractorSvc.Update(ctx, UpdateMachineCommand{ID: "trc_1", Name: "Fendt", Capacity: 3}); !errors.Is(err, ErrConnectorInUse) {
		t.Fatalf("expected connector in use, got %v", err)
	}
	if got := tractors.machines["trc_1"].Connectors.Capacity(); got != 4 {
		t.Fatalf("expected stored capacity unchanged, got %d", got)
	}
	if _, err := tractorSvc.Update(ctx, UpdateMachineCommand{ID: "trc_1", Name: "Fendt", Capacity: 6}); err != nil {
		t.Fatalf("expected growth to be allowed, got %v", err)
	}

	implementSvc := newSvc(implements)
	if _, err := implementSvc.Update(ctx, UpdateMachineCommand{ID: "eq_1", Name: "Kieper", Capacity: 1}); !errors.Is(err, ErrConnectorInUse) {
		t.Fatalf("expected connector in use, got %v", err)
	}
	if _, err := implementSvc.Update(ctx, UpdateMachineCommand{ID: "eq_1", Name: "Kieper", Capacity: 2}); err != nil {
		t.Fatalf("expected shrink to the highest mapped connector to be allowed, got %v", err)
	}
}

func TestMachineServiceListRejectsUnknownOrder(t *testing.T) {
	svc := newTestMachineService(t, newMemoryMachineRepo(domain.MachineKindTractor), nil, nil)
	if _, err := svc.List(context.Background(), repositories.MachineOrder("color")); !errors.Is(err, ErrMachineInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := svc.List(context.Background(), repositories.MachineOrderName); err != nil {
		t.Fatalf("List: %v", err)
	}
}

func TestMachineServiceDelete(t *testing.T) {
	repo := newMemoryMachineRepo(domain.MachineKindTractor, domain.Machine{ID: "trc_1", Name: "Fendt", Connectors: domain.NewConnectorSet(2)})
	svc := newTestMachineService(t, repo, nil, nil)

	if err := svc.Delete(context.Background(), "trc_1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := svc.Delete(context.Background(), "trc_1"); !errors.Is(err, ErrMachineNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestMachineServiceRecordTag(t *testing.T) {
	repo := newMemoryMachineRepo(domain.MachineKindTractor, domain.Machine{
		ID:         "trc_1",
		Name:       "Fendt",
		Connectors: taggedSet(3, map[int]string{1: "04A1"}),
	})
	notices := &recordingNotices{}
	svc := newTestMachineService(t, repo, nil, notices)
	ctx := context.Background()

	machine, err := svc.RecordTag(ctx, RecordTagCommand{MachineID: "trc_1", Index: 2, TagID: " 04B2 "})
	if err != nil {
		t.Fatalf("RecordTag: %v", err)
	}
	if tag, _ := machine.Connectors.Tag(2); tag != "04B2" {
		t.Fatalf("expected trimmed tag, got %q", tag)
	}
	if notices.last().Severity != SeveritySuccess {
		t.Fatalf("expected success notice, got %+v", notices.last())
	}

	if _, err := svc.RecordTag(ctx, RecordTagCommand{MachineID: "trc_1", Index: 3, TagID: "04a1"}); !errors.Is(err, ErrDuplicateTag) {
		t.Fatalf("expected duplicate tag, got %v", err)
	}
	if notices.last().Code != "duplicate_tag" || notices.last().Severity != SeverityWarning {
		t.Fatalf("unexpected notice %+v", notices.last())
	}

	// Re-recording the same tag on its own connector is allowed.
	if _, err := svc.RecordTag(ctx, RecordTagCommand{MachineID: "trc_1", Index: 1, TagID: "04A1"}); err != nil {
		t.Fatalf("expected re-record to succeed, got %v", err)
	}

	_, err = svc.RecordTag(ctx, RecordTagCommand{MachineID: "trc_1", Index: 4, TagID: "04C3"})
	var rangeErr *domain.OutOfRangeError
	if !errors.As(err, &rangeErr) || rangeErr.Capacity != 3 {
		t.Fatalf("expected out of range, got %v", err)
	}
	if notices.last().Severity != SeverityError {
		t.Fatalf("expected error notice, got %+v", notices.last())
	}

	if _, err := svc.RecordTag(ctx, RecordTagCommand{MachineID: "trc_1", Index: 3, TagID: "  "}); !errors.Is(err, ErrMachineInvalidInput) {
		t.Fatalf("expected invalid input for blank tag, got %v", err)
	}
	if _, err := svc.RecordTag(ctx, RecordTagCommand{MachineID: "trc_x", Index: 1, TagID: "X"}); !errors.Is(err, ErrMachineNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMachineServiceClearTag(t *testing.T) {
	repo := newMemoryMachineRepo(domain.MachineKindImplement, domain.Machine{
		ID:         "eq_1",
		Name:       "Kieper",
		Connectors: taggedSet(2, map[int]string{1: "A", 2: "B"}),
	})
	svc := newTestMachineService(t, repo, nil, nil)

	machine, err := svc.ClearTag(context.Background(), "eq_1", 1)
	if err != nil {
		t.Fatalf("ClearTag: %v", err)
	}
	if _, ok := machine.Connectors.Tag(1); ok {
		t.Fatalf("expected tag cleared")
	}
	if machine.Connectors.TaggedCount() != 1 {
		t.Fatalf("expected one remaining tag")
	}
}

func TestMachineServiceScanTag(t *testing.T) {
	repo := newMemoryMachineRepo(domain.MachineKindTractor, domain.Machine{
		ID:         "trc_1",
		Name:       "Fendt",
		Connectors: domain.NewConnectorSet(2),
	})
	scanner := newScriptedScanner()
	svc := newTestMachineService(t, repo, scanner, nil)
	ctx := context.Background()

	scanner.results <- scanResult{tag: "04DD"}
	machine, err := svc.ScanTag(ctx, ScanTagCommand{MachineID: "trc_1", Index: 2, DeviceID: "dev-9"})
	if err != nil {
		t.Fatalf("ScanTag: %v", err)
	}
	if device := <-scanner.requested; device != "dev-9" {
		t.Fatalf("unexpected device %s", device)
	}
	if tag, _ := machine.Connectors.Tag(2); tag != "04DD" {
		t.Fatalf("expected scanned tag, got %q", tag)
	}

	// Out-of-range indices are rejected before the reader is asked.
	var rangeErr *domain.OutOfRangeError
	if _, err := svc.ScanTag(ctx, ScanTagCommand{MachineID: "trc_1", Index: 5, DeviceID: "dev-9"}); !errors.As(err, &rangeErr) {
		t.Fatalf("expected out of range, got %v", err)
	}
	if len(scanner.requested) != 0 {
		t.Fatalf("expected no scan request for an invalid index")
	}

	scanner.results <- scanResult{err: ErrScanFailed}
	if _, err := svc.ScanTag(ctx, ScanTagCommand{MachineID: "trc_1", Index: 1, DeviceID: "dev-9"}); !errors.Is(err, ErrScanFailed) {
		t.Fatalf("expected scan failure, got %v", err)
	}

	if _, err := svc.ScanTag(ctx, ScanTagCommand{MachineID: "trc_1", Index: 1}); !errors.Is(err, ErrMachineInvalidInput) {
		t.Fatalf("expected device id required, got %v", err)
	}

	noScanner := newTestMachineService(t, repo, nil, nil)
	if _, err := noScanner.ScanTag(ctx, ScanTagCommand{MachineID: "trc_1", Index: 1, DeviceID: "dev-9"}); !errors.Is(err, ErrScannerUnavailable) {
		t.Fatalf("expected scanner unavailable, got %v", err)
	}
}

func TestMachineServiceUnavailableStore(t *testing.T) {
	repo := newMemoryMachineRepo(domain.MachineKindTractor)
	repo.err = stubRepoError{unavailable: true}
	svc := newTestMachineService(t, repo, nil, nil)

	if _, err := svc.Get(context.Background(), "trc_1"); !errors.Is(err, ErrMachineUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if _, err := svc.Create(context.Background(), CreateMachineCommand{Name: "x", Capacity: 1}); !errors.Is(err, ErrMachineUnavailable) {
		t.Fatalf("expected unavailable on insert, got %v", err)
	}
}
