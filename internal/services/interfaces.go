package services

import (
	"context"
	"errors"
	"time"

	"github.com/koppeltag/api/internal/domain"
	"github.com/koppeltag/api/internal/mapping"
	"github.com/koppeltag/api/internal/repositories"
)

// Type aliases expose domain models to handlers without reversing dependency direction.
type (
	Machine      = domain.Machine
	MachineKind  = domain.MachineKind
	Combination  = domain.Combination
	MappingPair  = domain.MappingPair
	Instruction  = domain.Instruction
	HealthReport = domain.HealthReport
)

// Logger is the structured event hook services emit through.
type Logger func(ctx context.Context, event string, fields map[string]any)

func noopLogger(context.Context, string, map[string]any) {}

var (
	// ErrScanCancelled reports that a pending hardware scan was withdrawn before a tag was read.
	ErrScanCancelled = errors.New("scan: cancelled")
	// ErrScanFailed reports that the reader could not produce a tag.
	ErrScanFailed = errors.New("scan: failed")
)

// ScanSideChannel obtains tag ids from a device's NFC reader.
type ScanSideChannel interface {
	// RequestScan blocks until the device delivers a tag, the scan fails or is cancelled, or ctx
	// ends.
	RequestScan(ctx context.Context, deviceID string) (string, error)
	// CancelPendingScan withdraws the device's outstanding request, if any.
	CancelPendingScan(deviceID string)
}

// MappingEventType names a published mapping event.
type MappingEventType string

const (
	MappingEventSaved            MappingEventType = "mapping.saved"
	MappingEventImplementRemoved MappingEventType = "implement.removed"
)

// MappingEvent is published after a mapping changes in the store.
type MappingEvent struct {
	EventID       string             `json:"eventId"`
	Type          MappingEventType   `json:"type"`
	CombinationID string             `json:"combinationId"`
	ImplementID   string             `json:"implementId"`
	Pairs         []MappingEventPair `json:"pairs,omitempty"`
	ActorID       string             `json:"actorId,omitempty"`
	OccurredAt    time.Time          `json:"occurredAt"`
}

// MappingEventPair is the wire form of a mapping pair.
type MappingEventPair struct {
	TractorIndex   int `json:"tractorIndex"`
	ImplementIndex int `json:"implementIndex"`
}

// MappingEventPublisher delivers mapping events to downstream consumers.
type MappingEventPublisher interface {
	PublishMappingEvent(ctx context.Context, event MappingEvent) (string, error)
}

// MachineService manages tractor or implement records and their connector tags.
type MachineService interface {
	Kind() MachineKind
	Create(ctx context.Context, cmd CreateMachineCommand) (Machine, error)
	Update(ctx context.Context, cmd UpdateMachineCommand) (Machine, error)
	Get(ctx context.Context, id string) (Machine, error)
	List(ctx context.Context, order repositories.MachineOrder) ([]Machine, error)
	Delete(ctx context.Context, id string) error
	RecordTag(ctx context.Context, cmd RecordTagCommand) (Machine, error)
	ClearTag(ctx context.Context, id string, index int) (Machine, error)
	ScanTag(ctx context.Context, cmd ScanTagCommand) (Machine, error)
}

// CreateMachineCommand describes a new machine.
type CreateMachineCommand struct {
	Name     string
	Brand    string
	Model    string
	Capacity int
	ImageRef string
}

// UpdateMachineCommand replaces the editable fields of a machine. A capacity change resizes the
// connector set, dropping tags above the new capacity.
type UpdateMachineCommand struct {
	ID       string
	Name     string
	Brand    string
	Model    string
	Capacity int
	ImageRef string
}

// RecordTagCommand registers a tag on one connector.
type RecordTagCommand struct {
	MachineID string
	Index     int
	TagID     string
}

// ScanTagCommand registers the next tag read by a device on one connector.
type ScanTagCommand struct {
	MachineID string
	Index     int
	DeviceID  string
}

// CombinationService manages combinations, their implements and pair instructions.
type CombinationService interface {
	Create(ctx context.Context, cmd CreateCombinationCommand) (Combination, error)
	Get(ctx context.Context, id string) (Combination, error)
	List(ctx context.Context) ([]Combination, error)
	Delete(ctx context.Context, id string) error
	AddImplement(ctx context.Context, combinationID, implementID string) (Combination, error)
	RemoveImplement(ctx context.Context, cmd RemoveImplementCommand) error
	SetInstruction(ctx context.Context, cmd SetInstructionCommand) (Instruction, error)
	InstructionUploadURL(ctx context.Context, cmd InstructionUploadCommand) (InstructionUpload, error)
	Playback(ctx context.Context, combinationID, implementID string) (Playback, error)
}

// CreateCombinationCommand describes a new combination.
type CreateCombinationCommand struct {
	Name         string
	TractorID    string
	ImplementIDs []string
}

// RemoveImplementCommand detaches an implement from a combination.
type RemoveImplementCommand struct {
	CombinationID string
	ImplementID   string
	ActorID       string
}

// SetInstructionCommand stores the instruction of one mapping pair, addressed by its 1-based
// ordinal in the stored mapping.
type SetInstructionCommand struct {
	CombinationID string
	ImplementID   string
	Ordinal       int
	ImageRef      string
	Text          string
}

// InstructionUploadCommand requests a signed upload URL for an instruction image.
type InstructionUploadCommand struct {
	CombinationID string
	ImplementID   string
	Ordinal       int
	FileName      string
	ContentType   string
	Size          int64
}

// InstructionUpload is a signed upload target plus the object reference to store afterwards.
type InstructionUpload struct {
	ImageRef  string
	URL       string
	Method    string
	Headers   map[string]string
	ExpiresAt time.Time
}

// Playback is the ordered list of steps to connect an implement to its tractor.
type Playback struct {
	CombinationID string
	TractorID     string
	ImplementID   string
	Steps         []PlaybackStep
}

// PlaybackStep is one mapping pair with its instruction.
type PlaybackStep struct {
	Ordinal        int
	TractorIndex   int
	ImplementIndex int
	Text           string
	HTML           string
	ImageRef       string
	ImageURL       string
	ImageExpiresAt time.Time
}

// MappingSessionService drives interactive mapping sessions for operators.
type MappingSessionService interface {
	Open(ctx context.Context, cmd OpenMappingSessionCommand) (SessionView, error)
	Get(ctx context.Context, ref SessionRef) (SessionView, error)
	BeginScan(ctx context.Context, ref SessionRef) (SessionView, error)
	SubmitScan(ctx context.Context, ref SessionRef, tagID string) (SessionView, error)
	SubmitTractorScan(ctx context.Context, ref SessionRef, tagID string) (SessionView, error)
	SubmitImplementScan(ctx context.Context, ref SessionRef, tagID string) (SessionView, error)
	ScanNext(ctx context.Context, ref SessionRef, deviceID string) (SessionView, error)
	CancelPending(ctx context.Context, ref SessionRef) (SessionView, error)
	Assign(ctx context.Context, ref SessionRef, tractorIndex, implementIndex int) (SessionView, error)
	Unassign(ctx context.Context, ref SessionRef, tractorIndex int) (SessionView, error)
	Undo(ctx context.Context, ref SessionRef) (SessionView, error)
	Save(ctx context.Context, ref SessionRef) (SessionView, error)
	Discard(ctx context.Context, ref SessionRef) error
	SweepExpired(ctx context.Context) int
	Run(ctx context.Context)
}

// OpenMappingSessionCommand starts a session for one implement of a combination.
type OpenMappingSessionCommand struct {
	CombinationID string
	ImplementID   string
	OperatorID    string
	DeviceID      string
}

// SessionRef addresses a session on behalf of an operator.
type SessionRef struct {
	SessionID  string
	OperatorID string
}

// SessionView is the state returned to the operator after every session call. Notice describes
// the outcome of the call that produced the view.
type SessionView struct {
	ID            string
	CombinationID string
	TractorID     string
	ImplementID   string
	DeviceID      string
	Snapshot      mapping.Snapshot
	Saved         bool
	Notice        Notice
	UpdatedAt     time.Time
}
