package services

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/koppeltag/api/internal/domain"
	"github.com/koppeltag/api/internal/platform/storage"
	"github.com/koppeltag/api/internal/platform/textutil"
	"github.com/koppeltag/api/internal/repositories"
)

var (
	// ErrCombinationInvalidInput indicates invalid combination data or references.
	ErrCombinationInvalidInput = errors.New("combination: invalid input")
	// ErrCombinationNotFound indicates the combination does not exist.
	ErrCombinationNotFound = errors.New("combination: not found")
	// ErrCombinationConflict indicates the write conflicts with stored state.
	ErrCombinationConflict = errors.New("combination: conflict")
	// ErrCombinationUnavailable indicates the store could not serve the request.
	ErrCombinationUnavailable = errors.New("combination: unavailable")
	// ErrImplementNotAttached indicates the implement is not part of the combination.
	ErrImplementNotAttached = errors.New("combination: implement not attached")
	// ErrMappingNotFound indicates no finalized mapping is stored for the implement.
	ErrMappingNotFound = errors.New("combination: mapping not found")
	// ErrMappingStale indicates the stored mapping references connectors the machines no longer have.
	ErrMappingStale = errors.New("combination: stored mapping no longer fits the machines")
	// ErrInstructionStorageUnavailable indicates instruction images cannot be signed.
	ErrInstructionStorageUnavailable = errors.New("combination: instruction storage unavailable")

	errCombinationRepositoryRequired = errors.New("combination: repositories are required")
)

const (
	maxInstructionTextLength = 2000
	combinationIDPrefix      = "cmb_"
)

var defaultInstructionContentTypes = []string{"image/jpeg", "image/png", "image/webp"}

// InstructionURLSigner issues signed URLs for instruction images.
type InstructionURLSigner interface {
	UploadURL(ctx context.Context, bucket, object string, opts storage.UploadOptions) (storage.SignedURL, error)
	DownloadURL(ctx context.Context, bucket, object string, expiresIn time.Duration) (storage.SignedURL, error)
}

// InstructionStorage configures instruction image handling. A nil Signer or empty Bucket disables
// uploads and playback image URLs.
type InstructionStorage struct {
	Signer         InstructionURLSigner
	Bucket         string
	UploadTTL      time.Duration
	DownloadTTL    time.Duration
	MaxUploadBytes int64
}

// CombinationServiceDeps wires the combination service.
type CombinationServiceDeps struct {
	Combinations repositories.CombinationRepository
	Tractors     repositories.MachineRepository
	Implements   repositories.MachineRepository
	Storage      InstructionStorage
	Renderer     *textutil.Renderer
	Events       MappingEventPublisher
	Clock        func() time.Time
	IDGenerator  func() string
	Logger       Logger
}

type combinationService struct {
	combinations repositories.CombinationRepository
	tractors     repositories.MachineRepository
	implements   repositories.MachineRepository
	storage      InstructionStorage
	renderer     *textutil.Renderer
	events       MappingEventPublisher
	now          func() time.Time
	newID        func() string
	logger       Logger
}

var _ CombinationService = (*combinationService)(nil)

// NewCombinationService constructs a CombinationService.
func NewCombinationService(deps CombinationServiceDeps) (CombinationService, error) {
	if deps.Combinations == nil || deps.Tractors == nil || deps.Implements == nil {
		return nil, errCombinationRepositoryRequired
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	renderer := deps.Renderer
	if renderer == nil {
		renderer = textutil.NewRenderer()
	}
	return &combinationService{
		combinations: deps.Combinations,
		tractors:     deps.Tractors,
		implements:   deps.Implements,
		storage:      deps.Storage,
		renderer:     renderer,
		events:       deps.Events,
		now:          func() time.Time { return clock().UTC() },
		newID:        func() string { return strings.ToLower(idGen()) },
		logger:       logger,
	}, nil
}

func (s *combinationService) Create(ctx context.Context, cmd CreateCombinationCommand) (Combination, error) {
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return Combination{}, fmt.Errorf("%w: name is required", ErrCombinationInvalidInput)
	}
	tractorID := strings.TrimSpace(cmd.TractorID)
	if tractorID == "" {
		return Combination{}, fmt.Errorf("%w: tractor id is required", ErrCombinationInvalidInput)
	}
	if err := s.requireMachine(ctx, s.tractors, tractorID); err != nil {
		return Combination{}, err
	}

	seen := make(map[string]struct{}, len(cmd.ImplementIDs))
	implementIDs := make([]string, 0, len(cmd.ImplementIDs))
	for _, raw := range cmd.ImplementIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if err := s.requireMachine(ctx, s.implements, id); err != nil {
			return Combination{}, err
		}
		implementIDs = append(implementIDs, id)
	}

	now := s.now()
	combination := domain.Combination{
		ID:           combinationIDPrefix + s.newID(),
		Name:         name,
		TractorID:    tractorID,
		ImplementIDs: implementIDs,
		Mappings:     map[string][]domain.MappingPair{},
		Instructions: map[string]map[int]domain.Instruction{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.combinations.Insert(ctx, combination); err != nil {
		return Combination{}, s.translateRepoError(err)
	}
	s.logger(ctx, "combination.created", map[string]any{
		"id":         combination.ID,
		"tractorId":  tractorID,
		"implements": len(implementIDs),
	})
	return combination, nil
}

func (s *combinationService) Get(ctx context.Context, id string) (Combination, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Combination{}, fmt.Errorf("%w: id is required", ErrCombinationInvalidInput)
	}
	combination, err := s.combinations.FindByID(ctx, id)
	if err != nil {
		return Combination{}, s.translateRepoError(err)
	}
	return combination, nil
}

func (s *combinationService) List(ctx context.Context) ([]Combination, error) {
	combinations, err := s.combinations.List(ctx)
	if err != nil {
		return nil, s.translateRepoError(err)
	}
	return combinations, nil
}

func (s *combinationService) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.combinations.Delete(ctx, strings.TrimSpace(id)); err != nil {
		return s.translateRepoError(err)
	}
	s.logger(ctx, "combination.deleted", map[string]any{"id": id})
	return nil
}

func (s *combinationService) AddImplement(ctx context.Context, combinationID, implementID string) (Combination, error) {
	combination, err := s.Get(ctx, combinationID)
	if err != nil {
		return Combination{}, err
	}
	implementID = strings.TrimSpace(implementID)
	if implementID == "" {
		return Combination{}, fmt.Errorf("%w: implement id is required", ErrCombinationInvalidInput)
	}
	if combination.HasImplement(implementID) {
		return combination, nil
	}
	if err := s.requireMachine(ctx, s.implements, implementID); err != nil {
		return Combination{}, err
	}
	if err := s.combinations.AddImplement(ctx, combination.ID, implementID); err != nil {
		return Combination{}, s.translateRepoError(err)
	}
	return s.Get(ctx, combination.ID)
}

func (s *combinationService) RemoveImplement(ctx context.Context, cmd RemoveImplementCommand) error {
	combinationID := strings.TrimSpace(cmd.CombinationID)
	implementID := strings.TrimSpace(cmd.ImplementID)
	if combinationID == "" || implementID == "" {
		return fmt.Errorf("%w: combination and implement ids are required", ErrCombinationInvalidInput)
	}
	if err := s.combinations.RemoveImplement(ctx, combinationID, implementID); err != nil {
		return s.translateRepoError(err)
	}
	s.logger(ctx, "combination.implement_removed", map[string]any{
		"id":          combinationID,
		"implementId": implementID,
	})
	publishMappingEvent(ctx, s.events, s.logger, MappingEvent{
		EventID:       "evt_" + s.newID(),
		Type:          MappingEventImplementRemoved,
		CombinationID: combinationID,
		ImplementID:   implementID,
		ActorID:       cmd.ActorID,
		OccurredAt:    s.now(),
	})
	return nil
}

func (s *combinationService) SetInstruction(ctx context.Context, cmd SetInstructionCommand) (Instruction, error) {
	combination, err := s.locatePair(ctx, cmd.CombinationID, cmd.ImplementID, cmd.Ordinal)
	if err != nil {
		return Instruction{}, err
	}
	implementID := strings.TrimSpace(cmd.ImplementID)

	text := s.renderer.StripHTML(cmd.Text)
	if len([]rune(text)) > maxInstructionTextLength {
		return Instruction{}, fmt.Errorf("%w: instruction text exceeds %d characters", ErrCombinationInvalidInput, maxInstructionTextLength)
	}
	imageRef := strings.TrimSpace(cmd.ImageRef)
	if imageRef != "" && !storage.IsInstructionObject(imageRef, combination.ID, implementID) {
		return Instruction{}, fmt.Errorf("%w: image reference does not belong to this implement", ErrCombinationInvalidInput)
	}

	instruction := domain.Instruction{ImageRef: imageRef, Text: text}
	if err := s.combinations.PutInstruction(ctx, combination.ID, implementID, cmd.Ordinal, instruction); err != nil {
		return Instruction{}, s.translateRepoError(err)
	}
	return instruction, nil
}

func (s *combinationService) InstructionUploadURL(ctx context.Context, cmd InstructionUploadCommand) (InstructionUpload, error) {
	if s.storage.Signer == nil || strings.TrimSpace(s.storage.Bucket) == "" {
		return InstructionUpload{}, ErrInstructionStorageUnavailable
	}
	if s.storage.MaxUploadBytes > 0 && cmd.Size > s.storage.MaxUploadBytes {
		return InstructionUpload{}, fmt.Errorf("%w: image exceeds %d bytes", ErrCombinationInvalidInput, s.storage.MaxUploadBytes)
	}
	combination, err := s.locatePair(ctx, cmd.CombinationID, cmd.ImplementID, cmd.Ordinal)
	if err != nil {
		return InstructionUpload{}, err
	}

	ext := strings.ToLower(path.Ext(strings.TrimSpace(cmd.FileName)))
	object, err := storage.InstructionObject(combination.ID, strings.TrimSpace(cmd.ImplementID), cmd.Ordinal, s.newID()+ext)
	if err != nil {
		return InstructionUpload{}, fmt.Errorf("%w: %v", ErrCombinationInvalidInput, err)
	}
	signed, err := s.storage.Signer.UploadURL(ctx, s.storage.Bucket, object, storage.UploadOptions{
		ContentType:         cmd.ContentType,
		AllowedContentTypes: defaultInstructionContentTypes,
		MaxSize:             s.storage.MaxUploadBytes,
		ExpiresIn:           s.storage.UploadTTL,
	})
	if err != nil {
		if errors.Is(err, storage.ErrContentTypeDenied) {
			return InstructionUpload{}, fmt.Errorf("%w: %v", ErrCombinationInvalidInput, err)
		}
		return InstructionUpload{}, fmt.Errorf("%w: %v", ErrInstructionStorageUnavailable, err)
	}
	return InstructionUpload{
		ImageRef:  object,
		URL:       signed.URL,
		Method:    signed.Method,
		Headers:   signed.Headers,
		ExpiresAt: signed.ExpiresAt,
	}, nil
}

func (s *combinationService) Playback(ctx context.Context, combinationID, implementID string) (Playback, error) {
	combination, err := s.Get(ctx, combinationID)
	if err != nil {
		return Playback{}, err
	}
	implementID = strings.TrimSpace(implementID)
	if !combination.HasImplement(implementID) {
		return Playback{}, ErrImplementNotAttached
	}
	pairs, ok := combination.Mappings[implementID]
	if !ok || len(pairs) == 0 {
		return Playback{}, ErrMappingNotFound
	}
	if err := s.checkMappingFits(ctx, combination, implementID, pairs); err != nil {
		return Playback{}, err
	}

	instructions := combination.Instructions[implementID]
	steps := make([]PlaybackStep, 0, len(pairs))
	for i, pair := range pairs {
		ordinal := i + 1
		step := PlaybackStep{
			Ordinal:        ordinal,
			TractorIndex:   pair.TractorIndex,
			ImplementIndex: pair.ImplementIndex,
		}
		if instruction, ok := instructions[ordinal]; ok {
			step.Text = instruction.Text
			step.ImageRef = instruction.ImageRef
			rendered, err := s.renderer.ToHTML(instruction.Text)
			if err != nil {
				s.logger(ctx, "combination.playback_render_failed", map[string]any{"id": combination.ID, "ordinal": ordinal, "error": err.Error()})
			} else {
				step.HTML = rendered
			}
			step.ImageURL, step.ImageExpiresAt = s.signDownload(ctx, instruction.ImageRef)
		}
		steps = append(steps, step)
	}
	return Playback{
		CombinationID: combination.ID,
		TractorID:     combination.TractorID,
		ImplementID:   implementID,
		Steps:         steps,
	}, nil
}

// checkMappingFits validates pairs against the current capacities of the combination's machines.
func (s *combinationService) checkMappingFits(ctx context.Context, combination Combination, implementID string, pairs []domain.MappingPair) error {
	tractor, err := s.tractors.FindByID(ctx, combination.TractorID)
	if err != nil {
		if isRepoNotFound(err) {
			return fmt.Errorf("%w: tractor %s no longer exists", ErrMappingStale, combination.TractorID)
		}
		return s.translateRepoError(err)
	}
	implement, err := s.implements.FindByID(ctx, implementID)
	if err != nil {
		if isRepoNotFound(err) {
			return fmt.Errorf("%w: implement %s no longer exists", ErrMappingStale, implementID)
		}
		return s.translateRepoError(err)
	}
	if err := domain.ValidateMapping(tractor.Connectors.Capacity(), implement.Connectors.Capacity(), pairs); err != nil {
		s.logger(ctx, "combination.mapping_stale", map[string]any{
			"id":          combination.ID,
			"implementId": implementID,
			"error":       err.Error(),
		})
		return fmt.Errorf("%w: %w", ErrMappingStale, err)
	}
	return nil
}

func (s *combinationService) signDownload(ctx context.Context, imageRef string) (string, time.Time) {
	if imageRef == "" || s.storage.Signer == nil || strings.TrimSpace(s.storage.Bucket) == "" {
		return "", time.Time{}
	}
	signed, err := s.storage.Signer.DownloadURL(ctx, s.storage.Bucket, imageRef, s.storage.DownloadTTL)
	if err != nil {
		s.logger(ctx, "combination.playback_sign_failed", map[string]any{"object": imageRef, "error": err.Error()})
		return "", time.Time{}
	}
	return signed.URL, signed.ExpiresAt
}

// locatePair loads the combination and checks that ordinal addresses a stored pair of the
// implement's mapping.
func (s *combinationService) locatePair(ctx context.Context, combinationID, implementID string, ordinal int) (Combination, error) {
	combination, err := s.Get(ctx, combinationID)
	if err != nil {
		return Combination{}, err
	}
	implementID = strings.TrimSpace(implementID)
	if !combination.HasImplement(implementID) {
		return Combination{}, ErrImplementNotAttached
	}
	pairs, ok := combination.Mappings[implementID]
	if !ok || len(pairs) == 0 {
		return Combination{}, ErrMappingNotFound
	}
	if ordinal < 1 || ordinal > len(pairs) {
		return Combination{}, fmt.Errorf("%w: %w", ErrCombinationInvalidInput, &domain.OutOfRangeError{Index: ordinal, Capacity: len(pairs)})
	}
	return combination, nil
}

func (s *combinationService) requireMachine(ctx context.Context, repo repositories.MachineRepository, id string) error {
	if _, err := repo.FindByID(ctx, id); err != nil {
		if isRepoNotFound(err) {
			return fmt.Errorf("%w: %s %s does not exist", ErrCombinationInvalidInput, repo.Kind(), id)
		}
		return s.translateRepoError(err)
	}
	return nil
}

func (s *combinationService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrCombinationNotFound
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCombinationConflict, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrCombinationUnavailable, err)
}

// publishMappingEvent delivers event when a publisher is configured. Failures are logged and do
// not fail the operation that already reached the store.
func publishMappingEvent(ctx context.Context, publisher MappingEventPublisher, logger Logger, event MappingEvent) {
	if publisher == nil {
		return
	}
	id, err := publisher.PublishMappingEvent(ctx, event)
	fields := map[string]any{
		"type":          string(event.Type),
		"combinationId": event.CombinationID,
		"implementId":   event.ImplementID,
	}
	if err != nil {
		fields["error"] = err.Error()
		logger(ctx, "mapping_event.publish_failed", fields)
		return
	}
	fields["messageId"] = id
	logger(ctx, "mapping_event.published", fields)
}
