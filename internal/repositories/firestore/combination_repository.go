package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/koppeltag/api/internal/domain"
	pfirestore "github.com/koppeltag/api/internal/platform/firestore"
	"github.com/koppeltag/api/internal/repositories"
)

const combinationCollection = "combinations"

// combinationDocument is the stored shape of a combination. Mappings are keyed by implement id,
// then by tractor connector index, and hold the implement connector index. Instructions are keyed
// by implement id, then pair ordinal, and hold [imageRef, text].
type combinationDocument struct {
	Name         string                         `firestore:"naam"`
	TractorID    string                         `firestore:"tractorId"`
	ImplementIDs []string                       `firestore:"equipmentIds"`
	Mappings     map[string]map[string]int      `firestore:"mappings"`
	Instructions map[string]map[string][]string `firestore:"instructions"`
	CreatedAt    time.Time                      `firestore:"createdAt"`
	UpdatedAt    time.Time                      `firestore:"updatedAt"`
}

// CombinationRepository persists combinations and their connector mappings.
type CombinationRepository struct {
	docs *pfirestore.Collection[domain.Combination]
	now  func() time.Time
}

var _ repositories.CombinationRepository = (*CombinationRepository)(nil)

// CombinationRepositoryOption customises a CombinationRepository.
type CombinationRepositoryOption func(*CombinationRepository)

// WithCombinationClock overrides the clock used for updatedAt stamps.
func WithCombinationClock(now func() time.Time) CombinationRepositoryOption {
	return func(r *CombinationRepository) {
		if now != nil {
			r.now = now
		}
	}
}

// NewCombinationRepository constructs a Firestore-backed combination repository.
func NewCombinationRepository(provider *pfirestore.Provider, opts ...CombinationRepositoryOption) (*CombinationRepository, error) {
	if provider == nil {
		return nil, errors.New("combination repository requires firestore provider")
	}
	repo := &CombinationRepository{
		docs: pfirestore.NewCollection(provider, combinationCollection, encodeCombination, decodeCombination),
		now:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

// Insert creates the combination document.
func (r *CombinationRepository) Insert(ctx context.Context, combination domain.Combination) error {
	return r.docs.Create(ctx, combination.ID, combination)
}

// FindByID loads one combination.
func (r *CombinationRepository) FindByID(ctx context.Context, id string) (domain.Combination, error) {
	doc, err := r.docs.Get(ctx, id)
	if err != nil {
		return domain.Combination{}, err
	}
	return doc.Data, nil
}

// List returns every combination ordered by name.
func (r *CombinationRepository) List(ctx context.Context) ([]domain.Combination, error) {
	docs, err := r.docs.List(ctx, "naam")
	if err != nil {
		return nil, err
	}
	out := make([]domain.Combination, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data)
	}
	return out, nil
}

// Delete removes the combination.
func (r *CombinationRepository) Delete(ctx context.Context, id string) error {
	return r.docs.Delete(ctx, id)
}

// AddImplement appends implementID to equipmentIds unless present.
func (r *CombinationRepository) AddImplement(ctx context.Context, combinationID, implementID string) error {
	implementID, err := requireID("implement", implementID)
	if err != nil {
		return err
	}
	return r.docs.Patch(ctx, combinationID, []firestore.Update{
		{Path: "equipmentIds", Value: firestore.ArrayUnion(implementID)},
		{Path: "updatedAt", Value: r.now().UTC()},
	})
}

// PersistMapping replaces mappings.<implementID> with pairs and registers the implement. The
// combination document must exist.
func (r *CombinationRepository) PersistMapping(ctx context.Context, combinationID, implementID string, pairs []domain.MappingPair) error {
	implementID, err := requireID("implement", implementID)
	if err != nil {
		return err
	}
	return r.docs.Patch(ctx, combinationID, []firestore.Update{
		{FieldPath: firestore.FieldPath{"mappings", implementID}, Value: encodePairs(pairs)},
		{Path: "equipmentIds", Value: firestore.ArrayUnion(implementID)},
		{Path: "updatedAt", Value: r.now().UTC()},
	})
}

// RemoveImplement removes the implement id with its mapping and instructions. A missing
// combination is treated as already removed.
func (r *CombinationRepository) RemoveImplement(ctx context.Context, combinationID, implementID string) error {
	implementID, err := requireID("implement", implementID)
	if err != nil {
		return err
	}
	err = r.docs.Patch(ctx, combinationID, []firestore.Update{
		{Path: "equipmentIds", Value: firestore.ArrayRemove(implementID)},
		{FieldPath: firestore.FieldPath{"mappings", implementID}, Value: firestore.Delete},
		{FieldPath: firestore.FieldPath{"instructions", implementID}, Value: firestore.Delete},
		{Path: "updatedAt", Value: r.now().UTC()},
	})
	if pfirestore.IsNotFound(err) {
		return nil
	}
	return err
}

// PutInstruction writes instructions.<implementID>.<ordinal>.
func (r *CombinationRepository) PutInstruction(ctx context.Context, combinationID, implementID string, ordinal int, instruction domain.Instruction) error {
	implementID, err := requireID("implement", implementID)
	if err != nil {
		return err
	}
	if ordinal < 1 {
		return fmt.Errorf("combination repository: ordinal must be positive, got %d", ordinal)
	}
	return r.docs.Patch(ctx, combinationID, []firestore.Update{
		{
			FieldPath: firestore.FieldPath{"instructions", implementID, strconv.Itoa(ordinal)},
			Value:     []string{instruction.ImageRef, instruction.Text},
		},
		{Path: "updatedAt", Value: r.now().UTC()},
	})
}

func requireID(name, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("combination repository: %s id is required", name)
	}
	return id, nil
}

func encodeCombination(c domain.Combination) (any, error) {
	if strings.TrimSpace(c.TractorID) == "" {
		return nil, errors.New("tractor id is required")
	}
	doc := combinationDocument{
		Name:         c.Name,
		TractorID:    c.TractorID,
		ImplementIDs: append([]string{}, c.ImplementIDs...),
		Mappings:     make(map[string]map[string]int, len(c.Mappings)),
		Instructions: make(map[string]map[string][]string, len(c.Instructions)),
		CreatedAt:    c.CreatedAt.UTC(),
		UpdatedAt:    c.UpdatedAt.UTC(),
	}
	for implementID, pairs := range c.Mappings {
		doc.Mappings[implementID] = encodePairs(pairs)
	}
	for implementID, byOrdinal := range c.Instructions {
		entries := make(map[string][]string, len(byOrdinal))
		for ordinal, instruction := range byOrdinal {
			entries[strconv.Itoa(ordinal)] = []string{instruction.ImageRef, instruction.Text}
		}
		doc.Instructions[implementID] = entries
	}
	return doc, nil
}

func decodeCombination(snap *firestore.DocumentSnapshot) (domain.Combination, error) {
	var doc combinationDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Combination{}, err
	}
	c := domain.Combination{
		ID:           snap.Ref.ID,
		Name:         doc.Name,
		TractorID:    doc.TractorID,
		ImplementIDs: append([]string{}, doc.ImplementIDs...),
		Mappings:     make(map[string][]domain.MappingPair, len(doc.Mappings)),
		Instructions: make(map[string]map[int]domain.Instruction, len(doc.Instructions)),
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
	for implementID, raw := range doc.Mappings {
		c.Mappings[implementID] = decodePairs(raw)
	}
	for implementID, raw := range doc.Instructions {
		byOrdinal := make(map[int]domain.Instruction, len(raw))
		for key, entry := range raw {
			ordinal, err := strconv.Atoi(key)
			if err != nil || ordinal < 1 {
				continue
			}
			var instruction domain.Instruction
			if len(entry) > 0 {
				instruction.ImageRef = entry[0]
			}
			if len(entry) > 1 {
				instruction.Text = entry[1]
			}
			byOrdinal[ordinal] = instruction
		}
		c.Instructions[implementID] = byOrdinal
	}
	return c, nil
}

func encodePairs(pairs []domain.MappingPair) map[string]int {
	out := make(map[string]int, len(pairs))
	for _, pair := range pairs {
		out[strconv.Itoa(pair.TractorIndex)] = pair.ImplementIndex
	}
	return out
}

// decodePairs restores pairs ordered by implement connector index, which defines the 1-based pair
// ordinal used by instructions and playback.
func decodePairs(raw map[string]int) []domain.MappingPair {
	pairs := make([]domain.MappingPair, 0, len(raw))
	for key, implementIndex := range raw {
		tractorIndex, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			continue
		}
		pairs = append(pairs, domain.MappingPair{TractorIndex: tractorIndex, ImplementIndex: implementIndex})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].ImplementIndex != pairs[j].ImplementIndex {
			return pairs[i].ImplementIndex < pairs[j].ImplementIndex
		}
		return pairs[i].TractorIndex < pairs[j].TractorIndex
	})
	return pairs
}
