package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/koppeltag/api/internal/domain"
	"github.com/koppeltag/api/internal/platform/storage"
	"github.com/koppeltag/api/internal/repositories"
)

type stubRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e stubRepoError) Error() string       { return "stub repository error" }
func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return e.conflict }
func (e stubRepoError) IsUnavailable() bool { return e.unavailable }

var errNotFound = stubRepoError{notFound: true}

type memoryMachineRepo struct {
	mu       sync.Mutex
	kind     domain.MachineKind
	machines map[string]domain.Machine
	err      error
}

func newMemoryMachineRepo(kind domain.MachineKind, machines ...domain.Machine) *memoryMachineRepo {
	repo := &memoryMachineRepo{kind: kind, machines: map[string]domain.Machine{}}
	for _, m := range machines {
		m.Kind = kind
		repo.machines[m.ID] = m
	}
	return repo
}

func (r *memoryMachineRepo) Kind() domain.MachineKind { return r.kind }

func (r *memoryMachineRepo) Insert(_ context.Context, m domain.Machine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if _, ok := r.machines[m.ID]; ok {
		return stubRepoError{conflict: true}
	}
	r.machines[m.ID] = m
	return nil
}

func (r *memoryMachineRepo) Update(_ context.Context, m domain.Machine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.machines[m.ID]; !ok {
		return errNotFound
	}
	m.Connectors = m.Connectors.Clone()
	r.machines[m.ID] = m
	return nil
}

func (r *memoryMachineRepo) FindByID(_ context.Context, id string) (domain.Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.Machine{}, r.err
	}
	m, ok := r.machines[id]
	if !ok {
		return domain.Machine{}, errNotFound
	}
	m.Connectors = m.Connectors.Clone()
	return m, nil
}

func (r *memoryMachineRepo) List(_ context.Context, _ repositories.MachineOrder) ([]domain.Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Machine, 0, len(r.machines))
	for _, m := range r.machines {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *memoryMachineRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.machines, id)
	return nil
}

func (r *memoryMachineRepo) MutateConnectors(_ context.Context, id string, fn repositories.ConnectorMutation) (domain.Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[id]
	if !ok {
		return domain.Machine{}, errNotFound
	}
	set := m.Connectors.Clone()
	if err := fn(&set); err != nil {
		return domain.Machine{}, err
	}
	m.Connectors = set
	r.machines[id] = m
	return m, nil
}

type memoryCombinationRepo struct {
	mu           sync.Mutex
	combinations map[string]domain.Combination
	persistErr   error
	persisted    int
}

func newMemoryCombinationRepo(combinations ...domain.Combination) *memoryCombinationRepo {
	repo := &memoryCombinationRepo{combinations: map[string]domain.Combination{}}
	for _, c := range combinations {
		repo.combinations[c.ID] = c
	}
	return repo
}

func (r *memoryCombinationRepo) Insert(_ context.Context, c domain.Combination) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.combinations[c.ID] = c
	return nil
}

func (r *memoryCombinationRepo) FindByID(_ context.Context, id string) (domain.Combination, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.combinations[id]
	if !ok {
		return domain.Combination{}, errNotFound
	}
	return c, nil
}

func (r *memoryCombinationRepo) List(context.Context) ([]domain.Combination, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Combination, 0, len(r.combinations))
	for _, c := range r.combinations {
		out = append(out, c)
	}
	return out, nil
}

func (r *memoryCombinationRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.combinations, id)
	return nil
}

func (r *memoryCombinationRepo) AddImplement(_ context.Context, combinationID, implementID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.combinations[combinationID]
	if !ok {
		return errNotFound
	}
	if !c.HasImplement(implementID) {
		c.ImplementIDs = append(append([]string{}, c.ImplementIDs...), implementID)
	}
	r.combinations[combinationID] = c
	return nil
}

func (r *memoryCombinationRepo) PersistMapping(_ context.Context, combinationID, implementID string, pairs []domain.MappingPair) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.persistErr != nil {
		return r.persistErr
	}
	c, ok := r.combinations[combinationID]
	if !ok {
		return errNotFound
	}
	mappings := map[string][]domain.MappingPair{}
	for k, v := range c.Mappings {
		mappings[k] = v
	}
	mappings[implementID] = append([]domain.MappingPair(nil), pairs...)
	c.Mappings = mappings
	if !c.HasImplement(implementID) {
		c.ImplementIDs = append(append([]string{}, c.ImplementIDs...), implementID)
	}
	r.combinations[combinationID] = c
	r.persisted++
	return nil
}

func (r *memoryCombinationRepo) RemoveImplement(_ context.Context, combinationID, implementID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.combinations[combinationID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(c.ImplementIDs))
	for _, id := range c.ImplementIDs {
		if id != implementID {
			ids = append(ids, id)
		}
	}
	c.ImplementIDs = ids
	delete(c.Mappings, implementID)
	delete(c.Instructions, implementID)
	r.combinations[combinationID] = c
	return nil
}

func (r *memoryCombinationRepo) PutInstruction(_ context.Context, combinationID, implementID string, ordinal int, instruction domain.Instruction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.combinations[combinationID]
	if !ok {
		return errNotFound
	}
	if c.Instructions == nil {
		c.Instructions = map[string]map[int]domain.Instruction{}
	}
	if c.Instructions[implementID] == nil {
		c.Instructions[implementID] = map[int]domain.Instruction{}
	}
	c.Instructions[implementID][ordinal] = instruction
	r.combinations[combinationID] = c
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []MappingEvent
	err    error
}

func (p *recordingPublisher) PublishMappingEvent(_ context.Context, event MappingEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.events = append(p.events, event)
	return "msg-1", nil
}

// scriptedScanner answers RequestScan from a channel so tests control timing.
type scriptedScanner struct {
	results   chan scanResult
	requested chan string
	mu        sync.Mutex
	cancelled []string
}

type scanResult struct {
	tag string
	err error
}

func newScriptedScanner() *scriptedScanner {
	return &scriptedScanner{results: make(chan scanResult, 4), requested: make(chan string, 4)}
}

func (s *scriptedScanner) RequestScan(ctx context.Context, deviceID string) (string, error) {
	s.requested <- deviceID
	select {
	case r := <-s.results:
		return r.tag, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *scriptedScanner) CancelPendingScan(deviceID string) {
	s.mu.Lock()
	s.cancelled = append(s.cancelled, deviceID)
	s.mu.Unlock()
	s.results <- scanResult{err: ErrScanCancelled}
}

type recordingNotices struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *recordingNotices) Notify(_ context.Context, notice Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *recordingNotices) last() Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.notices) == 0 {
		return Notice{}
	}
	return n.notices[len(n.notices)-1]
}

type fakeURLSigner struct {
	uploads   []string
	downloads []string
	err       error
}

func (f *fakeURLSigner) UploadURL(_ context.Context, bucket, object string, opts storage.UploadOptions) (storage.SignedURL, error) {
	if f.err != nil {
		return storage.SignedURL{}, f.err
	}
	for _, allowed := range opts.AllowedContentTypes {
		if allowed == opts.ContentType {
			f.uploads = append(f.uploads, object)
			return storage.SignedURL{
				URL:       "https://storage.example/" + bucket + "/" + object + "?sig=1",
				Method:    "PUT",
				Headers:   map[string]string{"Content-Type": opts.ContentType},
				ExpiresAt: time.Date(2026, 3, 1, 8, 15, 0, 0, time.UTC),
			}, nil
		}
	}
	return storage.SignedURL{}, storage.ErrContentTypeDenied
}

func (f *fakeURLSigner) DownloadURL(_ context.Context, bucket, object string, _ time.Duration) (storage.SignedURL, error) {
	if f.err != nil {
		return storage.SignedURL{}, f.err
	}
	f.downloads = append(f.downloads, object)
	return storage.SignedURL{URL: "https://storage.example/" + bucket + "/" + object + "?sig=get", Method: "GET"}, nil
}

func fixedClock() func() time.Time {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func sequenceIDs(values ...string) func() string {
	var mu sync.Mutex
	i := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(values) {
			i++
			return "ID" + string(rune('A'+i))
		}
		v := values[i]
		i++
		return v
	}
}

func taggedSet(capacity int, tags map[int]string) domain.ConnectorSet {
	return domain.ConnectorSetFromTags(capacity, tags)
}

var errBoom = errors.New("boom")
