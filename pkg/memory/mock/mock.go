// Package mock provides in-memory test doubles for the memory interfaces.
//
// [Store] is a working transactional graph store: writes made inside
// [Store.InTx] become visible only when the callback returns nil. [VectorIndex]
// is a configurable stub. Both record every method call for assertion in
// tests and are safe for concurrent use.
//
// Typical usage:
//
//	store := mock.NewStore()
//	store.InsertFactErr = errors.New("disk full")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("InsertFact"); got != 1 {
//	    t.Errorf("expected 1 InsertFact call, got %d", got)
//	}
package mock

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/memoria/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// recorder is embedded by every mock.
type recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *recorder) record(method string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (r *recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (r *recorder) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Store
// ─────────────────────────────────────────────────────────────────────────────

// Store is an in-memory [memory.Store]. Transactions are serialised and
// operate on a private copy of the data that replaces the committed copy on
// success.
//
// The exported *Err fields inject failures; when non-nil the corresponding
// method returns the error without side effects. ReadErr applies to every
// [memory.Reader] method.
type Store struct {
	recorder

	txMu      sync.Mutex
	stateMu   sync.RWMutex
	committed *state
	closed    bool

	InTxErr               error
	ViewErr               error
	PingErr               error
	ReadErr               error
	UpsertCharacterErr    error
	InsertFactErr         error
	UpdateFactErr         error
	UpsertRelationshipErr error
	InsertTurnErr         error
	AppendOperationErr    error
}

var _ memory.Store = (*Store)(nil)

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{committed: newState()}
}

// InTx implements [memory.Store].
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx memory.Tx) error) error {
	s.record("InTx")
	if s.InTxErr != nil {
		return s.InTxErr
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.stateMu.RLock()
	if s.closed {
		s.stateMu.RUnlock()
		return fmt.Errorf("mock store: closed")
	}
	work := s.committed.clone()
	s.stateMu.RUnlock()

	if err := fn(ctx, &tx{store: s, st: work}); err != nil {
		return err
	}

	s.stateMu.Lock()
	s.committed = work
	s.stateMu.Unlock()
	return nil
}

// View implements [memory.Store].
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, r memory.Reader) error) error {
	s.record("View")
	if s.ViewErr != nil {
		return s.ViewErr
	}
	s.stateMu.RLock()
	snap := s.committed
	s.stateMu.RUnlock()
	return fn(ctx, &tx{store: s, st: snap, readOnly: true})
}

// Ping implements [memory.Store].
func (s *Store) Ping(context.Context) error {
	s.record("Ping")
	return s.PingErr
}

// Close implements [memory.Store].
func (s *Store) Close() error {
	s.record("Close")
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.closed = true
	return nil
}

// Snapshot is a copy of the committed contents of a [Store].
type Snapshot struct {
	Characters    []memory.Character
	Facts         []memory.FactNode
	Relationships []memory.RelationshipEdge
	Turns         []memory.WorkingMemoryTurn
	Operations    []memory.MemoryOperation
}

// Snapshot returns the committed contents, characters and facts sorted by ID.
func (s *Store) Snapshot() Snapshot {
	s.stateMu.RLock()
	st := s.committed.clone()
	s.stateMu.RUnlock()

	snap := Snapshot{
		Turns:      st.turns,
		Operations: st.ops,
	}
	for _, c := range st.characters {
		snap.Characters = append(snap.Characters, c)
	}
	for _, f := range st.facts {
		snap.Facts = append(snap.Facts, f)
	}
	for _, e := range st.edges {
		snap.Relationships = append(snap.Relationships, e)
	}
	slices.SortFunc(snap.Characters, func(a, b memory.Character) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(snap.Facts, func(a, b memory.FactNode) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(snap.Relationships, func(a, b memory.RelationshipEdge) int {
		return cmp.Or(cmp.Compare(a.SourceID, b.SourceID), cmp.Compare(a.TargetID, b.TargetID), cmp.Compare(a.RelType, b.RelType))
	})
	return snap
}

// Seed commits the given records directly, bypassing call recording and
// error injection.
func (s *Store) Seed(chars []memory.Character, facts []memory.FactNode, edges []memory.RelationshipEdge) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.committed.clone()
	for _, c := range chars {
		st.characters[c.ID] = copyCharacter(c)
	}
	for _, f := range facts {
		st.facts[f.ID] = f
	}
	for _, e := range edges {
		st.edges[edgeKeyOf(e)] = e
	}
	s.committed = st
}

type edgeKey struct{ source, target, relType string }

func edgeKeyOf(e memory.RelationshipEdge) edgeKey {
	return edgeKey{e.SourceID, e.TargetID, e.RelType}
}

type state struct {
	characters map[string]memory.Character
	facts      map[string]memory.FactNode
	edges      map[edgeKey]memory.RelationshipEdge
	turns      []memory.WorkingMemoryTurn
	ops        []memory.MemoryOperation
}

func newState() *state {
	return &state{
		characters: make(map[string]memory.Character),
		facts:      make(map[string]memory.FactNode),
		edges:      make(map[edgeKey]memory.RelationshipEdge),
	}
}

func (st *state) clone() *state {
	c := newState()
	for k, v := range st.characters {
		c.characters[k] = copyCharacter(v)
	}
	for k, v := range st.facts {
		c.facts[k] = v
	}
	for k, v := range st.edges {
		c.edges[k] = v
	}
	c.turns = slices.Clone(st.turns)
	c.ops = slices.Clone(st.ops)
	return c
}

func copyCharacter(c memory.Character) memory.Character {
	if c.Emotion != nil {
		e := *c.Emotion
		c.Emotion = &e
	}
	return c
}

// tx implements [memory.Tx] over one state copy.
type tx struct {
	store    *Store
	st       *state
	readOnly bool
}

var _ memory.Tx = (*tx)(nil)

func (t *tx) writable(method string, injected error) error {
	if injected != nil {
		return injected
	}
	if t.readOnly {
		return fmt.Errorf("mock store: %s in read-only view", method)
	}
	return nil
}

func (t *tx) GetCharacter(_ context.Context, id string) (*memory.Character, error) {
	t.store.record("GetCharacter", id)
	if t.store.ReadErr != nil {
		return nil, t.store.ReadErr
	}
	c, ok := t.st.characters[id]
	if !ok {
		return nil, nil
	}
	c = copyCharacter(c)
	return &c, nil
}

func (t *tx) FindFact(_ context.Context, entity, attribute string) (*memory.FactNode, error) {
	t.store.record("FindFact", entity, attribute)
	if t.store.ReadErr != nil {
		return nil, t.store.ReadErr
	}
	for _, f := range t.st.facts {
		if f.Entity == entity && f.Attribute == attribute {
			return &f, nil
		}
	}
	return nil, nil
}

func (t *tx) Characters(_ context.Context, f memory.CharacterFilter) ([]memory.Character, error) {
	t.store.record("Characters", f)
	if t.store.ReadErr != nil {
		return nil, t.store.ReadErr
	}
	out := []memory.Character{}
	for _, c := range t.st.characters {
		if len(f.IDs) > 0 && !slices.Contains(f.IDs, c.ID) {
			continue
		}
		out = append(out, copyCharacter(c))
	}
	slices.SortFunc(out, func(a, b memory.Character) int {
		return cmp.Or(b.LastUpdated.Compare(a.LastUpdated), cmp.Compare(a.ID, b.ID))
	})
	return limit(out, f.Limit), nil
}

func (t *tx) Facts(_ context.Context, f memory.FactFilter) ([]memory.FactNode, error) {
	t.store.record("Facts", f)
	if t.store.ReadErr != nil {
		return nil, t.store.ReadErr
	}
	out := []memory.FactNode{}
	for _, fact := range t.st.facts {
		if len(f.Entities) > 0 && !slices.Contains(f.Entities, fact.Entity) {
			continue
		}
		if len(f.IDs) > 0 && !slices.Contains(f.IDs, fact.ID) {
			continue
		}
		out = append(out, fact)
	}
	slices.SortFunc(out, func(a, b memory.FactNode) int {
		return cmp.Or(
			cmp.Compare(b.ImportanceScore, a.ImportanceScore),
			cmp.Compare(b.Confidence, a.Confidence),
			b.LastUpdated.Compare(a.LastUpdated),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return limit(out, f.Limit), nil
}

func (t *tx) Relationships(_ context.Context, f memory.RelationshipFilter) ([]memory.RelationshipEdge, error) {
	t.store.record("Relationships", f)
	if t.store.ReadErr != nil {
		return nil, t.store.ReadErr
	}
	out := []memory.RelationshipEdge{}
	if f.IsEmpty() {
		return out, nil
	}
	for _, e := range t.st.edges {
		if !slices.Contains(f.EntityIDs, e.SourceID) && !slices.Contains(f.EntityIDs, e.TargetID) {
			continue
		}
		if len(f.RelTypes) > 0 && !slices.Contains(f.RelTypes, e.RelType) {
			continue
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b memory.RelationshipEdge) int {
		return cmp.Or(
			cmp.Compare(b.Strength, a.Strength),
			cmp.Compare(b.Confidence, a.Confidence),
			b.UpdatedAt.Compare(a.UpdatedAt),
			cmp.Compare(a.SourceID, b.SourceID),
			cmp.Compare(a.TargetID, b.TargetID),
			cmp.Compare(a.RelType, b.RelType),
		)
	})
	return limit(out, f.Limit), nil
}

func (t *tx) SessionEntities(_ context.Context, sessionID string, n int) ([]string, error) {
	t.store.record("SessionEntities", sessionID, n)
	if t.store.ReadErr != nil {
		return nil, t.store.ReadErr
	}
	type touch struct {
		id string
		at int64
	}
	latest := map[string]int64{}
	bump := func(id string, at int64) {
		if id == "" {
			return
		}
		if prev, ok := latest[id]; !ok || at > prev {
			latest[id] = at
		}
	}
	for _, op := range t.st.ops {
		if op.SessionID == sessionID {
			bump(op.Entity, op.At.UnixNano())
		}
	}
	for _, turn := range t.st.turns {
		if turn.SessionID == sessionID {
			bump(turn.SpeakerID, turn.Timestamp.UnixNano())
			bump(turn.CharacterID, turn.Timestamp.UnixNano())
		}
	}
	touches := make([]touch, 0, len(latest))
	for id, at := range latest {
		touches = append(touches, touch{id, at})
	}
	slices.SortFunc(touches, func(a, b touch) int {
		return cmp.Or(cmp.Compare(b.at, a.at), cmp.Compare(a.id, b.id))
	})
	out := make([]string, 0, len(touches))
	for _, tc := range touches {
		out = append(out, tc.id)
	}
	return limit(out, n), nil
}

func (t *tx) UpsertCharacter(_ context.Context, c memory.Character) error {
	t.store.record("UpsertCharacter", c)
	if err := t.writable("UpsertCharacter", t.store.UpsertCharacterErr); err != nil {
		return err
	}
	if prev, ok := t.st.characters[c.ID]; ok && !prev.CreatedAt.IsZero() {
		c.CreatedAt = prev.CreatedAt
	}
	t.st.characters[c.ID] = copyCharacter(c)
	return nil
}

func (t *tx) InsertFact(_ context.Context, f memory.FactNode) error {
	t.store.record("InsertFact", f)
	if err := t.writable("InsertFact", t.store.InsertFactErr); err != nil {
		return err
	}
	if _, ok := t.st.facts[f.ID]; ok {
		return fmt.Errorf("mock store: duplicate fact id %q", f.ID)
	}
	for _, existing := range t.st.facts {
		if existing.Entity == f.Entity && existing.Attribute == f.Attribute {
			return fmt.Errorf("mock store: duplicate fact (%s, %s)", f.Entity, f.Attribute)
		}
	}
	t.st.facts[f.ID] = f
	return nil
}

func (t *tx) UpdateFact(_ context.Context, f memory.FactNode) error {
	t.store.record("UpdateFact", f)
	if err := t.writable("UpdateFact", t.store.UpdateFactErr); err != nil {
		return err
	}
	prev, ok := t.st.facts[f.ID]
	if !ok {
		return fmt.Errorf("mock store: fact %q not found", f.ID)
	}
	f.Entity, f.Attribute, f.CreatedAt = prev.Entity, prev.Attribute, prev.CreatedAt
	t.st.facts[f.ID] = f
	return nil
}

func (t *tx) UpsertRelationship(_ context.Context, e memory.RelationshipEdge) error {
	t.store.record("UpsertRelationship", e)
	if err := t.writable("UpsertRelationship", t.store.UpsertRelationshipErr); err != nil {
		return err
	}
	if prev, ok := t.st.edges[edgeKeyOf(e)]; ok && !prev.CreatedAt.IsZero() {
		e.CreatedAt = prev.CreatedAt
	}
	t.st.edges[edgeKeyOf(e)] = e
	return nil
}

func (t *tx) InsertTurn(_ context.Context, turn memory.WorkingMemoryTurn) error {
	t.store.record("InsertTurn", turn)
	if err := t.writable("InsertTurn", t.store.InsertTurnErr); err != nil {
		return err
	}
	for _, existing := range t.st.turns {
		if existing.ID == turn.ID {
			return fmt.Errorf("mock store: duplicate turn id %q", turn.ID)
		}
	}
	t.st.turns = append(t.st.turns, turn)
	return nil
}

func (t *tx) AppendOperation(_ context.Context, op memory.MemoryOperation) error {
	t.store.record("AppendOperation", op)
	if err := t.writable("AppendOperation", t.store.AppendOperationErr); err != nil {
		return err
	}
	t.st.ops = append(t.st.ops, op)
	return nil
}

func limit[T any](s []T, n int) []T {
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}

// ─────────────────────────────────────────────────────────────────────────────
// VectorIndex
// ─────────────────────────────────────────────────────────────────────────────

// VectorIndex is a configurable test double for [memory.VectorIndex]. Added
// embeddings are kept in Added; Search returns SearchResult verbatim.
type VectorIndex struct {
	recorder

	addedMu sync.Mutex
	added   map[string][]float32

	InitializeErr error
	AddErr        error
	SaveErr       error

	// SearchResult is returned by [VectorIndex.Search] when SearchErr is nil.
	// When zero, Search returns one empty row per query.
	SearchResult memory.SearchResult
	SearchErr    error
}

var _ memory.VectorIndex = (*VectorIndex)(nil)

// Initialize implements [memory.VectorIndex].
func (m *VectorIndex) Initialize(context.Context) error {
	m.record("Initialize")
	return m.InitializeErr
}

// Add implements [memory.VectorIndex].
func (m *VectorIndex) Add(_ context.Context, label string, embedding []float32) error {
	m.record("Add", label, embedding)
	if m.AddErr != nil {
		return m.AddErr
	}
	m.addedMu.Lock()
	defer m.addedMu.Unlock()
	if m.added == nil {
		m.added = make(map[string][]float32)
	}
	m.added[label] = slices.Clone(embedding)
	return nil
}

// Search implements [memory.VectorIndex].
func (m *VectorIndex) Search(_ context.Context, embeddings [][]float32, k int) (memory.SearchResult, error) {
	m.record("Search", embeddings, k)
	if m.SearchErr != nil {
		return memory.SearchResult{}, m.SearchErr
	}
	if m.SearchResult.Labels != nil {
		return m.SearchResult, nil
	}
	res := memory.SearchResult{
		Distances: make([][]float32, len(embeddings)),
		Labels:    make([][]string, len(embeddings)),
	}
	for i := range embeddings {
		res.Distances[i] = []float32{}
		res.Labels[i] = []string{}
	}
	return res, nil
}

// Save implements [memory.VectorIndex].
func (m *VectorIndex) Save(context.Context) error {
	m.record("Save")
	return m.SaveErr
}

// Len implements [memory.VectorIndex].
func (m *VectorIndex) Len() int {
	m.addedMu.Lock()
	defer m.addedMu.Unlock()
	return len(m.added)
}

// Added returns a copy of the embedding stored under label.
func (m *VectorIndex) Added(label string) ([]float32, bool) {
	m.addedMu.Lock()
	defer m.addedMu.Unlock()
	v, ok := m.added[label]
	return slices.Clone(v), ok
}
