package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/memoria/pkg/affect"
	"github.com/MrWong99/memoria/pkg/memory"
	"github.com/MrWong99/memoria/pkg/memory/sqlite"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "db", "memoria.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustTx(t *testing.T, s memory.Store, fn func(ctx context.Context, tx memory.Tx) error) {
	t.Helper()
	if err := s.InTx(context.Background(), fn); err != nil {
		t.Fatalf("InTx: %v", err)
	}
}

func mustView(t *testing.T, s memory.Store, fn func(ctx context.Context, r memory.Reader) error) {
	t.Helper()
	if err := s.View(context.Background(), fn); err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestInTx_CommitAndRollback(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	boom := errors.New("boom")

	err := s.InTx(context.Background(), func(ctx context.Context, tx memory.Tx) error {
		if err := tx.UpsertCharacter(ctx, memory.Character{ID: "ghost", Name: "Ghost", CreatedAt: t0, LastUpdated: t0}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	mustTx(t, s, func(ctx context.Context, tx memory.Tx) error {
		return tx.UpsertCharacter(ctx, memory.Character{ID: "alice", Name: "Alice", CreatedAt: t0, LastUpdated: t0})
	})

	mustView(t, s, func(ctx context.Context, r memory.Reader) error {
		ghost, err := r.GetCharacter(ctx, "ghost")
		if err != nil || ghost != nil {
			t.Errorf("rolled back character = %v, %v", ghost, err)
		}
		alice, err := r.GetCharacter(ctx, "alice")
		if err != nil || alice == nil || alice.Name != "Alice" {
			t.Errorf("committed character = %v, %v", alice, err)
		}
		return nil
	})
}

func TestView_RejectsWrites(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	err := s.View(context.Background(), func(ctx context.Context, r memory.Reader) error {
		return r.(memory.Tx).InsertTurn(ctx, memory.WorkingMemoryTurn{ID: "t1", SessionID: "s1", Timestamp: t0})
	})
	if err == nil {
		t.Fatal("write inside View succeeded")
	}
}

func TestCharacter_RoundTrip(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	st, err := affect.New(affect.VAD{Valence: 0.3, Arousal: -0.2, Dominance: 0.1}, affect.Traits{Sensitivity: 0.7})
	if err != nil {
		t.Fatal(err)
	}
	mustTx(t, s, func(ctx context.Context, tx memory.Tx) error {
		return tx.UpsertCharacter(ctx, memory.Character{
			ID: "alice", Name: "Alice", EmotionalState: st.Current, Emotion: &st, CreatedAt: t0, LastUpdated: t0,
		})
	})
	later := t0.Add(90 * time.Minute)
	mustTx(t, s, func(ctx context.Context, tx memory.Tx) error {
		return tx.UpsertCharacter(ctx, memory.Character{
			ID: "alice", Name: "Alice", EmotionalState: st.Current, Emotion: &st, CreatedAt: later, LastUpdated: later,
		})
	})

	mustView(t, s, func(ctx context.Context, r memory.Reader) error {
		c, err := r.GetCharacter(ctx, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if c.EmotionalState != st.Current {
			t.Errorf("emotional state = %v, want %v", c.EmotionalState, st.Current)
		}
		if c.Emotion == nil || c.Emotion.Traits.Sensitivity != 0.7 || c.Emotion.Mode != affect.ModeNeutral {
			t.Errorf("emotion = %+v", c.Emotion)
		}
		if !c.CreatedAt.Equal(t0) || !c.LastUpdated.Equal(later) {
			t.Errorf("timestamps = (%v, %v)", c.CreatedAt, c.LastUpdated)
		}
		return nil
	})
}

func TestCharacters_FilterAndOrder(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	mustTx(t, s, func(ctx context.Context, tx memory.Tx) error {
		for i, id := range []string{"alice", "bob", "carol"} {
			at := t0.Add(time.Duration(i) * time.Minute)
			if err := tx.UpsertCharacter(ctx, memory.Character{ID: id, Name: id, CreatedAt: at, LastUpdated: at}); err != nil {
				return err
			}
		}
		return nil
	})

	mustView(t, s, func(ctx context.Context, r memory.Reader) error {
		all, err := r.Characters(ctx, memory.CharacterFilter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 3 || all[0].ID != "carol" || all[2].ID != "alice" {
			t.Errorf("order = %v", ids(all))
		}
		some, _ := r.Characters(ctx, memory.CharacterFilter{IDs: []string{"alice", "bob", "zed"}, Limit: 1})
		if len(some) != 1 || some[0].ID != "bob" {
			t.Errorf("filtered = %v, want [bob]", ids(some))
		}
		return nil
	})
}

func TestFacts_UniquenessUpdateAndOrder(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	mustTx(t, s, func(ctx context.Context, tx memory.Tx) error {
		for _, f := range []memory.FactNode{
			{ID: "f1", Entity: "alice", Attribute: "job", CurrentValue: "smith", Confidence: 0.5, ImportanceScore: 0.2, AssertionCount: 1, CreatedAt: t0, LastUpdated: t0},
			{ID: "f2", Entity: "alice", Attribute: "home", CurrentValue: "riverside", Confidence: 0.9, ImportanceScore: 0.8, AssertionCount: 1, CreatedAt: t0, LastUpdated: t0},
			{ID: "f3", Entity: "bob", Attribute: "home", CurrentValue: "hills", Confidence: 0.9, ImportanceScore: 0.8, AssertionCount: 1, CreatedAt: t0, LastUpdated: t0.Add(time.Second)},
		} {
			if err := tx.InsertFact(ctx, f); err != nil {
				return err
			}
		}
		return nil
	})

	err := s.InTx(context.Background(), func(ctx context.Context, tx memory.Tx) error {
		return tx.InsertFact(ctx, memory.FactNode{ID: "f9", Entity: "alice", Attribute: "job", CurrentValue: "x", CreatedAt: t0, LastUpdated: t0})
	})
	if err == nil {
		t.Error("second live fact for (alice, job) accepted")
	}

	mustTx(t, s, func(ctx context.Context, tx memory.Tx) error {
		f, err := tx.FindFact(ctx, "alice", "job")
		if err != nil || f == nil {
			return fmt.Errorf("FindFact = %v, %v", f, err)
		}
		f.CurrentValue, f.Confidence, f.AssertionCount, f.LastUpdated = "baker", 0.8, 2, t0.Add(time.Hour)
		return tx.UpdateFact(ctx, *f)
	})

	err = s.InTx(context.Background(), func(ctx context.Context, tx memory.Tx) error {
		return tx.UpdateFact(ctx, memory.FactNode{ID: "missing", LastUpdated: t0})
	})
	if err == nil {
		t.Error("update of a missing fact succeeded")
	}

	mustView(t, s, func(ctx context.Context, r memory.Reader) error {
		all, err := r.Facts(ctx, memory.FactFilter{})
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"f3", "f2", "f1"}
		for i, f := range all {
			if f.ID != want[i] {
				t.Errorf("facts[%d] = %s, want %s", i, f.ID, want[i])
			}
		}
		job, _ := r.FindFact(ctx, "alice", "job")
		if job.CurrentValue != "baker" || job.AssertionCount != 2 || !job.CreatedAt.Equal(t0) {
			t.Errorf("updated fact = %+v", job)
		}
		scoped, _ := r.Facts(ctx, memory.FactFilter{IDs: []string{"f1", "f3"}, Entities: []string{"bob"}})
		if len(scoped) != 1 || scoped[0].ID != "f3" {
			t.Errorf("ids AND entities = %+v", scoped)
		}
		missing, err := r.FindFact(ctx, "alice", "age")
		if err != nil || missing != nil {
			t.Errorf("FindFact(missing) = %v, %v", missing, err)
		}
		return nil
	})
}

func TestRelationships_UpsertAndFilter(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	mustTx(t, s, func(ctx context.Context, tx memory.Tx) error {
		for _, e := range []memory.RelationshipEdge{
			{SourceID: "alice", TargetID: "bob", RelType: "knows", Strength: 0.2, Confidence: 0.5, CreatedAt: t0, UpdatedAt: t0},
			{SourceID: "carol", TargetID: "alice", RelType: "trusts", Strength: 0.9, Confidence: 0.5, CreatedAt: t0, UpdatedAt: t0},
			{SourceID: "dave", TargetID: "erin", RelType: "knows", Strength: 1, Confidence: 1, CreatedAt: t0, UpdatedAt: t0},
		} {
			if err := tx.UpsertRelationship(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	later := t0.Add(time.Hour)
	mustTx(t, s, func(ctx context.Context, tx memory.Tx) error {
		return tx.UpsertRelationship(ctx, memory.RelationshipEdge{
			SourceID: "alice", TargetID: "bob", RelType: "knows", Strength: 0.95, Confidence: 0.6,
			SessionID: "s2", CreatedAt: later, UpdatedAt: later,
		})
	})

	mustView(t, s, func(ctx context.Context, r memory.Reader) error {
		rels, err := r.Relationships(ctx, memory.RelationshipFilter{EntityIDs: []string{"alice"}})
		if err != nil {
			t.Fatal(err)
		}
		if len(rels) != 2 {
			t.Fatalf("relationships = %+v", rels)
		}
		top := rels[0]
		if top.RelType != "knows" || top.Strength != 0.95 || top.SessionID != "s2" {
			t.Errorf("top edge = %+v", top)
		}
		if !top.CreatedAt.Equal(t0) || !top.UpdatedAt.Equal(later) {
			t.Errorf("edge timestamps = (%v, %v)", top.CreatedAt, top.UpdatedAt)
		}
		trusts, _ := r.Relationships(ctx, memory.RelationshipFilter{EntityIDs: []string{"alice"}, RelTypes: []string{"trusts"}})
		if len(trusts) != 1 || trusts[0].SourceID != "carol" {
			t.Errorf("typed = %+v", trusts)
		}
		none, err := r.Relationships(ctx, memory.RelationshipFilter{})
		if err != nil || none == nil || len(none) != 0 {
			t.Errorf("empty filter = %v, %v", none, err)
		}
		return nil
	})
}

func TestSessionEntities(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	mustTx(t, s, func(ctx context.Context, tx memory.Tx) error {
		for i, turn := range []memory.WorkingMemoryTurn{
			{ID: "t1", SessionID: "s1", SpeakerID: "alice", Text: "hello", Timestamp: t0},
			{ID: "t2", SessionID: "s1", SpeakerID: "", Text: "narration", Timestamp: t0.Add(time.Hour)},
			{ID: "t3", SessionID: "s2", SpeakerID: "zed", Text: "elsewhere", Timestamp: t0},
			{ID: "t4", SessionID: "s1", SpeakerID: "player", CharacterID: "dave", Text: "hi dave", Timestamp: t0.Add(30 * time.Second)},
		} {
			if err := tx.InsertTurn(ctx, turn); err != nil {
				return fmt.Errorf("turn %d: %w", i, err)
			}
		}
		for i, ent := range []string{"bob", "carol"} {
			if err := tx.AppendOperation(ctx, memory.MemoryOperation{
				ID: "op-" + ent, Kind: memory.OpCreate, FactID: "f-" + ent, Entity: ent, Attribute: "x",
				NewValue: "y", NewConfidence: 1, TurnID: "t1", SessionID: "s1",
				At: t0.Add(time.Duration(i+1) * time.Minute),
			}); err != nil {
				return err
			}
		}
		return nil
	})

	mustView(t, s, func(ctx context.Context, r memory.Reader) error {
		got, err := r.SessionEntities(ctx, "s1", 0)
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"carol", "bob", "dave", "player", "alice"}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("entities = %v, want %v", got, want)
		}
		capped, _ := r.SessionEntities(ctx, "s1", 2)
		if len(capped) != 2 {
			t.Errorf("capped = %v", capped)
		}
		unknown, err := r.SessionEntities(ctx, "nope", 5)
		if err != nil || unknown == nil || len(unknown) != 0 {
			t.Errorf("unknown session = %v, %v", unknown, err)
		}
		return nil
	})
}

func TestInTx_ConcurrentWritersSerialise(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	mustTx(t, s, func(ctx context.Context, tx memory.Tx) error {
		return tx.InsertFact(ctx, memory.FactNode{ID: "f1", Entity: "alice", Attribute: "visits", CurrentValue: "0", AssertionCount: 0, CreatedAt: t0, LastUpdated: t0})
	})

	const writers = 8
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(context.Background(), func(ctx context.Context, tx memory.Tx) error {
				f, err := tx.FindFact(ctx, "alice", "visits")
				if err != nil {
					return err
				}
				f.AssertionCount++
				return tx.UpdateFact(ctx, *f)
			})
			if err != nil {
				t.Errorf("InTx: %v", err)
			}
		}()
	}
	wg.Wait()

	mustView(t, s, func(ctx context.Context, r memory.Reader) error {
		f, _ := r.FindFact(ctx, "alice", "visits")
		if f.AssertionCount != writers {
			t.Errorf("assertion count = %d, want %d (lost update)", f.AssertionCount, writers)
		}
		return nil
	})
}

func TestInTx_PanicRollsBack(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected the callback panic to propagate")
			}
		}()
		_ = s.InTx(context.Background(), func(ctx context.Context, tx memory.Tx) error {
			if err := tx.InsertTurn(ctx, memory.WorkingMemoryTurn{ID: "t1", SessionID: "s1", SpeakerID: "alice", Text: "hi", Timestamp: t0}); err != nil {
				return err
			}
			panic("boom")
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.InTx(ctx, func(ctx context.Context, tx memory.Tx) error {
		return tx.InsertTurn(ctx, memory.WorkingMemoryTurn{ID: "t2", SessionID: "s1", SpeakerID: "bob", Text: "hi", Timestamp: t0})
	})
	if err != nil {
		t.Fatalf("InTx after panic: %v", err)
	}
	mustView(t, s, func(ctx context.Context, r memory.Reader) error {
		got, _ := r.SessionEntities(ctx, "s1", 0)
		if fmt.Sprint(got) != "[bob]" {
			t.Errorf("entities = %v, want only bob's committed turn", got)
		}
		return nil
	})
}

func TestOpen_UpgradesTurnsWithoutCharacterColumn(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "old.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.Exec(`
		CREATE TABLE turns (
			id                  TEXT PRIMARY KEY,
			session_id          TEXT NOT NULL,
			speaker_id          TEXT NOT NULL DEFAULT '',
			text                TEXT NOT NULL,
			timestamp           TEXT NOT NULL,
			significance_score  REAL NOT NULL DEFAULT 0
		);
		INSERT INTO turns (id, session_id, speaker_id, text, timestamp)
		VALUES ('t0', 's1', 'alice', 'before', '2026-03-01T11:00:00.000000000Z');`)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	s, err := sqlite.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	mustTx(t, s, func(ctx context.Context, tx memory.Tx) error {
		return tx.InsertTurn(ctx, memory.WorkingMemoryTurn{ID: "t1", SessionID: "s1", SpeakerID: "player", CharacterID: "bob", Text: "after", Timestamp: t0})
	})
	mustView(t, s, func(ctx context.Context, r memory.Reader) error {
		got, err := r.SessionEntities(ctx, "s1", 0)
		if err != nil {
			t.Fatal(err)
		}
		if want := "[bob player alice]"; fmt.Sprint(got) != want {
			t.Errorf("entities = %v, want %s", got, want)
		}
		return nil
	})

	// Reopening an upgraded database is a no-op.
	again, err := sqlite.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	again.Close()
}

func TestOpen_InMemory(t *testing.T) {
	t.Parallel()
	s, err := sqlite.Open(context.Background(), sqlite.MemoryPath)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	mustTx(t, s, func(ctx context.Context, tx memory.Tx) error {
		return tx.InsertTurn(ctx, memory.WorkingMemoryTurn{ID: "t1", SessionID: "s1", SpeakerID: "alice", Text: "hi", Timestamp: t0})
	})
	mustView(t, s, func(ctx context.Context, r memory.Reader) error {
		got, _ := r.SessionEntities(ctx, "s1", 0)
		if len(got) != 1 || got[0] != "alice" {
			t.Errorf("entities = %v", got)
		}
		return nil
	})
}

func ids(cs []memory.Character) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}
