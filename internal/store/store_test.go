package store

import (
	"context"
	"fmt"
	"testing"
)

// openTestStore opens an in-memory SQLiteStore for use in tests.
func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func Test_Store_AppendAndRecent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, "sess-a", "what is the deadline?", "March 3rd"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(ctx, "sess-a", "who do I contact?", "ops@example.com"); err != nil {
		t.Fatalf("append: %v", err)
	}

	turns, err := s.Recent(ctx, "sess-a", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("want 2 turns, got %d", len(turns))
	}
	if turns[0].Question != "what is the deadline?" || turns[0].Answer != "March 3rd" {
		t.Errorf("turn[0]: got %q/%q", turns[0].Question, turns[0].Answer)
	}
	if turns[1].Question != "who do I contact?" {
		t.Errorf("turn[1]: got %q", turns[1].Question)
	}
}

func Test_Store_RecentLimitRespected(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for i := range 6 {
		if err := s.Append(ctx, "sess-b", fmt.Sprintf("q%d", i), "a"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	turns, err := s.Recent(ctx, "sess-b", 4)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 4 {
		t.Errorf("want 4 turns, got %d", len(turns))
	}
	// The tail is kept: q2..q5 in oldest-first order.
	if turns[0].Question != "q2" || turns[3].Question != "q5" {
		t.Errorf("want tail q2..q5, got %q..%q", turns[0].Question, turns[3].Question)
	}
}

func Test_Store_SessionIsolation(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, "sess-x", "from x", "a"); err != nil {
		t.Fatalf("append x: %v", err)
	}
	if err := s.Append(ctx, "sess-y", "from y", "a"); err != nil {
		t.Fatalf("append y: %v", err)
	}

	turnsX, err := s.Recent(ctx, "sess-x", 10)
	if err != nil {
		t.Fatalf("recent x: %v", err)
	}
	turnsY, err := s.Recent(ctx, "sess-y", 10)
	if err != nil {
		t.Fatalf("recent y: %v", err)
	}

	if len(turnsX) != 1 || turnsX[0].Question != "from x" {
		t.Errorf("session x isolation failed: got %v", turnsX)
	}
	if len(turnsY) != 1 || turnsY[0].Question != "from y" {
		t.Errorf("session y isolation failed: got %v", turnsY)
	}
}

func Test_Store_EmptySessionReturnsNil(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	turns, err := s.Recent(ctx, "sess-empty", 10)
	if err != nil {
		t.Fatalf("recent empty: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("want 0 turns, got %d", len(turns))
	}
}

func Test_Store_OldestFirstOrdering(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	questions := []string{"first", "second", "third"}
	for _, q := range questions {
		if err := s.Append(ctx, "sess-order", q, "a"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	turns, err := s.Recent(ctx, "sess-order", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	for i, want := range questions {
		if turns[i].Question != want {
			t.Errorf("turn[%d]: want %q, got %q", i, want, turns[i].Question)
		}
	}
}

func Test_Store_DeleteSession(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, "sess-del", "q", "a"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(ctx, "sess-keep", "q", "a"); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := s.DeleteSession(ctx, "sess-del"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	gone, err := s.Recent(ctx, "sess-del", 10)
	if err != nil {
		t.Fatalf("recent deleted: %v", err)
	}
	if len(gone) != 0 {
		t.Errorf("want 0 turns after delete, got %d", len(gone))
	}

	kept, err := s.Recent(ctx, "sess-keep", 10)
	if err != nil {
		t.Fatalf("recent kept: %v", err)
	}
	if len(kept) != 1 {
		t.Errorf("other session affected by delete: got %d turns", len(kept))
	}
}
