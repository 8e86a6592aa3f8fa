package memorystore

import (
	"context"
	"errors"
	"testing"
)

func collect(t *testing.T, s *Store, sessionID, lastEventID string) (ids []string, payloads []string) {
	t.Helper()
	err := s.ReplayAfter(context.Background(), sessionID, lastEventID, func(_ context.Context, eventID string, data []byte) error {
		ids = append(ids, eventID)
		payloads = append(payloads, string(data))
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to replay: %v", err)
	}
	return ids, payloads
}

func TestStore_AppendReplay(t *testing.T) {
	s := New()
	ctx := context.Background()

	id1, err := s.Append(ctx, "sess", []byte(`{"jsonrpc":"2.0","method":"a"}`))
	if err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if id1 == "" {
		t.Fatal("Expected non-empty event ID")
	}
	id2, err := s.Append(ctx, "sess", []byte(`{"jsonrpc":"2.0","method":"b"}`))
	if err != nil {
		t.Fatalf("Failed to append second event: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("Expected distinct event IDs, got %q twice", id1)
	}

	ids, payloads := collect(t, s, "sess", "")
	if want, got := 2, len(ids); want != got {
		t.Fatalf("Expected %d events, got %d", want, got)
	}
	if want, got := `{"jsonrpc":"2.0","method":"a"}`, payloads[0]; want != got {
		t.Fatalf("Expected first payload %q, got %q", want, got)
	}

	ids, _ = collect(t, s, "sess", id1)
	if want, got := 1, len(ids); want != got {
		t.Fatalf("Expected %d events after %q, got %d", want, id1, got)
	}
	if want, got := id2, ids[0]; want != got {
		t.Fatalf("Expected event ID %q, got %q", want, got)
	}
}

func TestStore_ReplayUnknownIDReplaysWindow(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, m := range []string{"a", "b", "c"} {
		if _, err := s.Append(ctx, "sess", []byte(m)); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	ids, _ := collect(t, s, "sess", "no-such-id")
	if want, got := 3, len(ids); want != got {
		t.Fatalf("Expected the full window (%d events), got %d", want, got)
	}
}

func TestStore_ReplayUnknownSession(t *testing.T) {
	s := New()
	ids, _ := collect(t, s, "never-seen", "")
	if len(ids) != 0 {
		t.Fatalf("Expected no events for unknown session, got %d", len(ids))
	}
}

func TestStore_BoundedRetention(t *testing.T) {
	s := NewWithLimit(3)
	ctx := context.Background()

	for _, m := range []string{"a", "b", "c", "d", "e"} {
		if _, err := s.Append(ctx, "sess", []byte(m)); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	_, payloads := collect(t, s, "sess", "")
	if want, got := 3, len(payloads); want != got {
		t.Fatalf("Expected retention bound of %d, got %d events", want, got)
	}
	if want, got := "c", payloads[0]; want != got {
		t.Fatalf("Expected oldest retained payload %q, got %q", want, got)
	}
	if want, got := "e", payloads[2]; want != got {
		t.Fatalf("Expected newest retained payload %q, got %q", want, got)
	}
}

func TestStore_ReplayStopsOnCallbackError(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, m := range []string{"a", "b"} {
		if _, err := s.Append(ctx, "sess", []byte(m)); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	sentinel := errors.New("stop")
	calls := 0
	err := s.ReplayAfter(ctx, "sess", "", func(_ context.Context, _ string, _ []byte) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Expected callback error to propagate, got %v", err)
	}
	if want, got := 1, calls; want != got {
		t.Fatalf("Expected replay to stop after %d call, got %d", want, got)
	}
}

func TestStore_Drop(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.Append(ctx, "sess", []byte("a")); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if err := s.Drop(ctx, "sess"); err != nil {
		t.Fatalf("Failed to drop: %v", err)
	}

	ids, _ := collect(t, s, "sess", "")
	if len(ids) != 0 {
		t.Fatalf("Expected no events after drop, got %d", len(ids))
	}

	// A session appended after a drop starts a fresh id sequence.
	id, err := s.Append(ctx, "sess", []byte("b"))
	if err != nil {
		t.Fatalf("Failed to append after drop: %v", err)
	}
	if want, got := "1", id; want != got {
		t.Fatalf("Expected fresh sequence to restart at %q, got %q", want, got)
	}
}
