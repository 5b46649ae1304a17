package contextstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/botcore/internal/contextstore"
)

func TestUpsertAndGet(t *testing.T) {
	s := contextstore.New()
	s.Upsert("s1", "ns1", []byte(`{"a":1}`), time.Minute)

	got, err := s.Get("s1", "ns1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Fatalf("unexpected payload: %s", got)
	}
}

func TestGet_NotFoundWhenAbsent(t *testing.T) {
	s := contextstore.New()
	if _, err := s.Get("s1", "ns1"); err != contextstore.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGet_NotFoundWhenExpired(t *testing.T) {
	s := contextstore.New()
	s.Upsert("s1", "ns1", []byte(`{}`), time.Nanosecond)
	time.Sleep(time.Millisecond)

	if _, err := s.Get("s1", "ns1"); err != contextstore.ErrNotFound {
		t.Fatalf("expected ErrNotFound for expired document, got %v", err)
	}
}

func TestUpsert_ReplacesWholeDocumentAndResetsExpiry(t *testing.T) {
	s := contextstore.New()
	s.Upsert("s1", "ns1", []byte(`{"a":1}`), time.Nanosecond)
	time.Sleep(time.Millisecond)
	s.Upsert("s1", "ns1", []byte(`{"b":2}`), time.Minute)

	got, err := s.Get("s1", "ns1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"b":2}` {
		t.Fatalf("expected replaced payload, got %s", got)
	}
}

func TestDelete(t *testing.T) {
	s := contextstore.New()
	s.Upsert("s1", "ns1", []byte(`{}`), time.Minute)
	s.Delete("s1", "ns1")

	if _, err := s.Get("s1", "ns1"); err != contextstore.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSweep_RemovesOnlyExpiredEntries(t *testing.T) {
	s := contextstore.New()
	s.Upsert("s1", "expired", []byte(`{}`), time.Nanosecond)
	s.Upsert("s1", "fresh", []byte(`{}`), time.Minute)
	time.Sleep(time.Millisecond)

	removed, err := s.Sweep(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := s.Get("s1", "fresh"); err != nil {
		t.Fatalf("expected fresh entry to survive sweep, got %v", err)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s := contextstore.New()
	s.Upsert("s1", "ns1", []byte(`{"a":1}`), time.Minute)
	s.Upsert("s1", "ns2", []byte(`{"a":2}`), time.Minute)

	a, _ := s.Get("s1", "ns1")
	b, _ := s.Get("s1", "ns2")
	if string(a) == string(b) {
		t.Fatal("expected distinct namespaces to hold distinct payloads")
	}
}

func TestSessionIsolation(t *testing.T) {
	s := contextstore.New()
	s.Upsert("s1", "ns1", []byte(`{"a":1}`), time.Minute)

	if _, err := s.Get("s2", "ns1"); err != contextstore.ErrNotFound {
		t.Fatalf("expected ErrNotFound for different session_id, got %v", err)
	}
}
