package persistence

import (
	"testing"
)

type snapshot struct {
	Symbol string
	Count  int
}

func TestSaveLoadRoundTrip(t *testing.T) {
	svc := NewJSONFileService(t.TempDir())
	store := svc.NewStore("router", "pending")

	in := snapshot{Symbol: "RELIANCE", Count: 3}
	if err := store.Save(in); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	var out snapshot
	if err := store.Load(&out); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestLoadMissingReturnsErrNotExists(t *testing.T) {
	store := NewJSONFileService(t.TempDir()).NewStore("router", "pending")
	var out snapshot
	if err := store.Load(&out); err != ErrNotExists {
		t.Fatalf("expected ErrNotExists, got %v", err)
	}
}

func TestKeySanitized(t *testing.T) {
	svc := NewJSONFileService(t.TempDir())
	store := svc.NewStore("a/b", "c:d")
	if err := store.Save(snapshot{Symbol: "X"}); err != nil {
		t.Fatalf("save with unsafe key failed: %v", err)
	}
	var out snapshot
	if err := store.Load(&out); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if out.Symbol != "X" {
		t.Fatalf("round trip mismatch")
	}
}
