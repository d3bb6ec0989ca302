package persist

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStore_GetMissingReturnsErrNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "flags", "current", ScopeArena, "arena1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_SetThenGetRoundTrips(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	want := []byte{1, 2, 3, 4}
	if err := s.Set(ctx, "flags", "current", ScopeArena, "arena1", want); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "flags", "current", ScopeArena, "arena1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestMemoryStore_ScopesAndArenasAreIndependent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Set(ctx, "flags", "current", ScopeArena, "arena1", []byte("a1"))
	s.Set(ctx, "flags", "current", ScopeArena, "arena2", []byte("a2"))
	s.Set(ctx, "flags", "current", ScopeGlobal, "", []byte("global"))

	got1, _ := s.Get(ctx, "flags", "current", ScopeArena, "arena1")
	got2, _ := s.Get(ctx, "flags", "current", ScopeArena, "arena2")
	gotG, _ := s.Get(ctx, "flags", "current", ScopeGlobal, "")

	if string(got1) != "a1" || string(got2) != "a2" || string(gotG) != "global" {
		t.Fatalf("cross-contamination: %s %s %s", got1, got2, gotG)
	}
}

func TestMemoryStore_SetOverwritesPreviousValue(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Set(ctx, "flags", "current", ScopeArena, "arena1", []byte("old"))
	s.Set(ctx, "flags", "current", ScopeArena, "arena1", []byte("new"))
	got, _ := s.Get(ctx, "flags", "current", ScopeArena, "arena1")
	if string(got) != "new" {
		t.Fatalf("expected overwrite, got %s", got)
	}
}
