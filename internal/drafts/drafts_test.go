package drafts

import (
	"context"
	"sort"
	"testing"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if got, err := s.Get(ctx, "u1", "c1"); err != nil || got != "" {
		t.Fatalf("empty get = %q, %v", got, err)
	}
	if err := s.Set(ctx, "u1", "c1", "hello"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "u2", "c1", "other user"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := s.Get(ctx, "u1", "c1"); got != "hello" {
		t.Fatalf("get = %q, want hello", got)
	}
	if err := s.Set(ctx, "u1", "c1", ""); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got, _ := s.Get(ctx, "u1", "c1"); got != "" {
		t.Fatalf("cleared draft = %q", got)
	}
	if got, _ := s.Get(ctx, "u2", "c1"); got != "other user" {
		t.Fatalf("drafts leaked across users: %q", got)
	}
	if err := s.Delete(ctx, "u2", "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "u2", "missing"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestPebbleStore(t *testing.T) {
	s, err := OpenPebble(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestPebbleStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenPebble(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Set(ctx, "u1", "dm:u9", "half typed")
	s.Set(ctx, "u1", "c2", "another")
	s.Set(ctx, "u10", "c3", "prefix neighbour")
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = OpenPebble(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	if got, _ := s.Get(ctx, "u1", "dm:u9"); got != "half typed" {
		t.Fatalf("after reopen = %q", got)
	}
	keys, err := s.Keys("u1")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "c2" || keys[1] != "dm:u9" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestRedisDraftKey(t *testing.T) {
	if got := redisDraftKey("u1", "dm:u2"); got != "kronos:draft:u1:dm:u2" {
		t.Fatalf("key = %q", got)
	}
}
