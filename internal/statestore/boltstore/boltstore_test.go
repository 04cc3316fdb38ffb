package boltstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "controlplane.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.Put(ctx, "task:t1", []byte("payload"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, ok, err := s.Get(ctx, "task:t1")
	if err != nil || !ok {
		t.Fatalf("get: %v ok=%v", err, ok)
	}
	if string(v) != "payload" {
		t.Fatalf("unexpected value %s", v)
	}
}

func TestDeleteRemovesKeyAndTTL(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_ = s.Put(ctx, "worker:w1", []byte("x"), time.Minute)
	if err := s.Delete(ctx, "worker:w1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, _ := s.Get(ctx, "worker:w1")
	if ok {
		t.Fatalf("expected key removed")
	}
}

func TestListByPrefix(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_ = s.Put(ctx, "task:t1", []byte("1"), 0)
	_ = s.Put(ctx, "task:t2", []byte("2"), 0)
	_ = s.Put(ctx, "worker:w1", []byte("3"), 0)
	got, err := s.ListByPrefix(ctx, "task:")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 task entries, got %d", len(got))
	}
}

func TestTTLExpiryPurgesOnRead(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.Put(ctx, "task:ephemeral", []byte("x"), 10*time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	_, ok, err := s.Get(ctx, "task:ephemeral")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected key to have expired")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "controlplane.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Put(ctx, "task:t1", []byte("payload"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	v, ok, err := s2.Get(ctx, "task:t1")
	if err != nil || !ok {
		t.Fatalf("get after reopen: %v ok=%v", err, ok)
	}
	if string(v) != "payload" {
		t.Fatalf("unexpected value %s", v)
	}
}
