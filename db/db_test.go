package db

import (
	"bytes"
	"testing"
)

func TestMemoryDBBasicOps(t *testing.T) {
	store := NewMemoryDB()
	key, value := []byte("k"), []byte("v")

	if _, err := store.Get(key); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Put(key, value); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	got, err := store.Get(key)
	if err != nil || !bytes.Equal(got, value) {
		t.Fatalf("get: have %q err=%v", got, err)
	}
	ok, err := store.Has(key)
	if err != nil || !ok {
		t.Fatalf("has: have %v err=%v", ok, err)
	}

	// The returned slice is a copy; mutating it does not affect the
	// stored value.
	got[0] = 'x'
	again, _ := store.Get(key)
	if !bytes.Equal(again, value) {
		t.Fatalf("stored value aliased by reader")
	}

	if err := store.Delete(key); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Get(key); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
