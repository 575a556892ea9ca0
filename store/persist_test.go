package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kvmesh/kvmesh/typedesc"
)

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.hash")

	s := New[int, int](typedesc.Int, typedesc.Int)
	for i := 1; i <= 6; i++ {
		s.Set(i, i*10)
	}
	if !s.Save(path) {
		t.Fatal("Save failed")
	}

	s2 := New[int, int](typedesc.Int, typedesc.Int)
	if !s2.Load(path) {
		t.Fatal("Load failed")
	}
	if s2.Count() != 6 {
		t.Fatalf("Count() = %d, want 6", s2.Count())
	}
	for i := 1; i <= 6; i++ {
		var v int
		if !s2.Get(i, &v) || v != i*10 {
			t.Fatalf("Get(%d) = %d, want %d", i, v, i*10)
		}
	}
}

func TestSnapshotLoadRejectsMismatchedIdentity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.hash")

	s := New[int, int](typedesc.Int, typedesc.Int)
	for i := 1; i <= 6; i++ {
		s.Set(i, i)
	}
	if !s.Save(path) {
		t.Fatal("Save failed")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4 && i < len(b); i++ {
		b[i] ^= 0xFF
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}

	s2 := New[int, int](typedesc.Int, typedesc.Int)
	if s2.Load(path) {
		t.Fatal("Load should fail after corrupting the identity header")
	}
}

func TestSnapshotLoadMissingFile(t *testing.T) {
	s := New[int, int](typedesc.Int, typedesc.Int)
	if s.Load("/nonexistent/path/does/not/exist.hash") {
		t.Fatal("Load should fail for a missing file")
	}
}
