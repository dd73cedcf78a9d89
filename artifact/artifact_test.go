package artifact

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseUserSpec(t *testing.T) {
	got := ParseUserSpec("alice=1000:staff=500")
	want := UserSpec{Name: "alice", UID: "1000", Group: "staff", GID: "500"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestParseUserSpecNoGroup(t *testing.T) {
	got := ParseUserSpec("bob")
	if got.Name != "bob" || got.Group != "" {
		t.Fatalf("got %+v", got)
	}
}

func TestFreshMissingArchive(t *testing.T) {
	dir := t.TempDir()
	fresh, err := Fresh(dir, "demo", "build", nil)
	if err != nil {
		t.Fatalf("Fresh: %v", err)
	}
	if fresh {
		t.Fatal("expected not-fresh for missing archive")
	}
}

func TestFreshNewerThanAllChecks(t *testing.T) {
	dir := t.TempDir()
	archive := PathFor(dir, "demo", "build")
	if err := os.WriteFile(archive, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := filepath.Join(dir, "old-driver")
	if err := os.WriteFile(old, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	fresh, err := Fresh(dir, "demo", "build", []string{old})
	if err != nil {
		t.Fatalf("Fresh: %v", err)
	}
	if !fresh {
		t.Fatal("expected fresh: archive newer than driver and config files")
	}
}

func TestFreshStaleAgainstNewerCheck(t *testing.T) {
	dir := t.TempDir()
	archive := PathFor(dir, "demo", "build")
	if err := os.WriteFile(archive, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(archive, past, past); err != nil {
		t.Fatal(err)
	}

	newer := filepath.Join(dir, "driver")
	if err := os.WriteFile(newer, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	fresh, err := Fresh(dir, "demo", "build", []string{newer})
	if err != nil {
		t.Fatalf("Fresh: %v", err)
	}
	if fresh {
		t.Fatal("expected stale: driver is newer than the archive")
	}
}

func TestConsumeMissingArchiveFails(t *testing.T) {
	dir := t.TempDir()
	err := Consume(dir, "demo", "demo_runtime", dir, []string{"build"}, "", "")
	if err == nil {
		t.Fatal("expected error for missing producer archive")
	}
}

func TestNewRunIDUnique(t *testing.T) {
	a := NewRunID()
	b := NewRunID()
	if a == b {
		t.Fatal("expected distinct run IDs")
	}
}
