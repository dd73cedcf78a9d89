package config

import (
	"os"
	"testing"
)

func TestExpansionConverges(t *testing.T) {
	c := New()
	if err := c.Init("demo", "", map[string]any{
		"alpine_version": "3.20",
		"image":          "docker://docker.io/alpine:[% alpine_version %]",
	}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	got, err := c.Get("image")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := "docker://docker.io/alpine:3.20"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExpansionFailsToConverge(t *testing.T) {
	c := New()
	if err := c.Init("demo", "", map[string]any{
		"a": "[% b %]",
		"b": "[% a %]",
	}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := c.Get("a"); err == nil {
		t.Fatal("expected expansion error for cyclic self-reference")
	}
}

func TestRequiredConfig(t *testing.T) {
	c := New()
	if err := c.Init("demo", "", map[string]any{"basename": "demo"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := c.Required("basename"); err != nil {
		t.Fatalf("Required: %v", err)
	}
	if err := c.Required("stages"); err == nil {
		t.Fatal("expected Required to fail for missing key")
	}
}

func TestInitWinsOverDataFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/demo.yml"
	if err := os.WriteFile(path, []byte("basename: fromfile\nextra: yes\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := New()
	if err := c.Init("demo", path, map[string]any{"basename": "frominit"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	got, err := c.Get("basename")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "frominit" {
		t.Fatalf("got %q, want init value to win", got)
	}
	if _, err := c.Get("extra"); err != nil {
		t.Fatalf("expected data-file-only key to survive merge: %v", err)
	}
}

func TestTimestampSharedAcrossReentry(t *testing.T) {
	c1 := New()
	if err := c1.Init("reentry", "", nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ts1, err := c1.Get("timestamp_str")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	c2 := New()
	if err := c2.Init("reentry", "", nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ts2, err := c2.Get("timestamp_str")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if ts1 != ts2 {
		t.Fatalf("inner-mode timestamp %v != outer-mode timestamp %v", ts2, ts1)
	}
}

func TestConfigFilesRecordsDataFilePath(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/demo.yml"
	if err := os.WriteFile(path, []byte("basename: demo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := New()
	if err := c.Init("demo", path, nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	got, err := c.Get("_config_files")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	seq, ok := got.([]any)
	if !ok || len(seq) != 1 || seq[0] != path {
		t.Fatalf("got %v, want [%q]", got, path)
	}
}

func TestConfigFilesEmptyWithoutDataFile(t *testing.T) {
	c := New()
	if err := c.Init("demo", "", map[string]any{"basename": "demo"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	got, err := c.Get("_config_files")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	seq, ok := got.([]any)
	if !ok || len(seq) != 0 {
		t.Fatalf("got %v, want empty slice", got)
	}
}

func TestNestedSequenceExpansion(t *testing.T) {
	c := New()
	if err := c.Init("demo", "", map[string]any{
		"tag": "v1",
		"tags": []any{
			"hello:[% tag %]",
			"static",
		},
	}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	got, err := c.Get("tags")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	seq, ok := got.([]any)
	if !ok || len(seq) != 2 {
		t.Fatalf("got %v", got)
	}
	if seq[0] != "hello:v1" {
		t.Fatalf("got %v", seq[0])
	}
}
