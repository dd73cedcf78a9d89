package stage

import (
	"testing"

	"github.com/ikluft/container-buildah/config"
)

func newTestConfig(t *testing.T, stages map[string]any) *config.Config {
	t.Helper()
	c := config.New()
	if err := c.Init("hello", "", map[string]any{
		"basename": "hello",
		"stages":   stages,
	}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return c
}

func TestNewRequiresFromAndFuncExec(t *testing.T) {
	c := newTestConfig(t, map[string]any{
		"build": map[string]any{
			"from": "img",
		},
	})
	if _, err := New(c, "hello", "build"); err == nil {
		t.Fatal("expected error: missing func_exec")
	}
}

func TestNewAndAccessors(t *testing.T) {
	var called ExecFunc = func(h *Handle) error { return nil }
	c := newTestConfig(t, map[string]any{
		"build": map[string]any{
			"from":      "img",
			"func_exec": called,
			"produces":  []any{"/opt/hello-bin"},
			"commit":    []any{"hello:v1"},
		},
	})
	h, err := New(c, "hello", "build")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if h.ContainerName() != "hello_build" {
		t.Fatalf("got container name %q", h.ContainerName())
	}
	if h.InNamespace() {
		t.Fatal("expected not in namespace before SetMountPoint")
	}
	h.SetMountPoint("/mnt/x")
	if !h.InNamespace() || h.MountPoint() != "/mnt/x" {
		t.Fatal("SetMountPoint did not take effect")
	}
	from, err := h.GetFrom()
	if err != nil || from != "img" {
		t.Fatalf("GetFrom: %v, %v", from, err)
	}
	produces := h.GetProduces()
	if len(produces) != 1 || produces[0] != "/opt/hello-bin" {
		t.Fatalf("got produces %v", produces)
	}
	commit, ok, err := h.GetCommit()
	if err != nil || !ok || len(commit) != 1 || commit[0] != "hello:v1" {
		t.Fatalf("got commit %v, %v, %v", commit, ok, err)
	}
	if _, ok := h.GetFuncDeps(); ok {
		t.Fatal("expected no func_deps configured")
	}
	fn, err := h.GetFuncExec()
	if err != nil {
		t.Fatalf("GetFuncExec: %v", err)
	}
	if err := fn(h); err != nil {
		t.Fatalf("func_exec: %v", err)
	}
}

func TestConsumesScalarAsOneElementSequence(t *testing.T) {
	c := newTestConfig(t, map[string]any{
		"runtime": map[string]any{
			"from":      "img",
			"func_exec": ExecFunc(func(h *Handle) error { return nil }),
			"consumes":  "build",
		},
	})
	h, err := New(c, "hello", "runtime")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := h.GetConsumes()
	if len(got) != 1 || got[0] != "build" {
		t.Fatalf("got %v", got)
	}
}
