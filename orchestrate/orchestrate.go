// Package orchestrate implements the top-level driver: argument-resolved
// entry into either outer mode (plans and sequences stages, creating and
// re-entering each stage's container) or inner mode (the re-executed self,
// already inside a stage's mount namespace, that does the actual build
// work).
package orchestrate

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ikluft/container-buildah/artifact"
	"github.com/ikluft/container-buildah/builder"
	"github.com/ikluft/container-buildah/config"
	"github.com/ikluft/container-buildah/plan"
	"github.com/ikluft/container-buildah/runner"
	"github.com/ikluft/container-buildah/stage"
)

// mountEnvVar is the environment variable the outer driver sets when
// entering a stage's namespace, carried through "buildah unshare --mount",
// by which the inner process learns its container's mount point. Named
// BUILDAHUTIL_MOUNT for compatibility, per the glossary.
const mountEnvVar = "BUILDAHUTIL_MOUNT"

// ErrConfig marks a configuration-shape error discovered at orchestration
// time (not already caught by package config/stage).
var ErrConfig = errors.New("orchestrate: configuration error")

// Options are the orchestrator's own resolved CLI flags (§4.H / §6);
// cmd/buildahutil's kong CLI parses the raw flags and constructs this.
type Options struct {
	// Debug is the verbosity level; 0 is silent.
	Debug int
	// Internal, if non-empty, names the stage this invocation should run in
	// inner mode for. Empty means outer mode.
	Internal string
	// DriverPath overrides the self-executable path used for re-entry and
	// the freshness gate; empty resolves via os.Executable.
	DriverPath string
}

// Run dispatches to inner or outer mode based on opts.Internal.
func Run(cfg *config.Config, opts Options) error {
	basename, err := getBasename(cfg)
	if err != nil {
		return err
	}
	cfg.SetDebug(opts.Debug)

	if opts.Internal != "" {
		return runInner(cfg, basename, opts)
	}
	return runOuter(cfg, basename, opts)
}

func getBasename(cfg *config.Config) (string, error) {
	if err := cfg.Required("basename", "stages"); err != nil {
		return "", err
	}
	v, err := cfg.Get("basename")
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: basename must be a non-empty string", ErrConfig)
	}
	return s, nil
}

func resolveDriverPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("%w: resolving own executable path: %v", ErrConfig, err)
	}
	return exe, nil
}

// runInner runs already inside the stage's mount namespace: func_deps,
// consume, func_exec, produce, in that fixed order (§5(ii)).
func runInner(cfg *config.Config, basename string, opts Options) error {
	mountPoint := os.Getenv(mountEnvVar)
	if mountPoint == "" {
		return fmt.Errorf("%w: %s not set; inner mode must be entered via \"buildah unshare\"", ErrConfig, mountEnvVar)
	}

	h, err := stage.New(cfg, basename, opts.Internal)
	if err != nil {
		return err
	}
	h.SetMountPoint(mountPoint)

	if depsFn, ok := h.GetFuncDeps(); ok {
		if err := depsFn(h); err != nil {
			return fmt.Errorf("stage %q func_deps: %w", h.Name(), err)
		}
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	userField, _ := h.GetUser()
	userHome, _ := h.GetUserHome()
	if err := artifact.Consume(workDir, basename, h.ContainerName(), mountPoint, h.GetConsumes(), userField, userHome); err != nil {
		return fmt.Errorf("stage %q consume: %w", h.Name(), err)
	}

	execFn, err := h.GetFuncExec()
	if err != nil {
		return err
	}
	if err := execFn(h); err != nil {
		return fmt.Errorf("stage %q func_exec: %w", h.Name(), err)
	}

	if err := artifact.Produce(workDir, basename, h.Name(), mountPoint, h.GetProduces()); err != nil {
		return fmt.Errorf("stage %q produce: %w", h.Name(), err)
	}
	return nil
}

// runOuter plans the stage order and sequences stage dispatch.
func runOuter(cfg *config.Config, basename string, opts Options) error {
	stagesRaw, err := cfg.Get("stages")
	if err != nil {
		return err
	}
	stagesMap, ok := stagesRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: stages must be a mapping", ErrConfig)
	}

	handles := make(map[string]*stage.Handle, len(stagesMap))
	graph := make(plan.Graph, len(stagesMap))
	for name := range stagesMap {
		h, err := stage.New(cfg, basename, name)
		if err != nil {
			return err
		}
		handles[name] = h
		deps := append(append([]string{}, h.GetConsumes()...), h.GetDepends()...)
		graph[name] = deps
	}

	order, err := plan.Order(graph)
	if err != nil {
		return err
	}
	if len(order.Order) == 0 {
		return nil
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	driverPath, err := resolveDriverPath(opts.DriverPath)
	if err != nil {
		return err
	}

	runID := artifact.NewRunID()
	slog.Info("starting run", "basename", basename, "run_id", runID, "stages", len(order.Order))
	var configFiles []string
	if v, err := cfg.Get("_config_files"); err == nil {
		configFiles = toStringSlice(v)
	}

	tsVal, err := cfg.Get("timestamp_str")
	if err != nil {
		return err
	}
	timestamp, _ := tsVal.(string)
	logRoot := "log-" + basename
	tsDir := filepath.Join(logRoot, timestamp)
	if err := os.MkdirAll(tsDir, 0o755); err != nil {
		return fmt.Errorf("%w: creating log directory: %v", ErrConfig, err)
	}
	currentLink := filepath.Join(logRoot, "current")
	_ = os.Remove(currentLink)
	_ = os.Symlink(timestamp, currentLink)

	for _, name := range order.Order {
		h := handles[name]
		if err := dispatchStage(h, basename, workDir, driverPath, tsDir, configFiles, opts.Debug); err != nil {
			return fmt.Errorf("%s failed (run %s): %w", basename, runID, err)
		}
	}
	slog.Info("run complete", "basename", basename, "run_id", runID)
	return nil
}

// dispatchStage runs the outer-mode lifecycle for one stage: freshness
// gate, stale-container cleanup, container creation, namespace re-entry, and
// commit/tag — all under per-stage log redirection that is restored on every
// exit path, including failure. Each stage has one log file,
// log-<basename>/<timestamp>/<stage>; the inner re-execution opens no log
// file of its own, and its output reaches this one through the streams it
// inherits from the unshare child.
func dispatchStage(h *stage.Handle, basename, workDir, driverPath, tsDir string, configFiles []string, debug int) (err error) {
	logPath := filepath.Join(tsDir, h.Name())
	logWriter := &lumberjack.Logger{Filename: logPath, MaxSize: 50, MaxBackups: 3}
	defer logWriter.Close()

	prevOut, prevErr := runner.SetOutputs(logWriter, logWriter)
	defer runner.SetOutputs(prevOut, prevErr)

	produces := h.GetProduces()
	if len(produces) > 0 {
		checkAgainst := append([]string{driverPath}, configFiles...)
		fresh, ferr := artifact.Fresh(workDir, basename, h.Name(), checkAgainst)
		if ferr != nil {
			return ferr
		}
		if fresh {
			slog.Info("stage up-to-date, skipping", "stage", h.Name())
			return nil
		}
	}

	if _, rmErr := builder.Rm(map[string]any{}, h.ContainerName()); rmErr != nil {
		slog.Debug("no stale container to remove", "stage", h.Name(), "error", rmErr)
	}

	from, err := h.GetFrom()
	if err != nil {
		return err
	}
	if _, err := builder.From(map[string]any{"name": h.ContainerName()}, from); err != nil {
		return fmt.Errorf("creating container for stage %q: %w", h.Name(), err)
	}

	innerArgv := []string{driverPath, "--internal=" + h.Name()}
	if debug > 0 {
		innerArgv = append(innerArgv, fmt.Sprintf("--debug=%d", debug))
	}
	if _, err := builder.Unshare(map[string]any{
		"container": h.ContainerName(),
		"envname":   mountEnvVar,
	}, innerArgv...); err != nil {
		return fmt.Errorf("running stage %q inside namespace: %w", h.Name(), err)
	}

	if commits, ok, err := h.GetCommit(); err != nil {
		return err
	} else if ok && len(commits) > 0 {
		c := builder.NewContainer(h.ContainerName())
		if _, err := c.Commit(map[string]any{}, commits[0]); err != nil {
			return fmt.Errorf("committing stage %q: %w", h.Name(), err)
		}
		if len(commits) > 1 {
			if _, err := builder.Tag(map[string]any{"image": commits[0]}, commits[1:]...); err != nil {
				return fmt.Errorf("tagging stage %q: %w", h.Name(), err)
			}
		}
	}

	if _, err := builder.Rm(map[string]any{}, h.ContainerName()); err != nil {
		return fmt.Errorf("removing container for stage %q: %w", h.Name(), err)
	}
	return nil
}

func toStringSlice(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	default:
		return nil
	}
}
