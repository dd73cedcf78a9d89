// Package stage models a single pipeline stage: the per-invocation handle
// carrying its resolved configuration, container name, and (when running
// inside the mount namespace) the mount point of the builder's working
// container.
package stage

import (
	"errors"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/ikluft/container-buildah/config"
)

// ErrMissingField marks a malformed stage configuration.
var ErrMissingField = errors.New("stage: missing or malformed field")

// ExecFunc is the in-namespace build callback a stage runs: func_exec.
type ExecFunc func(h *Handle) error

// DepsFunc is the pre-consume callback a stage may run: func_deps.
type DepsFunc func(h *Handle) error

// Handle is the runtime-only per-stage-per-invocation object. container_name
// is stable across the outer and inner runs of the same stage; mount_point
// is present only when running inside the namespace.
type Handle struct {
	name          string
	basename      string
	cfg           *config.Config
	containerName string
	mountPoint    string
}

// New constructs a handle for stage name. It is an orchestrator-only
// operation: user stage callbacks receive a *Handle, they never construct
// one.
//
// The configuration tree must contain stages.<name> as a mapping with at
// least "from" and "func_exec"; New fails otherwise.
func New(cfg *config.Config, basename, name string) (*Handle, error) {
	if err := cfg.Required("stages"); err != nil {
		return nil, err
	}
	if _, err := cfg.Get("stages", name, "from"); err != nil {
		return nil, fmt.Errorf("%w: stage %q: %v", ErrMissingField, name, err)
	}
	if _, err := cfg.Get("stages", name, "func_exec"); err != nil {
		return nil, fmt.Errorf("%w: stage %q: %v", ErrMissingField, name, err)
	}
	return &Handle{
		name:          name,
		basename:      basename,
		cfg:           cfg,
		containerName: basename + "_" + name,
	}, nil
}

// SetMountPoint records the host path at which the builder has mounted this
// stage's working container root. Called only by the inner-mode
// orchestrator after entering the namespace.
func (h *Handle) SetMountPoint(path string) { h.mountPoint = path }

// Name returns the stage's configuration key.
func (h *Handle) Name() string { return h.name }

// ContainerName returns basename_name, stable across outer and inner runs.
func (h *Handle) ContainerName() string { return h.containerName }

// MountPoint returns the namespace mount point, or "" if not inside the
// namespace.
func (h *Handle) MountPoint() string { return h.mountPoint }

// InNamespace reports whether MountPoint is populated.
func (h *Handle) InNamespace() bool { return h.mountPoint != "" }

func (h *Handle) get(field string) (any, bool) {
	v, err := h.cfg.Get("stages", h.name, field)
	if err != nil {
		return nil, false
	}
	return v, true
}

// GetFrom returns the stage's required base image reference, validated as a
// well-formed image reference (registry/repository[:tag|@digest]).
func (h *Handle) GetFrom() (string, error) {
	v, ok := h.get("from")
	if !ok {
		return "", fmt.Errorf("%w: stage %q has no from", ErrMissingField, h.name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: stage %q from is not a string", ErrMissingField, h.name)
	}
	if err := validateImageRef(s); err != nil {
		return "", fmt.Errorf("%w: stage %q from: %v", ErrMissingField, h.name, err)
	}
	return s, nil
}

// validateImageRef rejects a malformed image reference before it ever
// reaches the builder subcommand wrappers. Scheme-prefixed references
// ("docker://...", "docker-daemon:...") are the builder's own transport
// selectors, not go-containerregistry's concern, and are passed through
// unchecked.
func validateImageRef(ref string) error {
	for _, scheme := range []string{"docker://", "docker-daemon:", "oci:", "oci-archive:", "dir:"} {
		if len(ref) >= len(scheme) && ref[:len(scheme)] == scheme {
			return nil
		}
	}
	_, err := name.ParseReference(ref)
	return err
}

// GetFuncExec returns the stage's required in-namespace build callback.
func (h *Handle) GetFuncExec() (ExecFunc, error) {
	v, ok := h.get("func_exec")
	if !ok {
		return nil, fmt.Errorf("%w: stage %q has no func_exec", ErrMissingField, h.name)
	}
	fn, ok := v.(ExecFunc)
	if !ok {
		return nil, fmt.Errorf("%w: stage %q func_exec is not a stage.ExecFunc", ErrMissingField, h.name)
	}
	return fn, nil
}

// GetFuncDeps returns the stage's optional pre-consume callback, and whether
// one was configured.
func (h *Handle) GetFuncDeps() (DepsFunc, bool) {
	v, ok := h.get("func_deps")
	if !ok {
		return nil, false
	}
	fn, ok := v.(DepsFunc)
	return fn, ok
}

// GetConsumes returns the stage names whose archives this stage imports.
func (h *Handle) GetConsumes() []string { return h.stringSeq("consumes") }

// GetDepends returns the stage's ordering-only dependencies.
func (h *Handle) GetDepends() []string { return h.stringSeq("depends") }

// GetProduces returns the absolute directory paths archived at stage end.
func (h *Handle) GetProduces() []string { return h.stringSeq("produces") }

func (h *Handle) stringSeq(field string) []string {
	v, ok := h.get(field)
	if !ok {
		return nil
	}
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
	case string:
		return []string{t}
	default:
		return nil
	}
}

// GetCommit returns the image name(s) this stage's container should be
// committed to, and whether commit was configured at all. Each name is
// validated as a well-formed image reference.
func (h *Handle) GetCommit() ([]string, bool, error) {
	if _, ok := h.get("commit"); !ok {
		return nil, false, nil
	}
	names := h.stringSeq("commit")
	for _, n := range names {
		if err := validateImageRef(n); err != nil {
			return nil, true, fmt.Errorf("%w: stage %q commit %q: %v", ErrMissingField, h.name, n, err)
		}
	}
	return names, true, nil
}

// GetUser returns the stage's "user" spec (name[=uid][:group[=gid]]), if
// set.
func (h *Handle) GetUser() (string, bool) {
	v, ok := h.get("user")
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetUserHome returns the stage's configured home directory for GetUser, if
// set.
func (h *Handle) GetUserHome() (string, bool) {
	v, ok := h.get("user_home")
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
