// Package builder wraps the external builder's (buildah-shaped) subcommands,
// translating typed named parameters into a correct command line via
// package grammar and executing it via package runner.
//
// Two families of wrappers share the grammar engine: global wrappers (no
// container target, exported as package functions) and per-container
// wrappers (methods on Container, whose container name comes from a stage
// handle).
package builder

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ikluft/container-buildah/grammar"
	"github.com/ikluft/container-buildah/runner"
)

// ErrBuilder marks a wrapper-level failure distinct from a grammar contract
// violation: a missing required parameter, unsupported parameters, or
// builder output that cannot be parsed. Errors from runner.Run itself are
// returned unwrapped (runner.ErrSubprocess).
var ErrBuilder = errors.New("builder: subcommand failed")

const programName = "buildah"

func locate() (string, error) {
	return runner.Locate(programName)
}

// run executes "buildah <args...>" with the given runner.Options.
func run(opts runner.Options, args []string) (runner.Result, error) {
	prog, err := locate()
	if err != nil {
		return runner.Result{}, err
	}
	argv := append([]string{prog}, args...)
	return runner.Run(opts, argv)
}

// Bud runs "buildah bud" (build-using-dockerfile), for callers that still
// want a Dockerfile-driven build of one stage rather than a func_exec
// callback.
func Bud(params map[string]any, contextDir string) (runner.Result, error) {
	schema := grammar.Schema{
		ArgStr:   []string{"file", "tag"},
		ArgFlag:  []string{"no-cache", "pull", "squash"},
		ArgArray: []string{"build-arg", "label"},
	}
	result, err := grammar.Translate(schema, params)
	if err != nil {
		return runner.Result{}, err
	}
	argv := append([]string{"bud"}, result.Argv...)
	argv = append(argv, contextDir)
	return run(runner.Options{Name: "buildah bud"}, argv)
}

// Containers runs "buildah containers", listing working containers.
func Containers(params map[string]any) (runner.Result, error) {
	schema := grammar.Schema{
		ArgInit: []string{"containers"},
		ArgFlag: []string{"all", "quiet"},
	}
	result, err := grammar.Translate(schema, params)
	if err != nil {
		return runner.Result{}, err
	}
	return run(runner.Options{Name: "buildah containers", CaptureOutput: true}, result.Argv)
}

// From runs "buildah from", creating a new working container from image.
func From(params map[string]any, image string) (runner.Result, error) {
	schema := grammar.Schema{
		ArgInit: []string{"from"},
		ArgStr:  []string{"name", "arch", "os", "pull"},
		ArgFlag: []string{"quiet", "tls-verify"},
	}
	result, err := grammar.Translate(schema, params)
	if err != nil {
		return runner.Result{}, err
	}
	argv := append(result.Argv, image)
	return run(runner.Options{Name: "buildah from", CaptureOutput: true}, argv)
}

// Info runs "buildah info" and parses its JSON output into a generic
// map, per §4.C's "superset parser is acceptable" and §9's open question
// about info's broken parameter-extraction path: until a format selector is
// actually supported, Info accepts no params at all.
func Info(params map[string]any) (map[string]any, error) {
	if len(params) > 0 {
		return nil, fmt.Errorf("%w: buildah info parameters are not yet supported", ErrBuilder)
	}
	result, err := run(runner.Options{Name: "buildah info", CaptureOutput: true}, []string{"info"})
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(result.Output), &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing info output: %v", ErrBuilder, err)
	}
	return doc, nil
}

// Mount runs "buildah mount <names...>" and returns the mount point(s) on
// stdout.
func Mount(params map[string]any, names ...string) (runner.Result, error) {
	schema := grammar.Schema{ArgInit: []string{"mount"}}
	result, err := grammar.Translate(schema, params)
	if err != nil {
		return runner.Result{}, err
	}
	argv := append(result.Argv, names...)
	return run(runner.Options{Name: "buildah mount", CaptureOutput: true}, argv)
}

// boolParam reports whether params[name] is present and true. A present but
// false value (e.g. explicit all:false) does not count, matching ArgFlag's
// own "omit when false" semantics in package grammar.
func boolParam(params map[string]any, name string) bool {
	b, _ := params[name].(bool)
	return b
}

// Rm runs "buildah rm". params.all is exclusive: true removes every working
// container; otherwise the named ones are removed.
func Rm(params map[string]any, names ...string) (runner.Result, error) {
	schema := grammar.Schema{
		ArgInit:   []string{"rm"},
		Exclusive: []string{"all"},
		ArgFlag:   []string{"all"},
	}
	result, err := grammar.Translate(schema, params)
	if err != nil {
		return runner.Result{}, err
	}
	argv := result.Argv
	if !boolParam(params, "all") {
		argv = append(argv, names...)
	}
	return run(runner.Options{Name: "buildah rm"}, argv)
}

// Rmi runs "buildah rmi". params.all and params.prune are each exclusive.
func Rmi(params map[string]any, names ...string) (runner.Result, error) {
	schema := grammar.Schema{
		ArgInit:   []string{"rmi"},
		Exclusive: []string{"all", "prune"},
		ArgFlag:   []string{"all", "prune", "force"},
	}
	result, err := grammar.Translate(schema, params)
	if err != nil {
		return runner.Result{}, err
	}
	argv := result.Argv
	if !boolParam(params, "all") && !boolParam(params, "prune") {
		argv = append(argv, names...)
	}
	return run(runner.Options{Name: "buildah rmi"}, argv)
}

// Tag runs "buildah tag <image> <tag1> <tag2> ...".
func Tag(params map[string]any, tags ...string) (runner.Result, error) {
	schema := grammar.Schema{
		Extract: []string{"image"},
		ArgInit: []string{"tag"},
	}
	result, err := grammar.Translate(schema, params)
	if err != nil {
		return runner.Result{}, err
	}
	image, ok := result.Extracted["image"].(string)
	if !ok || image == "" {
		return runner.Result{}, fmt.Errorf("%w: tag requires params.image", ErrBuilder)
	}
	argv := append(result.Argv, image)
	argv = append(argv, tags...)
	return run(runner.Options{Name: "buildah tag"}, argv)
}

// Umount runs "buildah umount <names...>", or --all when params.all is set.
//
// §9 notes one source variant appears to pass schema and params to the
// grammar engine in the wrong order; this implementation follows the §4.B
// contract (schema first, params second), not that bug.
func Umount(params map[string]any, names ...string) (runner.Result, error) {
	schema := grammar.Schema{
		ArgInit:   []string{"umount"},
		Exclusive: []string{"all"},
		ArgFlag:   []string{"all"},
	}
	result, err := grammar.Translate(schema, params)
	if err != nil {
		return runner.Result{}, err
	}
	argv := result.Argv
	if !boolParam(params, "all") {
		argv = append(argv, names...)
	}
	return run(runner.Options{Name: "buildah umount"}, argv)
}

// Unshare runs "buildah unshare --mount <spec> -- cmd...". This is the
// primitive by which the outer driver re-enters itself inside the mount
// namespace: params.container and params.envname are extracted (envname is
// optional); when set, the spec is "envname=container", otherwise the bare
// container name.
//
// The --mount value syntax isn't expressible by any single §4.B schema
// category (it's a single flag whose value has two shapes), so this wrapper
// is the one place that bypasses the grammar engine for a literal compound
// flag, exactly as §5 documents.
func Unshare(params map[string]any, cmd ...string) (runner.Result, error) {
	schema := grammar.Schema{
		Extract: []string{"container", "envname"},
		ArgInit: []string{"unshare"},
	}
	result, err := grammar.Translate(schema, params)
	if err != nil {
		return runner.Result{}, err
	}
	container, ok := result.Extracted["container"].(string)
	if !ok || container == "" {
		return runner.Result{}, fmt.Errorf("%w: unshare requires params.container", ErrBuilder)
	}
	spec := container
	if envname, ok := result.Extracted["envname"].(string); ok && envname != "" {
		spec = envname + "=" + container
	}
	argv := append(result.Argv, "--mount", spec, "--")
	argv = append(argv, cmd...)
	return run(runner.Options{Name: "buildah unshare"}, argv)
}
