package builder

import (
	"fmt"

	"github.com/ikluft/container-buildah/grammar"
	"github.com/ikluft/container-buildah/runner"
)

// Container is a handle to one working container, used by the per-container
// subcommand wrappers. Its Name comes from a stage handle
// (stage.Handle.ContainerName), never from caller input, so every
// image built by this package carries provenance back to its stage.
type Container struct {
	Name string
}

// NewContainer wraps an existing working container by name.
func NewContainer(name string) *Container {
	return &Container{Name: name}
}

// Add runs "buildah add <container> <src...> <dest>", extracting dest from
// params.
func (c *Container) Add(params map[string]any, src ...string) (runner.Result, error) {
	schema := grammar.Schema{
		Extract: []string{"dest"},
		ArgInit: []string{"add", "--add-history"},
		ArgFlag: []string{"chown"},
	}
	result, err := grammar.Translate(schema, params)
	if err != nil {
		return runner.Result{}, err
	}
	argv := append(result.Argv, c.Name)
	argv = append(argv, src...)
	if dest, ok := result.Extracted["dest"].(string); ok && dest != "" {
		argv = append(argv, dest)
	}
	return run(runner.Options{Name: "buildah add"}, argv)
}

// Commit runs "buildah commit <container> <image_name>", emitting
// "--<flag> value" for a documented subset of the builder's commit flags.
func (c *Container) Commit(params map[string]any, imageName string) (runner.Result, error) {
	schema := grammar.Schema{
		ArgInit:    []string{"commit", "--add-history"},
		ArgFlagStr: []string{"squash", "rm"},
		ArgStr:     []string{"format", "timestamp"},
	}
	result, err := grammar.Translate(schema, params)
	if err != nil {
		return runner.Result{}, err
	}
	argv := append(result.Argv, c.Name, imageName)
	return run(runner.Options{Name: "buildah commit", CaptureOutput: true}, argv)
}

// Config runs "buildah config <container>" with the unioned scalar,
// sequence and list grammar of the builder's config subcommand: entrypoint
// uses the list-literal form; env, label, port and volume are repeatable
// flags.
func (c *Container) Config(params map[string]any) (runner.Result, error) {
	schema := grammar.Schema{
		ArgInit:  []string{"config", "--add-history"},
		ArgStr:   []string{"cmd", "user", "workingdir", "stop-signal"},
		ArgArray: []string{"env", "label", "port", "volume"},
		ArgList:  []string{"entrypoint"},
	}
	result, err := grammar.Translate(schema, params)
	if err != nil {
		return runner.Result{}, err
	}
	argv := append(result.Argv, c.Name)
	return run(runner.Options{Name: "buildah config"}, argv)
}

// Copy runs "buildah copy <container> <src...> <dest>", extracting dest
// from params.
func (c *Container) Copy(params map[string]any, src ...string) (runner.Result, error) {
	schema := grammar.Schema{
		Extract: []string{"dest"},
		ArgInit: []string{"copy", "--add-history"},
		ArgFlag: []string{"chown"},
	}
	result, err := grammar.Translate(schema, params)
	if err != nil {
		return runner.Result{}, err
	}
	argv := append(result.Argv, c.Name)
	argv = append(argv, src...)
	if dest, ok := result.Extracted["dest"].(string); ok && dest != "" {
		argv = append(argv, dest)
	}
	return run(runner.Options{Name: "buildah copy"}, argv)
}

// From creates this container's underlying working container from image,
// passing c.Name as the builder's --name so the container is named c.Name.
func (c *Container) From(params map[string]any, image string) (runner.Result, error) {
	if params == nil {
		params = map[string]any{}
	}
	params["name"] = c.Name
	return From(params, image)
}

// Mount mounts this container's root filesystem and returns its mount
// point.
func (c *Container) Mount(params map[string]any) (runner.Result, error) {
	return Mount(params, c.Name)
}

// Run runs one or more commands in this container via "buildah run". cmds
// may be a single scalar (one word), a []string (one command), or a
// [][]string (many commands, each re-running with the same params). Each
// command is a separate invocation of the builder.
func (c *Container) Run(params map[string]any, cmds any) ([]runner.Result, error) {
	commands, err := normalizeCommands(cmds)
	if err != nil {
		return nil, err
	}

	var results []runner.Result
	for _, cmd := range commands {
		schema := grammar.Schema{
			ArgInit: []string{"run", "--add-history"},
			ArgStr:  []string{"user", "workingdir"},
			ArgFlag: []string{"tty", "terminal"},
		}
		result, err := grammar.Translate(schema, cloneParams(params))
		if err != nil {
			return results, err
		}
		argv := append(result.Argv, c.Name, "--")
		argv = append(argv, cmd...)
		res, err := run(runner.Options{Name: "buildah run"}, argv)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Umount unmounts this container's root filesystem.
func (c *Container) Umount(params map[string]any) (runner.Result, error) {
	return Umount(params, c.Name)
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

func normalizeCommands(cmds any) ([][]string, error) {
	switch t := cmds.(type) {
	case string:
		return [][]string{{t}}, nil
	case []string:
		return [][]string{t}, nil
	case [][]string:
		return t, nil
	default:
		return nil, fmt.Errorf("%w: Run requires a string, []string or [][]string, got %T", ErrBuilder, cmds)
	}
}
