// Command buildahutil is the driver's CLI entry point: a thin wrapper that
// parses its own arguments, loads the configuration singleton, and hands off
// to package orchestrate.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	kongcompletion "github.com/jotaen/kong-completion"

	"github.com/ikluft/container-buildah/config"
	"github.com/ikluft/container-buildah/orchestrate"
)

// RunCmd is the driver's well-known default action (§6): load configuration
// and drive the pipeline, either in outer mode or, via the hidden --internal
// re-entry flag, in inner mode inside a stage's mount namespace. It is the
// implicit default so that invoking the binary with no subcommand at all —
// the normal way this driver is run — still does the right thing; only the
// rarely-used "completion" subcommand needs to be named explicitly.
type RunCmd struct {
	Debug    int    `default:"0" help:"debug verbosity (0 silent, higher is more verbose)"`
	Config   string `help:"path to the structured data file (defaults to <basename>.yml/.yaml in the working directory)"`
	Internal string `help:"internal: re-entry flag naming the stage to run inside the mount namespace" hidden:""`
}

// CLI declares the driver's top-level commands. Additional flags the user's
// init-config registers via added_opts are not struct fields here — kong only
// knows the flags every invocation of this binary supports; the user-defined
// ones are captured by scanning the raw argv (see parseAddedOpts) and handed
// to the orchestrator as the "opts" config key, exactly as opaque name=value
// pairs. Their meaning is entirely up to the user's stage callbacks — the
// core never interprets them.
type CLI struct {
	Run        RunCmd             `cmd:"" default:"withargs" help:"run the multi-stage build pipeline (default)"`
	Completion kongcompletion.Cmd `cmd:"" help:"print shell completion scripts"`
}

func initSlog(level int) {
	var lv slog.Level
	switch {
	case level <= 0:
		lv = slog.LevelWarn
	case level == 1:
		lv = slog.LevelInfo
	default:
		lv = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
}

// parseAddedOpts scans argv for "--name=value" flags that aren't one of the
// CLI's own recognized flags, returning them as name->value pairs for
// config's "opts" key.
func parseAddedOpts(argv []string) map[string]string {
	known := map[string]bool{"debug": true, "config": true, "internal": true, "help": true}
	opts := map[string]string{}
	for _, arg := range argv {
		if !strings.HasPrefix(arg, "--") {
			continue
		}
		name, value, ok := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !ok || known[name] {
			continue
		}
		opts[name] = value
	}
	return opts
}

// findDataFile resolves the default config file (<basename>.yml or .yaml)
// when --config was not given.
func findDataFile(explicit, basename string) string {
	if explicit != "" {
		return explicit
	}
	for _, ext := range []string{".yml", ".yaml"} {
		candidate := basename + ext
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// Run is invoked by kong when the "run" command is selected — explicitly, or
// implicitly as the default when no subcommand is given at all.
func (r *RunCmd) Run() error {
	initSlog(r.Debug)

	// basename is needed before the data file can be located, so the working
	// directory name stands in for it here: it picks the default data file
	// and names the timestamp environment variable. The tree's own basename
	// key comes from the loaded data file; Init does not set it from this
	// value.
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	bootstrapBasename := filepath.Base(cwd)

	dataFile := findDataFile(r.Config, bootstrapBasename)

	cfg := config.Get()
	initValues := map[string]any{
		"argv": os.Args,
		"opts": parseAddedOpts(os.Args[1:]),
	}
	if err := cfg.Init(bootstrapBasename, dataFile, initValues); err != nil {
		return err
	}
	if dataFile != "" {
		if err := cfg.Required("basename"); err != nil {
			return err
		}
	}

	return orchestrate.Run(cfg, orchestrate.Options{
		Debug:    r.Debug,
		Internal: r.Internal,
	})
}

func main() {
	var cli CLI
	parser := kong.Must(&cli, kong.Name("buildahutil"),
		kong.Description("Programmable driver for multi-stage OCI/Docker image construction on top of an external rootless builder."))
	kongcompletion.Register(parser)

	added := parseAddedOpts(os.Args[1:])
	var args []string
	for _, arg := range os.Args[1:] {
		name, _, ok := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if _, isAdded := added[name]; ok && isAdded && strings.HasPrefix(arg, "--") {
			continue
		}
		args = append(args, arg)
	}
	ctx, err := parser.Parse(args)
	parser.FatalIfErrorf(err)

	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "buildahutil failed: %v\n", err)
		os.Exit(1)
	}
}
