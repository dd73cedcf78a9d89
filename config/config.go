// Package config implements the process-wide configuration singleton: a
// rooted tree combining user-provided initialization with an external
// structured (YAML) data file, timestamp stamping shared across re-execution,
// and template-style "[% name %]" scalar expansion.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingField marks a configuration error: a required field absent or
// the wrong shape.
var ErrMissingField = errors.New("config: missing or malformed field")

// ErrExpansion marks a template that failed to converge within the
// iteration cap.
var ErrExpansion = errors.New("config: template expansion did not converge")

const maxExpansionPasses = 10

var macroPattern = regexp.MustCompile(`\[%\s*([A-Za-z0-9_.]+)\s*%\]`)

// Config is the configuration tree. The zero value is usable; Init must be
// called once, before Get/Required are used by more than one goroutine, per
// §3's lifecycle: "created once per process; written only during
// initialization and during argument post-processing; read-only to user
// callbacks".
type Config struct {
	mu    sync.RWMutex
	tree  map[string]any
	debug int
}

var (
	singletonMu sync.Mutex
	singleton   *Config
)

// Get returns the process-wide Config singleton, constructing an empty one
// on first access. Tests that need isolation should construct their own
// *Config via New instead of using the singleton.
func Get() *Config {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton == nil {
		singleton = New()
	}
	return singleton
}

// resetSingleton is a test hook.
func resetSingleton() {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	singleton = nil
}

// New constructs an empty Config with no tree installed. Call Init to load
// it.
func New() *Config {
	return &Config{tree: map[string]any{}}
}

// Init merges a data file (if dataFilePath is non-empty) with initValues
// (init wins on key collision) and stamps timestamp_str and _config_files.
// It must be called before first use of Get/Required.
//
// Merge order per §4.D: start empty; if a data file is named, load it — if
// its top-level document is a mapping, use it directly; if it's a sequence
// whose first element is a mapping, use that element; then overlay every key
// of initValues (init always wins).
func (c *Config) Init(basename string, dataFilePath string, initValues map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tree := map[string]any{}
	if dataFilePath != "" {
		raw, err := os.ReadFile(dataFilePath)
		if err != nil {
			return fmt.Errorf("%w: reading data file %q: %v", ErrMissingField, dataFilePath, err)
		}
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("%w: parsing data file %q: %v", ErrMissingField, dataFilePath, err)
		}
		m, err := topLevelMapping(doc)
		if err != nil {
			return fmt.Errorf("%w: data file %q: %v", ErrMissingField, dataFilePath, err)
		}
		tree = m
	}
	for k, v := range initValues {
		tree[k] = v
	}
	if basename == "" {
		if bn, ok := tree["basename"].(string); ok {
			basename = bn
		}
	}

	c.tree = tree
	c.tree["timestamp_str"] = resolveTimestamp(basename)
	if dataFilePath != "" {
		c.tree["_config_files"] = []any{dataFilePath}
	} else {
		c.tree["_config_files"] = []any{}
	}
	return nil
}

// topLevelMapping normalizes a parsed YAML document into a string-keyed map,
// per §4.D's "mapping, or a sequence whose first element is a mapping" rule.
func topLevelMapping(doc any) (map[string]any, error) {
	switch t := doc.(type) {
	case map[string]any:
		return t, nil
	case []any:
		if len(t) == 0 {
			return nil, fmt.Errorf("empty sequence document")
		}
		if m, ok := t[0].(map[string]any); ok {
			return m, nil
		}
		return nil, fmt.Errorf("first sequence element is not a mapping")
	case nil:
		return map[string]any{}, nil
	default:
		return nil, fmt.Errorf("document is neither a mapping nor a sequence of mappings")
	}
}

func envTimestampVar(basename string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(basename) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String() + "_TIMESTAMP_STR"
}

// resolveTimestamp reuses the caller's timestamp if this process is a
// re-execution (inner mode), so the inner invocation observes the same
// timestamp_str as its outer parent; otherwise it stamps "now" and exports
// it for any children.
func resolveTimestamp(basename string) string {
	envVar := envTimestampVar(basename)
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	ts := time.Now().Format("2006-01-02-15-04-05")
	_ = os.Setenv(envVar, ts)
	return ts
}

// Required fails if any of the listed top-level keys is absent from the
// tree.
func (c *Config) Required(keys ...string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var missing []string
	for _, k := range keys {
		if _, ok := c.tree[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: required top-level keys missing: %v", ErrMissingField, missing)
	}
	return nil
}

// Get navigates the tree by the given path of keys. If the terminal value is
// a scalar or a sequence, it is template-expanded (sequences element-wise)
// before being returned; non-scalar, non-sequence leaves (e.g. callback
// values) are returned as-is.
func (c *Config) Get(path ...string) (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.getLocked(path)
}

func (c *Config) getLocked(path []string) (any, error) {
	cur, err := c.rawLocked(path)
	if err != nil {
		return nil, err
	}
	return c.expandValue(cur)
}

// rawLocked navigates the tree by path and returns the raw, unexpanded leaf
// value. Used by expandString so that substituting a macro's referent does
// one level of substitution per pass rather than fully expanding it first —
// a cyclic reference then alternates between its two raw forms and trips
// maxExpansionPasses instead of recursing without bound.
func (c *Config) rawLocked(path []string) (any, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrMissingField)
	}
	var cur any = c.tree
	for i, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %v is not a mapping at %q", ErrMissingField, path[:i], key)
		}
		v, ok := m[key]
		if !ok {
			return nil, fmt.Errorf("%w: key %q not found under %v", ErrMissingField, key, path[:i])
		}
		cur = v
	}
	return cur, nil
}

func (c *Config) expandValue(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return c.expandString(t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			s, ok := elem.(string)
			if !ok {
				out[i] = elem
				continue
			}
			expanded, err := c.expandString(s)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	default:
		return v, nil
	}
}

// expandString repeatedly substitutes "[% name %]" macros with the *raw*
// (not further expanded) value of the top-level-or-dotted key "name",
// stringified, until no delimiters remain or maxExpansionPasses is
// exhausted. Substituting the raw value rather than recursively expanding it
// keeps each pass bounded to one level of substitution: a cyclic reference
// (a references b, b references a) alternates between its two raw forms pass
// over pass instead of recursing without bound, so the cap below always
// terminates the attempt with ErrExpansion rather than a runaway recursion.
func (c *Config) expandString(s string) (string, error) {
	for pass := 0; pass < maxExpansionPasses; pass++ {
		if !macroPattern.MatchString(s) {
			return s, nil
		}
		var expandErr error
		next := macroPattern.ReplaceAllStringFunc(s, func(match string) string {
			groups := macroPattern.FindStringSubmatch(match)
			name := groups[1]
			val, err := c.rawLocked(strings.Split(name, "."))
			if err != nil {
				expandErr = err
				return match
			}
			return stringify(val)
		})
		if expandErr != nil {
			return "", expandErr
		}
		s = next
	}
	if macroPattern.MatchString(s) {
		return "", fmt.Errorf("%w after %d passes: %q", ErrExpansion, maxExpansionPasses, s)
	}
	return s, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// SetDebug sets the integer debug verbosity level.
func (c *Config) SetDebug(level int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debug = level
}

// Debug returns the current debug verbosity level.
func (c *Config) Debug() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.debug
}
