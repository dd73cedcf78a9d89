// Package grammar implements a data-driven translator from a named-parameter
// map to a builder command-line argument list, per a declared per-subcommand
// schema. Centralizing this removes the near-duplicate argument-marshalling
// code that would otherwise live in every subcommand wrapper.
package grammar

import (
	"errors"
	"fmt"
)

// ErrContract marks a call-contract violation: an unknown parameter, a wrong
// shape for its declared category, or an exclusive parameter combined with
// others.
var ErrContract = errors.New("grammar: bad call")

// Schema declares, in processing order, which parameter names belong to each
// category. A parameter name must appear in at most one consuming category
// (Extract included); Exclusive only checks and consumes nothing, so a name
// listed there must also be listed in a consuming category. Translate reports
// any name left over in params once every category has had a turn as a
// contract violation.
type Schema struct {
	// Extract lists params removed into the returned Extracted map for the
	// caller to handle itself (e.g. the container name, a sub-selector).
	Extract []string
	// ArgInit is a fixed literal prefix appended to argv before any param is
	// processed; it is not drawn from params.
	ArgInit []string
	// Exclusive lists params that, if present, must be the only param left in
	// the working set at the moment they're checked.
	Exclusive []string
	// ArgFlag lists scalar boolean params emitted as bare "--name" when true.
	ArgFlag []string
	// ArgFlagStr lists params whose value must be the literal string "true"
	// or "false", emitted as "--name value".
	ArgFlagStr []string
	// ArgStr lists scalar string (or int) params emitted as "--name value".
	ArgStr []string
	// ArgArray lists sequence params emitted as repeated "--name value ...".
	ArgArray []string
	// ArgList lists sequence params emitted as one
	// `--name '[ "v1", "v2", ... ]'` builder list literal.
	ArgList []string
}

// Result is what Translate returns: the extracted params and the resulting
// argv tail (not including any program name).
type Result struct {
	Extracted map[string]any
	Argv      []string
}

// Translate processes params against schema in the fixed order documented on
// Schema's fields, and returns the resulting argv tail. params is never
// mutated; Translate operates on an internal copy.
func Translate(schema Schema, params map[string]any) (Result, error) {
	work := make(map[string]any, len(params))
	for k, v := range params {
		work[k] = v
	}

	extracted := map[string]any{}
	for _, name := range schema.Extract {
		if v, ok := work[name]; ok {
			extracted[name] = v
			delete(work, name)
		}
	}

	argv := append([]string{}, schema.ArgInit...)

	for _, name := range schema.Exclusive {
		if _, ok := work[name]; !ok {
			continue
		}
		if len(work) != 1 {
			return Result{}, fmt.Errorf("%w: parameter %q is exclusive", ErrContract, name)
		}
	}

	for _, name := range schema.ArgFlag {
		v, ok := work[name]
		if !ok {
			continue
		}
		b, ok := v.(bool)
		if !ok {
			return Result{}, fmt.Errorf("%w: parameter %q must be a bool, got %T", ErrContract, name, v)
		}
		delete(work, name)
		if b {
			argv = append(argv, flagName(name))
		}
	}

	for _, name := range schema.ArgFlagStr {
		v, ok := work[name]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok || (s != "true" && s != "false") {
			return Result{}, fmt.Errorf("%w: parameter %q must be \"true\" or \"false\", got %v", ErrContract, name, v)
		}
		delete(work, name)
		argv = append(argv, flagName(name), s)
	}

	for _, name := range schema.ArgStr {
		v, ok := work[name]
		if !ok {
			continue
		}
		s, err := scalarString(name, v)
		if err != nil {
			return Result{}, err
		}
		delete(work, name)
		argv = append(argv, flagName(name), s)
	}

	for _, name := range schema.ArgArray {
		v, ok := work[name]
		if !ok {
			continue
		}
		seq, err := asSequence(v)
		if err != nil {
			return Result{}, fmt.Errorf("%w: parameter %q: %v", ErrContract, name, err)
		}
		delete(work, name)
		flag := flagName(name)
		for _, elem := range seq {
			s, err := scalarString(name, elem)
			if err != nil {
				return Result{}, err
			}
			argv = append(argv, flag, s)
		}
	}

	for _, name := range schema.ArgList {
		v, ok := work[name]
		if !ok {
			continue
		}
		seq, err := asSequence(v)
		if err != nil {
			return Result{}, fmt.Errorf("%w: parameter %q: %v", ErrContract, name, err)
		}
		delete(work, name)
		argv = append(argv, flagName(name), listLiteral(seq))
	}

	if len(work) > 0 {
		for name := range work {
			return Result{}, fmt.Errorf("%w: unrecognized parameter %q", ErrContract, name)
		}
	}

	return Result{Extracted: extracted, Argv: argv}, nil
}

func flagName(name string) string {
	if len(name) > 0 && name[0] == '-' {
		return name
	}
	return "--" + name
}

func scalarString(name string, v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case int:
		return fmt.Sprintf("%d", t), nil
	case int64:
		return fmt.Sprintf("%d", t), nil
	case bool:
		return fmt.Sprintf("%t", t), nil
	default:
		return "", fmt.Errorf("%w: parameter %q is not a scalar: %T", ErrContract, name, v)
	}
}

// asSequence accepts either a single scalar (treated as a length-1 sequence)
// or a []any / []string.
func asSequence(v any) ([]any, error) {
	switch t := v.(type) {
	case []any:
		return t, nil
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	case string, int, int64, bool:
		return []any{t}, nil
	default:
		return nil, fmt.Errorf("value %v (%T) is not a scalar or sequence", v, v)
	}
}

func listLiteral(seq []any) string {
	out := "[ "
	for i, elem := range seq {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%q", fmt.Sprintf("%v", elem))
	}
	out += " ]"
	return out
}
