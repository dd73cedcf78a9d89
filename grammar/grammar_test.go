package grammar

import (
	"reflect"
	"testing"
)

func TestTranslate(t *testing.T) {
	tests := map[string]struct {
		schema   Schema
		params   map[string]any
		expected []string
	}{
		"flag true": {
			schema:   Schema{ArgInit: []string{"rm"}, ArgFlag: []string{"all"}},
			params:   map[string]any{"all": true},
			expected: []string{"rm", "--all"},
		},
		"flag false omitted": {
			schema:   Schema{ArgInit: []string{"rm"}, ArgFlag: []string{"all"}},
			params:   map[string]any{"all": false},
			expected: []string{"rm"},
		},
		"arg_str": {
			schema:   Schema{ArgStr: []string{"name"}},
			params:   map[string]any{"name": "box1"},
			expected: []string{"--name", "box1"},
		},
		"arg_array preserves order": {
			schema:   Schema{ArgArray: []string{"label"}},
			params:   map[string]any{"label": []string{"a", "b", "c"}},
			expected: []string{"--label", "a", "--label", "b", "--label", "c"},
		},
		"arg_array accepts scalar as one-element sequence": {
			schema:   Schema{ArgArray: []string{"label"}},
			params:   map[string]any{"label": "solo"},
			expected: []string{"--label", "solo"},
		},
		"arg_list": {
			schema:   Schema{ArgList: []string{"entrypoint"}},
			params:   map[string]any{"entrypoint": []string{"/bin/sh", "-c"}},
			expected: []string{"--entrypoint", `[ "/bin/sh", "-c" ]`},
		},
		"arg_flag_str": {
			schema:   Schema{ArgFlagStr: []string{"squash"}},
			params:   map[string]any{"squash": "true"},
			expected: []string{"--squash", "true"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			result, err := Translate(tc.schema, tc.params)
			if err != nil {
				t.Fatalf("Translate: %v", err)
			}
			if !reflect.DeepEqual(result.Argv, tc.expected) {
				t.Fatalf("got %v, want %v", result.Argv, tc.expected)
			}
		})
	}
}

func TestTranslateExtract(t *testing.T) {
	schema := Schema{Extract: []string{"image"}, ArgInit: []string{"tag"}}
	result, err := Translate(schema, map[string]any{"image": "alpine:latest"})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if result.Extracted["image"] != "alpine:latest" {
		t.Fatalf("got extracted %v", result.Extracted)
	}
	if !reflect.DeepEqual(result.Argv, []string{"tag"}) {
		t.Fatalf("got argv %v", result.Argv)
	}
}

func TestTranslateExclusiveViolation(t *testing.T) {
	schema := Schema{Exclusive: []string{"all"}, ArgFlag: []string{"force"}}
	_, err := Translate(schema, map[string]any{"all": true, "force": true})
	if err == nil {
		t.Fatal("expected exclusive violation error")
	}
}

func TestTranslateUnrecognizedParam(t *testing.T) {
	_, err := Translate(Schema{}, map[string]any{"bogus": "x"})
	if err == nil {
		t.Fatal("expected unrecognized parameter error")
	}
}

func TestTranslateBadScalarType(t *testing.T) {
	_, err := Translate(Schema{ArgFlag: []string{"all"}}, map[string]any{"all": "not-a-bool"})
	if err == nil {
		t.Fatal("expected type guard error")
	}
}

func TestTranslateDeterministic(t *testing.T) {
	schema := Schema{ArgInit: []string{"run"}, ArgStr: []string{"name"}, ArgArray: []string{"label"}}
	params := map[string]any{"name": "c1", "label": []string{"x", "y"}}

	first, err := Translate(schema, params)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	second, err := Translate(schema, params)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if !reflect.DeepEqual(first.Argv, second.Argv) {
		t.Fatalf("non-deterministic argv: %v vs %v", first.Argv, second.Argv)
	}
}

func TestTranslateDoesNotMutateCallerParams(t *testing.T) {
	params := map[string]any{"name": "c1"}
	if _, err := Translate(Schema{ArgStr: []string{"name"}}, params); err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if _, ok := params["name"]; !ok {
		t.Fatal("caller's params map was mutated")
	}
}
