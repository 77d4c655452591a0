package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// ParamsKind tags the shape of a request's params.
//
// The shape decides how params are spread into a handler:
//
//	Positional: a JSON array, bound by index
//	Named:      a JSON object, bound by name
//	Single:     any other JSON value, bound as the sole argument
//	None:       absent or null
type ParamsKind int

const (
	ParamsNone ParamsKind = iota
	ParamsPositional
	ParamsNamed
	ParamsSingle
)

func (k ParamsKind) String() string {
	switch k {
	case ParamsPositional:
		return "positional"
	case ParamsNamed:
		return "named"
	case ParamsSingle:
		return "single"
	default:
		return "none"
	}
}

// Params is the decoded params of a request, resolved once at dispatch time.
type Params struct {
	kind       ParamsKind
	positional []json.RawMessage
	named      map[string]json.RawMessage
	single     json.RawMessage
}

// ParseParams classifies raw params by their JSON shape.
func ParseParams(raw json.RawMessage) (Params, error) {
	trimmed := bytes.TrimSpace(raw)
	if isNull(trimmed) {
		return Params{kind: ParamsNone}, nil
	}
	switch trimmed[0] {
	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return Params{}, err
		}
		return Params{kind: ParamsPositional, positional: list}, nil
	case '{':
		var named map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &named); err != nil {
			return Params{}, err
		}
		return Params{kind: ParamsNamed, named: named}, nil
	default:
		if !json.Valid(trimmed) {
			return Params{}, fmt.Errorf("message: invalid params")
		}
		return Params{kind: ParamsSingle, single: trimmed}, nil
	}
}

func (p Params) Kind() ParamsKind { return p.kind }

// Len returns the number of arguments the params spread into.
func (p Params) Len() int {
	switch p.kind {
	case ParamsPositional:
		return len(p.positional)
	case ParamsNamed:
		return len(p.named)
	case ParamsSingle:
		return 1
	default:
		return 0
	}
}

// Arg binds one argument into dst: by index for positional params, by name
// for named params, and index 0 for a single value. It reports whether the
// argument was present.
func (p Params) Arg(index int, name string, dst any) (bool, error) {
	var raw json.RawMessage
	switch p.kind {
	case ParamsPositional:
		if index < 0 || index >= len(p.positional) {
			return false, nil
		}
		raw = p.positional[index]
	case ParamsNamed:
		v, ok := p.named[name]
		if !ok {
			return false, nil
		}
		raw = v
	case ParamsSingle:
		if index != 0 {
			return false, nil
		}
		raw = p.single
	default:
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("param %s: %w", argLabel(index, name), err)
	}
	return true, nil
}

// Spread binds every argument of a handler with the given parameter names.
// Positional params must match the arity exactly; named params must supply
// every name and nothing else; a single or absent value is only accepted by a
// one-argument handler (absent leaves dst at its zero value).
func (p Params) Spread(names []string, dst ...any) error {
	if len(names) != len(dst) {
		return fmt.Errorf("spread: %d names for %d destinations", len(names), len(dst))
	}

	switch p.kind {
	case ParamsPositional:
		if len(p.positional) != len(dst) {
			return fmt.Errorf("expected %d positional params, got %d", len(dst), len(p.positional))
		}
	case ParamsNamed:
		known := make(map[string]bool, len(names))
		for _, n := range names {
			known[n] = true
			if _, ok := p.named[n]; !ok {
				return fmt.Errorf("missing param %q", n)
			}
		}
		var extra []string
		for n := range p.named {
			if !known[n] {
				extra = append(extra, n)
			}
		}
		if len(extra) > 0 {
			sort.Strings(extra)
			return fmt.Errorf("unexpected param %q", extra[0])
		}
	case ParamsSingle:
		if len(dst) != 1 {
			return fmt.Errorf("expected %d params, got a single value", len(dst))
		}
	default:
		if len(dst) > 1 {
			return fmt.Errorf("expected %d params, got none", len(dst))
		}
		return nil
	}

	for i := range dst {
		if _, err := p.Arg(i, names[i], dst[i]); err != nil {
			return err
		}
	}
	return nil
}

// Decode unmarshals the params as a whole into dst.
func (p Params) Decode(dst any) error {
	switch p.kind {
	case ParamsPositional:
		return decodeAs(p.positional, dst)
	case ParamsNamed:
		return decodeAs(p.named, dst)
	case ParamsSingle:
		return json.Unmarshal(p.single, dst)
	default:
		return nil
	}
}

func decodeAs(v any, dst any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func argLabel(index int, name string) string {
	if name != "" {
		return fmt.Sprintf("%q", name)
	}
	return fmt.Sprintf("#%d", index)
}
