package command

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// ParamKind is the expected type of a command parameter.
type ParamKind int

const (
	String ParamKind = iota
	Int
	Bool
	Float
)

func (k ParamKind) String() string {
	switch k {
	case String:
		return "string"
	case Int:
		return "int"
	case Bool:
		return "bool"
	case Float:
		return "float"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParamSpec declares one parameter a command accepts.
type ParamSpec struct {
	Name     string    `json:"name"`
	Kind     ParamKind `json:"-"`
	Required bool      `json:"required"`
}

// Params holds command arguments. After validation every value has the
// Go type of its ParamKind: string, int64, bool or float64.
type Params map[string]any

// ParamError names the parameter that failed validation.
type ParamError struct {
	Key    string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("parameter %q: %s", e.Key, e.Reason)
}

func (e *ParamError) Unwrap() error { return ErrInvalidParameters }

// Str returns a validated string parameter, or "" if absent.
func (p Params) Str(key string) string {
	s, _ := p[key].(string)
	return s
}

// Int returns a validated integer parameter.
func (p Params) Int(key string) (int64, bool) {
	n, ok := p[key].(int64)
	return n, ok
}

// Bool returns a validated bool parameter, false if absent.
func (p Params) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// Float returns a validated float parameter.
func (p Params) Float(key string) (float64, bool) {
	f, ok := p[key].(float64)
	return f, ok
}

// bind checks params against specs and returns a normalized copy.
// Errors are reported for the first offending key in sorted order so the
// result does not depend on map iteration.
func bind(specs []ParamSpec, params Params) (Params, error) {
	bySpec := make(map[string]ParamSpec, len(specs))
	for _, s := range specs {
		bySpec[s.Name] = s
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(Params, len(params))
	for _, k := range keys {
		spec, ok := bySpec[k]
		if !ok {
			return nil, &ParamError{Key: k, Reason: "unknown parameter"}
		}
		v, err := coerce(spec.Kind, params[k])
		if err != nil {
			return nil, &ParamError{Key: k, Reason: err.Error()}
		}
		out[k] = v
	}

	for _, s := range specs {
		if _, ok := out[s.Name]; s.Required && !ok {
			return nil, &ParamError{Key: s.Name, Reason: "required"}
		}
	}
	return out, nil
}

func coerce(kind ParamKind, v any) (any, error) {
	switch kind {
	case String:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case Bool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case Int:
		if n, ok := toInt(v); ok {
			return n, nil
		}
	case Float:
		if f, ok := toFloat(v); ok {
			return f, nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", kind, v)
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint:
		if uint64(n) <= math.MaxInt64 {
			return int64(n), true
		}
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n), true
		}
	case float64:
		if n == math.Trunc(n) && math.Abs(n) <= 1<<53 {
			return int64(n), true
		}
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := toInt(v); ok {
		return float64(i), true
	}
	return 0, false
}
