package config

import (
	"fmt"
	"math"
)

// Params is an operation's parameter mapping as decoded from YAML or JSON.
// The typed getters absorb the decoders' numeric quirks (YAML yields int,
// JSON yields float64); ok is false when the key is absent or the value has
// the wrong shape.
type Params map[string]any

// Has reports whether a key is present, regardless of its value.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Int returns an integer parameter. Floats coerce only when integral.
func (p Params) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}

// Int64 returns an integer parameter widened to int64 (seeds).
func (p Params) Int64(key string) (int64, bool) {
	switch v := p[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v != math.Trunc(v) || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}

// Float returns a numeric parameter as float64.
func (p Params) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Str returns a string parameter.
func (p Params) Str(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}

// StrSlice returns a list-of-strings parameter. Every element must be a
// string; a bare string is not promoted to a one-element list.
func (p Params) StrSlice(key string) ([]string, bool) {
	raw, ok := p[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, len(raw))
	for i, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, false
		}
		out[i] = s
	}
	return out, true
}

// ColumnWeight pairs a column name with its weight in a linear combination.
type ColumnWeight struct {
	Name   string  `yaml:"name" json:"name"`
	Weight float64 `yaml:"weight" json:"weight"`
}

// Weights returns a list-of-{name,weight} parameter. Unlike the other
// getters it reports what is wrong, since these entries carry the most
// structure and the error ends up in front of the config author.
func (p Params) Weights(key string) ([]ColumnWeight, error) {
	raw, ok := p[key].([]any)
	if !ok {
		return nil, fmt.Errorf("%q must be a list of {name, weight} entries", key)
	}
	out := make([]ColumnWeight, len(raw))
	for i, e := range raw {
		// yaml.v3 decodes nested mappings as Params (the named map type),
		// encoding/json as plain map[string]any; accept both.
		var entry Params
		switch m := e.(type) {
		case map[string]any:
			entry = Params(m)
		case Params:
			entry = m
		default:
			return nil, fmt.Errorf("%q entry %d: not a mapping", key, i)
		}
		name, ok := entry.Str("name")
		if !ok || name == "" {
			return nil, fmt.Errorf("%q entry %d: missing name", key, i)
		}
		w, ok := entry.Float("weight")
		if !ok {
			return nil, fmt.Errorf("%q entry %d (%s): missing weight", key, i, name)
		}
		out[i] = ColumnWeight{Name: name, Weight: w}
	}
	return out, nil
}
