// Package config implements the map-of-typed-values configuration shape
// threaded through every constructor in the teacher codebase
// (common.Config, accessed as config["key"].Int()/.Bool()/.String()). File
// parsing and schema migration are out of scope (spec.md §1); this package
// only defines the in-memory shape and its accessors.
package config

import (
	"strconv"
	"strings"
)

// Value is one configuration entry. Only one of the typed fields is
// meaningful per Value; accessors coerce as needed, matching the teacher's
// permissive common.ConfigValue.
type Value struct {
	IntVal    int64
	BoolVal   bool
	StringVal string
}

func Int(v int64) Value    { return Value{IntVal: v} }
func Bool(v bool) Value    { return Value{BoolVal: v} }
func String(v string) Value { return Value{StringVal: v} }

func (v Value) Int() int       { return int(v.IntVal) }
func (v Value) Int64() int64   { return v.IntVal }
func (v Value) Uint64() uint64 { return uint64(v.IntVal) }
func (v Value) Bool() bool     { return v.BoolVal }
func (v Value) String() string { return v.StringVal }

// Config is a flat string-keyed map of typed values, same shape as the
// teacher's common.Config.
type Config map[string]Value

// SectionConfig returns the subset of keys with the given prefix; the
// prefix is stripped from the resulting keys only when trim is true — same
// contract and name as
// common.Config.SectionConfig used throughout indexer/settings.go.
func (c Config) SectionConfig(prefix string, trim bool) Config {
	out := make(Config)
	for k, v := range c {
		if strings.HasPrefix(k, prefix) {
			key := k
			if trim {
				key = strings.TrimPrefix(k, prefix)
			}
			out[key] = v
		}
	}
	return out
}

// GetInt returns the int value for key, or def if the key is absent.
func (c Config) GetInt(key string, def int) int {
	if v, ok := c[key]; ok {
		return v.Int()
	}
	return def
}

// GetBool returns the bool value for key, or def if the key is absent.
func (c Config) GetBool(key string, def bool) bool {
	if v, ok := c[key]; ok {
		return v.Bool()
	}
	return def
}

// GetString returns the string value for key, or def if the key is absent.
func (c Config) GetString(key string, def string) string {
	if v, ok := c[key]; ok {
		return v.String()
	}
	return def
}

// Clone returns a shallow copy, so SetValue on the copy does not mutate
// the original map.
func (c Config) Clone() Config {
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func (c Config) SetValue(key string, v Value) {
	c[key] = v
}

// itoa formats an int as a decimal string.
func itoa(i int) string { return strconv.Itoa(i) }
