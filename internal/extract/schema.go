// Package extract turns free text from the reasoning backend into typed
// records. Decoding never fails: malformed input yields the schema default.
package extract

import (
	"encoding/json"
	"strings"
)

type Kind int

const (
	KindString Kind = iota
	KindInt
	KindBool
	KindStrings
	KindObjects
)

// Field is one key of a schema. Aliases are accepted in place of Name,
// compared case-insensitively.
type Field struct {
	Name    string
	Kind    Kind
	Aliases []string
	Default any
	// Item describes the elements of a KindObjects field.
	Item *Schema
}

type Schema struct {
	Name        string
	Instruction string
	Fields      []Field
}

// Default returns a record holding every key with its neutral value.
func (s Schema) Default() Record {
	r := make(Record, len(s.Fields))
	for _, f := range s.Fields {
		r[f.Name] = f.zero()
	}
	return r
}

// Keys lists the field names in declaration order.
func (s Schema) Keys() []string {
	keys := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		keys = append(keys, f.Name)
	}
	return keys
}

// Example renders the expected JSON shape for prompts.
func (s Schema) Example() string {
	data, _ := json.Marshal(s.example())
	return string(data)
}

func (s Schema) example() map[string]any {
	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		switch f.Kind {
		case KindString:
			out[f.Name] = "..."
		case KindInt:
			out[f.Name] = 0
		case KindBool:
			out[f.Name] = false
		case KindStrings:
			out[f.Name] = []string{"..."}
		case KindObjects:
			if f.Item != nil {
				out[f.Name] = []any{f.Item.example()}
			} else {
				out[f.Name] = []any{}
			}
		}
	}
	return out
}

func (f Field) zero() any {
	if f.Default != nil {
		return f.Default
	}
	switch f.Kind {
	case KindInt:
		return 0
	case KindBool:
		return false
	case KindStrings:
		return []string{}
	case KindObjects:
		return []Record{}
	}
	return ""
}

func (f Field) matches(key string) bool {
	key = strings.TrimSpace(key)
	if strings.EqualFold(key, f.Name) {
		return true
	}
	for _, a := range f.Aliases {
		if strings.EqualFold(key, a) {
			return true
		}
	}
	return false
}

// listField returns the only list-valued field, used when the backend
// answers with a bare array instead of the wrapping object.
func (s Schema) listField() (Field, bool) {
	var found Field
	n := 0
	for _, f := range s.Fields {
		if f.Kind == KindStrings || f.Kind == KindObjects {
			found = f
			n++
		}
	}
	return found, n == 1
}

// Record is a decoded document. It always holds every schema key.
type Record map[string]any

func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}

func (r Record) Int(key string) int {
	n, _ := r[key].(int)
	return n
}

func (r Record) Bool(key string) bool {
	b, _ := r[key].(bool)
	return b
}

func (r Record) Strings(key string) []string {
	s, _ := r[key].([]string)
	return s
}

func (r Record) Objects(key string) []Record {
	o, _ := r[key].([]Record)
	return o
}
