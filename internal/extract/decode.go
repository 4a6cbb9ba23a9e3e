package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrMalformed marks a reply that could not be decoded.
var ErrMalformed = errors.New("malformed extraction")

// Step records which parsing step produced a Result.
type Step int

const (
	StepDirect Step = iota
	StepSubstring
	StepStripped
	StepDefault
)

func (s Step) String() string {
	switch s {
	case StepDirect:
		return "direct"
	case StepSubstring:
		return "substring"
	case StepStripped:
		return "stripped"
	}
	return "default"
}

// Result is the outcome of a decode. Record is always usable; Err is
// set when Record is the schema default.
type Result struct {
	Record Record
	Step   Step
	Err    error
}

func (r Result) OK() bool { return r.Err == nil }

const maxCandidates = 16

var (
	fenceRegex         = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")
	trailingCommaRegex = regexp.MustCompile(`,\s*([}\]])`)
	smartQuotes        = strings.NewReplacer("“", `"`, "”", `"`, "«", `"`, "»", `"`, "‘", "'", "’", "'")
)

// Decode parses raw against schema: direct parse, then the first
// bracket-matched substring, then the same two on cleaned-up text, then
// the schema default.
func Decode(raw string, schema Schema) Result {
	if rec, ok := parseDirect(raw, schema); ok {
		return Result{Record: rec, Step: StepDirect}
	}
	if rec, ok := parseSubstring(raw, schema); ok {
		return Result{Record: rec, Step: StepSubstring}
	}
	cleaned := strip(raw)
	if cleaned != raw {
		if rec, ok := parseDirect(cleaned, schema); ok {
			return Result{Record: rec, Step: StepStripped}
		}
		if rec, ok := parseSubstring(cleaned, schema); ok {
			return Result{Record: rec, Step: StepStripped}
		}
	}
	return Result{
		Record: schema.Default(),
		Step:   StepDefault,
		Err:    fmt.Errorf("%w: %s: no decodable json", ErrMalformed, schema.Name),
	}
}

func parseDirect(raw string, schema Schema) (Record, bool) {
	text := strings.TrimSpace(raw)
	if text == "" || !gjson.Valid(text) {
		return nil, false
	}
	return build(gjson.Parse(text), schema)
}

func parseSubstring(raw string, schema Schema) (Record, bool) {
	tried := 0
	for i := 0; i < len(raw) && tried < maxCandidates; i++ {
		if raw[i] != '{' && raw[i] != '[' {
			continue
		}
		tried++
		end := matchBracket(raw, i)
		if end < 0 {
			continue
		}
		candidate := raw[i : end+1]
		if !gjson.Valid(candidate) {
			continue
		}
		if rec, ok := build(gjson.Parse(candidate), schema); ok {
			return rec, true
		}
	}
	return nil, false
}

// matchBracket returns the index closing the bracket at start, honoring
// JSON strings, or -1.
func matchBracket(s string, start int) int {
	var stack []byte
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}

func strip(raw string) string {
	text := raw
	if m := fenceRegex.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	text = smartQuotes.Replace(text)
	text = trailingCommaRegex.ReplaceAllString(text, "$1")
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "json")
	return strings.TrimSpace(text)
}

func build(v gjson.Result, schema Schema) (Record, bool) {
	if v.IsArray() {
		lf, ok := schema.listField()
		if !ok {
			return nil, false
		}
		rec := schema.Default()
		rec[lf.Name] = coerce(v, lf)
		return rec, true
	}
	if !v.IsObject() {
		return nil, false
	}

	rec := schema.Default()
	v.ForEach(func(key, value gjson.Result) bool {
		for _, f := range schema.Fields {
			if f.matches(key.String()) {
				rec[f.Name] = coerce(value, f)
				break
			}
		}
		return true
	})
	return rec, true
}

func coerce(v gjson.Result, f Field) any {
	switch f.Kind {
	case KindString:
		if v.Type == gjson.Null || v.IsObject() {
			return f.zero()
		}
		if v.IsArray() {
			return strings.Join(stringItems(v), ", ")
		}
		return strings.TrimSpace(v.String())
	case KindInt:
		switch v.Type {
		case gjson.Number:
			return int(v.Int())
		case gjson.String:
			if n, err := strconv.Atoi(strings.TrimSpace(v.String())); err == nil {
				return n
			}
			if fl, err := strconv.ParseFloat(strings.TrimSpace(v.String()), 64); err == nil {
				return int(fl)
			}
		}
		return f.zero()
	case KindBool:
		switch v.Type {
		case gjson.True:
			return true
		case gjson.False:
			return false
		case gjson.String:
			switch strings.ToLower(strings.TrimSpace(v.String())) {
			case "true", "yes", "si", "sí", "1":
				return true
			case "false", "no", "0":
				return false
			}
		case gjson.Number:
			return v.Int() != 0
		}
		return f.zero()
	case KindStrings:
		if v.IsArray() {
			return stringItems(v)
		}
		if v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
			return []string{strings.TrimSpace(v.String())}
		}
		return f.zero()
	case KindObjects:
		if !v.IsArray() || f.Item == nil {
			return f.zero()
		}
		out := []Record{}
		for _, item := range v.Array() {
			switch {
			case item.IsObject():
				if rec, ok := build(item, *f.Item); ok {
					out = append(out, rec)
				}
			case item.Type == gjson.String && strings.TrimSpace(item.String()) != "":
				// A bare string stands for the first string field.
				rec := f.Item.Default()
				for _, inner := range f.Item.Fields {
					if inner.Kind == KindString {
						rec[inner.Name] = strings.TrimSpace(item.String())
						break
					}
				}
				out = append(out, rec)
			}
		}
		return out
	}
	return f.zero()
}

func stringItems(v gjson.Result) []string {
	out := []string{}
	for _, item := range v.Array() {
		var s string
		switch {
		case item.IsObject():
			// Use the first string value of an object item.
			item.ForEach(func(_, value gjson.Result) bool {
				if value.Type == gjson.String {
					s = value.String()
					return false
				}
				return true
			})
		case item.Type == gjson.Null:
		default:
			s = item.String()
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
