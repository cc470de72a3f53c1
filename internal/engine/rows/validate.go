package rows

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	// ErrNoJSONObject marks a response with no {...} span.
	ErrNoJSONObject = errors.New("no JSON object in response")
	// ErrEmptyResponse marks a missing or blank response.
	ErrEmptyResponse = errors.New("empty response")
)

// Value is a field of a validated record: a scalar or a list of strings.
type Value struct {
	Scalar string
	List   []string
	IsList bool
}

// S builds a scalar value.
func S(s string) Value { return Value{Scalar: s} }

// L builds a list value.
func L(items ...string) Value { return Value{List: items, IsList: true} }

// Record is one validated candidate: output field name to value.
type Record map[string]Value

// Failure is a response that could not be validated.
type Failure struct {
	Index int
	Raw   string
	Err   error
}

func (f Failure) Error() string { return fmt.Sprintf("response %d: %v", f.Index, f.Err) }
func (f Failure) Unwrap() error { return f.Err }

// Validate parses each response. A nil entry stands for a failed model call.
// Successes keep input order; Failure.Index points back into raws.
func Validate(raws []*string) ([]Record, []Failure) {
	var (
		ok   []Record
		fail []Failure
	)
	for i, raw := range raws {
		if raw == nil {
			fail = append(fail, Failure{Index: i, Err: ErrEmptyResponse})
			continue
		}
		rec, err := Parse(*raw)
		if err != nil {
			fail = append(fail, Failure{Index: i, Raw: *raw, Err: err})
			continue
		}
		ok = append(ok, rec)
	}
	return ok, fail
}

// Parse extracts the substring from the first '{' to the last '}' and
// decodes it as a JSON object. Role and Company are whitespace-trimmed.
func Parse(raw string) (Record, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyResponse
	}
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		return nil, ErrNoJSONObject
	}

	dec := json.NewDecoder(strings.NewReader(raw[start : end+1]))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode: trailing data after object")
	}
	if len(obj) == 0 {
		return nil, ErrEmptyResponse
	}

	rec := make(Record, len(obj))
	for k, v := range obj {
		if items, ok := v.([]any); ok {
			list := make([]string, len(items))
			for i, it := range items {
				list[i] = stringify(it)
			}
			rec[k] = L(list...)
			continue
		}
		rec[k] = S(stringify(v))
	}
	for _, f := range trimmedFields {
		if v, ok := rec[f]; ok {
			rec[f] = trim(v)
		}
	}
	return rec, nil
}

func trim(v Value) Value {
	if !v.IsList {
		return S(strings.TrimSpace(v.Scalar))
	}
	out := make([]string, len(v.List))
	for i, s := range v.List {
		out[i] = strings.TrimSpace(s)
	}
	return L(out...)
}

// stringify renders a decoded JSON value as cell text.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(t); err != nil {
			return fmt.Sprint(t)
		}
		return strings.TrimSpace(buf.String())
	}
}
