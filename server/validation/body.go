// Package validation turns raw request bodies into normalized, size-capped
// fields. Nothing in this package performs I/O beyond reading the body.
package validation

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// ErrBodyTooLarge is returned by ReadBody when the body exceeds its limit.
var ErrBodyTooLarge = errors.New("request body too large")

// Fields is a parsed request body. Lookups on a nil Fields are safe.
type Fields map[string]any

// ParseBody decodes raw as a JSON object. Malformed JSON, a non-object
// document or an empty body all yield an empty record; required-field
// checks downstream then reject the request.
func ParseBody(raw []byte) Fields {
	var f Fields
	if err := json.Unmarshal(raw, &f); err != nil || f == nil {
		return Fields{}
	}
	return f
}

// ReadBody reads at most limit bytes of r's body.
func ReadBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	if r.ContentLength > limit {
		return nil, ErrBodyTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// Text coerces a JSON value to text. Strings pass through, numbers and
// booleans are formatted, anything else is empty.
func Text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

// String returns the first alias whose value is non-blank text.
func (f Fields) String(keys ...string) string {
	for _, k := range keys {
		if s := Text(f[k]); strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// Number returns a numeric field. Numeric strings are accepted.
func (f Fields) Number(key string) (float64, bool) {
	switch t := f[key].(type) {
	case float64:
		return t, true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return n, err == nil
	}
	return 0, false
}

// List returns an array field or nil.
func (f Fields) List(key string) []any {
	l, _ := f[key].([]any)
	return l
}

// Object returns a nested object field or an empty record.
func (f Fields) Object(key string) Fields {
	if m, ok := f[key].(map[string]any); ok {
		return Fields(m)
	}
	return Fields{}
}

// Has reports whether key is present, even with a null value.
func (f Fields) Has(key string) bool {
	_, ok := f[key]
	return ok
}
