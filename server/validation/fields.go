package validation

import (
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Case selects the case folding applied by Normalize.
type Case int

const (
	KeepCase Case = iota
	Lower
	Upper
)

// ErrorKind classifies a FieldError.
type ErrorKind int

const (
	Required ErrorKind = iota + 1
	TooLong
	Invalid
)

// FieldError reports the field that failed normalization or validation.
type FieldError struct {
	Field string
	Kind  ErrorKind
	Limit int
	Msg   string
}

func (e *FieldError) Error() string {
	switch e.Kind {
	case Required:
		return e.Field + " is required"
	case TooLong:
		return fmt.Sprintf("%s too long (max %d)", e.Field, e.Limit)
	}
	if e.Msg != "" {
		return e.Msg
	}
	return e.Field + " is invalid"
}

// FieldSpec describes how one text field is normalized.
type FieldSpec struct {
	Name string
	// Max is the length cap in runes, 0 for none.
	Max int
	// Hard rejects values over Max instead of truncating them.
	Hard     bool
	Case     Case
	Required bool
}

// Normalize folds case, trims, and caps value according to spec.
// Normalize(Normalize(x)) == Normalize(x) for every spec.
func Normalize(value string, spec FieldSpec) (string, error) {
	s := value
	switch spec.Case {
	case Lower:
		s = strings.ToLower(s)
	case Upper:
		s = strings.ToUpper(s)
	}
	s = strings.TrimSpace(s)

	if spec.Max > 0 && utf8.RuneCountInString(s) > spec.Max {
		if spec.Hard {
			return "", &FieldError{Field: spec.Name, Kind: TooLong, Limit: spec.Max}
		}
		s = strings.TrimRightFunc(truncate(s, spec.Max), unicode.IsSpace)
	}
	if s == "" && spec.Required {
		return "", &FieldError{Field: spec.Name, Kind: Required}
	}
	return s, nil
}

func truncate(s string, max int) string {
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

// Clamp bounds v to [lo, hi]. NaN becomes def.
func Clamp(v, lo, hi, def float64) float64 {
	if math.IsNaN(v) {
		return def
	}
	return math.Min(hi, math.Max(lo, v))
}

// OneOf returns value when it is in allowed, def otherwise. It is used for
// selectors where an unknown value falls back to a safe default.
func OneOf(value string, allowed []string, def string) string {
	for _, a := range allowed {
		if value == a {
			return value
		}
	}
	return def
}
