package errors

import (
	"errors"
	"unicode/utf8"
)

// Excerpt caps s at max runes. Upstream error bodies only ever reach a
// caller through this function.
func Excerpt(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// As is a wrapper around errors.As for better error type assertion
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Is is a wrapper around errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// From converts any error into a RelayError. RelayErrors pass through
// unchanged, everything else becomes a generic internal error.
func From(err error, requestID string) *RelayError {
	var re *RelayError
	if errors.As(err, &re) {
		if re.RequestID == "" {
			re.RequestID = requestID
		}
		return re
	}
	return NewInternalError(requestID, err)
}
