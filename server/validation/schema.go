package validation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/pkoukk/tiktoken-go"
)

var validate = validator.New()

// Var validates a single value against a validator tag such as
// "oneof=EN ES FR TR" or "len=2,alpha" and reports failures as a
// FieldError naming field.
func Var(field, value, tag string) error {
	err := validate.Var(value, tag)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &FieldError{Field: field, Kind: Invalid, Msg: describe(field, verrs[0])}
	}
	return &FieldError{Field: field, Kind: Invalid}
}

// Struct validates a request struct using its validate tags. The first
// failing field is reported.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		name := fieldName(fe)
		kind := Invalid
		if fe.Tag() == "required" {
			kind = Required
		}
		return &FieldError{Field: name, Kind: kind, Msg: describe(name, fe)}
	}
	return err
}

func fieldName(fe validator.FieldError) string {
	name := fe.Field()
	if len(name) > 0 {
		name = strings.ToLower(name[:1]) + name[1:]
	}
	return name
}

func describe(field string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "oneof":
		return fmt.Sprintf("%s must be one of %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "len":
		return fmt.Sprintf("%s must be %s characters", field, fe.Param())
	case "alpha":
		return field + " must contain letters only"
	case "required":
		return field + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	}
	return field + " is invalid"
}

// OneOfTag builds a validator oneof tag from an allow-list.
func OneOfTag(allowed []string) string {
	return "oneof=" + strings.Join(allowed, " ")
}

// Tokenizer counts tokens for history budgeting.
type Tokenizer interface {
	CountTokens(text string) int
}

// tiktokenWrapper wraps tiktoken to implement our Tokenizer interface
type tiktokenWrapper struct {
	enc *tiktoken.Tiktoken
}

func (t *tiktokenWrapper) CountTokens(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// NewTokenizer loads a tiktoken encoding such as cl100k_base. Loading may
// fetch the encoding file on first use.
func NewTokenizer(encoding string) (Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", encoding, err)
	}
	return &tiktokenWrapper{enc: enc}, nil
}

// LazyTokenizer loads its encoding on first use. If loading fails, every
// count is 0 and Err reports why, which disables budgeting.
type LazyTokenizer struct {
	Encoding string

	once sync.Once
	tok  Tokenizer
	err  error
}

func (l *LazyTokenizer) load() {
	l.once.Do(func() {
		l.tok, l.err = NewTokenizer(l.Encoding)
	})
}

// CountTokens implements Tokenizer.
func (l *LazyTokenizer) CountTokens(text string) int {
	l.load()
	if l.err != nil {
		return 0
	}
	return l.tok.CountTokens(text)
}

// Err returns the load error, if any.
func (l *LazyTokenizer) Err() error {
	l.load()
	return l.err
}

// TrimToBudget drops the oldest turns until the history fits in max tokens.
// A max of 0 or a nil tokenizer disables the budget.
func TrimToBudget(turns []ChatTurn, tok Tokenizer, max int) []ChatTurn {
	if max <= 0 || tok == nil {
		return turns
	}
	counts := make([]int, len(turns))
	total := 0
	for i, t := range turns {
		counts[i] = tok.CountTokens(t.Content)
		total += counts[i]
	}
	start := 0
	for total > max && start < len(turns) {
		total -= counts[start]
		start++
	}
	return turns[start:]
}
