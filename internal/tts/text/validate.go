// Package text validates user-submitted text before any provider call is made.
package text

import (
	"strings"
	"unicode/utf8"
)

// MaxCharacters is the provider's hard limit on input length.
const MaxCharacters = 4096

// Validation error messages.
const (
	errTextRequired = "Text is required and must be a string"
	errTextEmpty    = "Text cannot be empty"
	errTextTooLong  = "Text must be 4096 characters or less"
)

// Result describes the outcome of validating one text payload.
type Result struct {
	IsValid        bool     `json:"isValid"`
	Errors         []string `json:"errors"`
	CharacterCount int      `json:"characterCount"`
	WordCount      int      `json:"wordCount"`
}

// ValidateValue validates a decoded JSON value, rejecting anything that is not a string.
func ValidateValue(value any) Result {
	str, ok := value.(string)
	if !ok {
		return Result{
			IsValid:        false,
			Errors:         []string{errTextRequired},
			CharacterCount: 0,
			WordCount:      0,
		}
	}

	return Validate(str)
}

// Validate checks the length constraints of text. Characters are counted as runes.
func Validate(text string) Result {
	errs := make([]string, 0, 2)

	if text == "" {
		errs = append(errs, errTextRequired)
	} else if strings.TrimSpace(text) == "" {
		errs = append(errs, errTextEmpty)
	}

	characterCount := utf8.RuneCountInString(text)
	if characterCount > MaxCharacters {
		errs = append(errs, errTextTooLong)
	}

	return Result{
		IsValid:        len(errs) == 0,
		Errors:         errs,
		CharacterCount: characterCount,
		WordCount:      WordCount(text),
	}
}

// WordCount returns the number of whitespace-delimited tokens in text.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
