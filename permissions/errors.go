package permissions

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Parse error kinds. Every error returned while parsing permissions wraps
// exactly one of these, so callers can tell them apart with errors.Is.
var (
	ErrInvalidFilesystem = errors.New("invalid filesystem location")
	ErrInvalidEnv        = errors.New("invalid environment variable")
	ErrInvalidBusName    = errors.New("invalid bus name")
	ErrInvalidCharacters = errors.New("invalid characters")
	ErrUnknownName       = errors.New("unknown permission")
	ErrInvalidUSBQuery   = errors.New("invalid usb query")
	ErrInvalidPolicy     = errors.New("invalid policy")
	ErrInvalidPersist    = errors.New("invalid persistent directory")
	ErrInvalidOption     = errors.New("invalid option")
	ErrInvalidMetadata   = errors.New("invalid metadata")
)

// ParseError describes input that could not be parsed. Input is always
// rendered quoted, so terminal escapes in it are never printed raw.
type ParseError struct {
	Kind   error
	Input  string
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v %q", e.Kind, e.Input)
	}

	return fmt.Sprintf("%v %q: %s", e.Kind, e.Input, e.Detail)
}

func (e *ParseError) Unwrap() error {
	return e.Kind
}

func parseErrorf(kind error, input, format string, args ...any) error {
	return &ParseError{Kind: kind, Input: input, Detail: fmt.Sprintf(format, args...)}
}

// checkPrintable rejects invalid UTF-8 and control characters (including the
// ESC that starts terminal escape sequences).
func checkPrintable(s string) error {
	if !utf8.ValidString(s) {
		return &ParseError{Kind: ErrInvalidCharacters, Input: s, Detail: "not valid UTF-8"}
	}

	if i := strings.IndexFunc(s, unicode.IsControl); i >= 0 {
		return parseErrorf(ErrInvalidCharacters, s, "control character at offset %d", i)
	}

	return nil
}
