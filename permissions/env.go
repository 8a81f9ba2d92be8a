package permissions

import (
	"bytes"
	"io"
	"strings"
)

func validateEnvName(name string) error {
	if name == "" {
		return parseErrorf(ErrInvalidEnv, name, "empty variable name")
	}

	if strings.ContainsAny(name, "=") {
		return parseErrorf(ErrInvalidEnv, name, "variable name must not contain '='")
	}

	return checkPrintable(name)
}

// ParseEnvBlock parses NUL-separated NAME=VALUE records, as found in
// /proc/PID/environ, into environment overrides. A final record without a
// terminating NUL is accepted. Parsing stops at the first malformed record
// and nothing is applied.
func (c *Context) ParseEnvBlock(block []byte) error {
	parsed := map[string]string{}

	for len(block) > 0 {
		record, rest, _ := bytes.Cut(block, []byte{0})
		block = rest

		name, value, ok := strings.Cut(string(record), "=")
		if !ok {
			return parseErrorf(ErrInvalidEnv, string(record), "expected NAME=VALUE")
		}

		err := validateEnvName(name)
		if err != nil {
			return err
		}

		err = checkPrintable(value)
		if err != nil {
			return err
		}

		parsed[name] = value
	}

	for name, value := range parsed {
		c.env[name] = EnvValue{Value: value}
	}

	return nil
}

// ReadEnvBlock reads r to the end and parses it with [Context.ParseEnvBlock].
func (c *Context) ReadEnvBlock(r io.Reader) error {
	block, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	return c.ParseEnvBlock(block)
}
