package squeezer

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
)

// escapedColon separates the key from the value inside a tagged parameter.
// It is a fixed 3-character marker, distinct from the percent-encoding that
// is applied independently to the key and value text: encoding a literal
// colon inside a value also yields this sequence, but only the first
// occurrence in a token acts as the separator.
const escapedColon = "%3A"

// ErrMalformedToken is returned by SplitTag when a token carries no
// key/value separator, or when either half fails to decode. A malformed
// token aborts parsing of the whole response line.
var ErrMalformedToken = errors.New("squeezer: malformed token")

// Encode percent-encodes a protocol field. Spaces become "+", matching the
// encoding the squeezeserver expects for command parameters.
func Encode(s string) string {
	return url.QueryEscape(s)
}

// Decode reverses Encode.
func Decode(s string) (string, error) {
	return url.QueryUnescape(s)
}

// EncodeTag builds a "key<ESC>value" tagged parameter token. Key and value
// are percent-encoded independently and joined with the escaped-colon
// marker, so a literal colon in the value survives a round trip.
func EncodeTag(key, value string) string {
	return Encode(key) + escapedColon + Encode(value)
}

// SplitTag splits a tagged parameter token at the first escaped-colon
// marker and decodes both halves.
func SplitTag(token string) (key, value string, err error) {
	i := strings.Index(token, escapedColon)
	if i < 0 {
		return "", "", ErrMalformedToken
	}
	key, err = Decode(token[:i])
	if err != nil {
		return "", "", ErrMalformedToken
	}
	value, err = Decode(token[i+len(escapedColon):])
	if err != nil {
		return "", "", ErrMalformedToken
	}
	return key, value, nil
}

// Fields splits a raw response line into its space-separated tokens.
// Positional fields come first; the remainder are tagged parameters.
func Fields(line string) []string {
	return strings.Fields(line)
}

// ParseIntOr parses a decimal integer field, truncating at a decimal point
// if present. The server occasionally reports fractional values for fields
// that are logically integers. Returns def on empty or unparseable input.
func ParseIntOr(s string, def int) int {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// ParseIntOrZero is ParseIntOr with a zero default, the common case for
// counts and offsets.
func ParseIntOrZero(s string) int {
	return ParseIntOr(s, 0)
}
