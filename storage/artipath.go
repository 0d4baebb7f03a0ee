package storage

import (
	"strings"
	"unicode"

	"github.com/torcore/tor-core/torerr"
)

// ArtiPath is a validated storage key: a nonempty, "/"-separated path of
// components, each restricted to characters safe to embed directly in a
// filesystem path on every supported platform.
type ArtiPath string

// ArtiPathComponent is a single path segment, validated in isolation; it
// may never itself contain "/".
type ArtiPathComponent string

// middleOnlyChars may appear in a component but never as its first or
// last character, so that no component can be confused with "." or ".."
// or collide with a leading/trailing separator when flattened onto a
// filesystem.
const middleOnlyChars = "-_."

func isAllowedChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(middleOnlyChars, r)
}

// ValidateComponent reports whether s is a well-formed single path
// component: nonempty, built only from letters, digits, "-", "_", and
// ".", with none of the middle-only characters as its first or last
// rune, and never containing "..".
func ValidateComponent(s string) error {
	if s == "" {
		return torerr.Config("path component must not be empty")
	}
	runes := []rune(s)
	for _, r := range runes {
		if !isAllowedChar(r) {
			return torerr.Config("path component contains a disallowed character: " + s)
		}
	}
	first, last := runes[0], runes[len(runes)-1]
	if strings.ContainsRune(middleOnlyChars, first) {
		return torerr.Config("path component must not start with '-', '_', or '.': " + s)
	}
	if strings.ContainsRune(middleOnlyChars, last) {
		return torerr.Config("path component must not end with '-', '_', or '.': " + s)
	}
	if strings.Contains(s, "..") {
		return torerr.Config("path component must not contain '..': " + s)
	}
	return nil
}

// NewArtiPath validates s as a full ArtiPath: a nonempty sequence of
// "/"-separated components, each individually valid per
// ValidateComponent. A leading, trailing, or doubled "/" is rejected,
// since it would produce an empty component.
func NewArtiPath(s string) (ArtiPath, error) {
	if s == "" {
		return "", torerr.Config("path must not be empty")
	}
	for _, part := range strings.Split(s, "/") {
		if err := ValidateComponent(part); err != nil {
			return "", err
		}
	}
	return ArtiPath(s), nil
}

// NewArtiPathComponent validates s as a single component, rejecting any
// "/" within it.
func NewArtiPathComponent(s string) (ArtiPathComponent, error) {
	if strings.Contains(s, "/") {
		return "", torerr.Config("path component must not contain '/': " + s)
	}
	if err := ValidateComponent(s); err != nil {
		return "", err
	}
	return ArtiPathComponent(s), nil
}

// Join appends a component to a path, producing a new validated
// ArtiPath.
func (p ArtiPath) Join(c ArtiPathComponent) ArtiPath {
	return ArtiPath(string(p) + "/" + string(c))
}
