package store

import (
	"errors"
	"fmt"
	"strings"
)

const pathSep = "/"

var ErrInvalidPath = errors.New("invalid path")

// Join concatenates path segments, empty segments are skipped.
func Join(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, pathSep)
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, pathSep)
}

// Split returns the segments of a path, nil for the root.
func Split(path string) []string {
	path = strings.Trim(path, pathSep)
	if path == "" {
		return nil
	}
	return strings.Split(path, pathSep)
}

// ValidatePath checks every segment of path. The root (empty path) is valid.
func ValidatePath(path string) error {
	for _, seg := range Split(path) {
		if err := ValidateKey(seg); err != nil {
			return fmt.Errorf("%w %q: %s", ErrInvalidPath, path, err)
		}
	}
	return nil
}

// ValidateKey checks a single segment: non-empty, no separators, no pattern or reserved characters.
func ValidateKey(key string) error {
	if key == "" {
		return errors.New("empty key")
	}
	for _, r := range key {
		switch {
		case r < 0x20 || r == 0x7f:
			return errors.New("control character in key")
		case strings.ContainsRune("/.#$[]*?", r):
			return fmt.Errorf("character %q not allowed in key", r)
		}
	}
	return nil
}

// related reports whether a change at one path affects a view of the other: one of them is an ancestor of
// (or equal to) the other.
func related(a, b string) bool {
	return isAncestorOrSelf(a, b) || isAncestorOrSelf(b, a)
}

func isAncestorOrSelf(ancestor, path string) bool {
	if ancestor == "" || ancestor == path {
		return true
	}
	return strings.HasPrefix(path, ancestor+pathSep)
}

// ancestors returns the strict, non-root ancestors of path from the top down.
func ancestors(path string) []string {
	segs := Split(path)
	res := make([]string, 0, len(segs))
	for i := 1; i < len(segs); i++ {
		res = append(res, strings.Join(segs[:i], pathSep))
	}
	return res
}

// relative returns path relative to base, which must be an ancestor or equal.
func relative(base, path string) string {
	if base == "" {
		return path
	}
	return strings.TrimPrefix(strings.TrimPrefix(path, base), pathSep)
}

// EscapeKey turns an arbitrary string (f.e. an email address) into a valid key. Dots become commas, the other
// forbidden characters become underscores.
func EscapeKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '.':
			return ','
		case r < 0x20 || r == 0x7f || strings.ContainsRune("/#$[]*?", r):
			return '_'
		}
		return r
	}, s)
}
