// Package conffile edits line-oriented "key value" configuration files such
// as redis.conf. The file is parsed into a line slice once, mutated in
// memory, and serialized back in a single write, so repeated runs of the
// same mutations leave the file byte-identical.
package conffile

import (
	"fmt"
	"os"
	"strings"
)

// ListKeys are directives that may legitimately appear multiple times.
// Writes to these keys always append and never replace.
var ListKeys = map[string]bool{
	"save":           true,
	"rename-command": true,
}

// File is an in-memory representation of a directive file.
type File struct {
	path  string
	lines []string
}

// Load reads the directive file at path. A missing file is not an error and
// yields an empty file, matching first-boot behavior on a fresh volume.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{path: path}, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	content := strings.TrimSuffix(string(data), "\n")
	if content == "" {
		return &File{path: path}, nil
	}
	return &File{path: path, lines: strings.Split(content, "\n")}, nil
}

// Save writes the file back to disk. The caller decides whether a write
// failure is fatal.
func (f *File) Save() error {
	var sb strings.Builder
	for _, line := range f.lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(f.path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", f.path, err)
	}
	return nil
}

// Path returns the backing file path.
func (f *File) Path() string {
	return f.path
}

// Len returns the number of lines currently held.
func (f *File) Len() int {
	return len(f.lines)
}

// String renders the file as it would be written to disk.
func (f *File) String() string {
	if len(f.lines) == 0 {
		return ""
	}
	return strings.Join(f.lines, "\n") + "\n"
}

// Get returns the value of the last line whose key matches, whether the line
// is active or commented out. The second return is false if the key does not
// appear at all.
func (f *File) Get(key string) (string, bool) {
	value, found := "", false
	for _, line := range f.lines {
		if v, ok := matchDirective(line, key); ok {
			value, found = v, true
		}
	}
	return value, found
}

// Set writes a directive. For list-typed keys (ListKeys) the line is always
// appended. For scalar keys the first matching line, commented or active, is
// replaced in place and any further matches are dropped so the file never
// accumulates duplicates; if no line matches, the directive is appended.
func (f *File) Set(key, value string) {
	key = strings.ToLower(strings.TrimSpace(key))
	line := key + " " + EscapeValue(value)

	if ListKeys[key] {
		f.lines = append(f.lines, line)
		return
	}

	replaced := false
	kept := f.lines[:0]
	for _, existing := range f.lines {
		if _, ok := matchDirective(existing, key); ok {
			if !replaced {
				kept = append(kept, line)
				replaced = true
			}
			continue
		}
		kept = append(kept, existing)
	}
	f.lines = kept

	if !replaced {
		f.lines = append(f.lines, line)
	}
}

// GetAll returns the values of every active (uncommented) line matching the
// key, in file order. Useful for list-typed keys.
func (f *File) GetAll(key string) []string {
	key = strings.ToLower(strings.TrimSpace(key))
	var values []string
	for _, line := range f.lines {
		if strings.HasPrefix(strings.TrimLeft(line, " \t"), "#") {
			continue
		}
		if v, ok := matchDirective(line, key); ok {
			values = append(values, v)
		}
	}
	return values
}

// HasDirective reports whether an active (uncommented) line carries exactly
// the given key and value. Used to keep appends to list-typed keys
// idempotent at the caller's level.
func (f *File) HasDirective(key, value string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	want := EscapeValue(value)
	for _, line := range f.lines {
		if strings.HasPrefix(strings.TrimLeft(line, " \t"), "#") {
			continue
		}
		if v, ok := matchDirective(line, key); ok && v == want {
			return true
		}
	}
	return false
}

// Unset removes every line matching the key, commented or active.
func (f *File) Unset(key string) {
	kept := f.lines[:0]
	for _, existing := range f.lines {
		if _, ok := matchDirective(existing, key); ok {
			continue
		}
		kept = append(kept, existing)
	}
	f.lines = kept
}

// EscapeValue sanitizes a directive value for single-line rendering:
// newlines, carriage returns and tabs collapse to single spaces, and an
// empty value is rendered as an explicit empty-quoted token so "set to
// empty" stays distinguishable from "absent".
func EscapeValue(value string) string {
	value = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return ' '
		}
		return r
	}, value)
	value = strings.Join(strings.Fields(value), " ")
	if value == "" {
		return `""`
	}
	return value
}

// matchDirective reports whether line carries the given key, active or
// commented out (any number of leading '#'), and returns the raw value: the
// remainder of the line after the key token.
func matchDirective(line, key string) (string, bool) {
	trimmed := strings.TrimLeft(line, "#")
	trimmed = strings.TrimLeft(trimmed, " \t")

	if len(trimmed) < len(key) || !strings.EqualFold(trimmed[:len(key)], key) {
		return "", false
	}
	rest := trimmed[len(key):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return "", false
	}
	return strings.TrimSpace(rest), true
}
