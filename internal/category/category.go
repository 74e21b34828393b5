// Package category maps file names to the storage category that owns them.
package category

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrUnknown is returned when a name carries no supported extension.
var ErrUnknown = errors.New("unsupported file extension")

// Category identifies which storage node owns a file.
type Category uint8

const (
	// None is the zero value and means "no category".
	None Category = iota
	Code
	Document
	Text
	Archive
)

// All lists every category in merge order: Code, Document, Text, Archive.
// Fan-out listings are concatenated in exactly this order.
var All = []Category{Code, Document, Text, Archive}

var extensions = map[Category]string{
	Code:     ".c",
	Document: ".pdf",
	Text:     ".txt",
	Archive:  ".zip",
}

var names = map[Category]string{
	Code:     "code",
	Document: "document",
	Text:     "text",
	Archive:  "archive",
}

// Extension returns the file extension (with leading dot) owned by c.
func (c Category) Extension() string {
	return extensions[c]
}

// String returns the lowercase category name, or "none".
func (c Category) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return "none"
}

// Valid reports whether c is one of the four known categories.
func (c Category) Valid() bool {
	_, ok := extensions[c]
	return ok
}

// Matches reports whether name has the extension owned by c.
func (c Category) Matches(name string) bool {
	return c.Valid() && Classify(name) == c
}

// Classify returns the category of a file name or path, derived from the text
// after the last dot of its base name. Names without a supported extension
// (including names with no extension at all) return None.
func Classify(name string) Category {
	ext := path.Ext(path.Base(name))
	if ext == "" {
		return None
	}
	return FromExtension(ext)
}

// FromExtension maps an extension such as ".pdf" to its category. The
// comparison is case-sensitive.
func FromExtension(ext string) Category {
	for c, e := range extensions {
		if e == ext {
			return c
		}
	}
	return None
}

// Parse accepts either a category name ("text") or an extension (".txt").
func Parse(s string) (Category, error) {
	s = strings.TrimSpace(s)
	if c := FromExtension(s); c != None {
		return c, nil
	}
	for c, n := range names {
		if strings.EqualFold(n, s) {
			return c, nil
		}
	}
	return None, fmt.Errorf("category %q: %w", s, ErrUnknown)
}
