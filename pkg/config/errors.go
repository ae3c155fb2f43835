package config

import (
	"fmt"
	"strings"
)

// ValidationError is one problem found in a policy document.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path, e.g. "config.blockMode".
	Path string `json:"path,omitempty"`

	Message string `json:"message"`
}

// String renders the error as file:line:col: path: message.
func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned when a policy document is rejected.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "invalid policy document"
	case 1:
		return "invalid policy document: " + e[0].String()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "invalid policy document, %d errors:", len(e))
	for _, ve := range e {
		b.WriteString("\n  - ")
		b.WriteString(ve.String())
	}
	return b.String()
}
