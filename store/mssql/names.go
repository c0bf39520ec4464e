package mssql

import (
	"fmt"
	"strings"
	"unicode"
)

const maxNameLen = 128

func validateName(name string) error {
	if name == "" {
		return ErrNameRequired
	}
	if len([]rune(name)) > maxNameLen {
		return fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidName, name, maxNameLen)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}

	return nil
}

// quoteName renders name as a bracket-delimited identifier.
func quoteName(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// quoteString renders s as a Unicode string literal.
func quoteString(s string) string {
	return "N'" + strings.ReplaceAll(s, "'", "''") + "'"
}
