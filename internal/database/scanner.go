package database

import (
	"fmt"
	"strings"
)

// FindBalance returns the offset one past the ')' that balances the first
// '(' found at or after start. It is useful when slicing a complete
// parenthesized argument list out of a statement. Parentheses inside
// string literals do not count; a literal left open fails with both
// ErrUnbalancedParentheses and ErrUnbalancedQuotes.
func FindBalance(stmt string, start int) (int, error) {
	if start < 0 || start > len(stmt) {
		return 0, ErrUnbalancedParentheses
	}
	var (
		stack []int
		quote byte
	)
	for i := start; i < len(stmt); i++ {
		if quote != 0 {
			// A doubled quote closes and reopens the literal.
			if stmt[i] == quote {
				quote = 0
			}
			continue
		}
		switch stmt[i] {
		case '\'', '"':
			quote = stmt[i]
		case '(':
			stack = append(stack, i)
		case ')':
			if len(stack) == 0 {
				return 0, ErrUnbalancedParentheses
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i + 1, nil
			}
		}
	}
	if quote != 0 {
		return 0, fmt.Errorf("%w: %w", ErrUnbalancedParentheses, ErrUnbalancedQuotes)
	}
	return 0, ErrUnbalancedParentheses
}

// splitTopLevel splits s on commas that are outside parentheses and quotes.
func splitTopLevel(s string) []string {
	var (
		parts []string
		depth int
		quote byte
		last  int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ',' && depth == 0:
			parts = append(parts, s[last:i])
			last = i + 1
		}
	}
	return append(parts, s[last:])
}

// indexFold is strings.Index ignoring ASCII case, starting at from.
func indexFold(s, substr string, from int) int {
	if from >= len(s) {
		return -1
	}
	i := strings.Index(strings.ToUpper(s[from:]), strings.ToUpper(substr))
	if i < 0 {
		return -1
	}
	return i + from
}

// outsideQuotes reports whether offset pos of s is outside any string literal.
func outsideQuotes(s string, pos int) bool {
	var quote byte
	for i := 0; i < pos && i < len(s); i++ {
		switch {
		case quote != 0:
			if s[i] == quote {
				quote = 0
			}
		case s[i] == '\'' || s[i] == '"':
			quote = s[i]
		}
	}
	return quote == 0
}
