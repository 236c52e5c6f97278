package certs

import (
	"errors"
	"fmt"
	"strings"
)

// SplitCommand splits a tool command line such as `ip -4 -o addr show` into
// argv. Single quotes are literal, double quotes allow backslash escapes and
// a bare backslash escapes the next rune.
func SplitCommand(cmd string) ([]string, error) {
	var argv []string
	var cur strings.Builder
	quote := rune(0)
	escaped := false
	for _, r := range cmd {
		if escaped {
			cur.WriteRune(r)
			escaped = false
			continue
		}
		switch {
		case r == '\\' && quote != '\'':
			escaped = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
		case r == ' ' || r == '\t' || r == '\n':
			if cur.Len() > 0 {
				argv = append(argv, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if escaped {
		return nil, errors.New("unterminated escape sequence: command ends with backslash")
	}
	if quote != 0 {
		return nil, fmt.Errorf("unclosed quote: missing closing %c", quote)
	}
	if cur.Len() > 0 {
		argv = append(argv, cur.String())
	}
	return argv, nil
}
