package database

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// rewritePyformatToNumbered converts %(name)s and %s placeholders outside
// string literals to $1, $2, etc. A repeated name reuses its number. The
// returned names hold one entry per number, "" for positional ones.
func rewritePyformatToNumbered(query string) (string, []string) {
	var (
		b     strings.Builder
		names []string
		seen  = map[string]int{}
		quote byte
	)
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '%' && i+1 < len(query):
			switch next := query[i+1]; {
			case next == '%':
				b.WriteByte('%')
				i++
				continue
			case next == 's':
				names = append(names, "")
				b.WriteString("$" + strconv.Itoa(len(names)))
				i++
				continue
			case next == '(':
				end := strings.Index(query[i:], ")s")
				if end < 0 {
					break
				}
				name := strings.ToLower(query[i+2 : i+end])
				n, ok := seen[name]
				if !ok {
					names = append(names, name)
					n = len(names)
					seen[name] = n
				}
				b.WriteString("$" + strconv.Itoa(n))
				i += end + 1
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String(), names
}

// rewriteNamedToQuestion converts :name placeholders outside string literals
// to ?, keeping existing ? placeholders as positional.
func rewriteNamedToQuestion(query string) (string, []string) {
	var (
		b     strings.Builder
		names []string
		quote byte
	)
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '?':
			names = append(names, "")
		case c == ':' && i+1 < len(query) && isNameStart(query[i+1]) && (i == 0 || query[i-1] != ':'):
			j := i + 1
			for j < len(query) && isNameByte(query[j]) {
				j++
			}
			names = append(names, strings.ToLower(query[i+1:j]))
			b.WriteByte('?')
			i = j - 1
			continue
		}
		b.WriteByte(c)
	}
	return b.String(), names
}

func isNameStart(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isNameByte(c byte) bool {
	return isNameStart(c) || ('0' <= c && c <= '9')
}

// bind orders args to match the statement's placeholders. Statements
// without a name list pass args through for the driver to bind.
func (st *statement) bind(args []any) ([]any, error) {
	if st.names == nil {
		return args, nil
	}
	var (
		named      = map[string]any{}
		positional []any
	)
	for _, a := range args {
		if na, ok := a.(sql.NamedArg); ok {
			named[strings.ToLower(na.Name)] = na.Value
		} else {
			positional = append(positional, a)
		}
	}

	out := make([]any, 0, len(st.names))
	for _, name := range st.names {
		if name == "" {
			if len(positional) == 0 {
				return nil, fmt.Errorf("not enough arguments for positional placeholders")
			}
			out = append(out, positional[0])
			positional = positional[1:]
			continue
		}
		v, ok := named[name]
		if !ok {
			return nil, fmt.Errorf("missing value for bind parameter %q", name)
		}
		out = append(out, v)
	}
	return out, nil
}
