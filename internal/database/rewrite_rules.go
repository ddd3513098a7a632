package database

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/araddon/dateparse"
)

var (
	listaggRe     = regexp.MustCompile(`(?i)\bLISTAGG\s*\(`)
	withinGroupRe = regexp.MustCompile(`(?i)\s+WITHIN\s+GROUP\b`)
	aliasRe       = regexp.MustCompile(`(?i)\s+AS\s+`)
	dateCallRe    = regexp.MustCompile(`(?i)\bTO_(?:DATE|TIMESTAMP)\s*\(`)
	nullcmpRe     = regexp.MustCompile(`(?i)\bNULLCMP\s*\(`)
	dualExistsRe  = regexp.MustCompile(`(?is)\bFROM\s+DUAL\s+WHERE\s+EXISTS\s*\(`)
)

// rewriteListagg turns LISTAGG(x, sep) WITHIN GROUP (ORDER BY ...) AS alias
// into GROUP_CONCAT(x, sep) AS alias.
func rewriteListagg(stmt string) (string, error) {
	for {
		loc := listaggRe.FindStringIndex(stmt)
		if loc == nil {
			return stmt, nil
		}
		end, err := FindBalance(stmt, loc[1]-1)
		if err != nil {
			return "", err
		}
		as := aliasRe.FindStringIndex(stmt[end:])
		if as == nil {
			return "", fmt.Errorf("%w: LISTAGG must be followed by an AS alias", ErrSyntax)
		}
		tail := stmt[end : end+as[0]]
		if w := withinGroupRe.FindStringIndex(tail); w != nil {
			tail = tail[:w[0]]
		}
		stmt = stmt[:loc[0]] + "GROUP_CONCAT(" + stmt[loc[1]:end] + tail + stmt[end+as[0]:]
	}
}

// rewriteDates evaluates TO_DATE and TO_TIMESTAMP calls with a literal first
// argument to epoch seconds in local time and replaces calls on a bind
// reference with the bind itself. Calls on any other expression are left
// as they are.
func rewriteDates(stmt string) (string, error) {
	from := 0
	for from < len(stmt) {
		loc := dateCallRe.FindStringIndex(stmt[from:])
		if loc == nil {
			break
		}
		start, open := from+loc[0], from+loc[1]-1
		if !outsideQuotes(stmt, start) {
			from = open + 1
			continue
		}
		end, err := FindBalance(stmt, open)
		if err != nil {
			return "", err
		}
		repl, ok, err := evalDateArgs(stmt[open+1 : end-1])
		if err != nil {
			return "", err
		}
		if !ok {
			from = end
			continue
		}
		stmt = stmt[:start] + repl + stmt[end:]
		from = start + len(repl)
	}
	return stmt, nil
}

// evalDateArgs returns the replacement for a date call with the given
// argument list, or false when the call should stay untouched.
func evalDateArgs(inner string) (string, bool, error) {
	parts := strings.Split(inner, ",")
	first, i := parts[0], 1
	for strings.Count(first, "'")%2 != 0 || strings.Count(first, `"`)%2 != 0 {
		if i >= len(parts) {
			return "", false, ErrUnbalancedQuotes
		}
		first += "," + parts[i]
		i++
	}
	first = strings.TrimSpace(first)
	if !strings.ContainsAny(first, `'"`) {
		if isBindReference(first) {
			return first, true, nil
		}
		return "", false, nil
	}

	lit := strings.TrimSpace(strings.NewReplacer("'", "", `"`, "").Replace(first))
	t, err := dateparse.ParseLocal(lit)
	if err != nil {
		return "", false, fmt.Errorf("failed to parse date %q: %w", lit, err)
	}
	return strconv.FormatInt(t.Unix(), 10), true, nil
}

// isBindReference reports whether s is a single placeholder: ?, :name or :1.
func isBindReference(s string) bool {
	if s == "?" {
		return true
	}
	if len(s) < 2 || s[0] != ':' {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isNameByte(s[i]) {
			return false
		}
	}
	return true
}

// convertDateArg converts a bind value holding a date construction call.
func convertDateArg(s string) (any, bool) {
	if !dateCallRe.MatchString(s) {
		return nil, false
	}
	out, err := rewriteDates(s)
	if err != nil {
		return nil, false
	}
	if n, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64); err == nil {
		return n, true
	}
	return out, true
}

func rewriteNullCmp(stmt string) (string, error) {
	for {
		loc := nullcmpRe.FindStringIndex(stmt)
		if loc == nil {
			return stmt, nil
		}
		end, err := FindBalance(stmt, loc[1]-1)
		if err != nil {
			return "", err
		}
		args := splitTopLevel(stmt[loc[1] : end-1])
		if len(args) != 2 {
			return "", fmt.Errorf("%w: NULLCMP takes 2 arguments, got %d", ErrSyntax, len(args))
		}
		a, b := strings.TrimSpace(args[0]), strings.TrimSpace(args[1])
		repl := "CASE\n    WHEN " + a + " is NULL and " + b + " is NULL\n        THEN 1\n" +
			"    WHEN " + a + " = " + b + "\n        THEN 1\n    ELSE 0\nEND"
		stmt = stmt[:loc[0]] + repl + stmt[end:]
	}
}

type span struct{ start, end int }

// rewriteConcat wraps each immediate operand of || in COALESCE(x, '') so
// that a NULL operand yields the other side rather than NULL.
func rewriteConcat(stmt string) (string, error) {
	ops := concatOperators(stmt)
	if len(ops) == 0 {
		return stmt, nil
	}

	var spans []span
	for _, op := range ops {
		if l := leftOperand(stmt, op); l.end > l.start {
			spans = append(spans, l)
		}
		r, err := rightOperand(stmt, op+2)
		if err != nil {
			return "", err
		}
		if r.end > r.start {
			spans = append(spans, r)
		}
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start == spans[j].start {
			return spans[i].end > spans[j].end
		}
		return spans[i].start < spans[j].start
	})

	var (
		b    strings.Builder
		last int
	)
	for _, s := range spans {
		if s.start < last {
			// Same operand shared by two operators, or nested in a wider one.
			continue
		}
		text := stmt[s.start:s.end]
		if strings.Contains(text, "||") {
			inner, err := rewriteConcat(text)
			if err != nil {
				return "", err
			}
			text = inner
		}
		b.WriteString(stmt[last:s.start])
		b.WriteString("COALESCE(" + text + ", '')")
		last = s.end
	}
	b.WriteString(stmt[last:])
	return b.String(), nil
}

func concatOperators(stmt string) []int {
	var (
		ops   []int
		quote byte
	)
	for i := 0; i < len(stmt); i++ {
		c := stmt[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '|' && i+1 < len(stmt) && stmt[i+1] == '|':
			ops = append(ops, i)
			i++
		}
	}
	return ops
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }

func leftOperand(stmt string, op int) span {
	end := op
	for end > 0 && isSpace(stmt[end-1]) {
		end--
	}
	if end == 0 {
		return span{}
	}
	start := end - 1
	switch c := stmt[start]; c {
	case '\'', '"':
		// Walk back over doubled quotes, which escape a quote in the literal.
		j := strings.LastIndexByte(stmt[:start], c)
		for j > 0 && stmt[j-1] == c {
			j = strings.LastIndexByte(stmt[:j-1], c)
		}
		if j >= 0 {
			start = j
		}
	case ')':
		depth := 0
		for ; start >= 0; start-- {
			if stmt[start] == ')' {
				depth++
			} else if stmt[start] == '(' {
				depth--
				if depth == 0 {
					break
				}
			}
		}
		if start < 0 {
			start = 0
		}
		for start > 0 && isWordByte(stmt[start-1]) {
			start--
		}
	default:
		for start > 0 && !isLeftBoundary(stmt[start-1]) {
			start--
		}
	}
	return span{start, end}
}

func rightOperand(stmt string, pos int) (span, error) {
	start := pos
	for start < len(stmt) && isSpace(stmt[start]) {
		start++
	}
	if start >= len(stmt) {
		return span{}, nil
	}
	end := start
	switch c := stmt[start]; {
	case c == '\'' || c == '"':
		end = start + 1
		for {
			j := strings.IndexByte(stmt[end:], c)
			if j < 0 {
				return span{}, ErrUnbalancedQuotes
			}
			end += j + 1
			if end >= len(stmt) || stmt[end] != c {
				break
			}
			end++
		}
	case c == '(':
		e, err := FindBalance(stmt, start)
		if err != nil {
			return span{}, err
		}
		end = e
	default:
		for end < len(stmt) && !isRightBoundary(stmt[end]) {
			end++
		}
		if end < len(stmt) && stmt[end] == '(' {
			e, err := FindBalance(stmt, end)
			if err != nil {
				return span{}, err
			}
			end = e
		}
	}
	return span{start, end}, nil
}

func isWordByte(c byte) bool {
	return c == '_' || c == '.' || c == '$' ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

func isLeftBoundary(c byte) bool {
	return isSpace(c) || c == ',' || c == '(' || c == '|'
}

func isRightBoundary(c byte) bool {
	return isSpace(c) || c == ',' || c == ')' || c == '(' || c == '|' || c == ';'
}

// rewriteDualExists reduces SELECT ... FROM DUAL WHERE EXISTS (q) to q; the
// caller checks for returned rows instead.
func rewriteDualExists(stmt string) (string, error) {
	loc := dualExistsRe.FindStringIndex(stmt)
	if loc == nil {
		return stmt, nil
	}
	end, err := FindBalance(stmt, loc[1]-1)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(stmt[loc[1] : end-1]), nil
}

var tokenReplacer = strings.NewReplacer(
	"nvl(", "ifnull(",
	"NVL(", "ifnull(",
)

func rewriteTokens(stmt string) (string, error) {
	return tokenReplacer.Replace(stmt), nil
}
