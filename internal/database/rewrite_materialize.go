package database

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Staging tables that stand in for materialized subqueries.
const (
	imageStagingTable = "COADD_IMAGE_QUERY"
	tileStagingTable  = "COADD_TILE_QUERY"
)

var (
	whitespaceRe   = regexp.MustCompile(`\s+`)
	materializeRe  = regexp.MustCompile(`(?i)/\*\s*\+\s*materialize\s*\*/`)
	cteHeadRe      = regexp.MustCompile(`(?i)(,\s*)?\b(\w+)\s+AS\s*$`)
	trailingWithRe = regexp.MustCompile(`(?i)\bWITH\s*$`)
	leadingDistRe  = regexp.MustCompile(`(?i)^DISTINCT\s+`)
)

// materializeRule expands WITH name AS (SELECT /*+ materialize */ ...) into
// a read of a staging table under the CTE name, and queues the statements
// that fill the staging table in the current transaction.
type materializeRule struct{}

func (r *materializeRule) Name() string { return "materialize" }

func (r *materializeRule) Rewrite(ctx context.Context, stmt string) (string, error) {
	if !materializeRe.MatchString(stmt) {
		return stmt, nil
	}
	plan := stagingPlanFrom(ctx)
	if plan == nil {
		return "", fmt.Errorf("materialize hint found but no statement executor is configured")
	}

	stmt = strings.TrimSpace(whitespaceRe.ReplaceAllString(stmt, " "))
	for {
		hint := materializeRe.FindStringIndex(stmt)
		if hint == nil {
			return stmt, nil
		}
		open := strings.LastIndexByte(stmt[:hint[0]], '(')
		if open < 0 {
			return "", ErrUnexpectedMaterializeFormat
		}
		end, err := FindBalance(stmt, open)
		if err != nil {
			return "", err
		}
		m := cteHeadRe.FindStringSubmatchIndex(stmt[:open])
		if m == nil {
			return "", ErrUnexpectedMaterializeFormat
		}
		name := stmt[m[4]:m[5]]
		body := strings.TrimSpace(whitespaceRe.ReplaceAllString(materializeRe.ReplaceAllString(stmt[open+1:end-1], ""), " "))

		table, err := stagingTable(body)
		if err != nil {
			return "", err
		}
		cols, err := selectColumns(body)
		if err != nil {
			return "", err
		}
		plan.add(r.Name(), "clear", table, "DELETE FROM "+table)
		plan.add(r.Name(), "populate", table,
			fmt.Sprintf("INSERT INTO %s (%s) %s", table, strings.Join(cols, ","), body))

		prefix := strings.TrimSpace(stmt[:m[0]])
		suffix := strings.TrimSpace(stmt[end:])
		if trailingWithRe.MatchString(prefix) {
			if strings.HasPrefix(suffix, ",") {
				// Another CTE follows; keep WITH for it.
				suffix = strings.TrimSpace(suffix[1:])
			} else {
				prefix = strings.TrimSpace(trailingWithRe.ReplaceAllString(prefix, ""))
			}
		}
		stmt = strings.TrimSpace(prefix + " " + suffix)
		stmt = aliasStaging(stmt, name, table)
	}
}

func stagingTable(body string) (string, error) {
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "filename"):
		return imageStagingTable, nil
	case strings.Contains(lower, "tilename"):
		return tileStagingTable, nil
	}
	return "", ErrUnknownStagingTarget
}

// selectColumns derives the insert column list from a select list: the
// alias after AS, else the part after a qualifying dot, upper-cased.
func selectColumns(body string) ([]string, error) {
	upper := strings.ToUpper(body)
	sel := indexFold(upper, "SELECT", 0)
	if sel < 0 {
		return nil, ErrUnexpectedMaterializeFormat
	}
	from := topLevelFrom(upper, sel+len("SELECT"))
	if from < 0 {
		return nil, ErrUnexpectedMaterializeFormat
	}
	list := leadingDistRe.ReplaceAllString(strings.TrimSpace(upper[sel+len("SELECT"):from]), "")

	var cols []string
	for _, p := range splitTopLevel(list) {
		p = strings.TrimSpace(p)
		if i := strings.LastIndex(p, " AS "); i >= 0 {
			p = strings.TrimSpace(p[i+len(" AS "):])
		} else if i := strings.LastIndexByte(p, '.'); i >= 0 {
			p = p[i+1:]
		}
		cols = append(cols, p)
	}
	return cols, nil
}

// topLevelFrom finds the FROM keyword of the outermost select list.
func topLevelFrom(upper string, from int) int {
	depth := 0
	for i := from; i < len(upper); i++ {
		switch upper[i] {
		case '(':
			depth++
		case ')':
			depth--
		case 'F':
			if depth == 0 && strings.HasPrefix(upper[i:], "FROM") &&
				i > 0 && isSpace(upper[i-1]) &&
				(i+4 == len(upper) || isSpace(upper[i+4])) {
				return i
			}
		}
	}
	return -1
}

// aliasStaging points every FROM, JOIN or comma-list reference to the CTE at
// the staging table, keeping the CTE name as alias.
func aliasStaging(stmt, name, table string) string {
	re := regexp.MustCompile(`(?i)(\bFROM\s+|\bJOIN\s+|,\s*)` + regexp.QuoteMeta(name) + `(\s|,|\)|$)`)
	return re.ReplaceAllString(stmt, "${1}"+table+" "+name+"${2}")
}
