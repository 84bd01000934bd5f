package dbsync

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/maypok86/otter/v2"
)

// Query is a select template over a single table.
//
// RowFilter may hold a WHERE condition, an ORDER BY list or both. Each part is
// passed to the builder as a literal; ORDER BY may not appear in both RowFilter and
// OrderByOpt. Placeholders are written as ? (or '?', the quoted form used by existing
// configurations) and are always bound as parameters.
type Query struct {
	RowFilter      string   `json:"row_filter" mapstructure:"row_filter"`
	ColumnList     []string `json:"column_list" mapstructure:"column_list"`
	DistinctOpt    bool     `json:"distinct_opt" mapstructure:"distinct_opt"`
	OrderByOpt     string   `json:"order_by_opt" mapstructure:"order_by_opt"`
	CountOpt       int      `json:"count_opt" mapstructure:"count_opt"`
	CountFieldName string   `json:"count_field_name,omitempty" mapstructure:"count_field_name"`
}

// Filter returns the row filter with quoted placeholders unquoted.
func (q Query) Filter() string {
	return strings.TrimSpace(strings.ReplaceAll(q.RowFilter, "'?'", "?"))
}

// Placeholders returns the number of bind parameters the row filter expects.
func (q Query) Placeholders() int {
	return strings.Count(q.Filter(), "?")
}

// Columns returns the select list, defaulting to every column.
func (q Query) Columns() string {
	cols := make([]string, 0, len(q.ColumnList))
	for _, c := range q.ColumnList {
		c = strings.TrimSpace(c)
		if c != "" {
			cols = append(cols, c)
		}
	}
	if len(cols) == 0 {
		return "*"
	}
	return strings.Join(cols, ", ")
}

// Validate checks that the template can be rendered with the given number of parameters.
func (q Query) Validate(params int) error {
	if got := q.Placeholders(); got != params {
		return fmt.Errorf("%w: row filter %q has %d placeholders, want %d", ErrInvalidQuery, q.RowFilter, got, params)
	}
	if q.CountOpt < 0 {
		return fmt.Errorf("%w: negative count_opt %d", ErrInvalidQuery, q.CountOpt)
	}
	_, _, err := q.clauses()
	return err
}

// clauses splits the row filter into its WHERE condition and ORDER BY list. The
// ordering comes from the filter or from order_by_opt, never both.
func (q Query) clauses() (string, string, error) {
	filter := q.Filter()
	where, order := filter, ""
	if i := strings.Index(strings.ToUpper(filter), orderByKeyword); i >= 0 {
		where = strings.TrimSpace(filter[:i])
		order = strings.TrimSpace(filter[i+len(orderByKeyword):])
		if order == "" {
			return "", "", fmt.Errorf("%w: row filter %q has an empty ORDER BY", ErrInvalidQuery, q.RowFilter)
		}
	}
	if fields := strings.Fields(where); len(fields) > 0 && strings.EqualFold(fields[0], "WHERE") {
		where = strings.TrimSpace(where[len(fields[0]):])
	}

	if opt := strings.TrimSpace(q.OrderByOpt); opt != "" {
		if order != "" {
			return "", "", fmt.Errorf("%w: both row filter %q and order_by_opt %q set an ORDER BY", ErrInvalidQuery, q.RowFilter, q.OrderByOpt)
		}
		order = opt
	}
	return where, order, nil
}

const orderByKeyword = "ORDER BY"

var dialect = goqu.Dialect("sqlite3")

// render builds the SQL text for q against table. When limit is set a positive
// count_opt becomes a LIMIT clause.
func (d *DB) render(ctx context.Context, table string, q Query, limit bool) (string, error) {
	key := cacheKey(table, q, limit)
	return d.statements.Get(ctx, key, otter.LoaderFunc[string, string](func(_ context.Context, _ string) (string, error) {
		return renderQuery(table, q, limit)
	}))
}

func cacheKey(table string, q Query, limit bool) string {
	var sb strings.Builder
	sb.WriteString(table)
	sb.WriteByte(0)
	sb.WriteString(q.Columns())
	sb.WriteByte(0)
	sb.WriteString(q.Filter())
	sb.WriteByte(0)
	sb.WriteString(q.OrderByOpt)
	sb.WriteByte(0)
	sb.WriteString(strconv.FormatBool(q.DistinctOpt))
	if limit {
		sb.WriteByte(0)
		sb.WriteString(strconv.Itoa(q.CountOpt))
	}
	return sb.String()
}

// renderQuery keeps the template's placeholders as ? so callers bind them.
func renderQuery(table string, q Query, limit bool) (string, error) {
	where, order, err := q.clauses()
	if err != nil {
		return "", err
	}

	ds := dialect.From(table)
	if cols := q.Columns(); cols != "*" {
		ds = ds.Select(goqu.L(cols))
	}
	if q.DistinctOpt {
		ds = ds.Distinct()
	}
	if where != "" {
		ds = ds.Where(goqu.L(where))
	}
	if order != "" {
		ds = ds.Order(orderTerms(order)...)
	}
	if limit && q.CountOpt > 0 {
		ds = ds.Limit(uint(q.CountOpt))
	}

	query, _, err := ds.ToSQL()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	return query, nil
}

// orderTerms turns "a DESC, b" into goqu ordered expressions. Terms without a
// direction sort ascending, which is also SQLite's default.
func orderTerms(order string) []exp.OrderedExpression {
	var terms []exp.OrderedExpression
	for _, term := range strings.Split(order, ",") {
		fields := strings.Fields(term)
		if len(fields) == 0 {
			continue
		}
		expr := strings.Join(fields, " ")
		desc := false
		if n := len(fields); n > 1 {
			switch strings.ToUpper(fields[n-1]) {
			case "DESC":
				expr, desc = strings.Join(fields[:n-1], " "), true
			case "ASC":
				expr = strings.Join(fields[:n-1], " ")
			}
		}
		if desc {
			terms = append(terms, goqu.L(expr).Desc())
		} else {
			terms = append(terms, goqu.L(expr).Asc())
		}
	}
	return terms
}
