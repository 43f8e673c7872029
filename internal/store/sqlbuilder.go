package store

import (
	"fmt"
	"strings"
)

// SQLBuilder accumulates named predicates and bound parameters for the
// postgres backend. Conditions use '?' placeholders which Build rewrites to
// positional $n arguments, so filter values never enter the SQL text.
type SQLBuilder struct {
	sel     []string
	from    string
	conds   []string
	args    []any
	groupBy []string
	orderBy []string
	limit   int
	offset  int
}

func NewSQLBuilder() *SQLBuilder { return &SQLBuilder{} }

func (b *SQLBuilder) Select(fields ...string) *SQLBuilder {
	b.sel = append(b.sel, fields...)
	return b
}

func (b *SQLBuilder) From(table string) *SQLBuilder {
	b.from = table
	return b
}

// Where adds a condition; placeholders in cond are '?'.
func (b *SQLBuilder) Where(cond string, args ...any) *SQLBuilder {
	b.conds = append(b.conds, cond)
	b.args = append(b.args, args...)
	return b
}

func (b *SQLBuilder) GroupBy(fields ...string) *SQLBuilder {
	b.groupBy = append(b.groupBy, fields...)
	return b
}

func (b *SQLBuilder) OrderBy(field, direction string) *SQLBuilder {
	b.orderBy = append(b.orderBy, field+" "+direction)
	return b
}

func (b *SQLBuilder) Limit(n int) *SQLBuilder {
	b.limit = n
	return b
}

func (b *SQLBuilder) Offset(n int) *SQLBuilder {
	b.offset = n
	return b
}

// ApplyFilter binds every set predicate of f. The orderBy column is always
// (occurred_at, id) so timestamp ties break deterministically.
func (b *SQLBuilder) ApplyFilter(f Filter) *SQLBuilder {
	if !f.Start.IsZero() {
		b.Where("occurred_at >= ?", f.Start)
	}
	if !f.End.IsZero() {
		b.Where("occurred_at <= ?", f.End)
	}
	if f.Name != "" {
		b.Where("name = ?", f.Name)
	}
	if f.SessionID != "" {
		b.Where("session_id = ?", f.SessionID)
	}
	if f.PrincipalID != "" {
		b.Where("principal_id = ?", f.PrincipalID)
	}
	dir := "ASC"
	if f.Descending {
		dir = "DESC"
	}
	b.OrderBy("occurred_at", dir)
	b.OrderBy("id", dir)
	if f.Offset > 0 {
		b.Offset(f.Offset)
	}
	return b
}

// Build renders the statement and its positional arguments.
func (b *SQLBuilder) Build() (string, []any) {
	var q strings.Builder
	if len(b.sel) == 0 {
		q.WriteString("SELECT *")
	} else {
		q.WriteString("SELECT " + strings.Join(b.sel, ", "))
	}
	q.WriteString(" FROM " + b.from)
	if len(b.conds) > 0 {
		q.WriteString(" WHERE " + strings.Join(b.conds, " AND "))
	}
	if len(b.groupBy) > 0 {
		q.WriteString(" GROUP BY " + strings.Join(b.groupBy, ", "))
	}
	if len(b.orderBy) > 0 {
		q.WriteString(" ORDER BY " + strings.Join(b.orderBy, ", "))
	}
	if b.limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", b.limit))
	}
	if b.offset > 0 {
		q.WriteString(fmt.Sprintf(" OFFSET %d", b.offset))
	}
	return numberPlaceholders(q.String()), b.args
}

func numberPlaceholders(q string) string {
	var out strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&out, "$%d", n)
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}
