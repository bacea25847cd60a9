package db

import (
	"fmt"
	"strings"
)

// SelectQuery accumulates WHERE fragments and their positional arguments
// for a paginated listing.
type SelectQuery struct {
	from    string
	cols    string
	where   string
	args    []interface{}
	idx     int
	orderBy string
}

// NewSelectQuery starts a query over from, which may include joins.
func NewSelectQuery(from, cols string) *SelectQuery {
	return &SelectQuery{from: from, cols: cols, idx: 1}
}

// Idx returns the next available parameter index.
func (q *SelectQuery) Idx() int { return q.idx }

// Add appends a WHERE fragment (without leading "AND"). Placeholders in
// clause must start at Idx().
func (q *SelectQuery) Add(clause string, args ...interface{}) {
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx += len(args)
}

// AddEq appends "column = $n".
func (q *SelectQuery) AddEq(column string, value interface{}) {
	q.Add(fmt.Sprintf("%s = $%d", column, q.idx), value)
}

// AddNotNull appends "column IS NOT NULL".
func (q *SelectQuery) AddNotNull(column string) {
	q.where += " AND " + column + " IS NOT NULL"
}

// OrderBy sets the ORDER BY clause (without the keyword).
func (q *SelectQuery) OrderBy(orderBy string) {
	q.orderBy = orderBy
}

func (q *SelectQuery) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1=1%s", q.from, q.where)
}

func (q *SelectQuery) CountArgs() []interface{} {
	return q.args
}

// DataSQL returns the data query with ORDER BY and LIMIT/OFFSET. A limit
// below one omits the LIMIT clause.
func (q *SelectQuery) DataSQL(limit, offset int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE 1=1%s", q.cols, q.from, q.where)
	if q.orderBy != "" {
		b.WriteString(" ORDER BY " + q.orderBy)
	}
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT $%d OFFSET $%d", q.idx, q.idx+1)
	}
	return b.String()
}

// DataArgs returns the filter arguments followed by limit and offset.
func (q *SelectQuery) DataArgs(limit, offset int) []interface{} {
	if limit <= 0 {
		return q.args
	}
	result := make([]interface{}, len(q.args), len(q.args)+2)
	copy(result, q.args)
	return append(result, limit, offset)
}
