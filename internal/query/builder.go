// Package query composes parameterised SQL predicates. Values are never
// written into the statement text; each one is bound to a placeholder that
// the Builder allocates in order, so the generated text depends only on how
// many values were bound.
package query

import (
	"strconv"
	"strings"
)

// Placeholder selects the bind-parameter syntax of the target driver.
type Placeholder int

const (
	// Dollar renders $1, $2, ... (lib/pq).
	Dollar Placeholder = iota
	// Question renders ? for every parameter (sqlite).
	Question
)

// Builder allocates placeholders and keeps the parallel argument list.
type Builder struct {
	style Placeholder
	args  []any
}

func New(style Placeholder) *Builder {
	return &Builder{style: style}
}

// Arg binds v and returns the placeholder that refers to it.
func (b *Builder) Arg(v any) string {
	b.args = append(b.args, v)
	if b.style == Question {
		return "?"
	}
	return "$" + strconv.Itoa(len(b.args))
}

// Eq renders "column = <placeholder>". column must be a trusted identifier.
func (b *Builder) Eq(column string, v any) string {
	return column + " = " + b.Arg(v)
}

// Args returns the bound values in placeholder order.
func (b *Builder) Args() []any {
	return b.args
}

// And joins terms with AND. An empty conjunction is TRUE.
func And(terms ...string) string {
	if len(terms) == 0 {
		return "TRUE"
	}
	return "(" + strings.Join(terms, " AND ") + ")"
}

// Disjunction grows an OR clause one term at a time. It starts from a FALSE
// base term, so a disjunction with no terms matches no rows.
type Disjunction struct {
	terms []string
}

func (d *Disjunction) Add(term string) {
	d.terms = append(d.terms, term)
}

func (d *Disjunction) Len() int {
	return len(d.terms)
}

func (d *Disjunction) String() string {
	var sb strings.Builder
	sb.WriteString("(FALSE")
	for _, t := range d.terms {
		sb.WriteString(" OR ")
		sb.WriteString(t)
	}
	sb.WriteString(")")
	return sb.String()
}
