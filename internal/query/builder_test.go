package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pairClause(b *Builder, pairs [][2]string) string {
	var d Disjunction
	for _, p := range pairs {
		d.Add(And(b.Eq("c.field_name", p[0]), b.Eq("c.value", p[1])))
	}
	return d.String()
}

func TestDollarPlaceholdersAreSequential(t *testing.T) {
	b := New(Dollar)
	name := b.Arg("events")
	clause := pairClause(b, [][2]string{{"City", "Brisbane"}, {"Name", "Caleb"}})

	assert.Equal(t, "$1", name)
	assert.Equal(t, "(FALSE OR (c.field_name = $2 AND c.value = $3) OR (c.field_name = $4 AND c.value = $5))", clause)
	assert.Equal(t, []any{"events", "City", "Brisbane", "Name", "Caleb"}, b.Args())
}

func TestQuestionPlaceholders(t *testing.T) {
	b := New(Question)
	clause := pairClause(b, [][2]string{{"City", "Cape Town"}})

	assert.Equal(t, "(FALSE OR (c.field_name = ? AND c.value = ?))", clause)
	assert.Equal(t, []any{"City", "Cape Town"}, b.Args())
}

func TestEmptyDisjunctionMatchesNothing(t *testing.T) {
	var d Disjunction
	assert.Equal(t, "(FALSE)", d.String())
	assert.Equal(t, 0, d.Len())
	assert.Equal(t, "TRUE", And())
}

func TestShapeDependsOnlyOnTermCount(t *testing.T) {
	hostile := [][2]string{{"x' OR 1=1 --", "'; DROP TABLE counter; --"}, {"a", "b"}}
	benign := [][2]string{{"City", "Brisbane"}, {"Name", "Caleb"}}

	b1 := New(Dollar)
	b2 := New(Dollar)
	q1 := pairClause(b1, hostile)
	q2 := pairClause(b2, benign)

	require.Equal(t, q1, q2)
	assert.NotContains(t, q1, "DROP")
	assert.Equal(t, "'; DROP TABLE counter; --", b1.Args()[1])
}
