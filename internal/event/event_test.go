package event

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqID(i int) string { return fmt.Sprintf("generated-%d", i) }

func TestParseSingleEventCoercesScalars(t *testing.T) {
	body := `{"dataset":"web","fields":{"City":"Brisbane","Age":42,"Score":1.5,"Big":1e3,"Member":true,"Trial":false}}`

	events, err := Parse([]byte(body), seqID)
	require.NoError(t, err)
	require.Len(t, events, 1)

	e := events[0]
	assert.Equal(t, "web", e.Dataset)
	assert.Equal(t, "generated-0", e.DistinctID)
	assert.Equal(t, map[string]string{
		"City":   "Brisbane",
		"Age":    "42",
		"Score":  "1.5",
		"Big":    "1000",
		"Member": "true",
		"Trial":  "false",
	}, e.Fields)
}

func TestParseKeepsSuppliedDistinctID(t *testing.T) {
	events, err := Parse([]byte(`{"dataset":"web","distinct_id":12345,"fields":{}}`), seqID)
	require.NoError(t, err)
	assert.Equal(t, "12345", events[0].DistinctID)
	assert.Empty(t, events[0].Fields)

	events, err = Parse([]byte(`{"dataset":"web","distinct_id":null,"fields":{}}`), nil)
	require.NoError(t, err)
	assert.Empty(t, events[0].DistinctID)
}

func TestParseBatch(t *testing.T) {
	body := `{"events":[
		{"dataset":"web","distinct_id":"a","fields":{"City":"Brisbane"}},
		{"dataset":"app","fields":{"City":"Cape Town"}}
	]}`

	events, err := Parse([]byte(body), seqID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].DistinctID)
	assert.Equal(t, "app", events[1].Dataset)
	assert.Equal(t, "generated-1", events[1].DistinctID)
}

func TestParseRejectsMalformedPayloads(t *testing.T) {
	cases := map[string]string{
		"not json":          `{"dataset":`,
		"not an object":     `[1,2]`,
		"missing dataset":   `{"fields":{"a":"b"}}`,
		"empty dataset":     `{"dataset":"","fields":{"a":"b"}}`,
		"numeric dataset":   `{"dataset":7,"fields":{"a":"b"}}`,
		"missing fields":    `{"dataset":"web"}`,
		"fields not object": `{"dataset":"web","fields":[1]}`,
		"null value":        `{"dataset":"web","fields":{"a":null}}`,
		"nested value":      `{"dataset":"web","fields":{"a":{"b":1}}}`,
		"array value":       `{"dataset":"web","fields":{"a":[1]}}`,
		"empty field name":  `{"dataset":"web","fields":{"":"x"}}`,
		"events not array":  `{"events":{"dataset":"web"}}`,
		"object id":         `{"dataset":"web","distinct_id":{},"fields":{}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body), seqID)
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}
