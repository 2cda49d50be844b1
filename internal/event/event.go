// Package event decodes recording payloads:
//
//	{"dataset": "web", "distinct_id": "s-1", "fields": {"City": "Brisbane", "Age": 42}}
//	{"events": [{...}, {...}]}
//
// Field values and distinct ids may be any JSON scalar and are coerced to
// strings.
package event

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/valyala/fastjson"
)

var ErrInvalidPayload = errors.New("invalid event payload")

var parserPool = sync.Pool{
	New: func() interface{} {
		return &fastjson.Parser{}
	},
}

type Event struct {
	Dataset    string
	DistinctID string
	Fields     map[string]string
}

// IDFunc returns the distinct id of the i-th event of a payload that does
// not carry one.
type IDFunc func(i int) string

// Parse decodes a single event or an {"events": [...]} batch.
func Parse(body []byte, newID IDFunc) ([]Event, error) {
	parser := parserPool.Get().(*fastjson.Parser)
	defer parserPool.Put(parser)

	v, err := parser.ParseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if v.Type() != fastjson.TypeObject {
		return nil, fmt.Errorf("%w: expected an object", ErrInvalidPayload)
	}

	values := []*fastjson.Value{v}
	if batch := v.Get("events"); batch != nil {
		if values, err = batch.Array(); err != nil {
			return nil, fmt.Errorf("%w: events must be an array", ErrInvalidPayload)
		}
	}

	events := make([]Event, 0, len(values))
	for i, ev := range values {
		e, err := parseOne(ev)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		if e.DistinctID == "" && newID != nil {
			e.DistinctID = newID(i)
		}
		events = append(events, e)
	}
	return events, nil
}

func parseOne(v *fastjson.Value) (Event, error) {
	if v.Type() != fastjson.TypeObject {
		return Event{}, fmt.Errorf("%w: expected an object", ErrInvalidPayload)
	}

	dataset := v.Get("dataset")
	if dataset == nil || dataset.Type() != fastjson.TypeString || len(dataset.GetStringBytes()) == 0 {
		return Event{}, fmt.Errorf("%w: dataset is required", ErrInvalidPayload)
	}
	e := Event{Dataset: string(dataset.GetStringBytes())}

	if id := v.Get("distinct_id"); id != nil && id.Type() != fastjson.TypeNull {
		s, err := Scalar(id)
		if err != nil {
			return Event{}, fmt.Errorf("distinct_id: %w", err)
		}
		e.DistinctID = s
	}

	fields := v.Get("fields")
	if fields == nil {
		return Event{}, fmt.Errorf("%w: fields is required", ErrInvalidPayload)
	}
	obj, err := fields.Object()
	if err != nil {
		return Event{}, fmt.Errorf("%w: fields must be an object", ErrInvalidPayload)
	}

	e.Fields = make(map[string]string, obj.Len())
	var visitErr error
	obj.Visit(func(key []byte, val *fastjson.Value) {
		if visitErr != nil {
			return
		}
		if len(key) == 0 {
			visitErr = fmt.Errorf("%w: empty field name", ErrInvalidPayload)
			return
		}
		s, err := Scalar(val)
		if err != nil {
			visitErr = fmt.Errorf("field %q: %w", key, err)
			return
		}
		e.Fields[string(key)] = s
	})
	if visitErr != nil {
		return Event{}, visitErr
	}
	return e, nil
}

// Scalar renders a JSON scalar as the string that is counted: strings
// verbatim, integers in decimal, other numbers in their shortest decimal
// form and booleans as true or false.
func Scalar(v *fastjson.Value) (string, error) {
	switch v.Type() {
	case fastjson.TypeString:
		return string(v.GetStringBytes()), nil
	case fastjson.TypeNumber:
		raw := v.String()
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return strconv.FormatInt(n, 10), nil
		}
		f, err := v.Float64()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case fastjson.TypeTrue:
		return "true", nil
	case fastjson.TypeFalse:
		return "false", nil
	default:
		return "", fmt.Errorf("%w: unsupported value type %s", ErrInvalidPayload, v.Type())
	}
}
