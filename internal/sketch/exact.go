package sketch

import (
	"encoding/json"
	"sort"
)

// Exact implements Algebra with a plain sorted set of items. It has no
// error and grows with the input; it exists for tests and for checking
// the theta implementation against ground truth.
type Exact struct{}

func (Exact) Build(item string) ([]byte, error) {
	if item == "" {
		return nil, ErrEmptyItem
	}
	return encodeSet(map[string]struct{}{item: {}})
}

func (Exact) Union(a, b []byte) ([]byte, error) {
	sa, err := decodeSet(a)
	if err != nil {
		return nil, err
	}
	sb, err := decodeSet(b)
	if err != nil {
		return nil, err
	}
	for k := range sb {
		sa[k] = struct{}{}
	}
	return encodeSet(sa)
}

func (Exact) Intersect(a, b []byte) ([]byte, error) {
	sa, err := decodeSet(a)
	if err != nil {
		return nil, err
	}
	sb, err := decodeSet(b)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{})
	for k := range sa {
		if _, ok := sb[k]; ok {
			out[k] = struct{}{}
		}
	}
	return encodeSet(out)
}

func (Exact) Estimate(s []byte) (float64, error) {
	set, err := decodeSet(s)
	if err != nil {
		return 0, err
	}
	return float64(len(set)), nil
}

func (e Exact) EstimateWithBounds(s []byte) (Estimate, error) {
	n, err := e.Estimate(s)
	if err != nil {
		return Zero, err
	}
	return Estimate{Value: n, Lower: n, Upper: n}, nil
}

func encodeSet(set map[string]struct{}) ([]byte, error) {
	items := make([]string, 0, len(set))
	for k := range set {
		items = append(items, k)
	}
	sort.Strings(items)
	return json.Marshal(items)
}

func decodeSet(b []byte) (map[string]struct{}, error) {
	var items []string
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set, nil
}
