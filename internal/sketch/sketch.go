// Package sketch defines the cardinality-sketch primitives the counter
// service is written against, and their implementations.
package sketch

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyItem is returned when building a sketch from an empty item.
	ErrEmptyItem = errors.New("sketch: empty item")
	// ErrNoSketches is returned when reducing an empty list.
	ErrNoSketches = errors.New("sketch: nothing to reduce")
)

// Estimate is a point estimate with its confidence interval.
type Estimate struct {
	Value float64 `json:"estimate"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Zero is the estimate of the empty set.
var Zero = Estimate{}

// Triple returns the estimate as [estimate, lower, upper].
func (e Estimate) Triple() [3]float64 {
	return [3]float64{e.Value, e.Lower, e.Upper}
}

// Algebra is the set of operations on serialized sketches. Union must be
// idempotent, commutative and associative.
type Algebra interface {
	Build(item string) ([]byte, error)
	Union(a, b []byte) ([]byte, error)
	Intersect(a, b []byte) ([]byte, error)
	Estimate(s []byte) (float64, error)
	EstimateWithBounds(s []byte) (Estimate, error)
}

// IntersectAll folds sketches left to right with alg.Intersect.
func IntersectAll(alg Algebra, sketches [][]byte) ([]byte, error) {
	if len(sketches) == 0 {
		return nil, ErrNoSketches
	}
	acc := sketches[0]
	for i, s := range sketches[1:] {
		next, err := alg.Intersect(acc, s)
		if err != nil {
			return nil, fmt.Errorf("intersect sketch %d: %w", i+1, err)
		}
		acc = next
	}
	return acc, nil
}

// UnionAll folds sketches left to right with alg.Union.
func UnionAll(alg Algebra, sketches [][]byte) ([]byte, error) {
	if len(sketches) == 0 {
		return nil, ErrNoSketches
	}
	acc := sketches[0]
	for i, s := range sketches[1:] {
		next, err := alg.Union(acc, s)
		if err != nil {
			return nil, fmt.Errorf("union sketch %d: %w", i+1, err)
		}
		acc = next
	}
	return acc, nil
}
