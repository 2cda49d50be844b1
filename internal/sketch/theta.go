package sketch

import (
	"fmt"

	"github.com/apache/datasketches-go/theta"
)

// Theta implements Algebra with Apache DataSketches theta sketches. The
// serialized form is the compact sketch format, which is also what the
// datasketches Postgres extension stores in a theta_sketch column.
type Theta struct {
	lgK        uint8
	numStdDevs uint8
	seed       uint64
}

type ThetaOption func(*Theta)

// WithLgK sets log2 of the nominal number of retained entries.
func WithLgK(lgK uint8) ThetaOption {
	return func(t *Theta) { t.lgK = lgK }
}

// WithNumStdDevs sets the width of the confidence interval (1, 2 or 3).
func WithNumStdDevs(n uint8) ThetaOption {
	return func(t *Theta) { t.numStdDevs = n }
}

func NewTheta(opts ...ThetaOption) (*Theta, error) {
	t := &Theta{
		lgK:        theta.DefaultLgK,
		numStdDevs: 2,
		seed:       theta.DefaultSeed,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.lgK < theta.MinLgK || t.lgK > theta.MaxLgK {
		return nil, fmt.Errorf("lg_k %d out of range [%d, %d]", t.lgK, theta.MinLgK, theta.MaxLgK)
	}
	if t.numStdDevs < 1 || t.numStdDevs > 3 {
		return nil, fmt.Errorf("num_std_devs %d out of range [1, 3]", t.numStdDevs)
	}
	return t, nil
}

func (t *Theta) Build(item string) ([]byte, error) {
	if item == "" {
		return nil, ErrEmptyItem
	}
	s, err := theta.NewQuickSelectUpdateSketch(theta.WithUpdateSketchLgK(t.lgK))
	if err != nil {
		return nil, err
	}
	if err := s.UpdateString(item); err != nil {
		return nil, err
	}
	return s.Compact(true).MarshalBinary()
}

func (t *Theta) Union(a, b []byte) ([]byte, error) {
	sa, sb, err := t.decodePair(a, b)
	if err != nil {
		return nil, err
	}
	u, err := theta.NewUnion(theta.WithUnionLgK(t.lgK))
	if err != nil {
		return nil, err
	}
	if err := u.Update(sa); err != nil {
		return nil, err
	}
	if err := u.Update(sb); err != nil {
		return nil, err
	}
	r, err := u.OrderedResult()
	if err != nil {
		return nil, err
	}
	return r.MarshalBinary()
}

func (t *Theta) Intersect(a, b []byte) ([]byte, error) {
	sa, sb, err := t.decodePair(a, b)
	if err != nil {
		return nil, err
	}
	in := theta.NewIntersection()
	if err := in.Update(sa); err != nil {
		return nil, err
	}
	if err := in.Update(sb); err != nil {
		return nil, err
	}
	r, err := in.OrderedResult()
	if err != nil {
		return nil, err
	}
	return r.MarshalBinary()
}

func (t *Theta) Estimate(s []byte) (float64, error) {
	cs, err := t.decode(s)
	if err != nil {
		return 0, err
	}
	return cs.Estimate(), nil
}

func (t *Theta) EstimateWithBounds(s []byte) (Estimate, error) {
	cs, err := t.decode(s)
	if err != nil {
		return Zero, err
	}
	lower, err := cs.LowerBound(t.numStdDevs)
	if err != nil {
		return Zero, err
	}
	upper, err := cs.UpperBound(t.numStdDevs)
	if err != nil {
		return Zero, err
	}
	return Estimate{Value: cs.Estimate(), Lower: lower, Upper: upper}, nil
}

func (t *Theta) decode(s []byte) (*theta.CompactSketch, error) {
	cs, err := theta.Decode(s, t.seed)
	if err != nil {
		return nil, fmt.Errorf("decode theta sketch: %w", err)
	}
	return cs, nil
}

func (t *Theta) decodePair(a, b []byte) (*theta.CompactSketch, *theta.CompactSketch, error) {
	sa, err := t.decode(a)
	if err != nil {
		return nil, nil, err
	}
	sb, err := t.decode(b)
	if err != nil {
		return nil, nil, err
	}
	return sa, sb, nil
}
