package warden

import (
	"math"

	"golang.org/x/exp/constraints"
)

// rangeInt are the integer types a scalar keeps interval bounds for, the
// signed and unsigned views at 32 and 64 bits.
type rangeInt interface {
	~int32 | ~int64 | ~uint32 | ~uint64
}

func minOf[T rangeInt]() T {
	var v T
	switch p := any(&v).(type) {
	case *int32:
		*p = math.MinInt32
	case *int64:
		*p = math.MinInt64
	}
	return v
}

func maxOf[T rangeInt]() T {
	var v T
	switch p := any(&v).(type) {
	case *int32:
		*p = math.MaxInt32
	case *int64:
		*p = math.MaxInt64
	case *uint32:
		*p = math.MaxUint32
	case *uint64:
		*p = math.MaxUint64
	}
	return v
}

func minV[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func maxV[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// rangePair is an inclusive interval over one of the integer views.
type rangePair[T rangeInt] struct {
	min, max T
}

func exactRange[T rangeInt](value T) rangePair[T] {
	return rangePair[T]{min: value, max: value}
}

func unknownRange[T rangeInt]() rangePair[T] {
	return rangePair[T]{min: minOf[T](), max: maxOf[T]()}
}

func (r rangePair[T]) isConst() bool {
	return r.min == r.max
}

// isValid reports whether the interval is non-empty. An empty interval means
// an infeasible state, detected by intersections.
func (r rangePair[T]) isValid() bool {
	return r.min <= r.max
}

func (r rangePair[T]) contains(value T) bool {
	return r.min <= value && value <= r.max
}

func (r rangePair[T]) intersect(o rangePair[T]) rangePair[T] {
	return rangePair[T]{min: maxV(r.min, o.min), max: minV(r.max, o.max)}
}

func checkedAdd[T rangeInt](a, b T) (T, bool) {
	s := a + b
	if b > 0 && s < a {
		return 0, false
	}
	if b < 0 && s > a {
		return 0, false
	}
	return s, true
}

func checkedSub[T rangeInt](a, b T) (T, bool) {
	s := a - b
	if b > 0 && s > a {
		return 0, false
	}
	if b < 0 && s < a {
		return 0, false
	}
	return s, true
}

func checkedMul[T rangeInt](a, b T) (T, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	p := a * b
	if p/b != a {
		return 0, false
	}
	return p, true
}

// add widens the interval so that a+b lies within it for every a in r and b
// in o. On overflow of either bound the whole type range is used.
func (r rangePair[T]) add(o rangePair[T]) rangePair[T] {
	lo, ok1 := checkedAdd(r.min, o.min)
	hi, ok2 := checkedAdd(r.max, o.max)
	if !ok1 || !ok2 {
		return unknownRange[T]()
	}
	return rangePair[T]{min: lo, max: hi}
}

func (r rangePair[T]) sub(o rangePair[T]) rangePair[T] {
	lo, ok1 := checkedSub(r.min, o.max)
	hi, ok2 := checkedSub(r.max, o.min)
	if !ok1 || !ok2 {
		return unknownRange[T]()
	}
	return rangePair[T]{min: lo, max: hi}
}

// mulConst multiplies by a single known non-negative factor. Anything fancier
// degrades to the full range, multiplication of two wide intervals is not
// worth tracking.
func (r rangePair[T]) mulConst(c T) rangePair[T] {
	if c < 0 || r.min < 0 {
		return unknownRange[T]()
	}
	lo, ok1 := checkedMul(r.min, c)
	hi, ok2 := checkedMul(r.max, c)
	if !ok1 || !ok2 {
		return unknownRange[T]()
	}
	return rangePair[T]{min: lo, max: hi}
}

// narrowLE refines a and b under the assumption a <= b, per interval
// intersection. The returned pairs are valid only when the comparison is
// not already decided; res reports whether the condition is always
// (outcomeAlways) or never (outcomeNever) satisfied.
type rangeOutcome int

const (
	outcomeMaybe rangeOutcome = iota
	outcomeAlways
	outcomeNever
)

func narrowLE[T rangeInt](a, b rangePair[T]) (res rangeOutcome, leA, leB, gtA, gtB rangePair[T]) {
	if a.max <= b.min {
		return outcomeAlways, a, b, a, b
	}
	if b.max < a.min {
		return outcomeNever, a, b, a, b
	}
	iMin := maxV(a.min, b.min)
	iMax := minV(a.max, b.max)
	leA = rangePair[T]{min: a.min, max: iMax}
	leB = rangePair[T]{min: iMin, max: b.max}
	gtA = rangePair[T]{min: maxV(a.min, b.min+1), max: a.max}
	gtB = rangePair[T]{min: b.min, max: minV(b.max, a.max-1)}
	return outcomeMaybe, leA, leB, gtA, gtB
}
