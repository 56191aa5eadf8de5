package warden

import (
	"fmt"
	"math"
)

// scalar tracks the set of concrete values a register may hold. It combines
// a tnum with four interval views (signed/unsigned at 32 and 64 bits) which
// are kept mutually consistent by syncBounds.
type scalar struct {
	bits tnum
	u64r rangePair[uint64]
	i64r rangePair[int64]
	u32r rangePair[uint32]
	i32r rangePair[int32]
}

// exactScalar returns a scalar containing exactly value.
func exactScalar(value uint64) scalar {
	return scalar{
		bits: tnumConst(value),
		u64r: exactRange(value),
		i64r: exactRange(int64(value)),
		u32r: exactRange(uint32(value)),
		i32r: exactRange(int32(value)),
	}
}

// unknownScalar returns a scalar containing every uint64.
func unknownScalar() scalar {
	return scalar{
		bits: tnumUnknown,
		u64r: unknownRange[uint64](),
		i64r: unknownRange[int64](),
		u32r: unknownRange[uint32](),
		i32r: unknownRange[int32](),
	}
}

// boundedScalar returns a scalar known to lie in [0, max].
func boundedScalar(max uint64) scalar {
	s := unknownScalar()
	s.u64r = rangePair[uint64]{min: 0, max: max}
	s.syncBounds()
	return s
}

func (s *scalar) markKnown(value uint64) {
	*s = exactScalar(value)
}

func (s *scalar) markUnknown() {
	*s = unknownScalar()
}

// isConst64 reports whether the scalar is a single known 64-bit value.
func (s *scalar) isConst64() bool {
	return s.bits.isConst() && s.u64r.isConst() && s.i64r.isConst()
}

// isConst32 reports whether the lower 32 bits are a single known value.
func (s *scalar) isConst32() bool {
	return s.bits.lowerHalf().isConst() && s.u32r.isConst() && s.i32r.isConst()
}

// value64 returns the concrete value if the scalar is known exactly.
func (s *scalar) value64() (uint64, bool) {
	if s.isConst64() {
		return s.bits.value, true
	}
	return 0, false
}

// value32 returns the concrete lower half if it is known exactly.
func (s *scalar) value32() (uint32, bool) {
	if s.isConst32() {
		return uint32(s.bits.value), true
	}
	return 0, false
}

// valid reports whether every view is non-empty. An invalid scalar marks an
// infeasible execution path.
func (s *scalar) valid() bool {
	return s.u64r.isValid() && s.i64r.isValid() && s.u32r.isValid() && s.i32r.isValid()
}

// contains reports whether the concrete value satisfies every view, used by
// the randomized soundness tests.
func (s *scalar) contains(value uint64) bool {
	return s.bits.contains(value) &&
		s.u64r.contains(value) &&
		s.i64r.contains(int64(value)) &&
		s.u32r.contains(uint32(value)) &&
		s.i32r.contains(int32(value))
}

// syncBounds tightens the tnum and the four interval views against each
// other for at most three rounds, stopping early once a round changes
// nothing.
func (s *scalar) syncBounds() {
	for i := 0; i < 3; i++ {
		before := *s

		// Bounds implied by the tnum.
		s.u64r.min = maxV(s.u64r.min, s.bits.min())
		s.u64r.max = minV(s.u64r.max, s.bits.max())
		s.i64r.min = maxV(s.i64r.min, int64(s.bits.smin(64)))
		s.i64r.max = minV(s.i64r.max, int64(s.bits.smax(64)))
		low := s.bits.lowerHalf()
		s.u32r.min = maxV(s.u32r.min, uint32(low.min()))
		s.u32r.max = minV(s.u32r.max, uint32(low.max()))
		s.i32r.min = maxV(s.i32r.min, int32(uint32(low.smin(32))))
		s.i32r.max = minV(s.i32r.max, int32(uint32(low.smax(32))))

		// Cross signed and unsigned views where the sign bit is decided.
		if s.u64r.min>>63 == s.u64r.max>>63 {
			s.i64r = s.i64r.intersect(rangePair[int64]{min: int64(s.u64r.min), max: int64(s.u64r.max)})
		}
		if (s.i64r.min >= 0) == (s.i64r.max >= 0) {
			s.u64r = s.u64r.intersect(rangePair[uint64]{min: uint64(s.i64r.min), max: uint64(s.i64r.max)})
		}
		if s.u32r.min>>31 == s.u32r.max>>31 {
			s.i32r = s.i32r.intersect(rangePair[int32]{min: int32(s.u32r.min), max: int32(s.u32r.max)})
		}
		if (s.i32r.min >= 0) == (s.i32r.max >= 0) {
			s.u32r = s.u32r.intersect(rangePair[uint32]{min: uint32(s.i32r.min), max: uint32(s.i32r.max)})
		}

		// Project the 64-bit unsigned view onto the 32-bit one when it does
		// not straddle a 2^32 boundary.
		if s.u64r.max <= math.MaxUint32 {
			s.u32r = s.u32r.intersect(rangePair[uint32]{min: uint32(s.u64r.min), max: uint32(s.u64r.max)})
		}

		// Narrow the tnum by the bits every value in [umin, umax] agrees on.
		if nb, ok := s.bits.intersect(tnumRange(s.u64r.min, s.u64r.max)); ok {
			s.bits = nb
		}
		if nl, ok := s.bits.lowerHalf().intersect(tnumRange(uint64(s.u32r.min), uint64(s.u32r.max)).cast(4)); ok {
			up := s.bits.upperHalf()
			s.bits = tnum{value: up.value | nl.value, mask: up.mask | nl.mask}
		}

		if *s == before {
			break
		}
	}
}

// truncate32 narrows the scalar to its zero-extended lower 32 bits, the
// result of any 32-bit ALU class operation.
func (s *scalar) truncate32() {
	s.bits = s.bits.lowerHalf()
	s.u64r = rangePair[uint64]{min: uint64(s.u32r.min), max: uint64(s.u32r.max)}
	s.i64r = rangePair[int64]{min: int64(s.u32r.min), max: int64(s.u32r.max)}
	s.syncBounds()
}

func (s *scalar) add(o *scalar) {
	s.bits = s.bits.add(o.bits)
	s.u64r = s.u64r.add(o.u64r)
	s.i64r = s.i64r.add(o.i64r)
	s.u32r = s.u32r.add(o.u32r)
	s.i32r = s.i32r.add(o.i32r)
	s.syncBounds()
}

func (s *scalar) sub(o *scalar) {
	s.bits = s.bits.sub(o.bits)
	s.u64r = s.u64r.sub(o.u64r)
	s.i64r = s.i64r.sub(o.i64r)
	s.u32r = s.u32r.sub(o.u32r)
	s.i32r = s.i32r.sub(o.i32r)
	s.syncBounds()
}

// mul keeps precision only when the multiplier is a known constant, tracking
// the product of two wide sets is not worth the trouble.
func (s *scalar) mul(o *scalar) {
	c, ok := o.value64()
	if !ok {
		s.markUnknown()
		return
	}
	s.bits = s.bits.mul(o.bits)
	if c <= math.MaxInt64 {
		s.u64r = s.u64r.mulConst(c)
		s.i64r = s.i64r.mulConst(int64(c))
	} else {
		s.u64r = unknownRange[uint64]()
		s.i64r = unknownRange[int64]()
	}
	if c <= math.MaxInt32 {
		s.u32r = s.u32r.mulConst(uint32(c))
		s.i32r = s.i32r.mulConst(int32(c))
	} else {
		s.u32r = unknownRange[uint32]()
		s.i32r = unknownRange[int32]()
	}
	s.syncBounds()
}

// bitFixSigned rebuilds the signed views from the unsigned ones after a bit
// operation. Mixing negative operands with bit operations is not worth
// modelling, the signed view just goes unknown.
func bitFixSigned(s *scalar, o *scalar) {
	if s.i64r.min < 0 || o.i64r.min < 0 {
		s.i64r = unknownRange[int64]()
	} else {
		s.i64r = rangePair[int64]{min: int64(s.u64r.min), max: int64(s.u64r.max)}
	}
	if s.i32r.min < 0 || o.i32r.min < 0 {
		s.i32r = unknownRange[int32]()
	} else {
		s.i32r = rangePair[int32]{min: int32(s.u32r.min), max: int32(s.u32r.max)}
	}
}

func (s *scalar) and(o *scalar) {
	s.bits = s.bits.and(o.bits)
	if s.bits.isConst() {
		s.markKnown(s.bits.value)
		return
	}
	s.u64r = rangePair[uint64]{min: s.bits.min(), max: minV(s.u64r.max, o.u64r.max)}
	low := s.bits.lowerHalf()
	s.u32r = rangePair[uint32]{min: uint32(low.min()), max: minV(s.u32r.max, o.u32r.max)}
	bitFixSigned(s, o)
	s.syncBounds()
}

func (s *scalar) or(o *scalar) {
	s.bits = s.bits.or(o.bits)
	if s.bits.isConst() {
		s.markKnown(s.bits.value)
		return
	}
	s.u64r = rangePair[uint64]{min: maxV(s.u64r.min, o.u64r.min), max: s.bits.max()}
	low := s.bits.lowerHalf()
	s.u32r = rangePair[uint32]{min: maxV(s.u32r.min, o.u32r.min), max: uint32(low.max())}
	bitFixSigned(s, o)
	s.syncBounds()
}

func (s *scalar) xor(o *scalar) {
	s.bits = s.bits.xor(o.bits)
	if s.bits.isConst() {
		s.markKnown(s.bits.value)
		return
	}
	s.u64r = rangePair[uint64]{min: s.bits.min(), max: s.bits.max()}
	low := s.bits.lowerHalf()
	s.u32r = rangePair[uint32]{min: uint32(low.min()), max: uint32(low.max())}
	bitFixSigned(s, o)
	s.syncBounds()
}

// div taints the destination: the result is an unknown scalar, including
// when RewriteDivByZero let a possibly-zero divisor through.
func (s *scalar) div() {
	s.markUnknown()
}

func (s *scalar) mod() {
	s.markUnknown()
}

// neg computes the arithmetic negation 0 - s.
func (s *scalar) neg() {
	z := exactScalar(0)
	z.sub(s)
	*s = z
}

// shl shifts left at the given operand width. The caller has already
// verified shift < width.
func (s *scalar) shl(width uint8, shift uint8) {
	if width == 32 {
		s.truncate32()
	}
	if s.u64r.max <= math.MaxUint64>>shift {
		s.u64r = rangePair[uint64]{min: s.u64r.min << shift, max: s.u64r.max << shift}
	} else {
		s.u64r = unknownRange[uint64]()
	}
	// See __scalar64_min_max_lsh in Linux: a 32-bit shift of a value with a
	// known non-negative 32-bit view keeps a useful signed bound.
	if shift == 32 && s.i32r.min >= 0 {
		s.i64r = rangePair[int64]{min: int64(s.i32r.min) << 32, max: int64(s.i32r.max) << 32}
	} else {
		s.i64r = unknownRange[int64]()
	}
	s.u32r = unknownRange[uint32]()
	s.i32r = unknownRange[int32]()
	s.bits = s.bits.lsh(shift)
	if width == 32 {
		s.bits = s.bits.lowerHalf()
		s.u64r = unknownRange[uint64]()
		s.i64r = unknownRange[int64]()
	}
	s.syncBounds()
	if width == 32 {
		s.truncate32()
	}
}

// shr shifts right logically at the given operand width.
func (s *scalar) shr(width uint8, shift uint8) {
	if width == 32 {
		s.truncate32()
	}
	s.bits = s.bits.cast(int(width) / 8).rsh(shift)
	s.u64r = rangePair[uint64]{min: s.u64r.min >> shift, max: s.u64r.max >> shift}
	// The result has its top shift bits clear, the signed view equals the
	// unsigned one.
	if s.u64r.max <= math.MaxInt64 {
		s.i64r = rangePair[int64]{min: int64(s.u64r.min), max: int64(s.u64r.max)}
	} else {
		s.i64r = unknownRange[int64]()
	}
	s.u32r = unknownRange[uint32]()
	s.i32r = unknownRange[int32]()
	s.syncBounds()
	if width == 32 {
		s.truncate32()
	}
}

// ashr shifts right arithmetically at the given operand width.
func (s *scalar) ashr(width uint8, shift uint8) {
	if width == 32 {
		s.truncate32()
		s.bits = s.bits.arsh(32, shift)
		s.i32r = rangePair[int32]{min: s.i32r.min >> shift, max: s.i32r.max >> shift}
		s.u32r = unknownRange[uint32]()
		s.u64r = unknownRange[uint64]()
		s.i64r = unknownRange[int64]()
		s.syncBounds()
		s.truncate32()
		return
	}
	s.bits = s.bits.arsh(64, shift)
	s.i64r = rangePair[int64]{min: s.i64r.min >> shift, max: s.i64r.max >> shift}
	s.u64r = unknownRange[uint64]()
	s.u32r = unknownRange[uint32]()
	s.i32r = unknownRange[int32]()
	s.syncBounds()
}

// byteSwap applies the BPF_END transfer. The exact bit permutation is not
// tracked, but the result is bounded by the swap width.
func (s *scalar) byteSwap(width int64) {
	switch width {
	case 16:
		*s = boundedScalar(math.MaxUint16)
	case 32:
		*s = boundedScalar(math.MaxUint32)
	default:
		s.markUnknown()
	}
}

// signedBounds reports the signed 64-bit bounds, used when checking memory
// access offsets.
func (s *scalar) signedBounds() (int64, int64) {
	return s.i64r.min, s.i64r.max
}

func (s *scalar) String() string {
	if v, ok := s.value64(); ok {
		return fmt.Sprintf("%d", v)
	}
	return fmt.Sprintf("scalar(u64=[%d,%d] s64=[%d,%d] tnum=%x/%x)",
		s.u64r.min, s.u64r.max, s.i64r.min, s.i64r.max, s.bits.value, s.bits.mask)
}
