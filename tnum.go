package warden

import "math/bits"

// tnum is a tristate number: a set of uint64 values described by the bits we
// know about them. Bits set in mask are unknown, all other bits are fixed to
// the corresponding bit in value. The invariant value&mask == 0 always holds.
//
// The add, sub and mul transfer functions follow the tnum algebra described
// in https://arxiv.org/abs/2105.05398, which is also what Linux implements.
type tnum struct {
	value uint64
	mask  uint64
}

// tnumConst returns a tnum containing exactly value.
func tnumConst(value uint64) tnum {
	return tnum{value: value}
}

// tnumUnknown is the tnum containing every uint64.
var tnumUnknown = tnum{mask: ^uint64(0)}

// tnumPruned builds a tnum from a mask and value, zeroing any value bits which
// are masked as unknown so the invariant holds.
func tnumPruned(mask, value uint64) tnum {
	return tnum{mask: mask, value: value &^ mask}
}

// isConst returns true if the tnum contains exactly one value.
func (t tnum) isConst() bool {
	return t.mask == 0
}

// min returns the smallest unsigned value in the set, all unknown bits zero.
func (t tnum) min() uint64 {
	return t.value
}

// max returns the largest unsigned value in the set, all unknown bits one.
func (t tnum) max() uint64 {
	return t.value | t.mask
}

// smin returns the smallest value in the set when interpreted as a signed
// number of the given bit width: the sign bit set if unknown, all other
// unknown bits zero.
func (t tnum) smin(width uint8) uint64 {
	signBit := uint64(1) << (width - 1)
	return t.value | (t.mask & signBit)
}

// smax returns the largest signed value of the given width: every unknown bit
// except the sign bit set.
func (t tnum) smax(width uint8) uint64 {
	signBit := uint64(1) << (width - 1)
	return t.value | (t.mask &^ signBit)
}

// contains returns true if value may be a member of the set.
func (t tnum) contains(value uint64) bool {
	known := ^t.mask
	return t.value&known == value&known
}

// intersect returns the tnum describing the values present in both t and o.
// If the two disagree on a known bit the intersection is empty and ok is
// false.
func (t tnum) intersect(o tnum) (tnum, bool) {
	commonKnown := ^(t.mask | o.mask)
	if (t.value^o.value)&commonKnown != 0 {
		return tnum{}, false
	}
	return tnumPruned(t.mask&o.mask, t.value|o.value), true
}

// union returns the smallest tnum containing both t and o, the join used when
// widening.
func (t tnum) union(o tnum) tnum {
	mu := t.mask | o.mask | (t.value ^ o.value)
	return tnumPruned(mu, t.value)
}

// cast truncates the tnum to its least significant size bytes.
func (t tnum) cast(size int) tnum {
	if size >= 8 {
		return t
	}
	m := uint64(1)<<(size*8) - 1
	return tnum{value: t.value & m, mask: t.mask & m}
}

// lowerHalf returns the low 32 bits with the upper half cleared.
func (t tnum) lowerHalf() tnum {
	return t.cast(4)
}

// upperHalf returns the high 32 bits with the lower half cleared.
func (t tnum) upperHalf() tnum {
	return t.rsh(32).lsh(32)
}

func (t tnum) lsh(shift uint8) tnum {
	return tnum{value: t.value << shift, mask: t.mask << shift}
}

func (t tnum) rsh(shift uint8) tnum {
	return tnum{value: t.value >> shift, mask: t.mask >> shift}
}

// arsh performs an arithmetic (sign extending) right shift at the given
// operand width.
func (t tnum) arsh(width, shift uint8) tnum {
	if width == 32 {
		return tnum{
			value: uint64(uint32(int32(uint32(t.value)) >> shift)),
			mask:  uint64(uint32(int32(uint32(t.mask)) >> shift)),
		}
	}
	return tnum{
		value: uint64(int64(t.value) >> shift),
		mask:  uint64(int64(t.mask) >> shift),
	}
}

func (t tnum) add(o tnum) tnum {
	sm := t.mask + o.mask
	sv := t.value + o.value
	sigma := sm + sv
	chi := sigma ^ sv
	mu := chi | t.mask | o.mask
	return tnumPruned(mu, sv)
}

func (t tnum) sub(o tnum) tnum {
	dv := t.value - o.value
	alpha := dv + t.mask
	beta := dv - o.mask
	chi := alpha ^ beta
	mu := chi | t.mask | o.mask
	return tnumPruned(mu, dv)
}

func (t tnum) and(o tnum) tnum {
	alpha := t.value | t.mask
	beta := o.value | o.mask
	v := t.value & o.value
	return tnum{value: v, mask: alpha & beta &^ v}
}

func (t tnum) or(o tnum) tnum {
	v := t.value | o.value
	mu := t.mask | o.mask
	return tnum{value: v, mask: mu &^ v}
}

func (t tnum) xor(o tnum) tnum {
	v := t.value ^ o.value
	mu := t.mask | o.mask
	return tnumPruned(mu, v)
}

// mul decomposes t into a sum of known and unknown terms, accumulating the
// partial products of the unknown parts as fully unknown contributions.
func (t tnum) mul(o tnum) tnum {
	accV := t.value * o.value
	accM := tnumConst(0)
	a, b := t, o
	for a.value != 0 || a.mask != 0 {
		if a.value&1 != 0 {
			accM = accM.add(tnum{mask: b.mask})
		} else if a.mask&1 != 0 {
			accM = accM.add(tnum{mask: b.mask | b.value})
		}
		a = a.rsh(1)
		b = b.lsh(1)
	}
	return tnumConst(accV).add(accM)
}

// tnumRange returns the tnum describing [min, max]: every bit above the
// highest bit in which min and max differ is known.
func tnumRange(min, max uint64) tnum {
	chi := min ^ max
	bit := bits.Len64(chi)
	if bit >= 64 {
		return tnumUnknown
	}
	delta := uint64(1)<<bit - 1
	return tnum{value: min &^ delta, mask: delta}
}
