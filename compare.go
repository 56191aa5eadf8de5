package warden

import "github.com/cilium/ebpf/asm"

// cmpResult is the outcome of evaluating a conditional jump over two tracked
// scalars.
type cmpResult int

const (
	// cmpMaybe means both edges are feasible and the driver must fork.
	cmpMaybe cmpResult = iota
	// cmpAlways means the condition holds for every concrete value pair.
	cmpAlways
	// cmpNever means the condition holds for no concrete value pair.
	cmpNever
)

// compareScalars evaluates `a OP b` at the given width (32 or 64). When the
// result is cmpMaybe, tA/tB hold the operands narrowed under the assumption
// the condition is true and fA/fB under the assumption it is false. Both
// pairs over-approximate: every concrete pair compatible with the edge is
// still contained.
func compareScalars(op asm.JumpOp, width uint8, a, b scalar) (res cmpResult, tA, tB, fA, fB scalar) {
	switch op {
	case asm.JEq:
		return scalarEQ(width, a, b)
	case asm.JNE:
		res, tA, tB, fA, fB = scalarEQ(width, a, b)
		return invert(res), fA, fB, tA, tB
	case asm.JLE:
		res, tA, tB, fA, fB = scalarLE(width, false, a, b)
		return res, tA, tB, fA, fB
	case asm.JGT:
		res, tA, tB, fA, fB = scalarLE(width, false, a, b)
		return invert(res), fA, fB, tA, tB
	case asm.JGE:
		// a >= b is b <= a with the operands swapped back afterwards.
		res, tB, tA, fB, fA = scalarLE(width, false, b, a)
		return res, tA, tB, fA, fB
	case asm.JLT:
		res, tB, tA, fB, fA = scalarLE(width, false, b, a)
		return invert(res), fA, fB, tA, tB
	case asm.JSLE:
		res, tA, tB, fA, fB = scalarLE(width, true, a, b)
		return res, tA, tB, fA, fB
	case asm.JSGT:
		res, tA, tB, fA, fB = scalarLE(width, true, a, b)
		return invert(res), fA, fB, tA, tB
	case asm.JSGE:
		res, tB, tA, fB, fA = scalarLE(width, true, b, a)
		return res, tA, tB, fA, fB
	case asm.JSLT:
		res, tB, tA, fB, fA = scalarLE(width, true, b, a)
		return invert(res), fA, fB, tA, tB
	case asm.JSet:
		return scalarSet(width, a, b)
	}
	return cmpMaybe, a, b, a, b
}

func invert(r cmpResult) cmpResult {
	switch r {
	case cmpAlways:
		return cmpNever
	case cmpNever:
		return cmpAlways
	}
	return cmpMaybe
}

// scalarLE narrows under a <= b (unsigned or signed) at the given width.
func scalarLE(width uint8, signed bool, a, b scalar) (res cmpResult, leA, leB, gtA, gtB scalar) {
	leA, leB, gtA, gtB = a, b, a, b

	var outcome rangeOutcome
	switch {
	case width == 32 && !signed:
		var le1, le2, gt1, gt2 rangePair[uint32]
		outcome, le1, le2, gt1, gt2 = narrowLE(a.u32r, b.u32r)
		leA.u32r, leB.u32r, gtA.u32r, gtB.u32r = le1, le2, gt1, gt2
	case width == 32 && signed:
		var le1, le2, gt1, gt2 rangePair[int32]
		outcome, le1, le2, gt1, gt2 = narrowLE(a.i32r, b.i32r)
		leA.i32r, leB.i32r, gtA.i32r, gtB.i32r = le1, le2, gt1, gt2
	case signed:
		var le1, le2, gt1, gt2 rangePair[int64]
		outcome, le1, le2, gt1, gt2 = narrowLE(a.i64r, b.i64r)
		leA.i64r, leB.i64r, gtA.i64r, gtB.i64r = le1, le2, gt1, gt2
	default:
		var le1, le2, gt1, gt2 rangePair[uint64]
		outcome, le1, le2, gt1, gt2 = narrowLE(a.u64r, b.u64r)
		leA.u64r, leB.u64r, gtA.u64r, gtB.u64r = le1, le2, gt1, gt2
	}

	switch outcome {
	case outcomeAlways:
		return cmpAlways, a, b, a, b
	case outcomeNever:
		return cmpNever, a, b, a, b
	}

	leA.syncBounds()
	leB.syncBounds()
	gtA.syncBounds()
	gtB.syncBounds()
	return cmpMaybe, leA, leB, gtA, gtB
}

// scalarEQ narrows under a == b. The equal edge intersects both interval
// views and the tnums; the not-equal edge only decides anything when both
// operands are known constants.
func scalarEQ(width uint8, a, b scalar) (res cmpResult, eqA, eqB, neA, neB scalar) {
	if width == 32 {
		if av, ok := a.value32(); ok {
			if bv, ok := b.value32(); ok {
				if av == bv {
					return cmpAlways, a, b, a, b
				}
				return cmpNever, a, b, a, b
			}
		}
	} else {
		if av, ok := a.value64(); ok {
			if bv, ok := b.value64(); ok {
				if av == bv {
					return cmpAlways, a, b, a, b
				}
				return cmpNever, a, b, a, b
			}
		}
	}

	eqA, eqB = a, b
	if width == 32 {
		ui := a.u32r.intersect(b.u32r)
		ii := a.i32r.intersect(b.i32r)
		ti, ok := a.bits.lowerHalf().intersect(b.bits.lowerHalf())
		if !ui.isValid() || !ii.isValid() || !ok {
			return cmpNever, a, b, a, b
		}
		eqA.u32r, eqA.i32r = ui, ii
		eqB.u32r, eqB.i32r = ui, ii
		upA, upB := a.bits.upperHalf(), b.bits.upperHalf()
		eqA.bits = tnum{value: upA.value | ti.value, mask: upA.mask | ti.mask}
		eqB.bits = tnum{value: upB.value | ti.value, mask: upB.mask | ti.mask}
	} else {
		ui := a.u64r.intersect(b.u64r)
		ii := a.i64r.intersect(b.i64r)
		ti, ok := a.bits.intersect(b.bits)
		if !ui.isValid() || !ii.isValid() || !ok {
			return cmpNever, a, b, a, b
		}
		eqA.u64r, eqA.i64r, eqA.bits = ui, ii, ti
		eqB.u64r, eqB.i64r, eqB.bits = ui, ii, ti
	}
	eqA.syncBounds()
	eqB.syncBounds()
	return cmpMaybe, eqA, eqB, a, b
}

// scalarSet narrows under a & b != 0, the BPF_JSET condition. Useful
// refinement only exists when one side is a constant.
func scalarSet(width uint8, a, b scalar) (res cmpResult, tA, tB, fA, fB scalar) {
	aBits, bBits := a.bits, b.bits
	if width == 32 {
		aBits, bBits = aBits.lowerHalf(), bBits.lowerHalf()
	}

	and := aBits.and(bBits)
	if and.min() != 0 {
		return cmpAlways, a, b, a, b
	}
	if and.max() == 0 {
		return cmpNever, a, b, a, b
	}

	tA, tB, fA, fB = a, b, a, b
	if bBits.isConst() && !aBits.isConst() {
		// On the not-taken edge none of the constant's bits are set in a.
		cleared := aBits.and(tnumConst(^bBits.value))
		fA.bits = mergeWidth(fA.bits, cleared, width)
		fA.syncBounds()
		// With a single-bit constant the taken edge pins that bit to one.
		if oneBit(bBits.value) {
			tA.bits = mergeWidth(tA.bits, aBits.or(tnumConst(bBits.value)), width)
			tA.syncBounds()
		}
	} else if aBits.isConst() && !bBits.isConst() {
		res, tB, tA, fB, fA = scalarSet(width, b, a)
		return res, tA, tB, fA, fB
	}
	return cmpMaybe, tA, tB, fA, fB
}

// mergeWidth installs low as the new lower half of t when width is 32, or
// replaces t entirely at width 64.
func mergeWidth(t, low tnum, width uint8) tnum {
	if width != 32 {
		return low
	}
	up := t.upperHalf()
	low = low.lowerHalf()
	return tnum{value: up.value | low.value, mask: up.mask | low.mask}
}

func oneBit(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
