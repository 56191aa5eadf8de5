package warden

import (
	"math/rand"
	"testing"

	"github.com/cilium/ebpf/asm"
)

func cmpConst(t *testing.T, op asm.JumpOp, width uint8, a, b uint64, want cmpResult) {
	t.Helper()
	res, _, _, _, _ := compareScalars(op, width, exactScalar(a), exactScalar(b))
	if res != want {
		t.Fatalf("%v width %d on %#x, %#x: expected %v, got: %v", op, width, a, b, want, res)
	}
}

func TestCompareConstants(t *testing.T) {
	const big = 0xFFFF00000001

	cmpConst(t, asm.JEq, 32, big, 1, cmpAlways)
	cmpConst(t, asm.JEq, 32, big, 2, cmpNever)
	cmpConst(t, asm.JEq, 64, big, 1, cmpNever)
	cmpConst(t, asm.JEq, 64, 1, 1, cmpAlways)
	cmpConst(t, asm.JNE, 64, big, 1, cmpAlways)

	cmpConst(t, asm.JLE, 32, big, 1, cmpAlways)
	cmpConst(t, asm.JLE, 32, big, 0, cmpNever)
	cmpConst(t, asm.JLE, 64, big, 1, cmpNever)
	cmpConst(t, asm.JLT, 32, big, 2, cmpAlways)
	cmpConst(t, asm.JLT, 64, 1, big, cmpAlways)
	cmpConst(t, asm.JGT, 64, big, 1, cmpAlways)
	cmpConst(t, asm.JGE, 64, 1, 1, cmpAlways)

	// Signed: -1 < 2 signed, but huge unsigned.
	neg1 := ^uint64(0)
	cmpConst(t, asm.JSLT, 64, neg1, 2, cmpAlways)
	cmpConst(t, asm.JLT, 64, neg1, 2, cmpNever)
	cmpConst(t, asm.JSLE, 64, 2, neg1, cmpNever)

	cmpConst(t, asm.JSet, 64, 0b1010, 0b0010, cmpAlways)
	cmpConst(t, asm.JSet, 64, 0b1010, 0b0101, cmpNever)
	cmpConst(t, asm.JSet, 32, big, 2, cmpNever)
}

func TestCompareNarrowing(t *testing.T) {
	a := boundedScalar(100)
	b := exactScalar(50)

	res, tA, _, fA, _ := compareScalars(asm.JLE, 64, a, b)
	if res != cmpMaybe {
		t.Fatalf("expected cmpMaybe, got: %v", res)
	}
	if tA.u64r.max != 50 {
		t.Fatalf("taken edge: expected max 50, got: %d", tA.u64r.max)
	}
	if fA.u64r.min != 51 {
		t.Fatalf("not-taken edge: expected min 51, got: %d", fA.u64r.min)
	}

	// Unsigned <= with partially overlapping operand ranges.
	mk := func(min, max uint64) scalar {
		s := unknownScalar()
		s.u64r = rangePair[uint64]{min: min, max: max}
		s.syncBounds()
		return s
	}
	a, b = mk(10, 100), mk(40, 60)
	res, tA, tB, fA, fB := compareScalars(asm.JLE, 64, a, b)
	if res != cmpMaybe {
		t.Fatalf("expected cmpMaybe, got: %v", res)
	}
	if tA.u64r.min != 10 || tA.u64r.max != 60 {
		t.Fatalf("taken A: expected [10,60], got: [%d,%d]", tA.u64r.min, tA.u64r.max)
	}
	if tB.u64r.min != 40 || tB.u64r.max != 60 {
		t.Fatalf("taken B: expected [40,60], got: [%d,%d]", tB.u64r.min, tB.u64r.max)
	}
	if fA.u64r.min != 41 || fA.u64r.max != 100 {
		t.Fatalf("fall-through A: expected [41,100], got: [%d,%d]", fA.u64r.min, fA.u64r.max)
	}
	if fB.u64r.min != 40 || fB.u64r.max != 60 {
		t.Fatalf("fall-through B: expected [40,60], got: [%d,%d]", fB.u64r.min, fB.u64r.max)
	}
}

// TestNarrowingSoundness draws random abstract operands, evaluates every
// comparison and checks that each concrete pair survives on the edge its
// concrete comparison selects.
func TestNarrowingSoundness(t *testing.T) {
	rng := rand.New(rand.NewSource(9))

	concrete := map[asm.JumpOp]func(x, y uint64) bool{
		asm.JEq:  func(x, y uint64) bool { return x == y },
		asm.JNE:  func(x, y uint64) bool { return x != y },
		asm.JLE:  func(x, y uint64) bool { return x <= y },
		asm.JLT:  func(x, y uint64) bool { return x < y },
		asm.JGE:  func(x, y uint64) bool { return x >= y },
		asm.JGT:  func(x, y uint64) bool { return x > y },
		asm.JSLE: func(x, y uint64) bool { return int64(x) <= int64(y) },
		asm.JSLT: func(x, y uint64) bool { return int64(x) < int64(y) },
		asm.JSGE: func(x, y uint64) bool { return int64(x) >= int64(y) },
		asm.JSGT: func(x, y uint64) bool { return int64(x) > int64(y) },
		asm.JSet: func(x, y uint64) bool { return x&y != 0 },
	}

	for n := 0; n < 300; n++ {
		sa, sb := randScalar(rng), randScalar(rng)
		for op, fn := range concrete {
			res, tA, tB, fA, fB := compareScalars(op, 64, sa, sb)
			for m := 0; m < 100; m++ {
				x, y := randMember(rng, sa.bits), randMember(rng, sb.bits)
				if !sa.contains(x) || !sb.contains(y) {
					continue
				}
				holds := fn(x, y)
				switch res {
				case cmpAlways:
					if !holds {
						t.Fatalf("%v: claimed always but %#x, %#x fails", op, x, y)
					}
				case cmpNever:
					if holds {
						t.Fatalf("%v: claimed never but %#x, %#x holds", op, x, y)
					}
				case cmpMaybe:
					if holds && (!tA.contains(x) || !tB.contains(y)) {
						t.Fatalf("%v: true pair %#x, %#x escaped the taken edge", op, x, y)
					}
					if !holds && (!fA.contains(x) || !fB.contains(y)) {
						t.Fatalf("%v: false pair %#x, %#x escaped the other edge", op, x, y)
					}
				}
			}
		}
	}
}

func TestCompare32BitWidth(t *testing.T) {
	// Equal lower halves, different upper halves.
	a := exactScalar(0x1_00000042)
	b := exactScalar(0x2_00000042)
	cmpConst(t, asm.JEq, 64, 0x1_00000042, 0x2_00000042, cmpNever)
	res, _, _, _, _ := compareScalars(asm.JEq, 32, a, b)
	if res != cmpAlways {
		t.Fatalf("expected cmpAlways on 32-bit equality, got: %v", res)
	}
}
