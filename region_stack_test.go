package warden

import (
	"testing"
)

func TestStackUninitialized(t *testing.T) {
	r := newStackRegion()
	for _, size := range []int{1, 2, 4, 8} {
		for off := 0; off <= stackSize-size; off += size {
			o := exactScalar(uint64(off))
			if _, rej := r.load(&o, size); rej == nil {
				t.Fatalf("expected rejection reading %d bytes at %d of a fresh stack", size, off)
			}
		}
	}
}

func TestStackSpillReload(t *testing.T) {
	r := newStackRegion()
	off := exactScalar(stackSize - 8)

	v := trackedValue{kind: valueScalar, s: exactScalar(42), lineage: 7}
	if rej := r.store(&off, 8, v); rej != nil {
		t.Fatalf("store failed: %v", rej)
	}
	got, rej := r.load(&off, 8)
	if rej != nil {
		t.Fatalf("load failed: %v", rej)
	}
	if c, ok := got.s.value64(); !ok || c != 42 {
		t.Fatalf("expected exact 42 back, got: %s", got.String())
	}
	if got.lineage != 7 {
		t.Fatalf("expected lineage to survive the spill, got: %d", got.lineage)
	}

	// Overwriting one byte invalidates the precise spill but keeps the
	// bytes readable.
	one := exactScalar(stackSize - 6)
	if rej := r.store(&one, 1, scalarValue(exactScalar(0))); rej != nil {
		t.Fatalf("byte store failed: %v", rej)
	}
	got, rej = r.load(&off, 8)
	if rej != nil {
		t.Fatalf("load after poke failed: %v", rej)
	}
	if _, ok := got.s.value64(); ok {
		t.Fatalf("expected the spill to be imprecise after a partial overwrite, got: %s", got.String())
	}
}

func TestStackPairSlots(t *testing.T) {
	r := newStackRegion()
	lo := exactScalar(stackSize - 8)
	hi := exactScalar(stackSize - 4)

	if rej := r.store(&lo, 4, scalarValue(exactScalar(1))); rej != nil {
		t.Fatalf("store failed: %v", rej)
	}
	if rej := r.store(&hi, 4, scalarValue(exactScalar(2))); rej != nil {
		t.Fatalf("store failed: %v", rej)
	}
	got, rej := r.load(&hi, 4)
	if rej != nil {
		t.Fatalf("load failed: %v", rej)
	}
	if c, ok := got.s.value64(); !ok || c != 2 {
		t.Fatalf("expected exact 2, got: %s", got.String())
	}
	// The full slot is readable but no longer precise.
	got, rej = r.load(&lo, 8)
	if rej != nil {
		t.Fatalf("full slot load failed: %v", rej)
	}
	if _, ok := got.s.value64(); ok {
		t.Fatalf("expected unknown scalar over a pair slot, got: %s", got.String())
	}
}

func TestStackPointerSpill(t *testing.T) {
	r := newStackRegion()
	p := pointerValue(newPointer(ptrFull, 3))

	aligned := exactScalar(stackSize - 8)
	if rej := r.store(&aligned, 8, p); rej != nil {
		t.Fatalf("aligned pointer spill failed: %v", rej)
	}
	got, rej := r.load(&aligned, 8)
	if rej != nil {
		t.Fatalf("pointer reload failed: %v", rej)
	}
	if !got.isPointer() || got.p.region != 3 {
		t.Fatalf("expected the spilled pointer back, got: %s", got.String())
	}

	// Partial reads of pointer bytes are forbidden.
	if _, rej := r.load(&aligned, 4); rej == nil {
		t.Fatal("expected rejection reading half a spilled pointer")
	}

	misaligned := exactScalar(stackSize - 12)
	if rej := r.store(&misaligned, 8, p); rej == nil {
		t.Fatal("expected rejection spilling a pointer misaligned")
	}
	if rej := r.store(&misaligned, 4, p); rej == nil {
		t.Fatal("expected rejection spilling a pointer at 4 bytes")
	}
}

func TestStackVariableOffset(t *testing.T) {
	r := newStackRegion()
	base := exactScalar(stackSize - 16)
	if rej := r.store(&base, 8, scalarValue(exactScalar(1))); rej != nil {
		t.Fatalf("store failed: %v", rej)
	}
	next := exactScalar(stackSize - 8)
	if rej := r.store(&next, 8, scalarValue(exactScalar(2))); rej != nil {
		t.Fatalf("store failed: %v", rej)
	}

	// A bounded variable offset over initialized bytes reads an unknown
	// scalar.
	vo := unknownScalar()
	vo.u64r = rangePair[uint64]{min: stackSize - 16, max: stackSize - 10}
	vo.syncBounds()
	got, rej := r.load(&vo, 2)
	if rej != nil {
		t.Fatalf("variable load failed: %v", rej)
	}
	if _, ok := got.s.value64(); ok {
		t.Fatalf("expected unknown scalar, got: %s", got.String())
	}

	// Variable offset stores are rejected.
	if rej := r.store(&vo, 2, scalarValue(exactScalar(0))); rej == nil {
		t.Fatal("expected rejection of a variable offset store")
	}

	// Out of bounds is rejected.
	oob := exactScalar(stackSize - 4)
	if _, rej := r.load(&oob, 8); rej == nil {
		t.Fatal("expected rejection past the frame end")
	}
}

func TestStackDepthTracking(t *testing.T) {
	r := newStackRegion()
	if r.depth() != 0 {
		t.Fatalf("expected depth 0, got: %d", r.depth())
	}
	off := exactScalar(stackSize - 24)
	if rej := r.store(&off, 8, scalarValue(exactScalar(0))); rej != nil {
		t.Fatalf("store failed: %v", rej)
	}
	if r.depth() != 24 {
		t.Fatalf("expected depth 24, got: %d", r.depth())
	}
}
