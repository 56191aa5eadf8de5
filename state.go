package warden

// frame is one activation record of a BPF-to-BPF call: where to resume in
// the caller, the callee-saved registers and the caller's stack frame.
type frame struct {
	retPC   int
	saved   [4]trackedValue
	stack   regionID
	subprog int
}

// state is the complete mutable state of one abstract execution path: the
// register file, the call stack, the region arena and the bookkeeping used
// by lineage propagation and resource leak detection.
//
// Forking a conditional jump clones the state. Everything inside is either
// a plain value or owned by the state, so clone is a straight deep copy;
// pointers refer to regions by arena index and survive copying untouched.
type state struct {
	pc      int
	subprog int

	regs   [11]trackedValue
	stack  regionID
	frames []frame

	regions []memRegion

	nextLineage uint32
	resources   []regionID
}

// newState builds the entry state: an empty register file, a fresh stack
// frame and R10 pointing at its top.
func newState() *state {
	st := &state{}
	for i := range st.regs {
		st.regs[i] = uninitValue()
	}
	st.stack = st.addRegion(newStackRegion())
	st.regs[10] = pointerValue(framePointer(st.stack))
	return st
}

// framePointer returns the R10 value for a stack region: offset 512 from
// the region start, the frame base the program indexes downwards from.
func framePointer(stack regionID) pointer {
	p := newPointer(ptrFull, stack)
	off := exactScalar(stackSize)
	p.addScalar(&off)
	return p
}

func (st *state) clone() *state {
	c := &state{
		pc:          st.pc,
		subprog:     st.subprog,
		regs:        st.regs,
		stack:       st.stack,
		nextLineage: st.nextLineage,
	}
	c.frames = append([]frame(nil), st.frames...)
	c.resources = append([]regionID(nil), st.resources...)
	c.regions = make([]memRegion, len(st.regions))
	for i, r := range st.regions {
		c.regions[i] = r.clone()
	}
	return c
}

func (st *state) addRegion(r memRegion) regionID {
	st.regions = append(st.regions, r)
	return regionID(len(st.regions) - 1)
}

func (st *state) region(id regionID) memRegion {
	return st.regions[id]
}

// invalidateRegion voids a region: registers and spill slots still pointing
// at it become Invalidated values, and fresh accesses through any surviving
// pointer copy report the reason.
func (st *state) invalidateRegion(id regionID, reason string) {
	st.regions[id] = &invalidRegion{reason: reason}
	for i := range st.regs {
		v := &st.regs[i]
		if v.isPointer() && v.p.region == id {
			*v = invalidValue(reason)
		}
	}
	for _, r := range st.regions {
		if sr, ok := r.(*stackRegion); ok {
			sr.invalidatePointers(id, reason)
		}
	}
}

func (st *state) newLineage() uint32 {
	st.nextLineage++
	return st.nextLineage
}

// readReg fetches a register for use as an operand. R10 reads are always
// legal, it permanently holds the frame pointer.
func (st *state) readReg(i int) (*trackedValue, *Rejection) {
	v := &st.regs[i]
	switch v.kind {
	case valueUninit:
		return nil, rejectTypeErr("read of uninitialized register r%d", i)
	case valueInvalid:
		return nil, rejectMem("use of invalidated value in r%d: %s", i, v.reason)
	}
	return v, nil
}

func (st *state) writeReg(i int, v trackedValue) *Rejection {
	if i == 10 {
		return rejectTypeErr("write to read-only register r10")
	}
	st.regs[i] = v
	return nil
}

// propagateLineage installs a narrowed scalar into every register and spill
// slot sharing the origin lineage. Values with the same lineage are copies
// of one concrete value, so refining all of them together is sound.
func (st *state) propagateLineage(lineage uint32, s scalar) {
	if lineage == 0 {
		return
	}
	for i := range st.regs {
		v := &st.regs[i]
		if v.isScalar() && v.lineage == lineage {
			v.s = s
		}
	}
	for _, r := range st.regions {
		if sr, ok := r.(*stackRegion); ok {
			sr.refineLineage(lineage, s)
		}
	}
}

func (st *state) allocResource(id regionID) {
	st.resources = append(st.resources, id)
}

func (st *state) freeResource(id regionID) bool {
	for i, r := range st.resources {
		if r == id {
			st.resources = append(st.resources[:i], st.resources[i+1:]...)
			return true
		}
	}
	return false
}

func (st *state) holdsResources() bool {
	return len(st.resources) > 0
}
