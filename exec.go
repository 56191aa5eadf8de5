package warden

import (
	"github.com/cilium/ebpf/asm"
)

// step executes one instruction of the given state. It returns done when the
// state reached a top-level exit, or a rejection which fails the whole
// verification. Conditional jumps may push forked states onto the pending
// worklist.
func (vf *verification) step(st *state) (done bool, rej *Rejection) {
	pc := st.pc
	in := &vf.cfg.insns[pc]
	vf.log.tracef("pc=%-4d %v", pc, in.Instruction)

	switch in.OpCode.Class() {
	case asm.ALUClass, asm.ALU64Class:
		rej = vf.execALU(st, in)
		st.pc = pc + 1
	case asm.LdClass:
		rej = vf.execLoadImm(st, in)
		st.pc = pc + 2
	case asm.LdXClass, asm.StClass, asm.StXClass:
		rej = vf.execMem(st, in)
		st.pc = pc + 1
	case asm.JumpClass, asm.Jump32Class:
		done, rej = vf.execJump(st, in)
	}
	if rej != nil {
		return false, rej.at(pc)
	}
	return done, nil
}

// aluOperand materializes the source operand: the immediate as an exact
// scalar, or a copy of the source register.
func (vf *verification) aluOperand(st *state, in *inst, is64 bool) (trackedValue, *Rejection) {
	if sourceOf(in.OpCode) == asm.ImmSource {
		if is64 {
			// The 32-bit immediate is sign extended for 64-bit ALU ops.
			return scalarValue(exactScalar(uint64(in.Constant))), nil
		}
		return scalarValue(exactScalar(uint64(uint32(in.Constant)))), nil
	}
	v, rej := st.readReg(int(in.Src))
	if rej != nil {
		return trackedValue{}, rej
	}
	return *v, nil
}

func (vf *verification) execALU(st *state, in *inst) *Rejection {
	is64 := in.OpCode.Class() == asm.ALU64Class
	op := aluOpOf(in.OpCode)
	dstIdx := int(in.Dst)

	// Unary operations touch dst only.
	switch op {
	case asm.Neg:
		dv, rej := st.readReg(dstIdx)
		if rej != nil {
			return rej
		}
		if !dv.isScalar() {
			return rejectTypeErr("arithmetic negation of a pointer")
		}
		s := dv.s
		s.neg()
		if !is64 {
			s.truncate32()
		}
		return st.writeReg(dstIdx, scalarValue(s))
	case asm.Swap:
		dv, rej := st.readReg(dstIdx)
		if rej != nil {
			return rej
		}
		if !dv.isScalar() {
			return rejectTypeErr("byte swap of a pointer")
		}
		s := dv.s
		s.byteSwap(in.Constant)
		return st.writeReg(dstIdx, scalarValue(s))
	}

	src, rej := vf.aluOperand(st, in, is64)
	if rej != nil {
		return rej
	}

	if op == asm.Mov {
		if sourceOf(in.OpCode) == asm.RegSource {
			// Register moves share the origin lineage so that later branch
			// narrowing refines every copy.
			sv, rej := st.readReg(int(in.Src))
			if rej != nil {
				return rej
			}
			if sv.lineage == 0 {
				sv.lineage = st.newLineage()
			}
			src = *sv
		}
		if !is64 {
			if !src.isScalar() {
				return rejectTypeErr("32-bit move would truncate a pointer")
			}
			src.s.truncate32()
			src.lineage = 0
		}
		return st.writeReg(dstIdx, src)
	}

	dv, rej := st.readReg(dstIdx)
	if rej != nil {
		return rej
	}
	dst := *dv

	switch op {
	case asm.Add:
		switch {
		case dst.isPointer() && src.isScalar():
			return vf.pointerAdd(st, dstIdx, dst.p, src.s, false, is64)
		case dst.isScalar() && src.isPointer():
			return vf.pointerAdd(st, dstIdx, src.p, dst.s, false, is64)
		case dst.isScalar() && src.isScalar():
			dst.s.add(&src.s)
		default:
			return rejectTypeErr("addition of two pointers")
		}
	case asm.Sub:
		switch {
		case dst.isPointer() && src.isPointer():
			return vf.pointerDiff(st, dstIdx, dst.p, src.p, is64)
		case dst.isPointer() && src.isScalar():
			return vf.pointerAdd(st, dstIdx, dst.p, src.s, true, is64)
		case dst.isScalar() && src.isScalar():
			dst.s.sub(&src.s)
		default:
			return rejectTypeErr("subtraction of a pointer from a scalar")
		}
	case asm.Mul, asm.Div, asm.Mod, asm.And, asm.Or, asm.Xor:
		if !dst.isScalar() || !src.isScalar() {
			return rejectTypeErr("bitwise or multiplicative operation on a pointer")
		}
		if rej := vf.applyScalarOp(op, &dst.s, &src.s, is64); rej != nil {
			return rej
		}
	case asm.LSh, asm.RSh, asm.ArSh:
		if !dst.isScalar() || !src.isScalar() {
			return rejectTypeErr("shift of a pointer")
		}
		if rej := vf.applyShift(op, &dst.s, &src.s, is64); rej != nil {
			return rej
		}
	}

	if !is64 {
		dst.s.truncate32()
	}
	dst.lineage = 0
	return st.writeReg(dstIdx, dst)
}

func (vf *verification) applyScalarOp(op asm.ALUOp, dst, src *scalar, is64 bool) *Rejection {
	if !is64 {
		dst.truncate32()
		src.truncate32()
	}
	switch op {
	case asm.Mul:
		dst.mul(src)
	case asm.Div, asm.Mod:
		// Operands are already truncated for 32-bit classes, contains(0)
		// asks exactly the right question at either width.
		if src.contains(0) {
			if !vf.settings.RewriteDivByZero {
				return rejectArith("divisor may be zero")
			}
			// The host rewrites division with a zero check, the result is an
			// arbitrary scalar.
		}
		if op == asm.Div {
			dst.div()
		} else {
			dst.mod()
		}
	case asm.And:
		dst.and(src)
	case asm.Or:
		dst.or(src)
	case asm.Xor:
		dst.xor(src)
	}
	return nil
}

func (vf *verification) applyShift(op asm.ALUOp, dst, src *scalar, is64 bool) *Rejection {
	width := uint8(64)
	if !is64 {
		width = 32
	}

	amount, known := src.value64()
	if !is64 {
		if a32, ok := src.value32(); ok {
			amount, known = uint64(a32), true
		} else {
			known = false
		}
	}
	if !known {
		// An imprecise shift amount is fine as long as it provably stays
		// below the operand width; the result is unknown either way.
		if src.u64r.max >= uint64(width) {
			return rejectArith("shift amount may reach %d, operand is %d bits wide", src.u64r.max, width)
		}
		dst.markUnknown()
		if !is64 {
			dst.truncate32()
		}
		return nil
	}
	if amount >= uint64(width) {
		return rejectArith("shift by %d of a %d bit operand", amount, width)
	}

	switch op {
	case asm.LSh:
		dst.shl(width, uint8(amount))
	case asm.RSh:
		dst.shr(width, uint8(amount))
	case asm.ArSh:
		dst.ashr(width, uint8(amount))
	}
	return nil
}

// pointerAdd implements pointer ± scalar.
func (vf *verification) pointerAdd(st *state, dstIdx int, p pointer, s scalar, negate, is64 bool) *Rejection {
	if !is64 {
		return rejectTypeErr("32-bit arithmetic on a pointer")
	}
	if !p.attrs.has(ptrArithmetic) {
		return rejectTypeErr("arithmetic on a pointer that does not allow it")
	}
	if negate {
		p.subScalar(&s)
	} else {
		p.addScalar(&s)
	}
	return st.writeReg(dstIdx, pointerValue(p))
}

// pointerDiff implements pointer - pointer, which leaks an address unless
// both point into the same region.
func (vf *verification) pointerDiff(st *state, dstIdx int, a, b pointer, is64 bool) *Rejection {
	if !is64 {
		return rejectTypeErr("32-bit arithmetic on a pointer")
	}
	if !vf.settings.AllowPtrLeaks {
		return rejectArith("pointer subtraction requires AllowPtrLeaks")
	}
	if a.region != b.region {
		return rejectArith("subtraction of pointers into different regions")
	}
	return st.writeReg(dstIdx, scalarValue(a.subPointer(&b)))
}

// execLoadImm handles the two-slot LD_IMM_DW form: a 64-bit constant, or a
// map descriptor when the pseudo source says so.
func (vf *verification) execLoadImm(st *state, in *inst) *Rejection {
	if in.Src == asm.PseudoMapFD {
		fd := int32(uint32(uint64(in.Constant)))
		def, ok := vf.settings.Maps[fd]
		if !ok {
			return rejectTypeErr("reference to unknown map fd %d", fd)
		}
		id := st.addRegion(&fdRegion{mapDef: def, fd: fd})
		return st.writeReg(int(in.Dst), pointerValue(newPointer(ptrNonNull, id)))
	}
	return st.writeReg(int(in.Dst), scalarValue(exactScalar(uint64(in.Constant))))
}

// derefTarget validates that p may be dereferenced for the access and
// returns the region and the absolute offset of the access.
func (vf *verification) derefTarget(st *state, p *pointer, insOff int16, write bool) (memRegion, scalar, *Rejection) {
	if !p.attrs.has(ptrNonNull) {
		return nil, scalar{}, rejectMem("dereference of a possibly null pointer")
	}
	if p.attrs.has(ptrDataEnd) {
		return nil, scalar{}, rejectMem("dereference of an end marker pointer")
	}
	if write && !p.attrs.has(ptrMutable) {
		return nil, scalar{}, rejectMem("write through a read-only pointer")
	}
	if !write && !p.attrs.has(ptrReadable) {
		return nil, scalar{}, rejectMem("read through a write-only pointer")
	}
	off := p.offset
	d := exactScalar(uint64(int64(insOff)))
	off.add(&d)
	return st.region(p.region), off, nil
}

func (vf *verification) execMem(st *state, in *inst) *Rejection {
	if in.OpCode.Class() == asm.StXClass && in.OpCode.Mode() == asm.XAddMode {
		return vf.execAtomic(st, in)
	}
	size := sizeBytes(in.OpCode.Size())

	if in.OpCode.Class() == asm.LdXClass {
		sv, rej := st.readReg(int(in.Src))
		if rej != nil {
			return rej
		}
		if !sv.isPointer() {
			return rejectTypeErr("memory load through non-pointer r%d", in.Src)
		}
		region, off, rej := vf.derefTarget(st, &sv.p, in.Offset, false)
		if rej != nil {
			return rej
		}
		v, rej := region.load(&off, size)
		if rej != nil {
			return rej
		}
		return st.writeReg(int(in.Dst), v)
	}

	dv, rej := st.readReg(int(in.Dst))
	if rej != nil {
		return rej
	}
	if !dv.isPointer() {
		return rejectTypeErr("memory store through non-pointer r%d", in.Dst)
	}

	var v trackedValue
	if in.OpCode.Class() == asm.StClass {
		v = scalarValue(exactScalar(uint64(uint32(in.Constant))))
	} else {
		sv, rej := st.readReg(int(in.Src))
		if rej != nil {
			return rej
		}
		v = *sv
	}

	region, off, rej := vf.derefTarget(st, &dv.p, in.Offset, true)
	if rej != nil {
		return rej
	}
	if rej := region.store(&off, size, v); rej != nil {
		return rej
	}
	if sr, ok := region.(*stackRegion); ok {
		if sr.depth() > vf.settings.MaxStackDepth {
			return rejectResource("stack depth %d exceeds limit %d", sr.depth(), vf.settings.MaxStackDepth)
		}
		vf.noteStackDepth(st.subprog, sr.depth())
	}
	return nil
}

// execAtomic treats every atomic instruction as a read-modify-write with an
// unknown scalar result. The value semantics of the concrete operation are
// irrelevant to safety, only the access check and the clobbers matter.
func (vf *verification) execAtomic(st *state, in *inst) *Rejection {
	size := sizeBytes(in.OpCode.Size())

	dv, rej := st.readReg(int(in.Dst))
	if rej != nil {
		return rej
	}
	if !dv.isPointer() {
		return rejectTypeErr("atomic operation through non-pointer r%d", in.Dst)
	}
	sv, rej := st.readReg(int(in.Src))
	if rej != nil {
		return rej
	}
	if !sv.isScalar() {
		return rejectTypeErr("atomic operand r%d is not a scalar", in.Src)
	}

	region, off, rej := vf.derefTarget(st, &dv.p, in.Offset, true)
	if rej != nil {
		return rej
	}
	if _, rej := region.load(&off, size); rej != nil {
		return rej
	}
	if rej := region.store(&off, size, scalarValue(boundedForSize(size))); rej != nil {
		return rej
	}

	switch in.Constant {
	case atomicAdd | atomicFetch, atomicOr | atomicFetch, atomicAnd | atomicFetch, atomicXor | atomicFetch, atomicXchg:
		return st.writeReg(int(in.Src), scalarValue(boundedForSize(size)))
	case atomicCmpXchg:
		ev, rej := st.readReg(0)
		if rej != nil {
			return rej
		}
		if !ev.isScalar() {
			return rejectTypeErr("atomic compare operand r0 is not a scalar")
		}
		return st.writeReg(0, scalarValue(boundedForSize(size)))
	}
	return nil
}

func (vf *verification) execJump(st *state, in *inst) (bool, *Rejection) {
	pc := st.pc

	switch jumpOpOf(in.OpCode) {
	case asm.Ja:
		st.pc = pc + 1 + int(in.Offset)
		return false, nil
	case asm.Exit:
		return vf.execExit(st)
	case asm.Call:
		switch in.Src {
		case asm.PseudoCall:
			return false, vf.execCall(st, in)
		case pseudoKfuncCall:
			return false, rejectTypeErr("kfunc calls are not supported")
		default:
			if rej := vf.execHelper(st, asm.BuiltinFunc(in.Constant)); rej != nil {
				return false, rej
			}
			st.pc = pc + 1
			return false, nil
		}
	}
	return false, vf.execBranch(st, in)
}

// execCall enters a BPF-to-BPF function: push an activation record, give
// the callee a fresh stack frame and continue at its entry.
func (vf *verification) execCall(st *state, in *inst) *Rejection {
	if len(st.frames)+1 >= vf.settings.MaxCallDepth {
		return rejectResource("call depth exceeds %d", vf.settings.MaxCallDepth)
	}
	target := st.pc + 1 + int(in.Constant)

	f := frame{
		retPC:   st.pc + 1,
		stack:   st.stack,
		subprog: st.subprog,
	}
	copy(f.saved[:], st.regs[6:10])
	st.frames = append(st.frames, f)

	st.stack = st.addRegion(newStackRegion())
	st.regs[10] = pointerValue(framePointer(st.stack))
	st.pc = target
	st.subprog = vf.cfg.subprogStarting(target)
	return nil
}

func (vf *verification) execExit(st *state) (bool, *Rejection) {
	r0, rej := st.readReg(0)
	if rej != nil {
		return false, rej
	}

	if len(st.frames) > 0 {
		f := st.frames[len(st.frames)-1]
		st.frames = st.frames[:len(st.frames)-1]
		copy(st.regs[6:10], f.saved[:])
		// The callee's R1-R5 are meaningless to the caller.
		for i := 1; i <= 5; i++ {
			st.regs[i] = uninitValue()
		}
		st.stack = f.stack
		st.regs[10] = pointerValue(framePointer(st.stack))
		st.pc = f.retPC
		st.subprog = f.subprog
		return false, nil
	}

	// Top-level exit: the return value and resource contracts apply.
	if !r0.isScalar() {
		return false, rejectTypeErr("program returns a pointer")
	}
	if rr := vf.settings.ReturnRange; rr != nil {
		if r0.s.u64r.min < rr.Min || r0.s.u64r.max > rr.Max {
			return false, rejectTypeErr("return value in [%d,%d] violates contract [%d,%d]",
				r0.s.u64r.min, r0.s.u64r.max, rr.Min, rr.Max)
		}
	}
	if st.holdsResources() {
		return false, rejectTypeErr("allocated resource not released before exit")
	}
	vf.log.tracef("path exits with r0=%s", r0.s.String())
	return true, nil
}

// branchOperands fetches the two jump operands. The source index is -1 for
// immediates.
func (vf *verification) branchOperands(st *state, in *inst, is64 bool) (dst trackedValue, src trackedValue, srcIdx int, rej *Rejection) {
	dv, rej := st.readReg(int(in.Dst))
	if rej != nil {
		return trackedValue{}, trackedValue{}, -1, rej
	}
	if sourceOf(in.OpCode) == asm.ImmSource {
		var s scalar
		if is64 {
			s = exactScalar(uint64(in.Constant))
		} else {
			s = exactScalar(uint64(uint32(in.Constant)))
		}
		return *dv, scalarValue(s), -1, nil
	}
	sv, rej := st.readReg(int(in.Src))
	if rej != nil {
		return trackedValue{}, trackedValue{}, -1, rej
	}
	return *dv, *sv, int(in.Src), nil
}

func (vf *verification) execBranch(st *state, in *inst) *Rejection {
	is64 := in.OpCode.Class() == asm.JumpClass
	width := uint8(64)
	if !is64 {
		width = 32
	}
	op := jumpOpOf(in.OpCode)

	target := st.pc + 1 + int(in.Offset)
	fallThrough := st.pc + 1

	dst, src, srcIdx, rej := vf.branchOperands(st, in, is64)
	if rej != nil {
		return rej
	}

	// Pointer forms: the null check and the packet bounds pattern.
	if dst.isPointer() || src.isPointer() {
		return vf.execPointerBranch(st, in, op, width, dst, src, srcIdx, target, fallThrough)
	}

	res, tA, tB, fA, fB := compareScalars(op, width, dst.s, src.s)
	switch res {
	case cmpAlways:
		st.pc = target
		return nil
	case cmpNever:
		st.pc = fallThrough
		return nil
	}

	// Both edges are feasible: this state takes the jump, the clone falls
	// through. Narrowed operands are propagated along their lineage so
	// spilled copies benefit too.
	other := st.clone()
	other.pc = fallThrough
	installNarrowed(other, int(in.Dst), srcIdx, dst.lineage, src.lineage, fA, fB)

	st.pc = target
	installNarrowed(st, int(in.Dst), srcIdx, dst.lineage, src.lineage, tA, tB)

	return vf.pushBranch(other)
}

func installNarrowed(st *state, dstIdx, srcIdx int, dstLin, srcLin uint32, a, b scalar) {
	st.regs[dstIdx] = trackedValue{kind: valueScalar, s: a, lineage: dstLin}
	st.propagateLineage(dstLin, a)
	if srcIdx >= 0 {
		st.regs[srcIdx] = trackedValue{kind: valueScalar, s: b, lineage: srcLin}
		st.propagateLineage(srcLin, b)
	}
}

// execPointerBranch handles the conditional jumps pointers may legally
// appear in: equality against zero on a maybe-null pointer, and comparisons
// of a packet pointer against the matching end pointer.
func (vf *verification) execPointerBranch(st *state, in *inst, op asm.JumpOp, width uint8, dst, src trackedValue, srcIdx int, target, fallThrough int) *Rejection {
	if width != 64 {
		return rejectTypeErr("32-bit comparison of a pointer")
	}

	// Null check: pointer compared against constant zero.
	if dst.isPointer() && src.isScalar() {
		if v, ok := src.s.value64(); ok && v == 0 && (op == asm.JEq || op == asm.JNE) {
			nullPC, nonNullPC := target, fallThrough
			if op == asm.JNE {
				nullPC, nonNullPC = fallThrough, target
			}
			return vf.forkNullCheck(st, int(in.Dst), dst, nullPC, nonNullPC)
		}
		return rejectTypeErr("comparison of a pointer against a scalar")
	}
	if dst.isScalar() && src.isPointer() {
		if v, ok := dst.s.value64(); ok && v == 0 && (op == asm.JEq || op == asm.JNE) {
			nullPC, nonNullPC := target, fallThrough
			if op == asm.JNE {
				nullPC, nonNullPC = fallThrough, target
			}
			return vf.forkNullCheck(st, srcIdx, src, nullPC, nonNullPC)
		}
		return rejectTypeErr("comparison of a pointer against a scalar")
	}

	// Both pointers: only the packet bounds pattern is allowed. Express
	// every comparison as `data_ptr OP end_ptr`.
	p, e := dst.p, src.p
	boundedPC, otherPC := target, fallThrough
	switch {
	case !p.attrs.has(ptrDataEnd) && e.attrs.has(ptrDataEnd):
		switch op {
		case asm.JLE, asm.JLT:
			// data + k <= end proves k bytes on the taken edge. Strict <
			// is conservatively treated as <=, giving up one byte of
			// precision.
		case asm.JGE, asm.JGT:
			// data + k >= end proves the bytes on the not-taken edge.
			boundedPC, otherPC = fallThrough, target
		default:
			return rejectTypeErr("unsupported comparison of packet pointers")
		}
	case p.attrs.has(ptrDataEnd) && !e.attrs.has(ptrDataEnd):
		p, e = e, p
		switch op {
		case asm.JGE, asm.JGT:
			// end >= data + k proves on the taken edge.
		case asm.JLE, asm.JLT:
			boundedPC, otherPC = fallThrough, target
		default:
			return rejectTypeErr("unsupported comparison of packet pointers")
		}
	default:
		return rejectTypeErr("comparison of two pointers")
	}
	if p.region != e.region {
		return rejectTypeErr("comparison of pointers into different packets")
	}

	other := st.clone()
	other.pc = otherPC
	if rej := vf.pushBranch(other); rej != nil {
		return rej
	}

	st.pc = boundedPC
	if dr, ok := st.region(p.region).(*dynRegion); ok {
		dr.raiseLimit(&p.offset)
	}
	return nil
}

// forkNullCheck splits a maybe-null pointer: on the null edge the register
// becomes the scalar zero, on the other edge the pointer is proven
// non-null.
func (vf *verification) forkNullCheck(st *state, regIdx int, v trackedValue, nullPC, nonNullPC int) *Rejection {
	if v.p.attrs.has(ptrNonNull) {
		// Comparing a proven pointer against zero is decided statically.
		st.pc = nonNullPC
		return nil
	}

	other := st.clone()
	other.pc = nullPC
	other.regs[regIdx] = scalarValue(exactScalar(0))
	// A failed allocation holds nothing, the null edge owes no release.
	other.freeResource(v.p.region)
	if rej := vf.pushBranch(other); rej != nil {
		return rej
	}

	st.pc = nonNullPC
	v.p.attrs |= ptrNonNull
	st.regs[regIdx] = v
	return nil
}
