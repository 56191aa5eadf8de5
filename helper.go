package warden

import (
	"github.com/cilium/ebpf/asm"
)

// ArgKind classifies one helper argument slot.
type ArgKind int

const (
	// ArgAny places no requirement on the register, it may even be
	// uninitialized.
	ArgAny ArgKind = iota
	// ArgSome requires any initialized value.
	ArgSome
	// ArgScalar requires a tracked scalar.
	ArgScalar
	// ArgConst requires a known constant scalar within [ConstMin, ConstMax].
	ArgConst
	// ArgPtrToMem requires a readable memory span of Size bytes.
	ArgPtrToMem
	// ArgPtrToUninitMem requires a writable span of Size bytes which the
	// helper fills; the bytes count as initialized afterwards.
	ArgPtrToUninitMem
	// ArgPtrToMemDyn is ArgPtrToMem with the size taken from the register
	// named by SizeReg.
	ArgPtrToMemDyn
	// ArgPtrToUninitMemDyn is ArgPtrToUninitMem with a register size.
	ArgPtrToUninitMemDyn
	// ArgMap requires a map descriptor loaded via LD_IMM_DW.
	ArgMap
	// ArgPtrToMapKey requires readable memory of the key size of the map
	// passed in R1.
	ArgPtrToMapKey
	// ArgPtrToMapValue requires readable memory of the value size of the
	// map passed in R1.
	ArgPtrToMapValue
	// ArgResource requires a pointer to a live resource allocated by an
	// earlier helper call.
	ArgResource
)

// RetKind classifies what a helper leaves in R0.
type RetKind int

const (
	// RetNone leaves R0 unusable.
	RetNone RetKind = iota
	// RetScalar leaves an unknown scalar.
	RetScalar
	// RetMapValueOrNull leaves a maybe-null pointer to a fresh region of the
	// value size of the map passed in R1.
	RetMapValueOrNull
	// RetResourceOrNull leaves a maybe-null pointer to a fresh allocated
	// region of ResourceSize bytes which must be released again before the
	// program exits.
	RetResourceOrNull
)

// ArgSpec is the contract of one argument register.
type ArgSpec struct {
	Kind ArgKind
	// Size of the memory span for the fixed memory kinds.
	Size int
	// SizeReg names the register (1-5) holding the span size for the
	// dynamic memory kinds.
	SizeReg int
	// ConstMin and ConstMax bound ArgConst.
	ConstMin, ConstMax uint64
}

// HelperSig declares a host helper function: the contracts of R1-R5, what
// comes back in R0 and the side effects the verifier must model.
type HelperSig struct {
	Name string
	Args []ArgSpec
	Ret  RetKind

	// ResourceSize is the region size for RetResourceOrNull. When
	// ResourceSizeArg names an argument register instead, its constant
	// value is used.
	ResourceSize    int
	ResourceSizeArg int
	// InvalidatesPacket voids every packet region; pointers saved across
	// the call go stale, the way bpf_xdp_adjust_head moves packet memory.
	InvalidatesPacket bool
	// ReleasesArg names the argument register (1-5) whose resource the
	// helper consumes, 0 for none.
	ReleasesArg int
}

// execHelper checks a helper call against its declared signature and
// applies its effects: argument validation, caller-saved clobbering, the
// typed result and region invalidation.
func (vf *verification) execHelper(st *state, fn asm.BuiltinFunc) *Rejection {
	sig, ok := vf.settings.Helpers[fn]
	if !ok {
		return rejectTypeErr("call to unknown or forbidden helper %d", int32(fn))
	}
	vf.helperUse[fn]++
	vf.log.tracef("helper call %s", sig.Name)

	for i, arg := range sig.Args {
		reg := i + 1
		if rej := vf.checkHelperArg(st, sig, reg, arg); rej != nil {
			return rej
		}
	}

	var result trackedValue
	switch sig.Ret {
	case RetNone:
		result = uninitValue()
	case RetScalar:
		result = trackedValue{kind: valueScalar, s: unknownScalar(), lineage: st.newLineage()}
	case RetMapValueOrNull:
		def, rej := vf.mapArgDef(st, 1)
		if rej != nil {
			return rej
		}
		id := def.newMapValue(st)
		result = trackedValue{
			kind:    valuePointer,
			p:       newPointer(ptrReadable|ptrMutable|ptrArithmetic, id),
			lineage: st.newLineage(),
		}
	case RetResourceOrNull:
		size := sig.ResourceSize
		if sig.ResourceSizeArg != 0 {
			v, rej := st.readReg(sig.ResourceSizeArg)
			if rej != nil {
				return rej
			}
			if c, ok := v.s.value64(); ok {
				size = int(c)
			}
		}
		id := st.addRegion(&dynRegion{limit: size})
		st.allocResource(id)
		result = trackedValue{
			kind:    valuePointer,
			p:       newPointer(ptrReadable|ptrMutable|ptrArithmetic, id),
			lineage: st.newLineage(),
		}
	}

	if sig.ReleasesArg != 0 {
		v, rej := st.readReg(sig.ReleasesArg)
		if rej != nil {
			return rej
		}
		if !v.isPointer() || !st.freeResource(v.p.region) {
			return rejectTypeErr("%s releases r%d which holds no live resource", sig.Name, sig.ReleasesArg)
		}
		st.invalidateRegion(v.p.region, "resource released by "+sig.Name)
	}

	if sig.InvalidatesPacket {
		for id, r := range st.regions {
			if dr, ok := r.(*dynRegion); ok && dr.packet {
				st.invalidateRegion(regionID(id), "packet moved by "+sig.Name)
			}
		}
	}

	// R1-R5 are caller saved, the helper clobbers them.
	for i := 1; i <= 5; i++ {
		st.regs[i] = uninitValue()
	}
	st.regs[0] = result
	return nil
}

// mapArgDef extracts the map definition behind the descriptor in the given
// register.
func (vf *verification) mapArgDef(st *state, reg int) (MapDef, *Rejection) {
	v, rej := st.readReg(reg)
	if rej != nil {
		return MapDef{}, rej
	}
	if !v.isPointer() {
		return MapDef{}, rejectTypeErr("r%d is not a map descriptor", reg)
	}
	fr, ok := st.region(v.p.region).(*fdRegion)
	if !ok {
		return MapDef{}, rejectTypeErr("r%d is not a map descriptor", reg)
	}
	return fr.mapDef, nil
}

func (vf *verification) checkHelperArg(st *state, sig HelperSig, reg int, arg ArgSpec) *Rejection {
	if arg.Kind == ArgAny {
		return nil
	}
	v, rej := st.readReg(reg)
	if rej != nil {
		return rej
	}

	switch arg.Kind {
	case ArgSome:
		return nil
	case ArgScalar:
		if !v.isScalar() {
			return rejectTypeErr("%s argument r%d must be a scalar", sig.Name, reg)
		}
		return nil
	case ArgConst:
		if !v.isScalar() {
			return rejectTypeErr("%s argument r%d must be a scalar", sig.Name, reg)
		}
		c, ok := v.s.value64()
		if !ok {
			return rejectTypeErr("%s argument r%d must be a known constant", sig.Name, reg)
		}
		if c < arg.ConstMin || c > arg.ConstMax {
			return rejectTypeErr("%s argument r%d value %d outside [%d,%d]", sig.Name, reg, c, arg.ConstMin, arg.ConstMax)
		}
		return nil
	case ArgPtrToMem, ArgPtrToUninitMem:
		return vf.checkMemArg(st, sig, reg, v, arg.Size, arg.Kind == ArgPtrToUninitMem)
	case ArgPtrToMemDyn, ArgPtrToUninitMemDyn:
		size, rej := vf.dynSize(st, sig, arg.SizeReg)
		if rej != nil {
			return rej
		}
		return vf.checkMemArg(st, sig, reg, v, size, arg.Kind == ArgPtrToUninitMemDyn)
	case ArgMap:
		_, rej := vf.mapArgDef(st, reg)
		return rej
	case ArgPtrToMapKey:
		def, rej := vf.mapArgDef(st, 1)
		if rej != nil {
			return rej
		}
		return vf.checkMemArg(st, sig, reg, v, def.KeySize, false)
	case ArgPtrToMapValue:
		def, rej := vf.mapArgDef(st, 1)
		if rej != nil {
			return rej
		}
		return vf.checkMemArg(st, sig, reg, v, def.ValueSize, false)
	case ArgResource:
		if !v.isPointer() {
			return rejectTypeErr("%s argument r%d must be a resource pointer", sig.Name, reg)
		}
		for _, id := range st.resources {
			if id == v.p.region {
				return nil
			}
		}
		return rejectTypeErr("%s argument r%d does not hold a live resource", sig.Name, reg)
	}
	return nil
}

// dynSize resolves a size passed in a register. An imprecise size is held to
// its maximum, the helper may legally consume that much.
func (vf *verification) dynSize(st *state, sig HelperSig, reg int) (int, *Rejection) {
	v, rej := st.readReg(reg)
	if rej != nil {
		return 0, rej
	}
	if !v.isScalar() {
		return 0, rejectTypeErr("%s size argument r%d must be a scalar", sig.Name, reg)
	}
	max := v.s.u64r.max
	if max > stackSize*64 {
		return 0, rejectTypeErr("%s size argument r%d is unbounded", sig.Name, reg)
	}
	return int(max), nil
}

// checkMemArg proves that size bytes behind the pointer are accessible. For
// uninit spans the helper initializes the bytes, modelled as stores of
// unknown scalars.
func (vf *verification) checkMemArg(st *state, sig HelperSig, reg int, v *trackedValue, size int, uninit bool) *Rejection {
	if size == 0 {
		return nil
	}
	if !v.isPointer() {
		return rejectTypeErr("%s argument r%d must point to %d bytes of memory", sig.Name, reg, size)
	}
	p := v.p
	if !p.attrs.has(ptrNonNull) {
		return rejectTypeErr("%s argument r%d may be null", sig.Name, reg)
	}
	if uninit && !p.attrs.has(ptrMutable) {
		return rejectTypeErr("%s argument r%d must be writable", sig.Name, reg)
	}
	if !uninit && !p.attrs.has(ptrReadable) {
		return rejectTypeErr("%s argument r%d must be readable", sig.Name, reg)
	}

	region := st.region(p.region)
	if dr, ok := region.(*dynRegion); ok && dr.mapValue && !vf.settings.AllowPtrToMapArg {
		return rejectTypeErr("%s argument r%d points into a map value, forbidden by configuration", sig.Name, reg)
	}

	// Walk the span in at most 8-byte chunks so the region's own access
	// logic applies, including spill and readability tracking on the stack.
	for done := 0; done < size; {
		chunk := size - done
		if chunk > 8 {
			chunk = 8
		}
		off := p.offset
		d := exactScalar(uint64(done))
		off.add(&d)
		if uninit {
			if rej := region.store(&off, chunk, scalarValue(boundedForSize(chunk))); rej != nil {
				return rejectTypeErr("%s argument r%d: %s", sig.Name, reg, rej.Message)
			}
		} else {
			if _, rej := region.load(&off, chunk); rej != nil {
				return rejectTypeErr("%s argument r%d: %s", sig.Name, reg, rej.Message)
			}
		}
		done += chunk
	}
	return nil
}

// DefaultHelpers returns the signatures of the classic helper set, keyed by
// their kernel helper ids.
func DefaultHelpers() map[asm.BuiltinFunc]HelperSig {
	return map[asm.BuiltinFunc]HelperSig{
		asm.FnMapLookupElem: {
			Name: "map_lookup_elem",
			Args: []ArgSpec{{Kind: ArgMap}, {Kind: ArgPtrToMapKey}},
			Ret:  RetMapValueOrNull,
		},
		asm.FnMapUpdateElem: {
			Name: "map_update_elem",
			Args: []ArgSpec{{Kind: ArgMap}, {Kind: ArgPtrToMapKey}, {Kind: ArgPtrToMapValue}, {Kind: ArgScalar}},
			Ret:  RetScalar,
		},
		asm.FnMapDeleteElem: {
			Name: "map_delete_elem",
			Args: []ArgSpec{{Kind: ArgMap}, {Kind: ArgPtrToMapKey}},
			Ret:  RetScalar,
		},
		asm.FnProbeRead: {
			Name: "probe_read",
			Args: []ArgSpec{{Kind: ArgPtrToUninitMemDyn, SizeReg: 2}, {Kind: ArgScalar}, {Kind: ArgSome}},
			Ret:  RetScalar,
		},
		asm.FnKtimeGetNs: {
			Name: "ktime_get_ns",
			Ret:  RetScalar,
		},
		asm.FnTracePrintk: {
			Name: "trace_printk",
			Args: []ArgSpec{{Kind: ArgPtrToMemDyn, SizeReg: 2}, {Kind: ArgScalar}, {Kind: ArgAny}, {Kind: ArgAny}, {Kind: ArgAny}},
			Ret:  RetScalar,
		},
		asm.FnGetPrandomU32: {
			Name: "get_prandom_u32",
			Ret:  RetScalar,
		},
		asm.FnGetSmpProcessorId: {
			Name: "get_smp_processor_id",
			Ret:  RetScalar,
		},
		asm.FnGetCurrentPidTgid: {
			Name: "get_current_pid_tgid",
			Ret:  RetScalar,
		},
		asm.FnGetCurrentUidGid: {
			Name: "get_current_uid_gid",
			Ret:  RetScalar,
		},
		asm.FnGetCurrentComm: {
			Name: "get_current_comm",
			Args: []ArgSpec{{Kind: ArgPtrToUninitMemDyn, SizeReg: 2}, {Kind: ArgScalar}},
			Ret:  RetScalar,
		},
		asm.FnRingbufReserve: {
			Name:            "ringbuf_reserve",
			Args:            []ArgSpec{{Kind: ArgMap}, {Kind: ArgConst, ConstMin: 1, ConstMax: 1 << 20}, {Kind: ArgConst, ConstMin: 0, ConstMax: 0}},
			Ret:             RetResourceOrNull,
			ResourceSizeArg: 2,
		},
		asm.FnRingbufSubmit: {
			Name:        "ringbuf_submit",
			Args:        []ArgSpec{{Kind: ArgResource}, {Kind: ArgScalar}},
			Ret:         RetNone,
			ReleasesArg: 1,
		},
		asm.FnRingbufDiscard: {
			Name:        "ringbuf_discard",
			Args:        []ArgSpec{{Kind: ArgResource}, {Kind: ArgScalar}},
			Ret:         RetNone,
			ReleasesArg: 1,
		},
		asm.FnTailCall: {
			// When the tail call succeeds control never returns; the
			// fall-through path behaves like a failed call with an error
			// code in R0.
			Name: "tail_call",
			Args: []ArgSpec{{Kind: ArgSome}, {Kind: ArgMap}, {Kind: ArgScalar}},
			Ret:  RetScalar,
		},
		asm.FnXdpAdjustHead: {
			Name:              "xdp_adjust_head",
			Args:              []ArgSpec{{Kind: ArgSome}, {Kind: ArgScalar}},
			Ret:               RetScalar,
			InvalidatesPacket: true,
		},
	}
}
