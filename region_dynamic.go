package warden

// dynRegion is a region whose readable size is discovered at verification
// time: packet data bounded by a data_end pointer, or a helper-provided
// object of known size. limit is the number of bytes proven accessible.
//
// A freshly created packet region has limit 0: nothing may be read until a
// comparison against the region's end pointer raises the limit.
type dynRegion struct {
	limit int
	// readOnly forbids stores, used for read-only program data handed out
	// by the host.
	readOnly bool
	// packet marks regions voided when a helper moves the packet.
	packet bool
	// mapValue marks regions produced by map lookups, gated as helper
	// arguments by AllowPtrToMapArg.
	mapValue bool
}

func (r *dynRegion) clone() memRegion {
	c := *r
	return &c
}

// raiseLimit grows the proven size after a successful bounds check against
// the end pointer. The limit never shrinks: a later, laxer comparison on
// another path operates on its own clone of the region.
func (r *dynRegion) raiseLimit(off *scalar) {
	if v, ok := off.value64(); ok {
		if int(v) > r.limit {
			r.limit = int(v)
		}
		return
	}
	// A variable comparison offset proves only its minimum.
	min, _ := off.signedBounds()
	if min > 0 && int(min) > r.limit {
		r.limit = int(min)
	}
}

func (r *dynRegion) load(off *scalar, size int) (trackedValue, *Rejection) {
	if _, _, rej := checkAccessRange(off, size, r.limit); rej != nil {
		return trackedValue{}, rej
	}
	return scalarValue(boundedForSize(size)), nil
}

func (r *dynRegion) store(off *scalar, size int, v trackedValue) *Rejection {
	if r.readOnly {
		return rejectMem("region is read-only")
	}
	if v.isPointer() {
		return rejectTypeErr("pointers may not be written to shared memory")
	}
	if v.kind != valueScalar {
		return rejectTypeErr("stored value is %s", v.String())
	}
	if _, _, rej := checkAccessRange(off, size, r.limit); rej != nil {
		return rej
	}
	return nil
}
