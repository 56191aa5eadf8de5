package warden

// structRegion models a host-defined struct such as a program context. The
// caller describes it with a byte map; each entry tags one byte:
//
//	n > 0  part of the embedded pointer field with index n
//	0      read-write scalar data
//	-1     read-only scalar data
//	-2     write-only scalar data
//
// Embedded pointer fields must be read exactly, in one aligned access
// covering the whole field, and can never be overwritten.
type structRegion struct {
	byteMap  []int8
	pointers []pointer
	// known pins scalar fields whose content the host guarantees, keyed by
	// field offset. A full aligned read of such a field yields the pinned
	// scalar instead of an unknown one.
	known map[int]knownField
}

type knownField struct {
	size  int
	value scalar
}

func (r *structRegion) clone() memRegion {
	c := &structRegion{
		byteMap:  r.byteMap,
		pointers: make([]pointer, len(r.pointers)),
		known:    r.known,
	}
	copy(c.pointers, r.pointers)
	return c
}

func fieldReadable(tag int8) bool {
	return tag == 0 || tag == -1
}

func fieldWritable(tag int8) bool {
	return tag == 0 || tag == -2
}

func (r *structRegion) load(off *scalar, size int) (trackedValue, *Rejection) {
	start, end, rej := checkAccessRange(off, size, len(r.byteMap))
	if rej != nil {
		return trackedValue{}, rej
	}

	if r.byteMap[start] > 0 {
		// A pointer field must be read whole, with a known offset.
		idx := r.byteMap[start]
		if end-start == size &&
			(start == 0 || r.byteMap[start-1] != idx) &&
			r.byteMap[end-1] == idx &&
			(end == len(r.byteMap) || r.byteMap[end] != idx) {
			return pointerValue(r.pointers[idx-1]), nil
		}
		return trackedValue{}, rejectMem("partial read of a context pointer field")
	}

	for i := start; i < end; i++ {
		if !fieldReadable(r.byteMap[i]) {
			return trackedValue{}, rejectMem("context bytes [%d,%d) are not readable", start, end)
		}
	}
	if kf, ok := r.known[start]; ok && end-start == size && kf.size == size {
		return scalarValue(kf.value), nil
	}
	return scalarValue(boundedForSize(size)), nil
}

func (r *structRegion) store(off *scalar, size int, v trackedValue) *Rejection {
	start, end, rej := checkAccessRange(off, size, len(r.byteMap))
	if rej != nil {
		return rej
	}
	if v.isPointer() {
		return rejectTypeErr("pointers may not be written to the context")
	}
	if v.kind != valueScalar {
		return rejectTypeErr("stored value is %s", v.String())
	}
	for i := start; i < end; i++ {
		if !fieldWritable(r.byteMap[i]) {
			return rejectMem("context bytes [%d,%d) are not writable", start, end)
		}
	}
	return nil
}
