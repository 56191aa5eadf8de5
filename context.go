package warden

// Context describes the typed entry state of a program: which regions exist
// when execution starts and what R1 through R5 hold. Implementations are
// provided for common program environments; the zero state without a
// context leaves every argument register uninitialized.
type Context interface {
	Name() string
	load(st *state) *Rejection
}

// FieldKind classifies one field of a context struct.
type FieldKind int

const (
	// FieldScalar is plain read-write data.
	FieldScalar FieldKind = iota
	// FieldScalarRO is data the program may only read.
	FieldScalarRO
	// FieldScalarWO is data the program may only write.
	FieldScalarWO
	// FieldPacketData is an embedded pointer to the start of the packet.
	FieldPacketData
	// FieldPacketEnd is an embedded pointer just past the packet, only
	// useful in bounds comparisons.
	FieldPacketEnd
)

// ContextField places one field inside a context struct.
type ContextField struct {
	Offset int
	Size   int
	Kind   FieldKind
	// Known pins the field to a constant the host guarantees, for
	// FieldScalarRO fields.
	Known *uint64
}

// GenericContext builds a context region from a caller-supplied field
// table. Bytes not covered by any field are read-only scalar data.
type GenericContext struct {
	ContextName string
	Size        int
	Fields      []ContextField
}

func (c *GenericContext) Name() string {
	return c.ContextName
}

func (c *GenericContext) load(st *state) *Rejection {
	region, rej := buildStructRegion(st, c.Size, c.Fields)
	if rej != nil {
		return rej
	}
	id := st.addRegion(region)
	return st.writeReg(1, pointerValue(newPointer(ptrFull, id)))
}

// buildStructRegion compiles a field table into a struct region, creating
// the packet region when packet fields are present. The packet region
// starts with zero provable bytes: only a successful comparison against the
// end pointer makes it readable.
func buildStructRegion(st *state, size int, fields []ContextField) (*structRegion, *Rejection) {
	r := &structRegion{
		byteMap: make([]int8, size),
		known:   make(map[int]knownField),
	}
	for i := range r.byteMap {
		r.byteMap[i] = -1
	}

	var packetRegion regionID
	havePacket := false
	for _, f := range fields {
		if f.Offset < 0 || f.Size <= 0 || f.Offset+f.Size > size {
			return nil, rejectMalformed("context field [%d,%d) outside struct of %d bytes", f.Offset, f.Offset+f.Size, size)
		}
		var tag int8
		switch f.Kind {
		case FieldScalar:
			tag = 0
		case FieldScalarRO:
			tag = -1
			if f.Known != nil {
				r.known[f.Offset] = knownField{size: f.Size, value: exactScalar(*f.Known)}
			}
		case FieldScalarWO:
			tag = -2
		case FieldPacketData, FieldPacketEnd:
			if !havePacket {
				packetRegion = st.addRegion(&dynRegion{packet: true})
				havePacket = true
			}
			attrs := ptrFull
			if f.Kind == FieldPacketEnd {
				attrs = ptrNonNull | ptrDataEnd
			}
			r.pointers = append(r.pointers, newPointer(attrs, packetRegion))
			tag = int8(len(r.pointers))
		}
		for i := f.Offset; i < f.Offset+f.Size; i++ {
			r.byteMap[i] = tag
		}
	}
	return r, nil
}
