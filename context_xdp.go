package warden

// XDPContext is the entry state of an XDP program: R1 points at an xdp_md
// struct whose data and data_end fields bound the received frame.
type XDPContext struct {
	ContextName string
}

// xdp_md layout, six 32-bit fields.
const (
	xdpMdData         = 0
	xdpMdDataEnd      = 4
	xdpMdDataMeta     = 8
	xdpMdIngressIfIdx = 12
	xdpMdRxQueueIdx   = 16
	xdpMdEgressIfIdx  = 20
	xdpMdSize         = 24
)

func (c *XDPContext) Name() string {
	if c.ContextName == "" {
		return "xdp_md"
	}
	return c.ContextName
}

func (c *XDPContext) load(st *state) *Rejection {
	region, rej := buildStructRegion(st, xdpMdSize, []ContextField{
		{Offset: xdpMdData, Size: 4, Kind: FieldPacketData},
		{Offset: xdpMdDataEnd, Size: 4, Kind: FieldPacketEnd},
		{Offset: xdpMdDataMeta, Size: 4, Kind: FieldScalarRO},
		{Offset: xdpMdIngressIfIdx, Size: 4, Kind: FieldScalarRO},
		{Offset: xdpMdRxQueueIdx, Size: 4, Kind: FieldScalarRO},
		{Offset: xdpMdEgressIfIdx, Size: 4, Kind: FieldScalarRO},
	})
	if rej != nil {
		return rej
	}
	id := st.addRegion(region)
	return st.writeReg(1, pointerValue(newPointer(ptrFull, id)))
}
