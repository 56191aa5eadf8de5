package warden

import (
	"encoding/binary"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// SkBuffContext is the entry state of a socket buffer program: R1 points at
// a __sk_buff whose len and protocol fields the host fills in from the
// frame that triggered the program. When a sample Packet is supplied it is
// decoded to pin those fields to their concrete values, which lets the
// verifier prove branches that dispatch on the protocol.
//
// The packet data itself stays opaque: data and data_end bound a region no
// byte of which is readable before an explicit bounds check.
type SkBuffContext struct {
	ContextName string
	// Packet is an optional Ethernet frame describing the traffic the
	// program will see.
	Packet []byte
}

// __sk_buff layout, the subset of fields modelled here.
const (
	skbLen      = 0
	skbPktType  = 4
	skbMark     = 8
	skbQueueMap = 12
	skbProtocol = 16
	skbPriority = 32
	skbData     = 76
	skbDataEnd  = 80
	skbSize     = 192
)

func (c *SkBuffContext) Name() string {
	if c.ContextName == "" {
		return "sk_buff"
	}
	return c.ContextName
}

func (c *SkBuffContext) load(st *state) *Rejection {
	fields := []ContextField{
		{Offset: skbPktType, Size: 4, Kind: FieldScalarRO},
		{Offset: skbMark, Size: 4, Kind: FieldScalar},
		{Offset: skbQueueMap, Size: 4, Kind: FieldScalarRO},
		{Offset: skbPriority, Size: 4, Kind: FieldScalar},
		{Offset: skbData, Size: 4, Kind: FieldPacketData},
		{Offset: skbDataEnd, Size: 4, Kind: FieldPacketEnd},
	}

	lenField := ContextField{Offset: skbLen, Size: 4, Kind: FieldScalarRO}
	protoField := ContextField{Offset: skbProtocol, Size: 4, Kind: FieldScalarRO}
	if len(c.Packet) > 0 {
		pktLen := uint64(len(c.Packet))
		lenField.Known = &pktLen

		pkt := gopacket.NewPacket(c.Packet, layers.LayerTypeEthernet, gopacket.Default)
		if eth, ok := pkt.LinkLayer().(*layers.Ethernet); ok {
			// skb->protocol is in network byte order.
			var buf [2]byte
			binary.BigEndian.PutUint16(buf[:], uint16(eth.EthernetType))
			proto := uint64(nativeEndianness().Uint16(buf[:]))
			protoField.Known = &proto
		}
	}
	fields = append(fields, lenField, protoField)

	region, rej := buildStructRegion(st, skbSize, fields)
	if rej != nil {
		return rej
	}
	id := st.addRegion(region)
	return st.writeReg(1, pointerValue(newPointer(ptrFull, id)))
}
