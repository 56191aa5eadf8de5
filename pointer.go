package warden

import "fmt"

// ptrAttrs are the attribute bits of a pointer. Each bit grants a
// permission:
//   - ptrNonNull: the pointer is proven to never be null
//   - ptrReadable: loads through the pointer are allowed
//   - ptrMutable: stores through the pointer are allowed
//   - ptrArithmetic: the pointer may be moved by adding scalars
//   - ptrDataEnd: the pointer marks the end of a dynamically sized region
//     and is only useful in comparisons
type ptrAttrs uint8

const (
	ptrNonNull ptrAttrs = 1 << iota
	ptrReadable
	ptrMutable
	ptrArithmetic
	ptrDataEnd
)

// ptrFull is the attribute set of a plain data pointer such as the frame
// pointer.
const ptrFull = ptrNonNull | ptrReadable | ptrMutable | ptrArithmetic

func (a ptrAttrs) has(bit ptrAttrs) bool {
	return a&bit != 0
}

// pointer is a typed reference into a memory region: the region id, a
// tracked variable offset from the region base and the attribute bits.
type pointer struct {
	attrs  ptrAttrs
	region regionID
	offset scalar
}

func newPointer(attrs ptrAttrs, region regionID) pointer {
	return pointer{attrs: attrs, region: region, offset: exactScalar(0)}
}

// addScalar moves the pointer by a tracked scalar. Permission is checked by
// the ALU transfer before calling this.
func (p *pointer) addScalar(s *scalar) {
	p.offset.add(s)
}

func (p *pointer) subScalar(s *scalar) {
	p.offset.sub(s)
}

// subPointer computes the distance between two pointers into the same
// region. The caller has verified allowPtrLeaks and the region match.
func (p *pointer) subPointer(o *pointer) scalar {
	d := p.offset
	d.sub(&o.offset)
	return d
}

func (p pointer) String() string {
	return fmt.Sprintf("ptr(region=%d off=%s attrs=%04b)", p.region, p.offset.String(), p.attrs)
}
