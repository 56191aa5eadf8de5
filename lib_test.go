package warden

// This file contains helpers used across the unit tests, handy since
// assembling raw test programs byte by byte is very repetitive.

import (
	"github.com/cilium/ebpf/asm"
)

// prog accumulates raw instruction words for a test program.
type prog struct {
	buf []byte
}

func (p *prog) raw(op asm.OpCode, dst, src asm.Register, off int16, imm int32) *prog {
	b := make([]byte, 8)
	b[0] = byte(op)
	b[1] = byte(src)<<4 | byte(dst)&0x0f
	bo := nativeEndianness()
	bo.PutUint16(b[2:4], uint16(off))
	bo.PutUint32(b[4:8], uint32(imm))
	p.buf = append(p.buf, b...)
	return p
}

func (p *prog) bytes() []byte {
	return p.buf
}

func opALU64Imm(op asm.ALUOp) asm.OpCode {
	return asm.OpCode(asm.ALU64Class).SetALUOp(op)
}

func opALU64Reg(op asm.ALUOp) asm.OpCode {
	return opALU64Imm(op) | asm.OpCode(asm.RegSource)
}

func opALU32Imm(op asm.ALUOp) asm.OpCode {
	return asm.OpCode(asm.ALUClass).SetALUOp(op)
}

func opALU32Reg(op asm.ALUOp) asm.OpCode {
	return opALU32Imm(op) | asm.OpCode(asm.RegSource)
}

func opJmpImm(op asm.JumpOp) asm.OpCode {
	return asm.OpCode(asm.JumpClass).SetJumpOp(op)
}

func opJmpReg(op asm.JumpOp) asm.OpCode {
	return opJmpImm(op) | asm.OpCode(asm.RegSource)
}

func opJmp32Imm(op asm.JumpOp) asm.OpCode {
	return asm.OpCode(asm.Jump32Class).SetJumpOp(op)
}

func opLdx(size asm.Size) asm.OpCode {
	return asm.OpCode(asm.LdXClass).SetMode(asm.MemMode).SetSize(size)
}

func opSt(size asm.Size) asm.OpCode {
	return asm.OpCode(asm.StClass).SetMode(asm.MemMode).SetSize(size)
}

func opStx(size asm.Size) asm.OpCode {
	return asm.OpCode(asm.StXClass).SetMode(asm.MemMode).SetSize(size)
}

func (p *prog) movImm(dst asm.Register, imm int32) *prog {
	return p.raw(opALU64Imm(asm.Mov), dst, 0, 0, imm)
}

func (p *prog) movReg(dst, src asm.Register) *prog {
	return p.raw(opALU64Reg(asm.Mov), dst, src, 0, 0)
}

func (p *prog) aluImm(op asm.ALUOp, dst asm.Register, imm int32) *prog {
	return p.raw(opALU64Imm(op), dst, 0, 0, imm)
}

func (p *prog) aluReg(op asm.ALUOp, dst, src asm.Register) *prog {
	return p.raw(opALU64Reg(op), dst, src, 0, 0)
}

func (p *prog) jmpImm(op asm.JumpOp, dst asm.Register, imm int32, off int16) *prog {
	return p.raw(opJmpImm(op), dst, 0, off, imm)
}

func (p *prog) jmpReg(op asm.JumpOp, dst, src asm.Register, off int16) *prog {
	return p.raw(opJmpReg(op), dst, src, off, 0)
}

func (p *prog) ja(off int16) *prog {
	return p.raw(opJmpImm(asm.Ja), 0, 0, off, 0)
}

func (p *prog) call(fn asm.BuiltinFunc) *prog {
	return p.raw(opJmpImm(asm.Call), 0, 0, 0, int32(fn))
}

func (p *prog) callBPF(off int32) *prog {
	return p.raw(opJmpImm(asm.Call), 0, asm.PseudoCall, 0, off)
}

func (p *prog) exit() *prog {
	return p.raw(opJmpImm(asm.Exit), 0, 0, 0, 0)
}

func (p *prog) ldMapFD(dst asm.Register, fd int32) *prog {
	p.raw(asm.OpCode(asm.LdClass).SetMode(asm.ImmMode).SetSize(asm.DWord), dst, asm.PseudoMapFD, 0, fd)
	return p.raw(0, 0, 0, 0, 0)
}

func (p *prog) ldImm64(dst asm.Register, value uint64) *prog {
	p.raw(asm.OpCode(asm.LdClass).SetMode(asm.ImmMode).SetSize(asm.DWord), dst, 0, 0, int32(uint32(value)))
	return p.raw(0, 0, 0, 0, int32(uint32(value>>32)))
}

func (p *prog) ldx(size asm.Size, dst, src asm.Register, off int16) *prog {
	return p.raw(opLdx(size), dst, src, off, 0)
}

func (p *prog) st(size asm.Size, dst asm.Register, off int16, imm int32) *prog {
	return p.raw(opSt(size), dst, 0, off, imm)
}

func (p *prog) stx(size asm.Size, dst, src asm.Register, off int16) *prog {
	return p.raw(opStx(size), dst, src, off, 0)
}

// mustReject asserts a rejection of the given kind.
func mustReject(t testingT, res *Result, kind RejectKind) {
	t.Helper()
	if res.Accepted {
		t.Fatalf("expected rejection of kind %v, program was accepted", kind)
	}
	if res.Rejection.Kind != kind {
		t.Fatalf("expected rejection kind %v, got: %v (%s)", kind, res.Rejection.Kind, res.Rejection.Message)
	}
}

func mustAccept(t testingT, res *Result) {
	t.Helper()
	if !res.Accepted {
		t.Fatalf("expected acceptance, got: %v", res.Rejection)
	}
}

// testingT is the subset of *testing.T the helpers need.
type testingT interface {
	Helper()
	Fatalf(format string, args ...interface{})
}
