package warden

import (
	"encoding/binary"
	"unsafe"

	"github.com/cilium/ebpf/asm"
)

// pseudoKfuncCall is the pseudo source register marking a kfunc call, not
// yet named by the asm package.
const pseudoKfuncCall = asm.Register(2)

// maxProgramSlots bounds the size of a loadable program, the same limit the
// kernel applies.
const maxProgramSlots = 1_000_000

// inst is one decoded instruction slot. The raw program is an array of
// 64-bit words; LD_IMM_DW occupies two of them, so a decoded program keeps
// one inst per raw slot and marks the second slot of a wide instruction as
// a continuation. Jump offsets are slot offsets, which keeps them directly
// comparable.
type inst struct {
	asm.Instruction

	// wide marks the first slot of an LD_IMM_DW pair.
	wide bool
	// cont marks the second slot of an LD_IMM_DW pair. Jumping into it or
	// executing it directly is an error.
	cont bool
}

// sizeBytes returns the byte width of a memory access size.
func sizeBytes(s asm.Size) int {
	switch s {
	case asm.Byte:
		return 1
	case asm.Half:
		return 2
	case asm.Word:
		return 4
	case asm.DWord:
		return 8
	}
	return 0
}

// sourceOf extracts the source bit of an opcode.
func sourceOf(op asm.OpCode) asm.Source {
	return asm.Source(uint8(op) & 0x08)
}

// aluOpOf extracts the ALU operation bits of an opcode.
func aluOpOf(op asm.OpCode) asm.ALUOp {
	return asm.ALUOp(uint8(op) & 0xf0)
}

// jumpOpOf extracts the jump operation bits of an opcode.
func jumpOpOf(op asm.OpCode) asm.JumpOp {
	return asm.JumpOp(uint8(op) & 0xf0)
}

// checkWritableReg rejects writes to the frame pointer and to register
// indices outside the file.
func checkWritableReg(r asm.Register) *Rejection {
	if r == asm.R10 {
		return rejectTypeErr("write to read-only register r10")
	}
	if r > asm.R10 {
		return rejectMalformed("register %d out of range", r)
	}
	return nil
}

var nativeEndian binary.ByteOrder

// nativeEndianness returns the byte order of the host, which is also the
// byte order the instruction stream is encoded in.
func nativeEndianness() binary.ByteOrder {
	if nativeEndian != nil {
		return nativeEndian
	}

	buf := [2]byte{}
	*(*uint16)(unsafe.Pointer(&buf[0])) = uint16(0xABCD)

	switch buf {
	case [2]byte{0xCD, 0xAB}:
		nativeEndian = binary.LittleEndian
	case [2]byte{0xAB, 0xCD}:
		nativeEndian = binary.BigEndian
	default:
		panic("could not determine native endianness")
	}

	return nativeEndian
}

// decodeWord splits one raw 64-bit slot into its instruction fields.
func decodeWord(b []byte) asm.Instruction {
	bo := nativeEndianness()
	regs := b[1]
	return asm.Instruction{
		OpCode:   asm.OpCode(b[0]),
		Dst:      asm.Register(regs & 0x0f),
		Src:      asm.Register(regs >> 4),
		Offset:   int16(bo.Uint16(b[2:4])),
		Constant: int64(int32(bo.Uint32(b[4:8]))),
	}
}

// decodeProgram decodes and structurally validates a raw instruction
// stream. Anything it rejects is RejectMalformed; later passes assume every
// returned inst is internally well formed.
func decodeProgram(code []byte) ([]inst, *Rejection) {
	if len(code) == 0 {
		return nil, rejectMalformed("empty program")
	}
	if len(code)%asm.InstructionSize != 0 {
		return nil, rejectMalformed("program size %d is not a multiple of %d", len(code), asm.InstructionSize)
	}
	if len(code)/asm.InstructionSize > maxProgramSlots {
		return nil, rejectMalformed("program exceeds %d instructions", maxProgramSlots)
	}

	insns := make([]inst, len(code)/asm.InstructionSize)
	for pc := 0; pc < len(insns); pc++ {
		raw := decodeWord(code[pc*asm.InstructionSize:])
		in := inst{Instruction: raw}

		if raw.OpCode.IsDWordLoad() {
			if pc+1 >= len(insns) {
				return nil, rejectMalformed("wide instruction truncated").at(pc)
			}
			second := decodeWord(code[(pc+1)*asm.InstructionSize:])
			if second.OpCode != 0 || second.Dst != 0 || second.Src != 0 || second.Offset != 0 {
				return nil, rejectMalformed("second slot of wide instruction must be zero").at(pc)
			}
			in.wide = true
			in.Constant = int64(uint64(uint32(raw.Constant)) | uint64(uint32(second.Constant))<<32)
			if rej := validateInst(&in); rej != nil {
				return nil, rej.at(pc)
			}
			insns[pc] = in
			insns[pc+1] = inst{cont: true}
			pc++
			continue
		}

		if rej := validateInst(&in); rej != nil {
			return nil, rej.at(pc)
		}
		insns[pc] = in
	}
	return insns, nil
}

// validateInst checks a single instruction: known opcodes only, unused
// fields zeroed, register indices in range and R10 never a write target.
func validateInst(in *inst) *Rejection {
	op := in.OpCode
	switch cls := op.Class(); cls {
	case asm.LdClass:
		if !in.wide {
			// BPF_ABS / BPF_IND legacy packet access is out of scope.
			return rejectMalformed("legacy packet load opcode %#02x", uint8(op))
		}
		if rej := checkWritableReg(in.Dst); rej != nil {
			return rej
		}
		if in.Src != 0 && in.Src != asm.PseudoMapFD {
			return rejectMalformed("unsupported wide load pseudo source %d", in.Src)
		}
		return nil

	case asm.LdXClass:
		if op.Mode() != asm.MemMode {
			return rejectMalformed("unsupported load mode %#02x", uint8(op))
		}
		if rej := checkWritableReg(in.Dst); rej != nil {
			return rej
		}
		if in.Src > asm.R10 {
			return rejectMalformed("load register out of range")
		}
		if in.Constant != 0 {
			return rejectMalformed("load with non-zero immediate")
		}
		return nil

	case asm.StClass:
		if op.Mode() != asm.MemMode {
			return rejectMalformed("unsupported store mode %#02x", uint8(op))
		}
		if in.Dst > asm.R10 || in.Src != 0 {
			return rejectMalformed("immediate store register out of range")
		}
		return nil

	case asm.StXClass:
		switch op.Mode() {
		case asm.MemMode:
			if in.Dst > asm.R10 || in.Src > asm.R10 {
				return rejectMalformed("store register out of range")
			}
			if in.Constant != 0 {
				return rejectMalformed("register store with non-zero immediate")
			}
			return nil
		case asm.XAddMode:
			return validateAtomic(in)
		default:
			return rejectMalformed("unsupported store mode %#02x", uint8(op))
		}

	case asm.ALUClass, asm.ALU64Class:
		return validateALU(in, cls)

	case asm.JumpClass, asm.Jump32Class:
		return validateJump(in, cls)
	}
	return rejectMalformed("unknown instruction class %#02x", uint8(op))
}

func validateALU(in *inst, cls asm.Class) *Rejection {
	if in.Offset != 0 {
		return rejectMalformed("alu instruction with non-zero offset")
	}
	if rej := checkWritableReg(in.Dst); rej != nil {
		return rej
	}

	switch aluOpOf(in.OpCode) {
	case asm.Neg:
		if in.Src != 0 || in.Constant != 0 || sourceOf(in.OpCode) != asm.ImmSource {
			return rejectMalformed("neg uses no source operand")
		}
		return nil
	case asm.Swap:
		if cls == asm.ALU64Class {
			return rejectMalformed("byte swap is an ALU32 class instruction")
		}
		if in.Src != 0 {
			return rejectMalformed("byte swap uses no source register")
		}
		switch in.Constant {
		case 16, 32, 64:
			return nil
		}
		return rejectMalformed("byte swap width %d", in.Constant)
	case asm.Add, asm.Sub, asm.Mul, asm.Div, asm.Mod,
		asm.And, asm.Or, asm.Xor, asm.LSh, asm.RSh, asm.ArSh, asm.Mov:
		return validateOperands(in)
	}
	return rejectMalformed("unknown alu operation %#02x", uint8(in.OpCode))
}

func validateJump(in *inst, cls asm.Class) *Rejection {
	switch jumpOpOf(in.OpCode) {
	case asm.Ja:
		if cls == asm.Jump32Class {
			return rejectMalformed("ja is a 64-bit jump class instruction")
		}
		if in.Dst != 0 || in.Src != 0 || in.Constant != 0 {
			return rejectMalformed("ja with non-zero operand fields")
		}
		return nil
	case asm.Call:
		if cls == asm.Jump32Class {
			return rejectMalformed("call is a 64-bit jump class instruction")
		}
		if in.Dst != 0 || in.Offset != 0 {
			return rejectMalformed("call with non-zero operand fields")
		}
		switch in.Src {
		case 0, asm.PseudoCall, pseudoKfuncCall:
			return nil
		}
		return rejectMalformed("unknown call pseudo source %d", in.Src)
	case asm.Exit:
		if cls == asm.Jump32Class {
			return rejectMalformed("exit is a 64-bit jump class instruction")
		}
		if in.Dst != 0 || in.Src != 0 || in.Offset != 0 || in.Constant != 0 {
			return rejectMalformed("exit with non-zero operand fields")
		}
		return nil
	case asm.JEq, asm.JNE, asm.JGT, asm.JGE, asm.JLT, asm.JLE,
		asm.JSGT, asm.JSGE, asm.JSLT, asm.JSLE, asm.JSet:
		if in.Dst > asm.R10 {
			return rejectMalformed("jump register out of range")
		}
		if sourceOf(in.OpCode) == asm.ImmSource {
			if in.Src != 0 {
				return rejectMalformed("immediate jump with non-zero source register")
			}
		} else {
			if in.Src > asm.R10 {
				return rejectMalformed("jump register out of range")
			}
			if in.Constant != 0 {
				return rejectMalformed("register jump with non-zero immediate")
			}
		}
		return nil
	}
	return rejectMalformed("unknown jump operation %#02x", uint8(in.OpCode))
}

func validateOperands(in *inst) *Rejection {
	if sourceOf(in.OpCode) == asm.ImmSource {
		if in.Src != 0 {
			return rejectMalformed("immediate instruction with non-zero source register")
		}
		return nil
	}
	if in.Src > asm.R10 {
		return rejectMalformed("source register out of range")
	}
	if in.Constant != 0 {
		return rejectMalformed("register instruction with non-zero immediate")
	}
	return nil
}

// atomic operation immediates, kernel uapi values.
const (
	atomicAdd     = 0x00
	atomicOr      = 0x40
	atomicAnd     = 0x50
	atomicXor     = 0xa0
	atomicFetch   = 0x01
	atomicXchg    = 0xe1
	atomicCmpXchg = 0xf1
)

func validateAtomic(in *inst) *Rejection {
	switch in.OpCode.Size() {
	case asm.Word, asm.DWord:
	default:
		return rejectMalformed("atomic operation of unsupported width")
	}
	if in.Dst > asm.R10 || in.Src > asm.R10 {
		return rejectMalformed("atomic register out of range")
	}
	switch in.Constant {
	case atomicAdd, atomicOr, atomicAnd, atomicXor,
		atomicAdd | atomicFetch, atomicOr | atomicFetch, atomicAnd | atomicFetch, atomicXor | atomicFetch,
		atomicXchg, atomicCmpXchg:
		return nil
	}
	return rejectMalformed("unknown atomic operation %#02x", in.Constant)
}
