package warden

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
)

// VerifyProgram checks a program in cilium/ebpf's loaded representation,
// typically straight out of an ELF. Symbolic references to functions and
// maps are resolved first; map names must be declared via VerifierOptMap.
func (v *Verifier) VerifyProgram(prog *ebpf.ProgramSpec) *Result {
	log := newVerifierLog(v.settings.Logger, v.settings.CaptureLog)

	insns, rej := v.expandInstructions(prog.Instructions)
	if rej != nil {
		return rejectedResult(log, rej)
	}
	return v.verifyDecoded(log, insns)
}

// expandInstructions lowers asm.Instructions to per-slot insts: wide loads
// take their second slot, and symbolic jump, call and map references are
// fixed up into numeric offsets the way the byte stream would carry them.
func (v *Verifier) expandInstructions(asmInsns asm.Instructions) ([]inst, *Rejection) {
	if len(asmInsns) == 0 {
		return nil, rejectMalformed("empty program")
	}
	slotOf := make([]int, len(asmInsns))
	symbolSlots := make(map[string]int)

	slot := 0
	for i, ins := range asmInsns {
		slotOf[i] = slot
		if sym := ins.Symbol(); sym != "" {
			if _, ok := symbolSlots[sym]; ok {
				return nil, rejectMalformed("duplicate symbol %q", sym)
			}
			symbolSlots[sym] = slot
		}
		slot++
		if ins.OpCode.IsDWordLoad() {
			slot++
		}
	}

	if slot > maxProgramSlots {
		return nil, rejectMalformed("program exceeds %d instructions", maxProgramSlots)
	}

	insns := make([]inst, slot)
	for i, ins := range asmInsns {
		at := slotOf[i]
		in := inst{Instruction: ins, wide: ins.OpCode.IsDWordLoad()}

		if ref := ins.Reference(); ref != "" {
			target, known := symbolSlots[ref]
			switch {
			case ins.IsFunctionReference() && ins.Constant == -1:
				if !known {
					return nil, rejectMalformed("unsatisfied function reference %q", ref).at(at)
				}
				in.Constant = int64(target - at - 1)
			case ins.OpCode.Class().IsJump() && ins.Offset == -1:
				if !known {
					return nil, rejectMalformed("unsatisfied jump reference %q", ref).at(at)
				}
				in.Offset = int16(target - at - 1)
			case ins.IsLoadFromMap():
				fd, ok := v.settings.MapsByName[ref]
				if !ok {
					return nil, rejectMalformed("program references undeclared map %q", ref).at(at)
				}
				in.Src = asm.PseudoMapFD
				in.Constant = int64(uint32(fd))
			}
		}

		if rej := validateInst(&in); rej != nil {
			return nil, rej.at(at)
		}
		insns[at] = in
		if in.wide {
			insns[at+1] = inst{cont: true}
		}
	}
	return insns, nil
}
