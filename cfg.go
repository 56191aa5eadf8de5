package warden

import (
	"github.com/cilium/ebpf/asm"
	"golang.org/x/exp/slices"
)

// subprog is one contiguous function within the program: the entry function
// at slot 0 plus one per distinct PSEUDO_CALL target.
type subprog struct {
	start, end  int
	hasTailCall bool
}

// programCFG is the result of the linear pre-pass: subprogram boundaries,
// verified jump targets, the reachability map and the map descriptors the
// program references.
type programCFG struct {
	insns    []inst
	subprogs []subprog
	mapFDs   []int32

	reachable      []bool
	reachableCount int
}

// subprogStarting returns the subprogram index whose entry is exactly pc, or
// -1 if pc is not a function entry.
func (c *programCFG) subprogStarting(pc int) int {
	for i, sp := range c.subprogs {
		if sp.start == pc {
			return i
		}
	}
	return -1
}

// buildCFG segments the program into subprograms, resolves every jump and
// rejects structurally broken programs before any abstract execution
// happens.
func buildCFG(insns []inst) (*programCFG, *Rejection) {
	cfg := &programCFG{insns: insns}

	starts := []int{0}
	for pc := 0; pc < len(insns); pc++ {
		in := &insns[pc]
		if in.cont {
			continue
		}
		if in.OpCode.Class() == asm.JumpClass && jumpOpOf(in.OpCode) == asm.Call && in.Src == asm.PseudoCall {
			target := pc + 1 + int(in.Constant)
			if target < 0 || target >= len(insns) || insns[target].cont {
				return nil, rejectCFG("call to invalid target %d", target).at(pc)
			}
			starts = append(starts, target)
		}
		if in.wide && in.Src == asm.PseudoMapFD {
			fd := int32(uint32(uint64(in.Constant)))
			if !slices.Contains(cfg.mapFDs, fd) {
				cfg.mapFDs = append(cfg.mapFDs, fd)
			}
		}
	}
	slices.Sort(starts)
	starts = slices.Compact(starts)

	for i, start := range starts {
		end := len(insns)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		cfg.subprogs = append(cfg.subprogs, subprog{start: start, end: end})
	}

	for si := range cfg.subprogs {
		if rej := cfg.checkSubprog(si); rej != nil {
			return nil, rej
		}
	}

	if rej := cfg.markReachable(); rej != nil {
		return nil, rej
	}
	return cfg, nil
}

// successors returns the slots control flow may continue at after pc,
// within the same subprogram. Calls continue after the call site, the
// callee is walked from its own entry.
func (c *programCFG) successors(pc int) []int {
	in := &c.insns[pc]
	next := pc + 1
	if in.wide {
		next = pc + 2
	}

	switch in.OpCode.Class() {
	case asm.JumpClass, asm.Jump32Class:
		switch jumpOpOf(in.OpCode) {
		case asm.Exit:
			return nil
		case asm.Ja:
			return []int{pc + 1 + int(in.Offset)}
		case asm.Call:
			return []int{next}
		default:
			return []int{next, pc + 1 + int(in.Offset)}
		}
	}
	return []int{next}
}

// checkSubprog verifies that every edge of the subprogram stays inside it
// and never falls off its end or into the middle of a wide instruction.
func (c *programCFG) checkSubprog(si int) *Rejection {
	sp := c.subprogs[si]
	for pc := sp.start; pc < sp.end; pc++ {
		in := &c.insns[pc]
		if in.cont {
			continue
		}

		if in.OpCode.Class() == asm.JumpClass && jumpOpOf(in.OpCode) == asm.Call {
			switch in.Src {
			case asm.PseudoCall:
				if c.subprogStarting(pc+1+int(in.Constant)) < 0 {
					return rejectCFG("call target %d is not a function entry", pc+1+int(in.Constant)).at(pc)
				}
			case 0:
				if asm.BuiltinFunc(in.Constant) == asm.FnTailCall {
					c.subprogs[si].hasTailCall = true
				}
			}
		}

		for _, succ := range c.successors(pc) {
			if succ < sp.start || succ >= sp.end {
				return rejectCFG("jump to %d leaves the function [%d,%d)", succ, sp.start, sp.end).at(pc)
			}
			if c.insns[succ].cont {
				return rejectCFG("jump into the middle of a wide instruction at %d", succ).at(pc)
			}
		}
	}
	return nil
}

// markReachable runs a DFS from every subprogram entry. Any instruction no
// walk can reach is a verification error, dead code is not allowed.
func (c *programCFG) markReachable() *Rejection {
	c.reachable = make([]bool, len(c.insns))

	for _, sp := range c.subprogs {
		stack := []int{sp.start}
		for len(stack) > 0 {
			pc := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if c.reachable[pc] {
				continue
			}
			c.reachable[pc] = true
			if c.insns[pc].wide {
				c.reachable[pc+1] = true
			}
			stack = append(stack, c.successors(pc)...)
		}
	}

	for pc, r := range c.reachable {
		if r {
			c.reachableCount++
		} else if !c.insns[pc].cont {
			return rejectCFG("unreachable instruction").at(pc)
		}
	}
	return nil
}
