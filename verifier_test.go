package warden

import (
	"testing"

	"github.com/cilium/ebpf/asm"
	"github.com/google/go-cmp/cmp"
)

func TestAcceptConstantRangeLoop(t *testing.T) {
	p := (&prog{}).
		movImm(1, 0).                  // 0: r1 = 0
		jmpImm(asm.JGE, 1, 16, 2).     // 1: if r1 >= 16 goto 4
		aluImm(asm.Add, 1, 1).         // 2: r1 += 1
		ja(-3).                        // 3: goto 1
		movImm(0, 0).                  // 4: r0 = 0
		exit()                         // 5

	mustAccept(t, NewVerifier().Verify(p.bytes()))
}

func TestRejectUnboundedPacketWalk(t *testing.T) {
	// Dereferencing packet memory without a bounds check against data_end.
	p := (&prog{}).
		ldx(asm.Word, 2, 1, 0). // 0: r2 = xdp->data
		ldx(asm.Word, 3, 1, 4). // 1: r3 = xdp->data_end
		ldx(asm.Byte, 4, 2, 0). // 2: *(u8 *)r2, no bounds proven
		movImm(0, 0).
		exit()

	v := NewVerifier(VerifierOptContext(&XDPContext{}))
	mustReject(t, v.Verify(p.bytes()), RejectMemory)
}

func TestAcceptBoundedPacketRead(t *testing.T) {
	p := (&prog{}).
		ldx(asm.Word, 2, 1, 0).    // 0: r2 = data
		ldx(asm.Word, 3, 1, 4).    // 1: r3 = data_end
		movImm(0, 0).              // 2
		movReg(4, 2).              // 3: r4 = data
		aluImm(asm.Add, 4, 2).     // 4: r4 = data + 2
		jmpReg(asm.JGT, 4, 3, 1).  // 5: if data + 2 > data_end goto 7
		ldx(asm.Half, 0, 2, 0).    // 6: read 2 bytes, proven in bounds
		exit()                     // 7

	v := NewVerifier(VerifierOptContext(&XDPContext{}))
	mustAccept(t, v.Verify(p.bytes()))
}

func TestRejectDivisionByPossiblyZero(t *testing.T) {
	p := (&prog{}).
		call(asm.FnGetPrandomU32). // 0: r0 = unknown
		movImm(2, 100).            // 1
		aluReg(asm.Div, 2, 0).     // 2: r2 /= r0
		exit()                     // 3

	mustReject(t, NewVerifier().Verify(p.bytes()), RejectArithmetic)

	// The rewrite policy turns the same program into an accept.
	v := NewVerifier(VerifierOptRewriteDivByZero())
	mustAccept(t, v.Verify(p.bytes()))
}

func TestAcceptSpillReloadRefinement(t *testing.T) {
	// The helper result is spilled, reloaded and bounded; the bound must
	// travel through the lineage to the copy reloaded after the branch.
	p := (&prog{}).
		call(asm.FnGetPrandomU32).   // 0: r0 = unknown
		stx(asm.DWord, 10, 0, -8).   // 1: spill
		ldx(asm.DWord, 6, 10, -8).   // 2: r6 = reload
		jmpImm(asm.JGT, 6, 1000, 10) // 3: if r6 > 1000 goto 14
	p.ldMapFD(1, 1)                  // 4-5
	p.st(asm.Word, 10, -16, 0).      // 6: key
		movReg(2, 10).               // 7
		aluImm(asm.Add, 2, -16).     // 8
		call(asm.FnMapLookupElem).   // 9: r0 = map value or null
		jmpImm(asm.JEq, 0, 0, 3).    // 10: if r0 == 0 goto 14
		ldx(asm.DWord, 7, 10, -8).   // 11: r7 = refined spill, <= 1000
		aluReg(asm.Add, 0, 7).       // 12: value + r7
		st(asm.Byte, 0, 0, 42).      // 13: in bounds of the 1024 byte value
		movImm(0, 0).                // 14
		exit()                       // 15

	v := NewVerifier(VerifierOptMap(1, MapDef{Name: "scratch", KeySize: 4, ValueSize: 1024}))
	mustAccept(t, v.Verify(p.bytes()))
}

func TestRejectUninitializedRead(t *testing.T) {
	p := (&prog{}).
		movReg(0, 3). // 0: r3 was never written
		exit()

	mustReject(t, NewVerifier().Verify(p.bytes()), RejectType)
}

func TestAcceptHelperNullCheck(t *testing.T) {
	p := &prog{}
	p.ldMapFD(1, 1)                // 0-1
	p.st(asm.Word, 10, -4, 0).     // 2: key
		movReg(2, 10).             // 3
		aluImm(asm.Add, 2, -4).    // 4
		call(asm.FnMapLookupElem). // 5
		jmpImm(asm.JEq, 0, 0, 1).  // 6: if r0 == 0 goto 8
		st(asm.Word, 0, 0, 42).    // 7: deref only on the non-null edge
		movImm(0, 0).              // 8
		exit()                     // 9

	v := NewVerifier(VerifierOptMap(1, MapDef{Name: "vals", KeySize: 4, ValueSize: 8}))
	mustAccept(t, v.Verify(p.bytes()))
}

func TestRejectDerefBeforeNullCheck(t *testing.T) {
	p := &prog{}
	p.ldMapFD(1, 1)
	p.st(asm.Word, 10, -4, 0).
		movReg(2, 10).
		aluImm(asm.Add, 2, -4).
		call(asm.FnMapLookupElem).
		st(asm.Word, 0, 0, 42). // no null check first
		movImm(0, 0).
		exit()

	v := NewVerifier(VerifierOptMap(1, MapDef{Name: "vals", KeySize: 4, ValueSize: 8}))
	mustReject(t, v.Verify(p.bytes()), RejectMemory)
}

func TestRejectWriteToR10(t *testing.T) {
	p := (&prog{}).
		aluImm(asm.Add, 10, 8).
		movImm(0, 0).
		exit()

	mustReject(t, NewVerifier().Verify(p.bytes()), RejectType)
}

func TestRejectMisalignedPointerSpill(t *testing.T) {
	p := (&prog{}).
		movReg(1, 10).
		stx(asm.DWord, 10, 1, -12). // offset 500, not 8-byte aligned
		movImm(0, 0).
		exit()

	mustReject(t, NewVerifier().Verify(p.bytes()), RejectMemory)
}

func TestRejectPointerSubtractionWithoutLeaks(t *testing.T) {
	p := (&prog{}).
		movReg(1, 10).
		movReg(2, 10).
		aluReg(asm.Sub, 1, 2).
		movImm(0, 0).
		exit()

	mustReject(t, NewVerifier().Verify(p.bytes()), RejectArithmetic)
	mustAccept(t, NewVerifier(VerifierOptAllowPtrLeaks()).Verify(p.bytes()))
}

func TestRejectVisitBudget(t *testing.T) {
	p := (&prog{}).
		call(asm.FnGetPrandomU32). // 0
		jmpImm(asm.JEq, 0, 0, -2). // 1: if r0 == 0 goto 0
		exit()                     // 2

	v := NewVerifier(VerifierOptBudget(1000))
	mustReject(t, v.Verify(p.bytes()), RejectResource)
}

func TestRejectCallDepth(t *testing.T) {
	p := (&prog{}).
		callBPF(1). // 0: call 2
		exit().     // 1
		callBPF(-1). // 2: call itself
		exit()      // 3

	mustReject(t, NewVerifier().Verify(p.bytes()), RejectResource)
}

func TestAcceptBPFToBPFCall(t *testing.T) {
	p := (&prog{}).
		callBPF(1).   // 0: call 2
		exit().       // 1
		movImm(0, 7). // 2: callee
		stx(asm.DWord, 10, 0, -8). // 3: callee uses its own frame
		exit()        // 4

	res := NewVerifier().Verify(p.bytes())
	mustAccept(t, res)
	if len(res.MaxStackDepth) != 2 {
		t.Fatalf("expected 2 subprog depths, got: %v", res.MaxStackDepth)
	}
	if res.MaxStackDepth[1] != 8 {
		t.Fatalf("expected callee depth 8, got: %v", res.MaxStackDepth)
	}
}

func TestRejectHelperArgType(t *testing.T) {
	p := (&prog{}).
		movImm(1, 0).
		movImm(2, 0).
		call(asm.FnMapLookupElem).
		exit()

	mustReject(t, NewVerifier().Verify(p.bytes()), RejectType)
}

func TestReturnContract(t *testing.T) {
	mk := func(ret int32) []byte {
		return (&prog{}).movImm(0, ret).exit().bytes()
	}
	v := NewVerifier(VerifierOptReturnRange(0, 0))
	mustAccept(t, v.Verify(mk(0)))
	mustReject(t, v.Verify(mk(1)), RejectType)
}

func TestResourceLeak(t *testing.T) {
	leak := &prog{}
	leak.ldMapFD(1, 2)                 // 0-1
	leak.movImm(2, 8).                 // 2: size
		movImm(3, 0).                  // 3: flags
		call(asm.FnRingbufReserve).    // 4
		jmpImm(asm.JEq, 0, 0, 1).      // 5: if r0 == 0 goto 7
		movImm(0, 0).                  // 6: drop the reservation on the floor
		exit()                         // 7

	v := NewVerifier(VerifierOptMap(2, MapDef{Name: "rb", ValueSize: 0}))
	mustReject(t, v.Verify(leak.bytes()), RejectType)

	clean := &prog{}
	clean.ldMapFD(1, 2)
	clean.movImm(2, 8).
		movImm(3, 0).
		call(asm.FnRingbufReserve).     // 4
		jmpImm(asm.JEq, 0, 0, 3).       // 5: if r0 == 0 goto 9
		movReg(1, 0).                   // 6
		movImm(2, 0).                   // 7
		call(asm.FnRingbufSubmit).      // 8
		movImm(0, 0).                   // 9
		exit()                          // 10

	mustAccept(t, v.Verify(clean.bytes()))
}

func TestPacketInvalidationByHelper(t *testing.T) {
	// xdp_adjust_head moves the packet, pointers saved across the call are
	// void afterwards.
	p := (&prog{}).
		ldx(asm.Word, 6, 1, 0).      // 0: r6 = data
		movImm(2, 0).                // 1
		call(asm.FnXdpAdjustHead).   // 2
		ldx(asm.Byte, 0, 6, 0).      // 3: stale packet pointer
		exit()                       // 4

	v := NewVerifier(VerifierOptContext(&XDPContext{}))
	mustReject(t, v.Verify(p.bytes()), RejectMemory)
}

func TestHelperFillsUninitMemory(t *testing.T) {
	// probe_read writes into the pointed-to span, so the bytes count as
	// initialized afterwards even though the program never stored to them.
	p := (&prog{}).
		movReg(1, 10).             // 0
		aluImm(asm.Add, 1, -8).    // 1: dest = r10 - 8
		movImm(2, 8).              // 2: size
		movImm(3, 1).              // 3: unsafe source address
		call(asm.FnProbeRead).     // 4
		ldx(asm.DWord, 0, 10, -8). // 5: readable now
		exit()                     // 6

	mustAccept(t, NewVerifier().Verify(p.bytes()))

	// Without the call the same read is an uninitialized access.
	q := (&prog{}).
		ldx(asm.DWord, 0, 10, -8).
		exit()
	mustReject(t, NewVerifier().Verify(q.bytes()), RejectMemory)
}

func TestRejectClobberedHelperRegister(t *testing.T) {
	// R1-R5 are caller saved, reading them after a call is an error.
	p := (&prog{}).
		movImm(1, 1).
		call(asm.FnGetPrandomU32).
		movReg(0, 1).
		exit()

	mustReject(t, NewVerifier().Verify(p.bytes()), RejectType)
}

func TestDeterminism(t *testing.T) {
	p := &prog{}
	p.ldMapFD(1, 1)
	p.st(asm.Word, 10, -4, 0).
		movReg(2, 10).
		aluImm(asm.Add, 2, -4).
		call(asm.FnMapLookupElem).
		st(asm.Word, 0, 0, 42).
		movImm(0, 0).
		exit()

	opt := VerifierOptMap(1, MapDef{Name: "vals", KeySize: 4, ValueSize: 8})
	first := NewVerifier(opt).Verify(p.bytes())
	second := NewVerifier(opt).Verify(p.bytes())
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("two runs disagree:\n%s", diff)
	}
}

func TestAtomicReadModifyWrite(t *testing.T) {
	atomicOp := asm.OpCode(asm.StXClass).SetMode(asm.XAddMode).SetSize(asm.DWord)

	p := (&prog{}).
		movImm(1, 5).                     // 0
		stx(asm.DWord, 10, 1, -8).        // 1
		raw(atomicOp, 10, 1, -8, 0).      // 2: lock *(u64 *)(r10-8) += r1
		ldx(asm.DWord, 2, 10, -8).        // 3: now an unknown scalar
		movImm(0, 0).
		exit()
	mustAccept(t, NewVerifier().Verify(p.bytes()))

	// The fetch variant writes the old value back into the source register.
	fetch := (&prog{}).
		movImm(1, 5).
		stx(asm.DWord, 10, 1, -8).
		raw(atomicOp, 10, 1, -8, atomicAdd|atomicFetch).
		movReg(0, 1). // r1 holds the fetched value
		exit()
	mustAccept(t, NewVerifier().Verify(fetch.bytes()))

	// Atomics on uninitialized stack bytes are rejected.
	bad := (&prog{}).
		movImm(1, 5).
		raw(atomicOp, 10, 1, -8, 0).
		movImm(0, 0).
		exit()
	mustReject(t, NewVerifier().Verify(bad.bytes()), RejectMemory)
}

func TestALU32ZeroExtension(t *testing.T) {
	// 32-bit ALU results are zero extended: -1 + 1 wraps to zero in the
	// lower half and clears the upper half, which the verifier must prove
	// exactly to decide the final branch.
	p := (&prog{}).
		movImm(1, -1).                          // 0: r1 = 0xffffffffffffffff
		movImm(2, 1).                           // 1
		raw(opALU32Reg(asm.Add), 1, 2, 0, 0).   // 2: w1 += w2
		raw(opALU32Imm(asm.Add), 2, 0, 0, -1).  // 3: w2 += -1, wraps to 0
		aluReg(asm.Add, 1, 2).                  // 4: r1 = 0 + 0
		jmpImm(asm.JEq, 1, 0, 2).               // 5: known true, goto 8
		movReg(0, 9).                           // 6: dead
		exit().                                 // 7
		movImm(0, 0).                           // 8
		exit()                                  // 9

	mustAccept(t, NewVerifier().Verify(p.bytes()))
}

func TestSkBuffProtocolPinned(t *testing.T) {
	// An IPv4 ethernet frame; the program checks skb->protocol against
	// 0x0800 in network byte order and returns through a branch the
	// verifier can decide statically.
	frame := []byte{
		0, 1, 2, 3, 4, 5, // dst mac
		6, 7, 8, 9, 10, 11, // src mac
		0x08, 0x00, // ethertype IPv4
		0x45, 0x00, 0x00, 0x14, // minimal ip header start
	}

	ctx := &SkBuffContext{Packet: frame}
	var be16 [2]byte
	be16[0], be16[1] = 0x08, 0x00
	proto := int32(nativeEndianness().Uint16(be16[:]))

	p := (&prog{}).
		ldx(asm.Word, 2, 1, skbProtocol).   // 0: r2 = skb->protocol
		jmpImm(asm.JEq, 2, proto, 2).       // 1: known true
		movReg(0, 9).                       // 2: dead, r9 uninitialized
		exit().                             // 3
		movImm(0, 0).                       // 4
		exit()                              // 5

	// The dead edge reads an uninitialized register; acceptance proves the
	// branch was decided statically.
	mustAccept(t, NewVerifier(VerifierOptContext(ctx)).Verify(p.bytes()))
}
