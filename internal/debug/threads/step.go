package threads

// MIPS opcodes that transfer control.
const (
	opSpecial = 0x00
	opRegImm  = 0x01
	opJ       = 0x02
	opJAL     = 0x03
	opBEQ     = 0x04
	opBNE     = 0x05
	opBLEZ    = 0x06
	opBGTZ    = 0x07
	opCOP1    = 0x11
	opBEQL    = 0x14
	opBNEL    = 0x15
	opBLEZL   = 0x16
	opBGTZL   = 0x17

	functJR   = 0x08
	functJALR = 0x09

	cop1BC = 0x08
)

// StepTargets returns every address execution can reach after the
// instruction insn at ctx.PC has run. A branch or jump is stepped together
// with its delay slot, so its targets skip the slot.
func StepTargets(ctx *Context, insn uint32) []uint32 {
	pc := ctx.PC
	op := insn >> 26
	rs := (insn >> 21) & 0x1f
	rt := (insn >> 16) & 0x1f
	offset := uint32(int32(int16(insn&0xffff)) << 2)
	branch := pc + 4 + offset

	switch op {
	case opSpecial:
		switch insn & 0x3f {
		case functJR, functJALR:
			return []uint32{uint32(ctx.GPR[rs])}
		}
	case opRegImm:
		switch rt {
		case 0x00, 0x01, 0x02, 0x03, 0x10, 0x11, 0x12, 0x13:
			return branchTargets(branch, pc+8)
		}
	case opJ, opJAL:
		return []uint32{(pc+4)&0xf0000000 | (insn&0x03ffffff)<<2}
	case opBEQ, opBNE, opBLEZ, opBGTZ, opBEQL, opBNEL, opBLEZL, opBGTZL:
		return branchTargets(branch, pc+8)
	case opCOP1:
		if rs == cop1BC {
			return branchTargets(branch, pc+8)
		}
	}
	return []uint32{pc + 4}
}

func branchTargets(taken, notTaken uint32) []uint32 {
	if taken == notTaken {
		return []uint32{taken}
	}
	return []uint32{taken, notTaken}
}
