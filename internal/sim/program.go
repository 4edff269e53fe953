package sim

// Instruction encoders for building thread programs.

func iType(op, rs, rt uint32, imm int16) uint32 {
	return op<<26 | (rs&0x1f)<<21 | (rt&0x1f)<<16 | uint32(uint16(imm))
}

// ADDIU encodes addiu rt, rs, imm.
func ADDIU(rt, rs uint32, imm int16) uint32 { return iType(opADDIU, rs, rt, imm) }

// LW encodes lw rt, imm(base).
func LW(rt, base uint32, imm int16) uint32 { return iType(opLW, base, rt, imm) }

// SW encodes sw rt, imm(base).
func SW(rt, base uint32, imm int16) uint32 { return iType(opSW, base, rt, imm) }

// J encodes j target. The upper four address bits come from the delay slot.
func J(target uint32) uint32 { return opJ<<26 | (target>>2)&0x03ffffff }

// NOP is sll zero, zero, 0.
const NOP uint32 = 0

// CounterProgram increments v0 and stores it at 0(gp) once per loop. The
// caller loads it at entry and points gp at the counter word.
func CounterProgram(entry uint32) []uint32 {
	const (
		v0 = 2
		gp = 28
	)
	return []uint32{
		ADDIU(v0, v0, 1),
		SW(v0, gp, 0),
		NOP,
		J(entry),
		NOP,
	}
}
