package threads

// Context is the saved execution state of a runtime thread. The runtime owns
// it; the debugger reads it while the thread is stopped and writes it back
// through the same pointer.
type Context struct {
	GPR      [32]uint64 // GPR[0] reads as zero
	Status   uint32
	Lo, Hi   uint64
	BadVAddr uint32
	Cause    uint32
	PC       uint32
	FPR      [32]uint64
	FPCSR    uint32
}

// GDB register numbers for the 64-bit MIPS layout.
const (
	RegZero     = 0
	RegStatus   = 32
	RegLo       = 33
	RegHi       = 34
	RegBadVAddr = 35
	RegCause    = 36
	RegPC       = 37
	RegFP0      = 38
	RegFCSR     = 70
	RegFIR      = 71

	// DumpRegisters is the number of registers in a 'g' dump.
	DumpRegisters = RegFCSR + 1
	// NumRegisters includes the read-only FIR.
	NumRegisters = RegFIR + 1
)

// signExtend widens a 32-bit register the way the CPU does in 64-bit mode.
func signExtend(v uint32) uint64 {
	return uint64(int64(int32(v)))
}

// Register returns register n as a 64-bit value.
func (c *Context) Register(n int) (uint64, bool) {
	switch {
	case n == RegZero:
		return 0, true
	case n > RegZero && n < RegStatus:
		return c.GPR[n], true
	case n == RegStatus:
		return signExtend(c.Status), true
	case n == RegLo:
		return c.Lo, true
	case n == RegHi:
		return c.Hi, true
	case n == RegBadVAddr:
		return signExtend(c.BadVAddr), true
	case n == RegCause:
		return signExtend(c.Cause), true
	case n == RegPC:
		return signExtend(c.PC), true
	case n >= RegFP0 && n < RegFCSR:
		return c.FPR[n-RegFP0], true
	case n == RegFCSR:
		return uint64(c.FPCSR), true
	case n == RegFIR:
		return 0, true
	}
	return 0, false
}

// SetRegister stores register n. Writes to the zero register and FIR are
// accepted and ignored.
func (c *Context) SetRegister(n int, v uint64) bool {
	switch {
	case n == RegZero || n == RegFIR:
	case n > RegZero && n < RegStatus:
		c.GPR[n] = v
	case n == RegStatus:
		c.Status = uint32(v)
	case n == RegLo:
		c.Lo = v
	case n == RegHi:
		c.Hi = v
	case n == RegBadVAddr:
		c.BadVAddr = uint32(v)
	case n == RegCause:
		c.Cause = uint32(v)
	case n == RegPC:
		c.PC = uint32(v)
	case n >= RegFP0 && n < RegFCSR:
		c.FPR[n-RegFP0] = v
	case n == RegFCSR:
		c.FPCSR = uint32(v)
	default:
		return false
	}
	return true
}
