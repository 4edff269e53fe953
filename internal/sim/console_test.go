package sim

import (
	"testing"

	"github.com/ultragdb/ultragdb/internal/debug/breakpoint"
	"github.com/ultragdb/ultragdb/internal/debug/threads"
)

const entry = 0x80010000

func newCounter(t *testing.T, c *Console, id threads.ID, at uint32, counter uint32) *Thread {
	th, err := c.AddThread(id, at, CounterProgram(at))
	if err != nil {
		t.Fatal(err)
	}
	th.Ctx.GPR[28] = uint64(int64(int32(counter)))
	return th
}

func TestTick_RunsLoop(t *testing.T) {
	c := NewConsole()
	th := newCounter(t, c, 1, entry, 0x80200000)
	for i := 0; i < 8; i++ {
		c.Tick()
	}
	if th.Ctx.PC != entry {
		t.Fatalf("pc = %#x, want loop start", th.Ctx.PC)
	}
	if th.Ctx.GPR[2] != 2 {
		t.Fatalf("v0 = %d", th.Ctx.GPR[2])
	}
	if got := c.Read(0x80200000); got != 2 {
		t.Fatalf("counter = %d", got)
	}
}

func TestTick_TrapFaults(t *testing.T) {
	c := NewConsole()
	th := newCounter(t, c, 1, entry, 0x80200000)
	c.Write(entry+4, breakpoint.TrapInstruction)
	c.Tick()
	c.Tick()
	if !th.faulted || th.Ctx.PC != entry+4 {
		t.Fatalf("expected fault at trap, pc=%#x", th.Ctx.PC)
	}
	if th.Ctx.Cause>>2 != ExcBreak {
		t.Fatalf("cause = %#x", th.Ctx.Cause)
	}
	if f := c.Faulted(); len(f) != 1 || f[0] != 1 {
		t.Fatalf("faulted = %v", f)
	}
	c.Tick()
	if th.Ctx.PC != entry+4 {
		t.Fatalf("faulted thread moved")
	}

	c.Write(entry+4, SW(2, 28, 0))
	c.Start(1)
	c.Tick()
	if th.Ctx.PC != entry+8 || len(c.Faulted()) != 0 {
		t.Fatalf("thread did not retry the instruction, pc=%#x", th.Ctx.PC)
	}
}

func TestStopStart(t *testing.T) {
	c := NewConsole()
	th := newCounter(t, c, 1, entry, 0x80200000)
	c.Stop(1)
	c.Tick()
	if th.Ctx.PC != entry || c.Running(1) {
		t.Fatalf("stopped thread ran")
	}
	c.Start(1)
	c.Tick()
	if th.Ctx.PC != entry+4 {
		t.Fatalf("started thread did not run")
	}
}

func TestWatchpoint(t *testing.T) {
	c := NewConsole()
	newCounter(t, c, 1, entry, 0x80200000)
	if err := c.SetWatch(0x80200000, 4, breakpoint.WatchWrite); err != nil {
		t.Fatal(err)
	}
	if err := c.SetWatch(0x80300000, 4, breakpoint.WatchRead); err == nil {
		t.Fatalf("second watchpoint accepted")
	}
	c.Tick()
	c.Tick()
	addr, kind, ok := c.WatchHit(1)
	if !ok || addr != 0x80200000 || kind != breakpoint.WatchWrite {
		t.Fatalf("hit = %#x %v %v", addr, kind, ok)
	}
	if c.Read(0x80200000) != 0 {
		t.Fatalf("store executed despite watchpoint")
	}
	c.ClearWatch(0x80200000, breakpoint.WatchWrite)
	c.Start(1)
	c.Tick()
	if _, _, ok := c.WatchHit(1); ok || c.Read(0x80200000) != 1 {
		t.Fatalf("store after clear failed")
	}
}

func TestMemoryMapping(t *testing.T) {
	c := NewConsole()
	c.WriteMemory(0x80000400, []byte{1, 2, 3, 4})
	buf := make([]byte, 4)
	c.ReadMemory(0xa0000400, buf)
	if buf[0] != 1 || buf[3] != 4 {
		t.Fatalf("kseg1 alias = % x", buf)
	}
	c.ReadMemory(0x80400000-2, buf)
	if buf[2] != 0 || buf[3] != 0 {
		t.Fatalf("unmapped bytes = % x", buf)
	}
	if _, err := c.AddThread(2, 0x803ffffc, CounterProgram(0x803ffffc)); err == nil {
		t.Fatalf("program past end of RAM accepted")
	}
}

func TestTick_JumpTakesDelaySlot(t *testing.T) {
	c := NewConsole()
	th, err := c.AddThread(1, entry, []uint32{
		NOP,
		J(entry),
		ADDIU(2, 2, 5),
	})
	if err != nil {
		t.Fatal(err)
	}
	c.Tick()
	c.Tick()
	if th.Ctx.PC != entry || th.Ctx.GPR[2] != 5 {
		t.Fatalf("after jump pc=%#x v0=%d", th.Ctx.PC, th.Ctx.GPR[2])
	}

	// a trap in the slot faults with PC still on the jump
	c.Write(entry+8, breakpoint.TrapInstruction)
	c.Tick()
	c.Tick()
	if !th.faulted || th.Ctx.PC != entry+4 {
		t.Fatalf("slot trap: faulted=%v pc=%#x", th.faulted, th.Ctx.PC)
	}
}

func TestTick_TrapOnLoopJumpHitsEveryPass(t *testing.T) {
	c := NewConsole()
	th := newCounter(t, c, 1, entry, 0x80200000)
	jump := uint32(entry + 12)
	orig := c.Read(jump)
	if orig != J(entry) {
		t.Fatalf("word at %#x = %#x, want jump", jump, orig)
	}
	c.Write(jump, breakpoint.TrapInstruction)
	for pass := 1; pass <= 2; pass++ {
		for i := 0; i < 8 && !th.faulted; i++ {
			c.Tick()
		}
		if !th.faulted || th.Ctx.PC != jump {
			t.Fatalf("pass %d: pc=%#x faulted=%v", pass, th.Ctx.PC, th.faulted)
		}
		if th.Ctx.GPR[2] != uint64(pass) {
			t.Fatalf("pass %d: v0=%d", pass, th.Ctx.GPR[2])
		}
		// step over the breakpoint the way the stub does: restore, run one
		// instruction, put the trap back
		c.Write(jump, orig)
		c.Start(1)
		c.Tick()
		if th.Ctx.PC != entry {
			t.Fatalf("pass %d: jump went to %#x", pass, th.Ctx.PC)
		}
		c.Write(jump, breakpoint.TrapInstruction)
	}
}

func TestContext_EditWhileStopped(t *testing.T) {
	c := NewConsole()
	th := newCounter(t, c, 1, entry, 0x80200000)
	c.Stop(1)
	ctx, ok := c.Context(1)
	if !ok || ctx != &th.Ctx {
		t.Fatalf("context not the thread's own")
	}
	ctx.PC = entry + 4
	ctx.GPR[2] = 41
	c.Start(1)
	c.Tick()
	if got := c.Read(0x80200000); got != 41 || th.Ctx.PC != entry+8 {
		t.Fatalf("edited context ignored: counter=%d pc=%#x", got, th.Ctx.PC)
	}
	if _, ok := c.Context(9); ok {
		t.Fatalf("context for unknown thread")
	}
}
