// Package sim is a small stand-in for the console runtime. It owns RDRAM and
// a set of threads that each loop over a short program, and it offers the
// scheduler, memory and watchpoint APIs the debug stub consumes.
//
// Only the instructions needed to make threads observable are interpreted:
// ADDIU, LW, SW and J. Everything else executes as a no-op. A BREAK
// instruction faults the thread, as does an access matching the armed
// watchpoint. J and its delay slot retire in the same tick, so a thread
// never rests on a delay slot; a fault in the slot leaves PC on the jump.
package sim

import (
	"encoding/binary"
	"sync"

	"github.com/ultragdb/ultragdb/internal/debug/breakpoint"
	"github.com/ultragdb/ultragdb/internal/debug/threads"
	gdberr "github.com/ultragdb/ultragdb/internal/errors"
)

const (
	RAMBase = 0x80000000
	RAMSize = 4 << 20
)

// CPU exception codes stored in Cause.
const (
	ExcBreak = 9
	ExcWatch = 23
)

const (
	opJ     = 0x02
	opADDIU = 0x09
	opLW    = 0x23
	opSW    = 0x2b
)

// Thread is one simulated runtime thread.
type Thread struct {
	ID  threads.ID
	Ctx threads.Context

	stopped bool
	faulted bool
	hit     *watchHit
}

type watch struct {
	addr, length uint32
	kind         breakpoint.WatchKind
}

type watchHit struct {
	addr uint32
	kind breakpoint.WatchKind
}

// Console is the simulated machine.
type Console struct {
	mu      sync.Mutex
	ram     []byte
	threads []*Thread
	watch   *watch
	ticks   uint64
}

// NewConsole returns a console with zeroed RDRAM and no threads.
func NewConsole() *Console {
	return &Console{ram: make([]byte, RAMSize)}
}

// offset maps a KSEG0 or KSEG1 address into RDRAM.
func offset(addr uint32) (uint32, bool) {
	phys := addr & 0x1fffffff
	if addr < 0x80000000 || addr >= 0xc0000000 || phys >= RAMSize {
		return 0, false
	}
	return phys, true
}

// AddThread loads program at entry and creates a running thread starting
// there. The program keeps the thread alive by jumping back itself; one that
// runs off its end executes whatever RAM follows.
func (c *Console) AddThread(id threads.ID, entry uint32, program []uint32) (*Thread, error) {
	if id <= 0 || entry&3 != 0 || len(program) == 0 {
		return nil, gdberr.InvalidArgument("thread", id)
	}
	if _, ok := offset(entry + uint32(len(program))*4 - 1); !ok {
		return nil, gdberr.InvalidArgument("program address", entry)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.threads {
		if t.ID == id {
			return nil, gdberr.InvalidArgument("duplicate thread id", id)
		}
	}
	for i, w := range program {
		c.writeWord(entry+uint32(i)*4, w)
	}
	t := &Thread{ID: id}
	t.Ctx.PC = entry
	t.Ctx.GPR[29] = uint64(int64(int32(RAMBase + RAMSize - 0x1000*uint32(len(c.threads)+1))))
	c.threads = append(c.threads, t)
	return t, nil
}

// IDs returns the thread ids in creation order.
func (c *Console) IDs() []threads.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]threads.ID, len(c.threads))
	for i, t := range c.threads {
		ids[i] = t.ID
	}
	return ids
}

func (c *Console) find(id threads.ID) *Thread {
	for _, t := range c.threads {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Ticks returns the number of Tick calls so far.
func (c *Console) Ticks() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

// Tick runs one instruction on every runnable thread.
func (c *Console) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks++
	for _, t := range c.threads {
		if t.stopped || t.faulted {
			continue
		}
		c.step(t)
	}
}

func (c *Console) step(t *Thread) {
	ctx := &t.Ctx
	insn := c.readWord(ctx.PC)
	if insn>>26 != opJ {
		if c.exec(t, insn) {
			ctx.PC += 4
		}
		return
	}
	target := (ctx.PC+4)&0xf0000000 | (insn&0x03ffffff)<<2
	if c.exec(t, c.readWord(ctx.PC+4)) {
		ctx.PC = target
	}
}

// exec runs one non-jump instruction and reports whether it retired. A
// faulting instruction leaves PC where it is.
func (c *Console) exec(t *Thread, insn uint32) bool {
	ctx := &t.Ctx
	if insn == breakpoint.TrapInstruction {
		c.fault(t, ExcBreak)
		return false
	}

	rs := (insn >> 21) & 0x1f
	rt := (insn >> 16) & 0x1f
	imm := uint64(int64(int16(insn & 0xffff)))
	switch insn >> 26 {
	case opADDIU:
		if rt != 0 {
			ctx.GPR[rt] = uint64(int64(int32(uint32(ctx.GPR[rs] + imm))))
		}
	case opLW, opSW:
		write := insn>>26 == opSW
		addr := uint32(ctx.GPR[rs] + imm)
		if w := c.watch; w != nil && addr >= w.addr && addr < w.addr+w.length && w.kind.Matches(write) {
			t.hit = &watchHit{addr: addr, kind: w.kind}
			c.fault(t, ExcWatch)
			return false
		}
		if write {
			c.writeWord(addr, uint32(ctx.GPR[rt]))
		} else if rt != 0 {
			ctx.GPR[rt] = uint64(int64(int32(c.readWord(addr))))
		}
	}
	return true
}

func (c *Console) fault(t *Thread, code uint32) {
	t.faulted = true
	t.Ctx.Cause = code << 2
}

func (c *Console) readWord(addr uint32) uint32 {
	off, ok := offset(addr &^ 3)
	if !ok {
		return 0
	}
	return binary.BigEndian.Uint32(c.ram[off:])
}

func (c *Console) writeWord(addr, v uint32) {
	off, ok := offset(addr &^ 3)
	if !ok {
		return
	}
	binary.BigEndian.PutUint32(c.ram[off:], v)
}

// Context implements threads.Scheduler. The returned context is the thread's
// own and Tick updates it without the caller's knowledge, so it is only safe
// to use while the thread is stopped or faulted.
func (c *Console) Context(id threads.ID) (*threads.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.find(id)
	if t == nil {
		return nil, false
	}
	return &t.Ctx, true
}

// Stop implements threads.Scheduler.
func (c *Console) Stop(id threads.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t := c.find(id); t != nil {
		t.stopped = true
	}
}

// Start implements threads.Scheduler. Starting a faulted thread retries the
// instruction at its PC.
func (c *Console) Start(id threads.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t := c.find(id); t != nil {
		t.stopped = false
		t.faulted = false
		t.hit = nil
		t.Ctx.Cause = 0
	}
}

// Faulted implements threads.Scheduler.
func (c *Console) Faulted() []threads.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []threads.ID
	for _, t := range c.threads {
		if t.faulted {
			out = append(out, t.ID)
		}
	}
	return out
}

// Running reports whether a thread will execute on the next Tick.
func (c *Console) Running(id threads.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.find(id)
	return t != nil && !t.stopped && !t.faulted
}

// Read implements breakpoint.CodePatcher.
func (c *Console) Read(addr uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readWord(addr)
}

// Write implements breakpoint.CodePatcher. The simulator has no instruction
// cache to invalidate.
func (c *Console) Write(addr, word uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeWord(addr, word)
}

// ReadMemory copies RDRAM at addr into p. Unmapped bytes read as zero.
func (c *Console) ReadMemory(addr uint32, p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range p {
		if off, ok := offset(addr + uint32(i)); ok {
			p[i] = c.ram[off]
		} else {
			p[i] = 0
		}
	}
}

// WriteMemory copies p into RDRAM at addr. Unmapped bytes are dropped.
func (c *Console) WriteMemory(addr uint32, p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, b := range p {
		if off, ok := offset(addr + uint32(i)); ok {
			c.ram[off] = b
		}
	}
}

// SetWatch implements breakpoint.Watcher. The CPU has a single watchpoint.
func (c *Console) SetWatch(addr, length uint32, kind breakpoint.WatchKind) error {
	if length == 0 {
		return gdberr.InvalidArgument("watch length", length)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if w := c.watch; w != nil && (w.addr != addr || w.kind != kind) {
		return gdberr.TableFull("watchpoint", 1)
	}
	c.watch = &watch{addr: addr, length: length, kind: kind}
	return nil
}

// ClearWatch implements breakpoint.Watcher.
func (c *Console) ClearWatch(addr uint32, kind breakpoint.WatchKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w := c.watch; w != nil && w.addr == addr && w.kind == kind {
		c.watch = nil
	}
	return nil
}

// WatchHit implements breakpoint.Watcher.
func (c *Console) WatchHit(id int32) (uint32, breakpoint.WatchKind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.find(threads.ID(id))
	if t == nil || t.hit == nil {
		return 0, 0, false
	}
	return t.hit.addr, t.hit.kind, true
}
