package threads

import (
	"reflect"
	"testing"

	"github.com/ultragdb/ultragdb/internal/debug/breakpoint"
)

type fakeSched struct {
	ctx     map[ID]*Context
	running map[ID]bool
	faulted []ID
	calls   []string
}

func newFakeSched(ids ...ID) *fakeSched {
	s := &fakeSched{ctx: make(map[ID]*Context), running: make(map[ID]bool)}
	for _, id := range ids {
		s.ctx[id] = &Context{PC: 0x80001000 + uint32(id)*0x100}
		s.running[id] = true
	}
	return s
}

func (s *fakeSched) Context(id ID) (*Context, bool) {
	c, ok := s.ctx[id]
	return c, ok
}

func (s *fakeSched) Stop(id ID) {
	s.running[id] = false
	s.calls = append(s.calls, "stop")
}

func (s *fakeSched) Start(id ID) {
	s.running[id] = true
	s.calls = append(s.calls, "start")
}

func (s *fakeSched) Faulted() []ID { return s.faulted }

type words map[uint32]uint32

func (w words) Read(addr uint32) uint32     { return w[addr] }
func (w words) Write(addr uint32, v uint32) { w[addr] = v }

func TestNewController_Validates(t *testing.T) {
	if _, err := NewController(newFakeSched(), []ID{1, 0}); err == nil {
		t.Fatalf("zero id accepted")
	}
	if _, err := NewController(newFakeSched(), []ID{3, 3}); err == nil {
		t.Fatalf("duplicate id accepted")
	}
}

func TestResolve(t *testing.T) {
	c, err := NewController(newFakeSched(4, 2, 9), []ID{4, 2, 9})
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Resolve(Any); !reflect.DeepEqual(got, []ID{4}) {
		t.Fatalf("any = %v", got)
	}
	if got := c.Resolve(All); !reflect.DeepEqual(got, []ID{4, 2, 9}) {
		t.Fatalf("all = %v", got)
	}
	if got := c.Resolve(9); !reflect.DeepEqual(got, []ID{9}) {
		t.Fatalf("exact = %v", got)
	}
	if got := c.Resolve(7); len(got) != 0 {
		t.Fatalf("unknown = %v", got)
	}

	empty, _ := NewController(newFakeSched(), nil)
	if got := empty.Resolve(Any); len(got) != 0 {
		t.Fatalf("any on empty = %v", got)
	}
	if got := empty.Resolve(All); len(got) != 0 {
		t.Fatalf("all on empty = %v", got)
	}
}

func TestResolve_ResultCannotGrowRegistry(t *testing.T) {
	c, _ := NewController(newFakeSched(1, 2), []ID{1, 2})
	got := c.Resolve(Any)
	_ = append(got, 99)
	if !reflect.DeepEqual(c.IDs(), []ID{1, 2}) {
		t.Fatalf("registry changed: %v", c.IDs())
	}
}

func TestHaltResume_DisablesBreakpointAtPC(t *testing.T) {
	sched := newFakeSched(1)
	c, _ := NewController(sched, []ID{1})
	code := words{0x80001100: 0x27bdfff0}
	bps := breakpoint.NewTable(code)
	bp, _ := bps.Insert(0x80001100, breakpoint.KindUser)

	c.Halt(1)
	if sched.running[1] || !c.Halted(1) {
		t.Fatalf("thread not halted")
	}
	c.Resume(1, bps)
	if !sched.running[1] || c.Halted(1) {
		t.Fatalf("thread not resumed")
	}
	if bp.Kind != breakpoint.KindUserUnapplied || code[0x80001100] != 0x27bdfff0 {
		t.Fatalf("breakpoint at pc still armed: %+v", bp)
	}
	if !reflect.DeepEqual(sched.calls, []string{"stop", "start"}) {
		t.Fatalf("calls = %v", sched.calls)
	}
}

func TestFaulted_FiltersAndOrders(t *testing.T) {
	sched := newFakeSched(1, 2, 3)
	sched.faulted = []ID{3, 77, 1}
	c, _ := NewController(sched, []ID{1, 2, 3})
	if got := c.Faulted(); !reflect.DeepEqual(got, []ID{1, 3}) {
		t.Fatalf("faulted = %v", got)
	}
}

func TestContextRegisters(t *testing.T) {
	ctx := &Context{PC: 0x80001000, Status: 0xff01}
	ctx.GPR[29] = 0xffffffff801fff00
	if v, _ := ctx.Register(RegPC); v != 0xffffffff80001000 {
		t.Fatalf("pc = %#x", v)
	}
	if v, _ := ctx.Register(RegStatus); v != 0xff01 {
		t.Fatalf("status = %#x", v)
	}
	if v, _ := ctx.Register(29); v != 0xffffffff801fff00 {
		t.Fatalf("sp = %#x", v)
	}
	if _, ok := ctx.Register(NumRegisters); ok {
		t.Fatalf("out of range register accepted")
	}
	ctx.SetRegister(RegPC, 0xffffffff80002000)
	if ctx.PC != 0x80002000 {
		t.Fatalf("pc write = %#x", ctx.PC)
	}
	ctx.SetRegister(RegZero, 5)
	if v, _ := ctx.Register(RegZero); v != 0 {
		t.Fatalf("zero register changed")
	}
	ctx.SetRegister(RegFP0+2, 0x3ff0000000000000)
	if ctx.FPR[2] != 0x3ff0000000000000 {
		t.Fatalf("fpr write failed")
	}
}

func TestStepTargets(t *testing.T) {
	ctx := &Context{PC: 0x80001000}
	ctx.GPR[31] = 0xffffffff80004000

	cases := []struct {
		name string
		insn uint32
		want []uint32
	}{
		{"addiu", 0x27bdfff0, []uint32{0x80001004}},
		{"beq back", 0x1000fffe, []uint32{0x80000ffc, 0x80001008}}, // b -2
		{"bne fwd", 0x14400004, []uint32{0x80001014, 0x80001008}},
		{"bgez", 0x04410002, []uint32{0x8000100c, 0x80001008}},
		{"jal", 0x0c000800, []uint32{0x80002000}},
		{"jr ra", 0x03e00008, []uint32{0x80004000}},
		{"bc1t", 0x45010003, []uint32{0x80001010, 0x80001008}},
		{"branch to next", 0x10000001, []uint32{0x80001008}},
	}
	for _, tc := range cases {
		if got := StepTargets(ctx, tc.insn); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: got %#x, want %#x", tc.name, got, tc.want)
		}
	}
}
