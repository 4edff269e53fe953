// Package gdbserver implements a GDB remote stub that runs next to the
// debuggee on the console. Packets travel as GDB frames over the cart link;
// the session parses them, drives the runtime threads and the breakpoint
// table, and reports stops asynchronously from its periodic loop.
package gdbserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/ultragdb/ultragdb/internal/cli"
	"github.com/ultragdb/ultragdb/internal/debug/breakpoint"
	"github.com/ultragdb/ultragdb/internal/debug/threads"
	gdberr "github.com/ultragdb/ultragdb/internal/errors"
	"github.com/ultragdb/ultragdb/internal/frame"
	"github.com/ultragdb/ultragdb/internal/link"
	"github.com/ultragdb/ultragdb/internal/rsp"
)

// Memory gives byte access to debuggee memory.
type Memory interface {
	ReadMemory(addr uint32, p []byte)
	WriteMemory(addr uint32, p []byte)
}

// Target is everything the stub needs from the runtime. A Target that also
// implements breakpoint.Watcher gets Z2-Z4 support.
type Target interface {
	threads.Scheduler
	breakpoint.CodePatcher
	Memory
}

// Logger receives diagnostics. *cli.Logger satisfies it.
type Logger interface {
	Info(format string, args ...interface{})
	Debug(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// MemoryRange is the span of mapped RAM memory reads are served from.
type MemoryRange struct {
	Start, End uint32
}

// DefaultMemory skips the exception vectors and covers 4 MiB of RDRAM.
var DefaultMemory = MemoryRange{Start: 0x80000400, End: 0x80400000}

// DefaultPollInterval gives the 10 Hz loop rate.
const DefaultPollInterval = 100 * time.Millisecond

// Config tunes a session. The zero value is usable.
type Config struct {
	Memory       MemoryRange
	PollInterval time.Duration
	Logger       Logger
	// EchoToHost mirrors warnings to the host as Text frames.
	EchoToHost bool
}

func (c Config) withDefaults() Config {
	if c.Memory.End <= c.Memory.Start {
		c.Memory = DefaultMemory
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
	return c
}

// State is the debugger loop state.
type State int

const (
	StateDetached State = iota
	StateAttached
	StateWaitingForStop
)

func (s State) String() string {
	switch s {
	case StateDetached:
		return "detached"
	case StateAttached:
		return "attached"
	case StateWaitingForStop:
		return "waiting-for-stop"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Thread selector roles set by H packets.
const (
	roleRead = iota
	roleWrite
	roleContinue
	numRoles
)

// Signals reported in stop replies.
const (
	sigInt  = 2
	sigTrap = 5
)

// maxMemoryRead keeps an 'm' reply inside one packet.
const maxMemoryRead = (rsp.MaxPacketSize - 4) / 2

type stopInfo struct {
	thread threads.ID
	signal uint8
}

// Session is one debugger attachment. It owns the frame transport, the
// breakpoint table and the thread registry; all protocol handling runs under
// its lock.
type Session struct {
	mu sync.Mutex

	cfg       Config
	log       Logger
	transport *frame.Transport
	target    Target
	watcher   breakpoint.Watcher
	bps       *breakpoint.Table
	threads   *threads.Controller

	state       State
	sel         [numRoles]threads.ID
	stopPending bool
	manual      threads.ID
	last        stopInfo
	stepOver    map[threads.ID]bool
	steps       []threads.ID
	watches     []watchSpec

	frameBuf [rsp.MaxPacketSize + link.ChunkSize]byte
	in       [rsp.MaxPacketSize + link.ChunkSize]byte
	inLen    int
	mem      [maxMemoryRead]byte
	out      []byte
	lastPkt  []byte
}

type watchSpec struct {
	addr uint32
	kind breakpoint.WatchKind
}

// Init attaches a session to the cart link and the given threads and
// announces the stub to the host.
func Init(hw link.Link, target Target, threadSet []threads.ID, cfg Config) (*Session, error) {
	if hw == nil || target == nil {
		return nil, gdberr.InvalidArgument("session", "nil link or target")
	}
	ctl, err := threads.NewController(target, threadSet)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:       cfg,
		log:       cfg.Logger,
		transport: frame.NewTransport(hw),
		target:    target,
		bps:       breakpoint.NewTable(target),
		threads:   ctl,
		state:     StateAttached,
		stepOver:  make(map[threads.ID]bool),
		out:       make([]byte, 0, rsp.MaxPacketSize),
		lastPkt:   make([]byte, 0, rsp.MaxPacketSize+4),
	}
	if w, ok := target.(breakpoint.Watcher); ok {
		s.watcher = w
	}
	banner := cli.StubBannerPrefix + cli.Version
	if err := s.transport.SendText(banner); err != nil {
		return nil, fmt.Errorf("announce stub: %w", err)
	}
	s.log.Info("%s attached, %d threads, memory %#08x-%#08x",
		banner, len(threadSet), cfg.Memory.Start, cfg.Memory.End)
	return s, nil
}

// State returns the loop state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Breakpoints returns the number of allocated breakpoint slots.
func (s *Session) Breakpoints() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bps.Len()
}

func (s *Session) warn(format string, args ...interface{}) {
	s.log.Warn(format, args...)
	if s.cfg.EchoToHost {
		_ = s.transport.SendText("ultragdb: " + fmt.Sprintf(format, args...))
	}
}

// ManualBreak halts the current thread, or the first registered thread, and
// arms a stop reply for the next loop step.
func (s *Session) ManualBreak() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manualBreak()
}

func (s *Session) manualBreak() {
	if s.state == StateDetached {
		return
	}
	id := s.current(roleContinue)
	if id == 0 {
		s.log.Debug("manual break with no threads")
		return
	}
	s.threads.Halt(id)
	s.manual = id
	s.stopPending = true
	s.log.Debug("manual break on thread %d", id)
}

// current returns the first thread selected for a role.
func (s *Session) current(role int) threads.ID {
	if ids := s.threads.Resolve(s.sel[role]); len(ids) > 0 {
		return ids[0]
	}
	if ids := s.threads.Resolve(threads.Any); len(ids) > 0 {
		return ids[0]
	}
	return 0
}

// detach removes every patch and lets the debuggee run free.
func (s *Session) detach() {
	s.bps.RemoveAll()
	if s.watcher != nil {
		for _, w := range s.watches {
			_ = s.watcher.ClearWatch(w.addr, w.kind)
		}
	}
	s.watches = nil
	for _, id := range s.threads.IDs() {
		if s.threads.Halted(id) {
			s.threads.Resume(id, s.bps)
		}
	}
	for _, id := range s.threads.Faulted() {
		s.threads.Resume(id, s.bps)
	}
	s.stopPending = false
	s.manual = 0
	clear(s.stepOver)
	s.steps = nil
	s.state = StateDetached
	s.log.Info("detached")
}
