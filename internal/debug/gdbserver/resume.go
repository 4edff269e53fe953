package gdbserver

import (
	"bytes"

	"github.com/ultragdb/ultragdb/internal/debug/breakpoint"
	"github.com/ultragdb/ultragdb/internal/debug/threads"
	gdberr "github.com/ultragdb/ultragdb/internal/errors"
	"github.com/ultragdb/ultragdb/internal/rsp"
)

type resumeAction struct {
	op byte // 'c', 's' or 't'
	id threads.ID
}

// parseVCont reads the action list of a vCont packet. Signals attached to C
// and S are accepted and dropped.
func parseVCont(b []byte) ([]resumeAction, bool) {
	var acts []resumeAction
	for _, tok := range bytes.Split(b, []byte{';'}) {
		if len(tok) == 0 {
			return nil, false
		}
		a := resumeAction{op: tok[0], id: threads.All}
		rest := tok[1:]
		switch a.op {
		case 'C', 'S':
			if _, n := rsp.ParseHex[uint8](rest, 1); n != 2 {
				return nil, false
			}
			rest = rest[2:]
			a.op += 'a' - 'A'
		case 'c', 's', 't':
		default:
			return nil, false
		}
		if len(rest) > 0 {
			if rest[0] != ':' {
				return nil, false
			}
			id, ok := parseThreadID(rest[1:])
			if !ok {
				return nil, false
			}
			a.id = id
		}
		acts = append(acts, a)
	}
	return acts, len(acts) > 0
}

// vCont applies the actions; each thread takes the first action that
// matches it. Running threads report back through the loop, so a successful
// vCont has no immediate reply.
func (s *Session) vCont(out, b []byte) ([]byte, bool) {
	acts, ok := parseVCont(b)
	if !ok {
		return appendError(out, errMalformed), true
	}

	type planned struct {
		op byte
		id threads.ID
	}
	var plan []planned
	seen := make(map[threads.ID]bool)
	for _, a := range acts {
		for _, id := range s.threads.Resolve(a.id) {
			if seen[id] {
				continue
			}
			seen[id] = true
			plan = append(plan, planned{op: a.op, id: id})
		}
	}

	s.bps.ReenableAll()
	for _, p := range plan {
		if p.op != 's' {
			continue
		}
		if err := s.armStep(p.id); err != nil {
			s.bps.RemoveKind(breakpoint.KindTemporary)
			s.log.Debug("step thread %d: %v", p.id, err)
			return appendError(out, errNoRoom), true
		}
	}
	for _, p := range plan {
		switch p.op {
		case 'c':
			s.continueThread(p.id)
		case 's':
			s.steps = append(s.steps, p.id)
			s.threads.Resume(p.id, s.bps)
		case 't':
			s.threads.Halt(p.id)
			if s.manual == 0 {
				s.manual = p.id
			}
		}
	}
	s.stopPending = true
	s.state = StateWaitingForStop
	return nil, false
}

// setPC handles the optional resume address of the legacy c and s packets.
func (s *Session) setPC(id threads.ID, b []byte) bool {
	if len(b) == 0 {
		return true
	}
	addr, n := rsp.ParseHex[uint64](b, 8)
	if n == 0 || n != len(b) {
		return false
	}
	ctx, ok := s.threads.Context(id)
	if !ok {
		return false
	}
	ctx.PC = uint32(addr)
	return true
}

// legacyContinue serves "c[addr]": every thread resumes.
func (s *Session) legacyContinue(out, b []byte) ([]byte, bool) {
	if !s.setPC(s.current(roleContinue), b) {
		return appendError(out, errMalformed), true
	}
	s.bps.ReenableAll()
	for _, id := range s.threads.IDs() {
		s.continueThread(id)
	}
	s.stopPending = true
	s.state = StateWaitingForStop
	return nil, false
}

// legacyStep serves "s[addr]": only the selected thread runs.
func (s *Session) legacyStep(out, b []byte) ([]byte, bool) {
	id := s.current(roleContinue)
	if id == 0 {
		return appendError(out, errNoThread), true
	}
	if !s.setPC(id, b) {
		return appendError(out, errMalformed), true
	}
	s.bps.ReenableAll()
	if err := s.armStep(id); err != nil {
		s.bps.RemoveKind(breakpoint.KindTemporary)
		return appendError(out, errNoRoom), true
	}
	s.steps = append(s.steps, id)
	s.threads.Resume(id, s.bps)
	s.stopPending = true
	s.state = StateWaitingForStop
	return nil, false
}

// continueThread resumes a thread. A thread parked on a user breakpoint is
// first stepped off it behind temporary breakpoints, so the breakpoint can be
// re-armed once the thread has left it. The breakpoint may already be
// disabled by another thread stopped at the same address.
func (s *Session) continueThread(id threads.ID) {
	if ctx, ok := s.threads.Context(id); ok {
		if bp := s.bps.Find(ctx.PC); bp != nil && bp.Kind != breakpoint.KindTemporary {
			if err := s.armStep(id); err != nil {
				s.warn("thread %d: cannot step over breakpoint at %#08x: %v", id, ctx.PC, err)
			} else {
				s.stepOver[id] = true
			}
		}
	}
	s.threads.Resume(id, s.bps)
}

// armStep places temporary breakpoints on every address the thread can
// reach after executing the instruction at its PC.
func (s *Session) armStep(id threads.ID) error {
	ctx, ok := s.threads.Context(id)
	if !ok {
		return gdberr.InvalidArgument("thread", id)
	}
	insn := s.target.Read(ctx.PC)
	if bp := s.bps.Find(ctx.PC); bp != nil {
		insn = bp.Saved
	}
	for _, addr := range threads.StepTargets(ctx, insn) {
		if addr == ctx.PC {
			continue
		}
		if _, err := s.bps.Insert(addr, breakpoint.KindTemporary); err != nil {
			return err
		}
	}
	return nil
}
