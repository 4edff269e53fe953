package gdbserver

import (
	"context"
	"errors"
	"time"

	"github.com/ultragdb/ultragdb/internal/debug/breakpoint"
	"github.com/ultragdb/ultragdb/internal/debug/threads"
	gdberr "github.com/ultragdb/ultragdb/internal/errors"
	"github.com/ultragdb/ultragdb/internal/frame"
	"github.com/ultragdb/ultragdb/internal/rsp"
)

// Run calls PollOnce at the configured rate until the session detaches or
// ctx is done. Transport failures are logged and retried on the next wake.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		err := s.PollOnce()
		switch {
		case errors.Is(err, gdberr.ErrDetached):
			return nil
		case err != nil:
			s.log.Warn("poll: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce runs one loop step: it processes every frame the host has sent so
// far, in arrival order, then reports a stop if one is pending and a thread
// has stopped. It returns ErrDetached once the session has detached.
func (s *Session) PollOnce() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDetached {
		return gdberr.ErrDetached
	}
	for s.state != StateDetached {
		hdr, err := s.transport.Poll()
		if errors.Is(err, gdberr.ErrNoData) {
			break
		}
		if err != nil {
			return err
		}
		n, err := s.transport.ReadBody(s.frameBuf[:])
		switch {
		case errors.Is(err, gdberr.ErrBadFooter), errors.Is(err, gdberr.ErrBufferTooSmall):
			s.warn("dropped %s frame: %v", hdr.Type, err)
			continue
		case err != nil:
			return err
		}
		if hdr.Type != frame.TypeGDB {
			s.log.Debug("ignoring %s frame of %d bytes", hdr.Type, n)
			continue
		}
		if err := s.receive(s.frameBuf[:n]); err != nil {
			return err
		}
	}
	if s.state == StateDetached {
		return nil
	}
	return s.checkStop()
}

// receive appends frame data to the packet buffer and handles every complete
// packet in it.
func (s *Session) receive(data []byte) error {
	for len(data) > 0 {
		c := copy(s.in[s.inLen:], data)
		s.inLen += c
		data = data[c:]
		if err := s.drain(); err != nil {
			return err
		}
		if s.inLen == len(s.in) {
			// Nothing in a full buffer could be parsed.
			s.warn("packet buffer overflow, discarding %d bytes", s.inLen)
			s.inLen = 0
		}
	}
	return nil
}

func (s *Session) consume(n int) {
	copy(s.in[:], s.in[n:s.inLen])
	s.inLen -= n
}

func (s *Session) drain() error {
	for s.inLen > 0 && s.state != StateDetached {
		buf := s.in[:s.inLen]
		p, err := rsp.Parse(buf)
		if nerr := s.noise(p.Noise); nerr != nil {
			return nerr
		}
		switch {
		case errors.Is(err, rsp.ErrIncomplete):
			s.consume(len(p.Noise))
			return nil
		case err != nil:
			skip := len(p.Noise)
			if skip < len(buf) {
				// Drop the unterminated '$' and look for the next one.
				skip++
				s.warn("discarding packet: %v", err)
			}
			s.consume(skip)
			continue
		}

		if !p.Valid {
			s.warn("checksum mismatch on %q", p.Body)
			s.consume(p.Len)
			if err := s.sendRaw([]byte{rsp.Nak}); err != nil {
				return err
			}
			continue
		}
		if err := s.sendRaw([]byte{rsp.Ack}); err != nil {
			return err
		}
		reply, ok := s.dispatch(p.Body)
		// p aliases s.in; it is not used past this point.
		s.consume(p.Len)
		if ok {
			if err := s.reply(reply); err != nil {
				return err
			}
		}
	}
	return nil
}

// noise handles the single byte messages found between packets.
func (s *Session) noise(b []byte) error {
	for _, c := range b {
		switch c {
		case rsp.Interrupt:
			s.manualBreak()
		case rsp.Nak:
			if len(s.lastPkt) > 0 {
				s.log.Debug("resending last reply")
				if err := s.sendRaw(s.lastPkt); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *Session) sendRaw(b []byte) error {
	return s.transport.Send(frame.TypeGDB, b)
}

// reply frames body as a packet and sends it, keeping it for resends.
func (s *Session) reply(body []byte) error {
	s.lastPkt = rsp.AppendPacket(s.lastPkt[:0], body)
	s.log.Debug("reply %q", body)
	return s.sendRaw(s.lastPkt)
}

// checkStop emits the pending stop reply once a thread has stopped.
func (s *Session) checkStop() error {
	if !s.stopPending {
		return nil
	}
	faulted := s.finishStepOver(s.threads.Faulted())
	switch {
	case len(faulted) > 0:
		return s.reportStop(faulted[0], sigTrap)
	case s.manual != 0:
		return s.reportStop(s.manual, sigInt)
	}
	return nil
}

// finishStepOver filters out threads parked on the temporary breakpoints that
// moved them off a user breakpoint and returns the faulted threads left to
// report. Parked threads wait until every thread stepping over has arrived,
// since several may share one breakpoint and its temporaries. Then the user
// breakpoints are re-armed and the parked threads restart silently.
func (s *Session) finishStepOver(faulted []threads.ID) []threads.ID {
	var rest, parked []threads.ID
	for _, id := range faulted {
		if s.stepOver[id] && s.onTemporary(id) {
			parked = append(parked, id)
		} else {
			rest = append(rest, id)
		}
	}
	if len(rest) > 0 || len(parked) == 0 || len(parked) < len(s.stepOver) {
		return rest
	}
	clear(s.stepOver)
	if len(s.steps) == 0 {
		s.bps.RemoveKind(breakpoint.KindTemporary)
	} else {
		for _, id := range parked {
			if ctx, ok := s.threads.Context(id); ok {
				s.bps.Remove(s.bps.Find(ctx.PC))
			}
		}
	}
	s.bps.ReenableAll()
	for _, id := range parked {
		s.threads.Resume(id, nil)
		s.log.Debug("thread %d stepped over breakpoint", id)
	}
	return nil
}

func (s *Session) onTemporary(id threads.ID) bool {
	ctx, ok := s.threads.Context(id)
	if !ok {
		return false
	}
	bp := s.bps.Find(ctx.PC)
	return bp != nil && bp.Kind == breakpoint.KindTemporary
}

// reportStop halts every thread, restores the breakpoint invariant and sends
// the stop reply.
func (s *Session) reportStop(id threads.ID, sig uint8) error {
	for _, t := range s.threads.IDs() {
		s.threads.Halt(t)
	}
	s.bps.RemoveKind(breakpoint.KindTemporary)
	s.bps.ReenableAll()
	clear(s.stepOver)
	s.steps = nil
	s.manual = 0
	s.stopPending = false
	s.state = StateAttached
	s.last = stopInfo{thread: id, signal: sig}
	s.sel[roleRead], s.sel[roleWrite] = id, id
	s.log.Info("thread %d stopped, signal %d", id, sig)
	return s.reply(s.appendStopReply(s.out[:0], s.last))
}
