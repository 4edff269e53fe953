package gdbserver

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ultragdb/ultragdb/internal/debug/breakpoint"
	"github.com/ultragdb/ultragdb/internal/debug/threads"
	gdberr "github.com/ultragdb/ultragdb/internal/errors"
	"github.com/ultragdb/ultragdb/internal/rsp"
)

// Error numbers sent as Exx replies.
const (
	errMalformed = 0x01
	errNoThread  = 0x02
	errNoRoom    = 0x03
	errFault     = 0x0e
)

const supportedFeatures = ";vContSupported+;swbreak+"

func appendError(dst []byte, code uint8) []byte {
	return rsp.AppendHexFixed(append(dst, 'E'), code, 1)
}

func appendOK(dst []byte) []byte {
	return append(dst, "OK"...)
}

// dispatch handles one packet body. It returns the reply body, or false when
// the command replies later or not at all.
func (s *Session) dispatch(body []byte) ([]byte, bool) {
	out := s.out[:0]
	if len(body) == 0 {
		return out, true
	}
	s.log.Debug("packet %q", body)
	switch body[0] {
	case 'q':
		return s.query(out, body), true
	case 'v':
		return s.vPacket(out, body)
	case 'H':
		return s.setThread(out, body[1:]), true
	case 'T':
		return s.threadAlive(out, body[1:]), true
	case '?':
		return s.haltReason(out), true
	case 'g':
		return s.readRegisters(out), true
	case 'G':
		return s.writeRegisters(out, body[1:]), true
	case 'p':
		return s.readRegister(out, body[1:]), true
	case 'P':
		return s.writeRegister(out, body[1:]), true
	case 'm':
		return s.readMemory(out, body[1:]), true
	case 'M':
		return s.writeMemory(out, body[1:]), true
	case 'Z', 'z':
		return s.breakpoint(out, body), true
	case 'c':
		return s.legacyContinue(out, body[1:])
	case 's':
		return s.legacyStep(out, body[1:])
	case 'D':
		s.detach()
		return appendOK(out), true
	case 'k':
		s.detach()
		return nil, false
	}
	return out, true
}

func (s *Session) query(out, body []byte) []byte {
	switch {
	case bytes.HasPrefix(body, []byte("qSupported")):
		out = append(out, "PacketSize="...)
		out = rsp.AppendHex(out, uint32(rsp.MaxPacketSize))
		return append(out, supportedFeatures...)
	case string(body) == "qC": // exact, qCRC shares the prefix
		id := s.last.thread
		if !s.threads.Registered(id) {
			id = s.current(roleRead)
		}
		return rsp.AppendHex(append(out, "QC"...), uint32(id))
	case bytes.HasPrefix(body, []byte("qfThreadInfo")):
		ids := s.threads.IDs()
		if len(ids) == 0 {
			return append(out, 'l')
		}
		out = append(out, 'm')
		for i, id := range ids {
			if i > 0 {
				out = append(out, ',')
			}
			out = rsp.AppendHex(out, uint32(id))
		}
		return out
	case bytes.HasPrefix(body, []byte("qsThreadInfo")):
		return append(out, 'l')
	case bytes.HasPrefix(body, []byte("qAttached")):
		return append(out, '1')
	case bytes.HasPrefix(body, []byte("qThreadExtraInfo,")):
		id, ok := parseThreadID(body[len("qThreadExtraInfo,"):])
		if !ok || !s.threads.Registered(id) {
			return appendError(out, errNoThread)
		}
		return rsp.AppendHexBytes(out, []byte(s.describe(id)))
	case bytes.HasPrefix(body, []byte("qOffsets")):
		return append(out, "Text=0;Data=0;Bss=0"...)
	case bytes.HasPrefix(body, []byte("qSymbol")):
		return appendOK(out)
	case bytes.HasPrefix(body, []byte("qTStatus")):
		return append(out, "T0"...)
	}
	return out
}

func (s *Session) describe(id threads.ID) string {
	for _, f := range s.threads.Faulted() {
		if f == id {
			return fmt.Sprintf("thread %d faulted", id)
		}
	}
	if s.threads.Halted(id) {
		return fmt.Sprintf("thread %d halted", id)
	}
	return fmt.Sprintf("thread %d running", id)
}

func (s *Session) vPacket(out, body []byte) ([]byte, bool) {
	switch {
	case bytes.HasPrefix(body, []byte("vCont?")):
		return append(out, "vCont;c;C;s;S;t"...), true
	case bytes.HasPrefix(body, []byte("vCont;")):
		return s.vCont(out, body[len("vCont;"):])
	}
	// vMustReplyEmpty and everything unknown.
	return out, true
}

// parseThreadID reads a thread id field: "-1" for all threads, otherwise a
// hex id where 0 means any thread.
func parseThreadID(b []byte) (threads.ID, bool) {
	if string(b) == "-1" {
		return threads.All, true
	}
	v, n := rsp.ParseHex[uint32](b, 4)
	if n == 0 || n != len(b) || int32(v) < 0 {
		return 0, false
	}
	return threads.ID(v), true
}

func (s *Session) setThread(out, b []byte) []byte {
	if len(b) < 2 {
		return appendError(out, errMalformed)
	}
	id, ok := parseThreadID(b[1:])
	if !ok {
		return appendError(out, errMalformed)
	}
	if id != threads.Any && id != threads.All && !s.threads.Registered(id) {
		return appendError(out, errNoThread)
	}
	switch b[0] {
	case 'g':
		// GDB only sends Hg before register writes too.
		s.sel[roleRead], s.sel[roleWrite] = id, id
	case 'G':
		s.sel[roleWrite] = id
	case 'c':
		s.sel[roleContinue] = id
	default:
		return appendError(out, errMalformed)
	}
	return appendOK(out)
}

func (s *Session) threadAlive(out, b []byte) []byte {
	id, ok := parseThreadID(b)
	if !ok || !s.threads.Registered(id) {
		return appendError(out, errNoThread)
	}
	return appendOK(out)
}

// haltReason answers '?': the target is brought to a full stop and the last
// stop is reported again.
func (s *Session) haltReason(out []byte) []byte {
	for _, id := range s.threads.IDs() {
		s.threads.Halt(id)
	}
	s.bps.RemoveKind(breakpoint.KindTemporary)
	s.bps.ReenableAll()
	clear(s.stepOver)
	s.steps = nil
	s.manual = 0
	s.stopPending = false
	s.state = StateAttached

	info := s.last
	if !s.threads.Registered(info.thread) {
		info = stopInfo{thread: s.current(roleRead), signal: sigTrap}
	}
	return s.appendStopReply(out, info)
}

// appendStopReply formats a T stop reply. Every registered thread is listed;
// the stopping thread comes last so a client that keeps the last thread
// entry selects it.
func (s *Session) appendStopReply(dst []byte, info stopInfo) []byte {
	dst = rsp.AppendHexFixed(append(dst, 'T'), info.signal, 1)
	watched := false
	if s.watcher != nil && info.thread != 0 {
		if addr, kind, ok := s.watcher.WatchHit(int32(info.thread)); ok {
			dst = append(dst, kind.String()...)
			dst = append(rsp.AppendHex(append(dst, ':'), addr), ';')
			watched = true
		}
	}
	if !watched {
		dst = append(dst, "swbreak:;"...)
	}
	for _, id := range s.threads.IDs() {
		if id != info.thread {
			dst = appendThread(dst, id)
		}
	}
	if s.threads.Registered(info.thread) {
		dst = appendThread(dst, info.thread)
	}
	return dst
}

func appendThread(dst []byte, id threads.ID) []byte {
	dst = append(dst, "thread:"...)
	return append(rsp.AppendHex(dst, uint32(id)), ';')
}

const regDigits = 16

func (s *Session) readRegisters(out []byte) []byte {
	ctx, ok := s.threads.Context(s.current(roleRead))
	if !ok {
		return out
	}
	for n := 0; n < threads.DumpRegisters; n++ {
		v, _ := ctx.Register(n)
		out = rsp.AppendHexFixed(out, v, 8)
	}
	return out
}

func (s *Session) writeRegisters(out, b []byte) []byte {
	ctx, ok := s.threads.Context(s.current(roleWrite))
	if !ok {
		return appendError(out, errNoThread)
	}
	if len(b)%regDigits != 0 || len(b) > threads.DumpRegisters*regDigits {
		return appendError(out, errMalformed)
	}
	for n := 0; len(b) > 0; n++ {
		field := b[:regDigits]
		b = b[regDigits:]
		if field[0] == 'x' {
			// unavailable, leave as is
			continue
		}
		v, used := rsp.ParseHex[uint64](field, 8)
		if used != regDigits {
			return appendError(out, errMalformed)
		}
		ctx.SetRegister(n, v)
	}
	return appendOK(out)
}

func (s *Session) readRegister(out, b []byte) []byte {
	n, used := rsp.ParseHex[uint32](b, 4)
	if used == 0 || used != len(b) {
		return appendError(out, errMalformed)
	}
	ctx, ok := s.threads.Context(s.current(roleRead))
	if !ok {
		return appendError(out, errNoThread)
	}
	v, ok := ctx.Register(int(n))
	if !ok {
		return appendError(out, errMalformed)
	}
	return rsp.AppendHexFixed(out, v, 8)
}

func (s *Session) writeRegister(out, b []byte) []byte {
	n, used := rsp.ParseHex[uint32](b, 4)
	if used == 0 || used >= len(b) || b[used] != '=' {
		return appendError(out, errMalformed)
	}
	field := b[used+1:]
	v, vused := rsp.ParseHex[uint64](field, 8)
	if vused != regDigits || len(field) != regDigits {
		return appendError(out, errMalformed)
	}
	ctx, ok := s.threads.Context(s.current(roleWrite))
	if !ok {
		return appendError(out, errNoThread)
	}
	if !ctx.SetRegister(int(n), v) {
		return appendError(out, errMalformed)
	}
	return appendOK(out)
}

// parseAddrLen reads "addr,length". Addresses longer than 32 bits are
// truncated the way the CPU does in 32-bit mode.
func parseAddrLen(b []byte) (addr, length uint32, rest []byte, ok bool) {
	a, used := rsp.ParseHex[uint64](b, 8)
	if used == 0 || used >= len(b) || b[used] != ',' {
		return 0, 0, nil, false
	}
	b = b[used+1:]
	l, used := rsp.ParseHex[uint32](b, 4)
	if used == 0 {
		return 0, 0, nil, false
	}
	return uint32(a), l, b[used:], true
}

// readMemory serves 'm'. Bytes below the mapped range read as zero, the
// window is cut at the end of the range, and breakpoint traps are shown as
// the instructions they replaced.
func (s *Session) readMemory(out, b []byte) []byte {
	addr, n, rest, ok := parseAddrLen(b)
	if !ok || len(rest) != 0 {
		return appendError(out, errMalformed)
	}
	if n == 0 {
		return out
	}
	if n > maxMemoryRead {
		n = maxMemoryRead
	}
	lo, hi := uint64(s.cfg.Memory.Start), uint64(s.cfg.Memory.End)
	start, end := uint64(addr), uint64(addr)+uint64(n)
	if end > hi {
		end = hi
	}
	if end <= start {
		return appendError(out, errFault)
	}
	buf := s.mem[:end-start]
	zero := uint64(0)
	if start < lo {
		zero = min(lo, end) - start
		clear(buf[:zero])
	}
	if zero < uint64(len(buf)) {
		s.target.ReadMemory(uint32(start+zero), buf[zero:])
	}
	s.bps.Conceal(addr, buf)
	return rsp.AppendHexBytes(out, buf)
}

// writeMemory serves 'M'. Breakpoints inside the window take the written
// bytes as their saved instruction and stay armed.
func (s *Session) writeMemory(out, b []byte) []byte {
	addr, n, rest, ok := parseAddrLen(b)
	if !ok || len(rest) == 0 || rest[0] != ':' {
		return appendError(out, errMalformed)
	}
	data := rest[1:]
	if n > maxMemoryRead || len(data) != 2*int(n) {
		return appendError(out, errMalformed)
	}
	if uint64(addr) < uint64(s.cfg.Memory.Start) || uint64(addr)+uint64(n) > uint64(s.cfg.Memory.End) {
		return appendError(out, errFault)
	}
	buf := s.mem[:n]
	if got, _ := rsp.DecodeHexBytes(buf, data); got != int(n) {
		return appendError(out, errMalformed)
	}
	s.bps.Absorb(addr, buf)
	s.target.WriteMemory(addr, buf)
	s.bps.Reapply(addr, int(n))
	return appendOK(out)
}

// breakpoint serves Z and z packets: "Ztype,addr,kind[;cond...]".
func (s *Session) breakpoint(out, body []byte) []byte {
	if len(body) < 3 || body[2] != ',' {
		return appendError(out, errMalformed)
	}
	insert := body[0] == 'Z'
	addr, length, _, ok := parseAddrLen(body[3:])
	if !ok {
		return appendError(out, errMalformed)
	}

	switch body[1] {
	case '0':
		if !insert {
			if bp := s.bps.Find(addr); bp != nil && bp.Kind != breakpoint.KindTemporary {
				s.bps.Remove(bp)
			}
			return appendOK(out)
		}
		if _, err := s.bps.Insert(addr, breakpoint.KindUser); err != nil {
			s.log.Debug("breakpoint at %#08x: %v", addr, err)
			if errors.Is(err, gdberr.ErrTableFull) {
				return appendError(out, errNoRoom)
			}
			return appendError(out, errMalformed)
		}
		return appendOK(out)
	case '2', '3', '4':
		if s.watcher == nil {
			return out
		}
		kind := breakpoint.WatchKind(body[1] - '0')
		if !insert {
			if err := s.watcher.ClearWatch(addr, kind); err != nil {
				return appendError(out, errMalformed)
			}
			s.forgetWatch(addr, kind)
			return appendOK(out)
		}
		if err := s.watcher.SetWatch(addr, length, kind); err != nil {
			s.log.Debug("%s at %#08x: %v", kind, addr, err)
			return appendError(out, errNoRoom)
		}
		s.forgetWatch(addr, kind)
		s.watches = append(s.watches, watchSpec{addr: addr, kind: kind})
		return appendOK(out)
	}
	// Hardware breakpoints and unknown types.
	return out
}

func (s *Session) forgetWatch(addr uint32, kind breakpoint.WatchKind) {
	for i, w := range s.watches {
		if w.addr == addr && w.kind == kind {
			s.watches = append(s.watches[:i], s.watches[i+1:]...)
			return
		}
	}
}
