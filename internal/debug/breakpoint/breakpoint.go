// Package breakpoint keeps the software breakpoints of a debug session.
//
// A breakpoint replaces the instruction word at its address with a trap and
// remembers the original word. The trap is present in memory exactly when
// the entry kind is Temporary or User.
package breakpoint

import (
	gdberr "github.com/ultragdb/ultragdb/internal/errors"
)

// Capacity is the fixed number of breakpoint slots.
const Capacity = 128

// TrapInstruction is the MIPS BREAK instruction.
const TrapInstruction uint32 = 0x0000000D

// CodePatcher reads and writes instruction words of the debuggee. Writes
// must leave the instruction cache coherent with memory.
type CodePatcher interface {
	Read(addr uint32) uint32
	Write(addr uint32, word uint32)
}

// Kind is the state of a breakpoint slot.
type Kind uint8

const (
	KindNone Kind = iota
	KindTemporary
	KindUser
	// KindUserUnapplied is a user breakpoint whose original instruction is
	// currently restored.
	KindUserUnapplied
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTemporary:
		return "temporary"
	case KindUser:
		return "user"
	case KindUserUnapplied:
		return "user-unapplied"
	}
	return "unknown"
}

func (k Kind) rank() int {
	switch k {
	case KindTemporary:
		return 1
	case KindUser, KindUserUnapplied:
		return 2
	}
	return 0
}

// Applied reports whether the trap is in memory for this kind.
func (k Kind) Applied() bool {
	return k == KindTemporary || k == KindUser
}

// Breakpoint is one slot of the table.
type Breakpoint struct {
	Addr  uint32
	Saved uint32
	Kind  Kind
}

// Table is the fixed capacity breakpoint registry.
type Table struct {
	code    CodePatcher
	entries [Capacity]Breakpoint
}

// NewTable returns an empty table patching through code.
func NewTable(code CodePatcher) *Table {
	return &Table{code: code}
}

// Find returns the allocated entry at addr, or nil.
func (t *Table) Find(addr uint32) *Breakpoint {
	for i := range t.entries {
		if t.entries[i].Kind != KindNone && t.entries[i].Addr == addr {
			return &t.entries[i]
		}
	}
	return nil
}

// Insert adds a breakpoint at addr, or promotes the existing one when kind
// outranks it. A full table is left untouched.
func (t *Table) Insert(addr uint32, kind Kind) (*Breakpoint, error) {
	if addr&3 != 0 {
		return nil, gdberr.InvalidArgument("breakpoint address", addr)
	}
	if kind != KindTemporary && kind != KindUser {
		return nil, gdberr.InvalidArgument("breakpoint kind", kind)
	}
	var free *Breakpoint
	for i := range t.entries {
		e := &t.entries[i]
		if e.Kind == KindNone {
			if free == nil {
				free = e
			}
			continue
		}
		if e.Addr == addr {
			if kind.rank() > e.Kind.rank() {
				e.Kind = kind
			}
			return e, nil
		}
	}
	if free == nil {
		return nil, gdberr.TableFull("breakpoint", Capacity)
	}
	free.Addr = addr
	free.Saved = t.code.Read(addr)
	free.Kind = kind
	t.code.Write(addr, TrapInstruction)
	return free, nil
}

// Remove restores the original instruction and frees the slot.
func (t *Table) Remove(bp *Breakpoint) {
	if bp == nil || bp.Kind == KindNone {
		return
	}
	if bp.Kind.Applied() {
		t.code.Write(bp.Addr, bp.Saved)
	}
	*bp = Breakpoint{}
}

// Disable restores the original instruction while keeping the slot. A
// temporary breakpoint has nothing to come back to and is removed.
func (t *Table) Disable(bp *Breakpoint) {
	if bp == nil {
		return
	}
	switch bp.Kind {
	case KindUser:
		t.code.Write(bp.Addr, bp.Saved)
		bp.Kind = KindUserUnapplied
	case KindTemporary:
		t.Remove(bp)
	}
}

// Reenable puts the trap back for a disabled user breakpoint.
func (t *Table) Reenable(bp *Breakpoint) {
	if bp == nil || bp.Kind != KindUserUnapplied {
		return
	}
	t.code.Write(bp.Addr, TrapInstruction)
	bp.Kind = KindUser
}

// ReenableAll re-arms every disabled breakpoint.
func (t *Table) ReenableAll() {
	for i := range t.entries {
		t.Reenable(&t.entries[i])
	}
}

// RemoveKind frees every entry of the given kind.
func (t *Table) RemoveKind(kind Kind) {
	for i := range t.entries {
		if t.entries[i].Kind == kind {
			t.Remove(&t.entries[i])
		}
	}
}

// RemoveAll restores all patched code and empties the table.
func (t *Table) RemoveAll() {
	for i := range t.entries {
		t.Remove(&t.entries[i])
	}
}

// Len returns the number of allocated slots.
func (t *Table) Len() int {
	n := 0
	for i := range t.entries {
		if t.entries[i].Kind != KindNone {
			n++
		}
	}
	return n
}

// Conceal overwrites any trap bytes inside buf, which holds memory read from
// addr, with the original instruction bytes.
func (t *Table) Conceal(addr uint32, buf []byte) {
	end := uint64(addr) + uint64(len(buf))
	for i := range t.entries {
		e := &t.entries[i]
		if !e.Kind.Applied() {
			continue
		}
		for b := uint32(0); b < 4; b++ {
			a := uint64(e.Addr) + uint64(b)
			if a < uint64(addr) || a >= end {
				continue
			}
			buf[a-uint64(addr)] = byte(e.Saved >> (24 - 8*b))
		}
	}
}

// Absorb records data, about to be written at addr, as the saved instruction
// bytes of every entry it overlaps. Call Reapply after the write so applied
// entries keep their trap.
func (t *Table) Absorb(addr uint32, data []byte) {
	end := uint64(addr) + uint64(len(data))
	for i := range t.entries {
		e := &t.entries[i]
		if e.Kind == KindNone {
			continue
		}
		for b := uint32(0); b < 4; b++ {
			a := uint64(e.Addr) + uint64(b)
			if a < uint64(addr) || a >= end {
				continue
			}
			shift := 24 - 8*b
			e.Saved = e.Saved&^(0xff<<shift) | uint32(data[a-uint64(addr)])<<shift
		}
	}
}

// Reapply reinstalls the trap of every applied entry overlapping
// [addr, addr+n).
func (t *Table) Reapply(addr uint32, n int) {
	end := uint64(addr) + uint64(n)
	for i := range t.entries {
		e := &t.entries[i]
		if !e.Kind.Applied() {
			continue
		}
		if uint64(e.Addr)+4 <= uint64(addr) || uint64(e.Addr) >= end {
			continue
		}
		t.code.Write(e.Addr, TrapInstruction)
	}
}
