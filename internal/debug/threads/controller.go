// Package threads resolves, halts and resumes the runtime threads a debug
// session was given. The runtime scheduler owns the threads; the controller
// only keeps their ids.
package threads

import (
	"github.com/ultragdb/ultragdb/internal/debug/breakpoint"
	gdberr "github.com/ultragdb/ultragdb/internal/errors"
)

// ID identifies a runtime thread. Registered ids are positive.
type ID int32

// Selector values with special meaning in the protocol.
const (
	Any ID = 0
	All ID = -1
)

// Scheduler is the runtime thread API the debugger consumes.
type Scheduler interface {
	// Context returns the saved registers of a thread. The context is live
	// runtime state: callers touch it only while the thread is stopped or
	// faulted.
	Context(id ID) (*Context, bool)
	// Stop suspends a thread; Start makes it runnable again.
	Stop(id ID)
	Start(id ID)
	// Faulted lists the threads that took a CPU exception and are parked.
	Faulted() []ID
}

// Controller drives the registered threads.
type Controller struct {
	sched  Scheduler
	ids    []ID
	halted []bool
}

// NewController registers ids, which must be positive and unique. The set
// does not change for the life of the controller.
func NewController(sched Scheduler, ids []ID) (*Controller, error) {
	seen := make(map[ID]bool, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return nil, gdberr.InvalidArgument("thread id", id)
		}
		if seen[id] {
			return nil, gdberr.InvalidArgument("duplicate thread id", id)
		}
		seen[id] = true
	}
	return &Controller{
		sched:  sched,
		ids:    append([]ID(nil), ids...),
		halted: make([]bool, len(ids)),
	}, nil
}

// IDs returns the registered ids in registration order.
func (c *Controller) IDs() []ID {
	return c.ids[:len(c.ids):len(c.ids)]
}

func (c *Controller) index(id ID) int {
	for i, r := range c.ids {
		if r == id {
			return i
		}
	}
	return -1
}

// Registered reports whether id belongs to the session.
func (c *Controller) Registered(id ID) bool {
	return c.index(id) >= 0
}

// Resolve maps a selector to threads: Any is the first registered thread, All
// is every thread in registration order, anything else must match exactly.
func (c *Controller) Resolve(id ID) []ID {
	switch id {
	case Any:
		if len(c.ids) == 0 {
			return nil
		}
		return c.ids[:1:1]
	case All:
		return c.IDs()
	}
	if i := c.index(id); i >= 0 {
		return c.ids[i : i+1 : i+1]
	}
	return nil
}

// Context returns the saved registers of a registered thread.
func (c *Controller) Context(id ID) (*Context, bool) {
	if !c.Registered(id) {
		return nil, false
	}
	return c.sched.Context(id)
}

// Halt asks the scheduler to stop a thread.
func (c *Controller) Halt(id ID) {
	i := c.index(id)
	if i < 0 {
		return
	}
	c.sched.Stop(id)
	c.halted[i] = true
}

// Halted reports whether the debugger stopped the thread.
func (c *Controller) Halted(id ID) bool {
	i := c.index(id)
	return i >= 0 && c.halted[i]
}

// Resume lifts any breakpoint under the thread's PC so it executes the real
// instruction, then restarts the thread.
func (c *Controller) Resume(id ID, bps *breakpoint.Table) {
	i := c.index(id)
	if i < 0 {
		return
	}
	if ctx, ok := c.sched.Context(id); ok && bps != nil {
		bps.Disable(bps.Find(ctx.PC))
	}
	c.halted[i] = false
	c.sched.Start(id)
}

// Faulted returns the registered threads the runtime reports as faulted, in
// registration order.
func (c *Controller) Faulted() []ID {
	faulted := c.sched.Faulted()
	if len(faulted) == 0 {
		return nil
	}
	var out []ID
	for _, id := range c.ids {
		for _, f := range faulted {
			if f == id {
				out = append(out, id)
				break
			}
		}
	}
	return out
}
