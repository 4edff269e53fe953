package breakpoint

// WatchKind selects which accesses trigger a watchpoint. The values match the
// Z packet types.
type WatchKind uint8

const (
	WatchWrite  WatchKind = 2
	WatchRead   WatchKind = 3
	WatchAccess WatchKind = 4
)

func (k WatchKind) String() string {
	switch k {
	case WatchWrite:
		return "watch"
	case WatchRead:
		return "rwatch"
	case WatchAccess:
		return "awatch"
	}
	return "unknown"
}

// Matches reports whether an access triggers a watchpoint of kind k.
func (k WatchKind) Matches(write bool) bool {
	switch k {
	case WatchWrite:
		return write
	case WatchRead:
		return !write
	case WatchAccess:
		return true
	}
	return false
}

// Watcher is an optional target capability backed by the CPU data
// watchpoint.
type Watcher interface {
	// SetWatch arms a watchpoint over [addr, addr+length).
	SetWatch(addr, length uint32, kind WatchKind) error
	// ClearWatch disarms the watchpoint at addr.
	ClearWatch(addr uint32, kind WatchKind) error
	// WatchHit reports the access that stopped thread id, if a watchpoint
	// stopped it.
	WatchHit(id int32) (addr uint32, kind WatchKind, ok bool)
}
