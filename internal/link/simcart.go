package link

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
)

var errUnmapped = errors.New("simcart: unmapped device address")

// SimCart emulates the EverDrive USB registers in memory. The target side
// drives it as a Bus; the host side is the io.ReadWriteCloser from Host.
type SimCart struct {
	mu   sync.Mutex
	cond *sync.Cond

	key    uint32
	sysCfg uint32
	cfg    uint32

	busy     bool
	readWant int // bytes an in-flight read is waiting for
	readAddr int

	data [ChunkSize]byte

	toTarget []byte
	toHost   []byte
	closed   bool

	// Unpowered clears the power bit in the status register.
	Unpowered bool
	// FailDMA makes every DMA transfer fail.
	FailDMA bool
	// StickyBusy keeps the active bit set, so every busy wait times out.
	StickyBusy bool

	host *simHost
}

// NewSimCart returns an idle, powered cart.
func NewSimCart() *SimCart {
	c := &SimCart{}
	c.cond = sync.NewCond(&c.mu)
	c.host = &simHost{cart: c}
	return c
}

// Unlocked reports whether the target wrote the register unlock key.
func (c *SimCart) Unlocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key == unlockKey
}

func (c *SimCart) status() uint32 {
	c.completeRead()
	var s uint32
	if !c.Unpowered {
		s |= USBStaPwr
	}
	if len(c.toTarget) == 0 {
		s |= USBStaRxf
	}
	if c.busy || c.StickyBusy {
		s |= USBStaAct
	}
	return s
}

// completeRead finishes a pending FIFO read once enough host bytes arrived.
func (c *SimCart) completeRead() {
	if !c.busy || c.readWant == 0 || len(c.toTarget) < c.readWant {
		return
	}
	copy(c.data[c.readAddr:], c.toTarget[:c.readWant])
	c.toTarget = c.toTarget[c.readWant:]
	c.readWant = 0
	c.busy = false
}

func (c *SimCart) command(v uint32) {
	c.cfg = v
	if v&usbCfgAct == 0 {
		// idle command aborts whatever transfer was in flight
		c.busy = false
		c.readWant = 0
		return
	}
	baddr := int(v & usbAddrMask)
	if v&usbCfgRd != 0 {
		c.busy = true
		c.readAddr = baddr
		c.readWant = ChunkSize - baddr
		c.completeRead()
		return
	}
	c.toHost = append(c.toHost, c.data[baddr:]...)
	c.cond.Broadcast()
}

// DMARead implements Bus.
func (c *SimCart) DMARead(dst []byte, devAddr uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailDMA {
		return errors.New("simcart: dma rejected")
	}
	switch {
	case devAddr >= RegUSBData && devAddr+uint32(len(dst)) <= RegUSBData+ChunkSize:
		copy(dst, c.data[devAddr-RegUSBData:])
		return nil
	case len(dst) == 4:
		var v uint32
		switch devAddr {
		case RegUSBCfg:
			v = c.status()
		case RegSysCfg:
			v = c.sysCfg
		case RegKey:
			v = c.key
		case RegUSBTimer:
			v = 0
		default:
			return errUnmapped
		}
		binary.BigEndian.PutUint32(dst, v)
		return nil
	}
	return errUnmapped
}

// DMAWrite implements Bus.
func (c *SimCart) DMAWrite(src []byte, devAddr uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailDMA {
		return errors.New("simcart: dma rejected")
	}
	switch {
	case devAddr >= RegUSBData && devAddr+uint32(len(src)) <= RegUSBData+ChunkSize:
		copy(c.data[devAddr-RegUSBData:], src)
		return nil
	case len(src) == 4:
		v := binary.BigEndian.Uint32(src)
		switch devAddr {
		case RegUSBCfg:
			c.command(v)
		case RegSysCfg:
			c.sysCfg = v
		case RegKey:
			c.key = v
		default:
			return errUnmapped
		}
		return nil
	}
	return errUnmapped
}

// Host returns the USB host end of the cart.
func (c *SimCart) Host() io.ReadWriteCloser { return c.host }

// HostPending returns the number of bytes waiting for the host.
func (c *SimCart) HostPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.toHost)
}

type simHost struct {
	cart *SimCart
}

// Write queues bytes for the target.
func (h *simHost) Write(p []byte) (int, error) {
	c := h.cart
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	c.toTarget = append(c.toTarget, p...)
	return len(p), nil
}

// Read blocks until the target wrote something or the cart is closed.
func (h *simHost) Read(p []byte) (int, error) {
	c := h.cart
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.toHost) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.toHost) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.toHost)
	c.toHost = c.toHost[n:]
	return n, nil
}

func (h *simHost) Close() error {
	c := h.cart
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cond.Broadcast()
	return nil
}
