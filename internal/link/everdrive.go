package link

import (
	"encoding/binary"

	gdberr "github.com/ultragdb/ultragdb/internal/errors"
)

// EverDrive X7 register block, PI physical addresses.
const (
	regBase = 0x1F800000

	RegUSBCfg   = regBase | 0x0004
	RegUSBTimer = regBase | 0x000C
	RegUSBData  = regBase | 0x0400
	RegSysCfg   = regBase | 0x8000
	RegKey      = regBase | 0x8004
)

// USB config command bits.
const (
	usbLECfg = 0x8000
	usbLECtr = 0x4000

	usbCfgAct = 0x0200
	usbCfgRd  = 0x0400
	usbCfgWr  = 0x0000

	usbCmdRdNop = usbLECfg | usbLECtr | usbCfgRd
	usbCmdRd    = usbLECfg | usbLECtr | usbCfgRd | usbCfgAct
	usbCmdWrNop = usbLECfg | usbLECtr | usbCfgWr
	usbCmdWr    = usbLECfg | usbLECtr | usbCfgWr | usbCfgAct

	usbAddrMask = 0x01FF
)

// USB status bits.
const (
	USBStaAct = 0x0200
	USBStaRxf = 0x0400
	USBStaTxe = 0x0800
	USBStaPwr = 0x1000
	USBStaBsy = 0x2000
)

const (
	unlockKey = 0xAA55

	// DefaultSpinLimit bounds every busy wait on the USB status register.
	DefaultSpinLimit = 8192
)

// Bus is the parallel interface DMA engine. Each call returns once the
// transfer has completed.
type Bus interface {
	DMARead(dst []byte, devAddr uint32) error
	DMAWrite(src []byte, devAddr uint32) error
}

// Interrupts masks CPU interrupts around register sequences.
type Interrupts interface {
	Mask() uint32
	Restore(prev uint32)
}

type noInterrupts struct{}

func (noInterrupts) Mask() uint32   { return 0 }
func (noInterrupts) Restore(uint32) {}

// EverDrive is the target side Link over the cart registers.
type EverDrive struct {
	bus       Bus
	irq       Interrupts
	spinLimit int
	reg       [4]byte
}

// NewEverDrive unlocks the cart registers and leaves the USB port idle in
// read mode. irq may be nil when interrupts need no masking.
func NewEverDrive(bus Bus, irq Interrupts) (*EverDrive, error) {
	if irq == nil {
		irq = noInterrupts{}
	}
	e := &EverDrive{bus: bus, irq: irq, spinLimit: DefaultSpinLimit}
	if err := e.writeReg(RegKey, unlockKey); err != nil {
		return nil, err
	}
	if err := e.writeReg(RegSysCfg, 0); err != nil {
		return nil, err
	}
	if err := e.writeReg(RegUSBCfg, usbCmdRdNop); err != nil {
		return nil, err
	}
	return e, nil
}

// SetSpinLimit overrides the busy wait bound.
func (e *EverDrive) SetSpinLimit(n int) {
	if n > 0 {
		e.spinLimit = n
	}
}

func (e *EverDrive) readReg(addr uint32) (uint32, error) {
	if err := e.bus.DMARead(e.reg[:], addr); err != nil {
		return 0, gdberr.DMAFailure("read", addr, err)
	}
	return binary.BigEndian.Uint32(e.reg[:]), nil
}

func (e *EverDrive) writeReg(addr, v uint32) error {
	binary.BigEndian.PutUint32(e.reg[:], v)
	if err := e.bus.DMAWrite(e.reg[:], addr); err != nil {
		return gdberr.DMAFailure("write", addr, err)
	}
	return nil
}

// waitIdle spins on the status register until the active bit clears.
func (e *EverDrive) waitIdle(op string) error {
	for spins := 0; ; spins++ {
		status, err := e.readReg(RegUSBCfg)
		if err != nil {
			return err
		}
		if status&USBStaAct == 0 {
			return nil
		}
		if spins == e.spinLimit {
			_ = e.writeReg(RegUSBCfg, usbCmdRdNop)
			return gdberr.TransportTimeout(op, spins)
		}
	}
}

func (e *EverDrive) masked(fn func() error) error {
	prev := e.irq.Mask()
	defer e.irq.Restore(prev)
	return fn()
}

// CanRead reports whether the USB receive FIFO holds data.
func (e *EverDrive) CanRead() bool {
	var status uint32
	err := e.masked(func() error {
		var err error
		status, err = e.readReg(RegUSBCfg)
		return err
	})
	if err != nil {
		return false
	}
	return status&(USBStaPwr|USBStaRxf) == USBStaPwr
}

// Read fills p from the receive FIFO. Partial chunks are placed at the end of
// the cart buffer, so the buffer address is ChunkSize minus the chunk length.
func (e *EverDrive) Read(p []byte) error {
	for len(p) > 0 {
		n := len(p)
		if n > ChunkSize {
			n = ChunkSize
		}
		baddr := uint32(ChunkSize - n)
		err := e.masked(func() error {
			if err := e.writeReg(RegUSBCfg, usbCmdRd|baddr); err != nil {
				return err
			}
			if err := e.waitIdle("usb read"); err != nil {
				return err
			}
			if err := e.bus.DMARead(p[:n], RegUSBData+baddr); err != nil {
				return gdberr.DMAFailure("read", RegUSBData+baddr, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// Write pushes p into the transmit FIFO.
func (e *EverDrive) Write(p []byte) error {
	if err := e.masked(func() error { return e.writeReg(RegUSBCfg, usbCmdWrNop) }); err != nil {
		return err
	}
	for len(p) > 0 {
		n := len(p)
		if n > ChunkSize {
			n = ChunkSize
		}
		baddr := uint32(ChunkSize - n)
		err := e.masked(func() error {
			if err := e.bus.DMAWrite(p[:n], RegUSBData+baddr); err != nil {
				return gdberr.DMAFailure("write", RegUSBData+baddr, err)
			}
			if err := e.writeReg(RegUSBCfg, usbCmdWr|baddr); err != nil {
				return err
			}
			return e.waitIdle("usb write")
		})
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
