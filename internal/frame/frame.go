// Package frame implements the length prefixed message framing carried over
// the cart link:
//
//	"DMA@" | type (1) | length (3, big endian) | payload | "CMPH"
//
// Messages are padded with zeros to a whole number of link chunks. The
// receiver scans for the header magic, so padding and line noise between
// frames are skipped.
package frame

import (
	"fmt"
	"sync"

	gdberr "github.com/ultragdb/ultragdb/internal/errors"
	"github.com/ultragdb/ultragdb/internal/link"
)

// Type tags the payload of a frame.
type Type uint8

const (
	TypeNone Type = iota
	TypeText
	TypeRawBinary
	TypeScreenshot
	TypeGDB
)

func (t Type) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeRawBinary:
		return "raw-binary"
	case TypeScreenshot:
		return "screenshot"
	case TypeGDB:
		return "gdb"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

const (
	HeaderMagic = "DMA@"
	FooterMagic = "CMPH"

	headerSize = 8
	footerSize = 4

	// MaxLength is the largest payload a 24-bit length can carry.
	MaxLength = 1<<24 - 1
)

// Header describes a frame found by Poll whose body has not been read yet.
type Header struct {
	Type   Type
	Length int
}

// Transport frames messages over a link.Link. Send and receive operations
// are serialized by a gate; one operation is in flight at a time.
type Transport struct {
	link link.Link
	gate sync.Mutex

	rx           [link.ChunkSize]byte
	rxPos, rxLen int

	tx  [link.ChunkSize]byte
	txN int

	// header scan state, kept across Poll calls
	matched int
	hdr     [headerSize - len(HeaderMagic)]byte

	pending bool
	header  Header
}

// NewTransport returns a Transport over l.
func NewTransport(l link.Link) *Transport {
	return &Transport{link: l}
}

// Send writes one frame. The final chunk is zero padded.
func (t *Transport) Send(typ Type, payload []byte) error {
	if len(payload) > MaxLength {
		return gdberr.MessageTooLong(len(payload), MaxLength)
	}
	t.gate.Lock()
	defer t.gate.Unlock()

	n := len(payload)
	var hdr [headerSize]byte
	copy(hdr[:], HeaderMagic)
	hdr[4] = byte(typ)
	hdr[5] = byte(n >> 16)
	hdr[6] = byte(n >> 8)
	hdr[7] = byte(n)

	t.txN = 0
	if err := t.put(hdr[:]); err != nil {
		return err
	}
	if err := t.put(payload); err != nil {
		return err
	}
	if err := t.put([]byte(FooterMagic)); err != nil {
		return err
	}
	if t.txN > 0 {
		clear(t.tx[t.txN:])
		t.txN = 0
		return t.link.Write(t.tx[:])
	}
	return nil
}

// SendText sends a Text frame.
func (t *Transport) SendText(s string) error {
	return t.Send(TypeText, []byte(s))
}

func (t *Transport) put(b []byte) error {
	for len(b) > 0 {
		c := copy(t.tx[t.txN:], b)
		t.txN += c
		b = b[c:]
		if t.txN == len(t.tx) {
			t.txN = 0
			if err := t.link.Write(t.tx[:]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Poll looks for the next frame header without blocking. It returns
// ErrNoData when the link has nothing pending. A header split across chunk
// refills is resumed on the next call.
func (t *Transport) Poll() (Header, error) {
	t.gate.Lock()
	defer t.gate.Unlock()

	if t.pending {
		return t.header, nil
	}
	for {
		if t.rxPos == t.rxLen {
			if !t.link.CanRead() {
				return Header{}, gdberr.ErrNoData
			}
			if err := t.fill(); err != nil {
				return Header{}, err
			}
		}
		for t.rxPos < t.rxLen {
			b := t.rx[t.rxPos]
			t.rxPos++
			if t.matched < len(HeaderMagic) {
				switch {
				case b == HeaderMagic[t.matched]:
					t.matched++
				case b == HeaderMagic[0]:
					t.matched = 1
				default:
					t.matched = 0
				}
				continue
			}
			t.hdr[t.matched-len(HeaderMagic)] = b
			t.matched++
			if t.matched == headerSize {
				t.matched = 0
				t.pending = true
				t.header = Header{
					Type:   Type(t.hdr[0]),
					Length: int(t.hdr[1])<<16 | int(t.hdr[2])<<8 | int(t.hdr[3]),
				}
				return t.header, nil
			}
		}
	}
}

func (t *Transport) fill() error {
	t.rxPos, t.rxLen = 0, 0
	if err := t.link.Read(t.rx[:]); err != nil {
		return err
	}
	t.rxLen = len(t.rx)
	return nil
}

func (t *Transport) next() (byte, error) {
	if t.rxPos == t.rxLen {
		if err := t.fill(); err != nil {
			return 0, err
		}
	}
	b := t.rx[t.rxPos]
	t.rxPos++
	return b, nil
}

// ReadBody consumes the body of the frame returned by Poll into dst and
// checks the footer. It returns the payload length. A body longer than dst is
// skipped and reported as ErrBufferTooSmall. On ErrBadFooter the next Poll
// rescans for a header from the current position.
func (t *Transport) ReadBody(dst []byte) (int, error) {
	t.gate.Lock()
	defer t.gate.Unlock()

	if !t.pending {
		return 0, gdberr.ErrNoData
	}
	t.pending = false
	n := t.header.Length

	if n > len(dst) {
		for i := 0; i < n+footerSize; i++ {
			if _, err := t.next(); err != nil {
				return 0, err
			}
		}
		return 0, gdberr.BufferTooSmall(n, len(dst))
	}

	for off := 0; off < n; {
		if t.rxPos == t.rxLen {
			if err := t.fill(); err != nil {
				return 0, err
			}
		}
		c := copy(dst[off:n], t.rx[t.rxPos:t.rxLen])
		off += c
		t.rxPos += c
	}

	var footer [footerSize]byte
	for i := range footer {
		b, err := t.next()
		if err != nil {
			return 0, err
		}
		footer[i] = b
	}
	if string(footer[:]) != FooterMagic {
		return 0, gdberr.BadFooter(footer[:])
	}
	return n, nil
}
