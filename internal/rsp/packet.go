// Package rsp encodes and decodes GDB Remote Serial Protocol packets:
//
//	$<body>#<checksum>
//
// where checksum is the sum of the body bytes modulo 256 as two hex digits.
package rsp

import (
	"bytes"
	"errors"

	gdberr "github.com/ultragdb/ultragdb/internal/errors"
)

// MaxPacketSize is the largest packet the stub accepts or produces.
const MaxPacketSize = 0x4000

// Single byte protocol messages.
const (
	Ack       = '+'
	Nak       = '-'
	Interrupt = 0x03
)

// ErrIncomplete means a packet has started but its trailer has not arrived.
var ErrIncomplete = errors.New("rsp: incomplete packet")

// Packet is one parsed packet. Its slices alias the parsed buffer.
type Packet struct {
	// Noise holds the bytes skipped before '$', such as acks or interrupts.
	Noise []byte
	// Raw spans '$' through '#', without the checksum digits.
	Raw []byte
	// Body is the text between '$' and '#'.
	Body []byte
	// Command is the first body byte, zero for an empty body.
	Command byte
	// Sum is the checksum sent by the peer; Valid reports whether it matches.
	Sum   byte
	Valid bool
	// Len is the number of input bytes the packet consumed.
	Len int
}

// Checksum returns the packet checksum of body.
func Checksum(body []byte) byte {
	var sum byte
	for _, b := range body {
		sum += b
	}
	return sum
}

// Parse finds the first packet in b. Bytes before '$' are returned as noise.
// A '$' seen again before '#' restarts the packet. Without any '$', or when a
// packet runs past MaxPacketSize without its '#', Parse fails with BadPacket;
// a packet still waiting for its trailer yields ErrIncomplete.
func Parse(b []byte) (Packet, error) {
	start := bytes.IndexByte(b, '$')
	if start < 0 {
		return Packet{Noise: b}, gdberr.BadPacket("no start delimiter")
	}
	hash := -1
	for i := start + 1; i < len(b); i++ {
		if b[i] == '$' {
			start = i
		} else if b[i] == '#' {
			hash = i
			break
		}
	}
	if hash < 0 {
		if len(b)-start > MaxPacketSize {
			return Packet{Noise: b[:start]}, gdberr.BadPacket("no terminator within packet size")
		}
		return Packet{Noise: b[:start]}, ErrIncomplete
	}
	if hash+3 > len(b) {
		return Packet{Noise: b[:start]}, ErrIncomplete
	}

	p := Packet{
		Noise: b[:start],
		Raw:   b[start : hash+1],
		Body:  b[start+1 : hash],
		Len:   hash + 3,
	}
	if len(p.Body) > 0 {
		p.Command = p.Body[0]
	}
	sum, n := ParseHex[uint8](b[hash+1:hash+3], 1)
	p.Sum = sum
	p.Valid = n == 2 && sum == Checksum(p.Body)
	return p, nil
}

// AppendPacket appends body framed as a packet to dst.
func AppendPacket(dst, body []byte) []byte {
	dst = append(dst, '$')
	dst = append(dst, body...)
	dst = append(dst, '#')
	return AppendHexFixed(dst, Checksum(body), 1)
}

// Serialize frames body as a new packet.
func Serialize(body []byte) []byte {
	return AppendPacket(make([]byte, 0, len(body)+4), body)
}
