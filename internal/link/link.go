// Package link moves fixed-size chunks of bytes across the flash cart USB FIFO.
//
// The target side talks to the cart registers (EverDrive), the host side
// talks to the cart's USB serial endpoint (StreamLink). Both expose the same
// Link interface so the frame transport above them is shared.
package link

// ChunkSize is the size of one hardware FIFO transfer.
const ChunkSize = 512

// Link is a raw chunk transport.
//
// Read and Write accept up to ChunkSize bytes per call; longer buffers are
// split into consecutive chunks. CanRead never blocks.
type Link interface {
	CanRead() bool
	Read(p []byte) error
	Write(p []byte) error
}
