package link

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	gdberr "github.com/ultragdb/ultragdb/internal/errors"
)

// DefaultReadTimeout bounds how long a host side chunk read waits.
const DefaultReadTimeout = 2 * time.Second

// StreamLink is the host side Link over the cart's USB serial endpoint, or
// over a TCP connection to a simulated cart.
//
// A reader goroutine collects whole chunks. CanRead, Wait and Read must be
// called from a single goroutine; Write may be called concurrently.
type StreamLink struct {
	rw      io.ReadWriter
	timeout time.Duration

	chunks chan []byte
	cur    []byte

	wmu sync.Mutex

	errMu sync.Mutex
	err   error
}

// NewStreamLink starts reading chunks from rw.
func NewStreamLink(rw io.ReadWriter, timeout time.Duration) *StreamLink {
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	l := &StreamLink{rw: rw, timeout: timeout, chunks: make(chan []byte, 64)}
	go l.readLoop()
	return l
}

func (l *StreamLink) readLoop() {
	defer close(l.chunks)
	for {
		buf := make([]byte, ChunkSize)
		if _, err := io.ReadFull(l.rw, buf); err != nil {
			l.errMu.Lock()
			l.err = err
			l.errMu.Unlock()
			return
		}
		l.chunks <- buf
	}
}

// Err returns the error that stopped the reader, if any.
func (l *StreamLink) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

func (l *StreamLink) closedErr() error {
	if err := l.Err(); err != nil {
		return fmt.Errorf("stream link closed: %w", err)
	}
	return fmt.Errorf("stream link closed: %w", io.EOF)
}

// CanRead reports whether a chunk is buffered.
func (l *StreamLink) CanRead() bool {
	return len(l.cur) > 0 || len(l.chunks) > 0
}

// Wait blocks until a chunk is buffered, the stream ends or ctx is done.
func (l *StreamLink) Wait(ctx context.Context) error {
	if len(l.cur) > 0 {
		return nil
	}
	select {
	case c, ok := <-l.chunks:
		if !ok {
			return l.closedErr()
		}
		l.cur = c
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read fills p from buffered chunks, waiting up to the read timeout for each.
func (l *StreamLink) Read(p []byte) error {
	for len(p) > 0 {
		if len(l.cur) == 0 {
			timer := time.NewTimer(l.timeout)
			select {
			case c, ok := <-l.chunks:
				timer.Stop()
				if !ok {
					return l.closedErr()
				}
				l.cur = c
			case <-timer.C:
				return gdberr.TransportTimeout("stream read", 0)
			}
		}
		n := copy(p, l.cur)
		l.cur = l.cur[n:]
		p = p[n:]
	}
	return nil
}

// Write sends p unchanged.
func (l *StreamLink) Write(p []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	_, err := l.rw.Write(p)
	return err
}
