package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ultragdb/ultragdb/internal/cli"
	"github.com/ultragdb/ultragdb/internal/debug/gdbserver"
	"github.com/ultragdb/ultragdb/internal/debug/threads"
	"github.com/ultragdb/ultragdb/internal/link"
	"github.com/ultragdb/ultragdb/internal/sim"
)

const (
	entryBase   = 0x80010000
	counterBase = 0x80200000
)

// EntryOf returns where thread id's program is loaded.
func EntryOf(id threads.ID) uint32 { return entryBase + uint32(id)*0x100 }

// CounterOf returns the word thread id increments on every loop.
func CounterOf(id threads.ID) uint32 { return counterBase + uint32(id)*4 }

// Simulator runs the stub against a simulated console and exposes the cart's
// USB side on TCP and optionally QUIC, where ultragdb-proxy connects with
// -device tcp:// or quic://.
type Simulator struct {
	log     *cli.Logger
	console *sim.Console
	cart    *link.SimCart
	hw      *link.EverDrive
	cfg     gdbserver.Config
	tick    time.Duration

	mu      sync.Mutex
	conn    net.Conn
	backlog []byte
}

// maxBacklog bounds target output kept while no host is connected. The proxy
// resyncs on the next frame header when the oldest chunks are cut.
const maxBacklog = 64 << 10

// NewSimulator builds a console with n counter threads.
func NewSimulator(n int, poll, tick time.Duration, log *cli.Logger) (*Simulator, error) {
	if n < 1 {
		return nil, fmt.Errorf("need at least one thread, got %d", n)
	}
	console := sim.NewConsole()
	for i := 1; i <= n; i++ {
		id := threads.ID(i)
		t, err := console.AddThread(id, EntryOf(id), sim.CounterProgram(EntryOf(id)))
		if err != nil {
			return nil, err
		}
		t.Ctx.GPR[28] = uint64(int64(int32(CounterOf(id))))
	}
	cart := link.NewSimCart()
	hw, err := link.NewEverDrive(cart, nil)
	if err != nil {
		return nil, err
	}
	if tick <= 0 {
		tick = time.Millisecond
	}
	return &Simulator{
		log:     log,
		console: console,
		cart:    cart,
		hw:      hw,
		tick:    tick,
		cfg: gdbserver.Config{
			PollInterval: poll,
			Logger:       log,
			EchoToHost:   true,
		},
	}, nil
}

// Run serves hosts on every listener until ctx is done. A host attaching on
// any listener replaces the previous one.
func (s *Simulator) Run(ctx context.Context, listeners ...net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runStub(gctx) })
	g.Go(func() error { return s.runConsole(gctx) })
	g.Go(func() error { return s.pumpToHost(gctx) })
	for _, ln := range listeners {
		g.Go(func() error { return s.accept(gctx, ln) })
	}
	g.Go(func() error {
		<-gctx.Done()
		for _, ln := range listeners {
			ln.Close()
		}
		s.cart.Host().Close()
		s.setConn(nil)
		return nil
	})
	return g.Wait()
}

// runStub keeps a stub session alive; a detached session is replaced by a
// fresh one that announces itself again.
func (s *Simulator) runStub(ctx context.Context) error {
	for {
		sess, err := gdbserver.Init(s.hw, s.console, s.console.IDs(), s.cfg)
		if err != nil {
			return fmt.Errorf("stub init: %w", err)
		}
		if err := sess.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.log.Info("debugger detached after %d ticks, restarting stub", s.console.Ticks())
	}
}

func (s *Simulator) runConsole(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.console.Tick()
		}
	}
}

// pumpToHost forwards what the target sends to the connected client. Output
// produced with no client attached is held for the next one.
func (s *Simulator) pumpToHost(ctx context.Context) error {
	buf := make([]byte, link.ChunkSize)
	host := s.cart.Host()
	for {
		n, err := host.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.mu.Lock()
		conn := s.conn
		if conn == nil {
			s.backlog = append(s.backlog, buf[:n]...)
			if over := len(s.backlog) - maxBacklog; over > 0 {
				// whole chunks only, the proxy reads chunk aligned
				over = (over + link.ChunkSize - 1) / link.ChunkSize * link.ChunkSize
				s.backlog = s.backlog[over:]
			}
		}
		s.mu.Unlock()
		if conn == nil {
			continue
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			s.log.Warn("client write: %v", err)
		}
	}
}

// setConn swaps the attached client, closing the previous one. A new client
// first receives the backlog.
func (s *Simulator) setConn(c net.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = c
	if c == nil || len(s.backlog) == 0 {
		return nil
	}
	_, err := c.Write(s.backlog)
	s.backlog = nil
	return err
}

func (s *Simulator) accept(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.log.Info("host %s connected", conn.RemoteAddr())
		if err := s.setConn(conn); err != nil {
			s.log.Warn("host %s: %v", conn.RemoteAddr(), err)
		}
		if _, err := io.Copy(s.cart.Host(), conn); err != nil && ctx.Err() == nil {
			s.log.Warn("host %s: %v", conn.RemoteAddr(), err)
		}
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
		s.log.Info("host %s disconnected", conn.RemoteAddr())
	}
}
