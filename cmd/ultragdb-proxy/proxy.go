package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	semver "github.com/Masterminds/semver/v3"
	"golang.org/x/sync/errgroup"

	"github.com/ultragdb/ultragdb/internal/cli"
	gdberr "github.com/ultragdb/ultragdb/internal/errors"
	"github.com/ultragdb/ultragdb/internal/frame"
	"github.com/ultragdb/ultragdb/internal/link"
	"github.com/ultragdb/ultragdb/internal/rsp"
)

// maxHostFrame bounds the frames the proxy buffers; a full framebuffer
// screenshot fits.
const maxHostFrame = 4 << 20

var errClientGone = errors.New("client disconnected")

// Proxy bridges one GDB client at a time to the cart.
type Proxy struct {
	cfg        *cli.Config
	log        *cli.Logger
	out        io.Writer
	constraint *semver.Constraints

	fromCart chan []byte
	dumpSeq  int
}

// NewProxy validates the configuration.
func NewProxy(cfg *cli.Config, log *cli.Logger) (*Proxy, error) {
	p := &Proxy{
		cfg:      cfg,
		log:      log,
		out:      os.Stdout,
		fromCart: make(chan []byte, 64),
	}
	if cfg.StubVersion != "" {
		c, err := semver.NewConstraint(cfg.StubVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid stub version constraint %q: %w", cfg.StubVersion, err)
		}
		p.constraint = c
	}
	return p, nil
}

// Run opens the device and serves GDB clients until ctx is done.
func (p *Proxy) Run(ctx context.Context) error {
	if p.cfg.WaitForDevice {
		p.log.Info("waiting for %s", p.cfg.Device)
		if err := link.WaitForDevice(ctx, p.cfg.Device); err != nil {
			return err
		}
	}
	dev, err := link.OpenDevice(p.cfg.Device)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", p.cfg.Listen)
	if err != nil {
		dev.Close()
		return fmt.Errorf("listen: %w", err)
	}
	p.log.Info("cart %s, GDB on %s", p.cfg.Device, ln.Addr())
	return p.Serve(ctx, dev, ln)
}

// Serve bridges clients accepted on ln to dev. It closes both when done.
func (p *Proxy) Serve(ctx context.Context, dev io.ReadWriteCloser, ln net.Listener) error {
	sl := link.NewStreamLink(dev, link.DefaultReadTimeout)
	tr := frame.NewTransport(sl)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readCart(gctx, sl, tr) })
	g.Go(func() error { return p.acceptClients(gctx, ln, tr) })
	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		dev.Close()
		return nil
	})
	return g.Wait()
}

// readCart receives every frame from the cart and routes it by type.
func (p *Proxy) readCart(ctx context.Context, sl *link.StreamLink, tr *frame.Transport) error {
	buf := make([]byte, maxHostFrame)
	for {
		if err := sl.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("cart: %w", err)
		}
		for {
			hdr, err := tr.Poll()
			if errors.Is(err, gdberr.ErrNoData) {
				break
			}
			if errors.Is(err, gdberr.ErrTransportTimeout) {
				p.log.Warn("cart: %v", err)
				break
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("cart: %w", err)
			}
			n, err := tr.ReadBody(buf)
			switch {
			case errors.Is(err, gdberr.ErrBadFooter), errors.Is(err, gdberr.ErrBufferTooSmall),
				errors.Is(err, gdberr.ErrTransportTimeout):
				p.log.Warn("dropped %s frame: %v", hdr.Type, err)
				continue
			case err != nil:
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("cart: %w", err)
			}
			p.handleFrame(hdr.Type, buf[:n])
		}
	}
}

func (p *Proxy) handleFrame(typ frame.Type, payload []byte) {
	switch typ {
	case frame.TypeGDB:
		b := append([]byte(nil), payload...)
		select {
		case p.fromCart <- b:
		default:
			p.log.Warn("no GDB client reading, dropped %d bytes", len(b))
		}
	case frame.TypeText:
		text := strings.TrimRight(string(payload), "\n")
		if strings.HasPrefix(text, cli.StubBannerPrefix) {
			v, err := checkBanner(text, p.constraint)
			if err != nil {
				p.log.Warn("%v", err)
				return
			}
			p.log.Info("stub %s attached", v)
			return
		}
		fmt.Fprintf(p.out, "target: %s\n", text)
	case frame.TypeRawBinary, frame.TypeScreenshot:
		p.log.Info("%s frame, %d bytes", typ, len(payload))
		if p.cfg.DumpDir != "" {
			path, err := p.dump(typ, payload)
			if err != nil {
				p.log.Warn("dump %s frame: %v", typ, err)
				return
			}
			p.log.Debug("wrote %s", path)
		}
	default:
		p.log.Warn("unknown %s frame, %d bytes", typ, len(payload))
	}
}

// checkBanner parses the stub announcement and checks its version.
func checkBanner(text string, c *semver.Constraints) (*semver.Version, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(text, cli.StubBannerPrefix))
	v, err := semver.NewVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("unreadable stub banner %q: %w", text, err)
	}
	if c != nil && !c.Check(v) {
		return v, fmt.Errorf("stub version %s does not satisfy %s", v, c)
	}
	return v, nil
}

func (p *Proxy) dump(typ frame.Type, payload []byte) (string, error) {
	if err := os.MkdirAll(p.cfg.DumpDir, 0755); err != nil {
		return "", err
	}
	p.dumpSeq++
	name := fmt.Sprintf("%s-%s-%04d.bin", typ, time.Now().Format("20060102-150405"), p.dumpSeq)
	path := filepath.Join(p.cfg.DumpDir, name)
	return path, os.WriteFile(path, payload, 0644)
}

func (p *Proxy) acceptClients(ctx context.Context, ln net.Listener, tr *frame.Transport) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		p.log.Info("client %s connected", conn.RemoteAddr())
		if err := p.serveClient(ctx, conn, tr); err != nil {
			p.log.Warn("client %s: %v", conn.RemoteAddr(), err)
		}
		p.log.Info("client %s disconnected", conn.RemoteAddr())
	}
}

// serveClient pumps bytes both ways until either side goes away.
func (p *Proxy) serveClient(ctx context.Context, conn net.Conn, tr *frame.Transport) error {
	var once sync.Once
	closeConn := func() { once.Do(func() { conn.Close() }) }
	defer closeConn()

	// replies meant for an earlier client
	for drained := false; !drained; {
		select {
		case <-p.fromCart:
		default:
			drained = true
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		buf := make([]byte, rsp.MaxPacketSize)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if serr := tr.Send(frame.TypeGDB, buf[:n]); serr != nil {
					return serr
				}
			}
			if errors.Is(err, io.EOF) {
				return errClientGone
			}
			if err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case b := <-p.fromCart:
				if _, err := conn.Write(b); err != nil {
					return err
				}
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		closeConn()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, errClientGone) || ctx.Err() != nil {
		return nil
	}
	return err
}
