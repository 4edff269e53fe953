package link

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

const tcpScheme = "tcp://"

// OpenDevice opens the cart endpoint. A tcp://host:port path dials a
// simulated cart and quic://host:port a remote one; anything else is a tty
// opened raw and exclusive.
func OpenDevice(path string) (io.ReadWriteCloser, error) {
	if strings.HasPrefix(path, quicScheme) {
		ctx, cancel := context.WithTimeout(context.Background(), quicDialTimeout)
		defer cancel()
		return DialQUIC(ctx, strings.TrimPrefix(path, quicScheme), ClientTLS())
	}
	if strings.HasPrefix(path, tcpScheme) {
		conn, err := net.Dial("tcp", strings.TrimPrefix(path, tcpScheme))
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", path, err)
		}
		return conn, nil
	}
	return openTTY(path)
}

// WaitForDevice returns once path exists. It watches the parent directory so
// a cart plugged in later is picked up as soon as its node is created.
func WaitForDevice(ctx context.Context, path string) error {
	if strings.HasPrefix(path, tcpScheme) || strings.HasPrefix(path, quicScheme) {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	want := filepath.Clean(path)
	if err := w.Add(filepath.Dir(want)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(want), err)
	}
	// the node may have appeared between the first stat and Add
	if _, err := os.Stat(want); err == nil {
		return nil
	}

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watch %s: watcher closed", want)
			}
			if filepath.Clean(ev.Name) != want {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Chmod) != 0 {
				if _, err := os.Stat(want); err == nil {
					return nil
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("watch %s: watcher closed", want)
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
