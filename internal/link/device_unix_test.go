//go:build linux || darwin || freebsd || netbsd || openbsd

package link

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/pkg/term/termios"
	"golang.org/x/sys/unix"
)

func TestOpenDevice_TTYIsRaw(t *testing.T) {
	ptm, pts, err := termios.Pty()
	if err != nil {
		t.Skipf("no pseudoterminal: %v", err)
	}
	defer ptm.Close()
	name := pts.Name()
	pts.Close()

	dev, err := OpenDevice(name)
	if err != nil {
		t.Fatalf("OpenDevice(%s): %v", name, err)
	}
	defer dev.Close()

	f, ok := dev.(*os.File)
	if !ok {
		t.Fatalf("tty opened as %T, want *os.File", dev)
	}
	var attr unix.Termios
	if err := termios.Tcgetattr(f.Fd(), &attr); err != nil {
		t.Fatalf("Tcgetattr: %v", err)
	}
	if attr.Lflag&(unix.ICANON|unix.ECHO) != 0 {
		t.Errorf("lflag %#x still canonical or echoing", attr.Lflag)
	}

	// raw mode passes a partial line and control bytes through unchanged
	chunk := []byte("DMA@\x04\x00\x00\x03")
	if _, err := ptm.Write(chunk); err != nil {
		t.Fatalf("write master: %v", err)
	}
	got := make([]byte, len(chunk))
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(f, got)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("read tty: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bytes held back by line discipline")
	}
	if string(got) != string(chunk) {
		t.Errorf("read %q, want %q", got, chunk)
	}
}
