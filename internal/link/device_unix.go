//go:build linux || darwin || freebsd || netbsd || openbsd

package link

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/term/termios"
	"golang.org/x/sys/unix"
)

func openTTY(path string) (io.ReadWriteCloser, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	fd := f.Fd()

	// one proxy per cart; a second opener gets EBUSY
	if err := unix.IoctlSetInt(int(fd), unix.TIOCEXCL, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	var attr unix.Termios
	if err := termios.Tcgetattr(fd, &attr); err != nil {
		f.Close()
		return nil, fmt.Errorf("tcgetattr %s: %w", path, err)
	}
	termios.Cfmakeraw(&attr)
	if err := termios.Tcsetattr(fd, termios.TCSANOW, &attr); err != nil {
		f.Close()
		return nil, fmt.Errorf("tcsetattr %s: %w", path, err)
	}
	if err := termios.Tcflush(fd, unix.TCIOFLUSH); err != nil {
		f.Close()
		return nil, fmt.Errorf("flush %s: %w", path, err)
	}
	return f, nil
}
