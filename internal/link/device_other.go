//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package link

import (
	"fmt"
	"io"
	"runtime"
)

func openTTY(path string) (io.ReadWriteCloser, error) {
	return nil, fmt.Errorf("open %s: serial devices are not supported on %s, use tcp://", path, runtime.GOOS)
}
