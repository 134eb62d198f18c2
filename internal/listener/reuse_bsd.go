//go:build darwin || dragonfly || freebsd || netbsd || openbsd

// internal/listener/reuse_bsd.go
package listener

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddrControl sets SO_REUSEADDR before bind. On BSD kernels this does
// not let a second socket take the same unicast address and port.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
