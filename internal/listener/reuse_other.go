//go:build !(darwin || dragonfly || freebsd || netbsd || openbsd)

// internal/listener/reuse_other.go
package listener

import "syscall"

// reuseAddrControl leaves the socket alone. Linux and Windows let two UDP
// sockets with SO_REUSEADDR share a port, which would hide a bind conflict.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
