//go:build linux
// +build linux

package siderconn

import (
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// controlSocket tunes the raw socket before connect. TCP_NODELAY is set
// portably after the dial; TCP_QUICKACK only exists on linux and shaves the
// delayed-ack pause off the pipelined request/reply turnaround.
func controlSocket(network, address string, c syscall.RawConn) error {
	if !strings.HasPrefix(network, "tcp") {
		return nil
	}
	return c.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
		unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	})
}
