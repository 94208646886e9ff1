//go:build !linux
// +build !linux

package siderconn

import "syscall"

func controlSocket(network, address string, c syscall.RawConn) error {
	return nil
}
