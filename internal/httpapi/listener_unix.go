//go:build !windows

package httpapi

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// clearV6Only disables IPV6_V6ONLY so an IPv6 listener also serves IPv4
// clients over mapped addresses.
func clearV6Only(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	}); err != nil {
		return err
	}
	return sockErr
}
