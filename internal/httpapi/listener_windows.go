//go:build windows

package httpapi

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// clearV6Only disables IPV6_V6ONLY so an IPv6 listener also serves IPv4
// clients over mapped addresses.
func clearV6Only(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_IPV6, windows.IPV6_V6ONLY, 0)
	}); err != nil {
		return err
	}
	return sockErr
}
