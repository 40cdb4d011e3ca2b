package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"

	"github.com/baishicoke/fn-scheduler/internal/config"
)

// Listen opens the control-plane socket: a unix domain socket when a path is
// configured, otherwise TCP. A stale socket file from a previous run is
// unlinked before binding. IPv6 is opt-in; when selected, the socket also
// accepts IPv4 by clearing IPV6_V6ONLY.
func Listen(cfg config.Config) (net.Listener, error) {
	if cfg.UnixSocket != "" {
		if err := os.Remove(cfg.UnixSocket); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket %s: %w", cfg.UnixSocket, err)
		}
		ln, err := net.Listen("unix", cfg.UnixSocket)
		if err != nil {
			return nil, fmt.Errorf("bind unix socket %s: %w", cfg.UnixSocket, err)
		}
		return ln, nil
	}

	if cfg.PreferIPv6 {
		lc := net.ListenConfig{Control: clearV6Only}
		ln, err := lc.Listen(context.Background(), "tcp6", net.JoinHostPort("::", strconv.Itoa(cfg.Port)))
		if err != nil {
			return nil, fmt.Errorf("bind ipv6 port %d: %w", cfg.Port, err)
		}
		return ln, nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("bind %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return ln, nil
}
