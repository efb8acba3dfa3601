//go:build linux || darwin

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// socketControl применяет опции сокета до bind
func socketControl(config Config) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			if config.ReuseAddr {
				if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
					return
				}
			}
			if config.DSCP > 0 {
				// DSCP в старших 6 битах TOS; на IPv6 сокете может не поддерживаться
				_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, config.DSCP<<2)
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
