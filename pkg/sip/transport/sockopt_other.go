//go:build !linux && !darwin

package transport

import (
	"syscall"
)

// socketControl на прочих платформах опции не меняет
func socketControl(Config) func(network, address string, c syscall.RawConn) error {
	return nil
}
