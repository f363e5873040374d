// SPDX-License-Identifier: GPL-3.0-or-later

//go:build unix

package tunburst

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// setSocketBuffers sets the receive and send buffer sizes of fd.
func setSocketBuffers(fd uintptr, size int) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size); err != nil {
		return fmt.Errorf("setsockopt SO_RCVBUF: %w", err)
	}
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, size); err != nil {
		return fmt.Errorf("setsockopt SO_SNDBUF: %w", err)
	}
	return nil
}
