// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !unix

package tunburst

// setSocketBuffers keeps the OS defaults on this platform.
func setSocketBuffers(fd uintptr, size int) error {
	return nil
}
