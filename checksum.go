// SPDX-License-Identifier: GPL-3.0-or-later

package tunburst

import "encoding/binary"

// Checksum computes the 16-bit Internet checksum of data.
//
// The data is summed as big-endian 16-bit words using one's complement
// arithmetic. An odd trailing byte is the high byte of a zero-padded word.
// The result is the one's complement of the sum, so computing the checksum
// over a header whose checksum field is already filled in yields zero.
func Checksum(data []byte) uint16 {
	var sum uint32
	for idx := 0; idx < len(data); idx += 2 {
		if idx+1 < len(data) {
			sum += uint32(binary.BigEndian.Uint16(data[idx:]))
		} else {
			sum += uint32(data[idx]) << 8
		}
		if sum > 0xffff {
			sum = (sum & 0xffff) + 1 // end-around carry
		}
	}
	return ^uint16(sum)
}
