//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/unetstack.go
//

package tunburst

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

var (
	// ErrProtocolSequence indicates that a [Record] or an [End] arrived
	// before any [Begin]. Use [errors.As] with [*ProtocolSequenceError]
	// to know which message caused the error.
	ErrProtocolSequence = errors.New("message received before begin")

	// ErrUnknownTag indicates a payload whose first byte is not a known tag.
	ErrUnknownTag = errors.New("unknown message tag")

	// ErrMalformedMessage indicates a payload too short for its tag or a
	// [Begin] describing an empty or oversized session.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrRecordOutOfRange indicates a [Record] whose round or sequence
	// number falls outside the current [ReceptionMatrix].
	ErrRecordOutOfRange = errors.New("record out of range")

	// ErrInvalidConfig indicates an invalid benchmark configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrMissingAddress indicates that a required address is missing.
	ErrMissingAddress = errors.New("missing required address")

	// ErrNotIPv4 indicates that an address is not an IPv4 address.
	ErrNotIPv4 = errors.New("not an IPv4 address")

	// ErrPayloadTooLarge indicates a payload that does not fit a datagram.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// ProtocolSequenceError is the error returned when a message that
// requires an active session arrives before any [Begin].
type ProtocolSequenceError struct {
	// Tag is the tag of the offending message.
	Tag MessageTag
}

// Error implements error.
func (err *ProtocolSequenceError) Error() string {
	return fmt.Sprintf("%s: %s", ErrProtocolSequence.Error(), err.Tag.String())
}

// Is allows matching [ErrProtocolSequence] with [errors.Is].
func (err *ProtocolSequenceError) Is(target error) bool {
	return target == ErrProtocolSequence
}

// errorsMap maps gVisor error suffixes to stdlib errors.
//
// See https://github.com/google/gvisor/blob/master/pkg/tcpip/errors.go
//
// See https://github.com/google/gvisor/blob/master/pkg/syserr/netstack.go
var errorsMap = map[string]error{
	"endpoint is closed for receive": net.ErrClosed,
	"endpoint is closed for send":    net.ErrClosed,
	"network is unreachable":         syscall.ENETUNREACH,
	"no route to host":               syscall.EHOSTUNREACH,
	"host is down":                   syscall.EHOSTDOWN,
	"machine is not on the network":  syscall.ENETDOWN,
	"message too long":               syscall.EMSGSIZE,
	"no buffer space available":      syscall.ENOBUFS,
	"operation would block":          syscall.EAGAIN,
	"port is in use":                 syscall.EADDRINUSE,
	"endpoint is in invalid state":   syscall.EINVAL,
}

// errorsRemap maps a gVisor error to a stdlib error.
func errorsRemap(err error) error {
	if err != nil {
		estring := err.Error()
		for suffix, remapped := range errorsMap {
			if strings.HasSuffix(estring, suffix) {
				return remapped
			}
		}
	}
	return err
}
