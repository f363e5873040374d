// SPDX-License-Identifier: GPL-3.0-or-later

package tunburst

import (
	"encoding/binary"
	"fmt"
)

// MessageTag is the first byte of every benchmark payload.
type MessageTag uint8

// Enumerate the message tags.
const (
	// TagBegin identifies a [Begin] message.
	TagBegin = MessageTag(0)

	// TagRecord identifies a [Record] message.
	TagRecord = MessageTag(1)

	// TagEnd identifies an [End] message.
	TagEnd = MessageTag(2)
)

// String returns a human readable name for the tag.
func (tag MessageTag) String() string {
	switch tag {
	case TagBegin:
		return "begin"
	case TagRecord:
		return "record"
	case TagEnd:
		return "end"
	default:
		return fmt.Sprintf("tag(%d)", uint8(tag))
	}
}

// Enumerate the wire sizes of the messages.
const (
	// BeginSize is the size of an encoded [Begin].
	BeginSize = 9

	// RecordHeaderSize is the size of an encoded [Record] before filler.
	RecordHeaderSize = 13

	// EndSize is the size of an encoded [End].
	EndSize = 1
)

// fillerByte is the byte used to pad records up to the payload size.
const fillerByte = 0xaa

// Message is one of [Begin], [Record] or [End].
type Message interface {
	// Tag returns the message tag.
	Tag() MessageTag
}

// Begin announces a measurement session.
type Begin struct {
	// RoundCount is the number of rounds the sender will send.
	RoundCount uint32

	// PacketsPerRound is the number of records in each round.
	PacketsPerRound uint32
}

// Tag implements [Message].
func (Begin) Tag() MessageTag {
	return TagBegin
}

// AppendBinary appends the encoded message to buf.
func (m Begin) AppendBinary(buf []byte) ([]byte, error) {
	buf = append(buf, byte(TagBegin))
	buf = binary.BigEndian.AppendUint32(buf, m.RoundCount)
	buf = binary.BigEndian.AppendUint32(buf, m.PacketsPerRound)
	return buf, nil
}

// Record is a sequence-stamped data message.
type Record struct {
	// Round is the zero-based round number.
	Round uint32

	// Sequence is the zero-based sequence number within the round.
	Sequence uint32

	// ElapsedMs is the time since the round started when the record
	// was stamped, in milliseconds.
	ElapsedMs uint32
}

// Tag implements [Message].
func (Record) Tag() MessageTag {
	return TagRecord
}

// Put stamps the record header into the first [RecordHeaderSize] bytes
// of buf, leaving the rest of buf untouched.
//
// This method PANICs if buf is shorter than [RecordHeaderSize].
func (m Record) Put(buf []byte) {
	_ = buf[RecordHeaderSize-1]
	buf[0] = byte(TagRecord)
	binary.BigEndian.PutUint32(buf[1:], m.Round)
	binary.BigEndian.PutUint32(buf[5:], m.Sequence)
	binary.BigEndian.PutUint32(buf[9:], m.ElapsedMs)
}

// End closes a measurement session.
type End struct{}

// Tag implements [Message].
func (End) Tag() MessageTag {
	return TagEnd
}

// AppendBinary appends the encoded message to buf.
func (End) AppendBinary(buf []byte) ([]byte, error) {
	return append(buf, byte(TagEnd)), nil
}

// ParseMessage parses a benchmark payload.
//
// Trailing bytes after a [Begin] or a [Record] are ignored, which allows
// records to carry filler up to the configured payload size.
func ParseMessage(payload []byte) (Message, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedMessage)
	}
	switch tag := MessageTag(payload[0]); tag {
	case TagBegin:
		if len(payload) < BeginSize {
			return nil, fmt.Errorf("%w: begin with %d bytes", ErrMalformedMessage, len(payload))
		}
		return Begin{
			RoundCount:      binary.BigEndian.Uint32(payload[1:]),
			PacketsPerRound: binary.BigEndian.Uint32(payload[5:]),
		}, nil

	case TagRecord:
		if len(payload) < RecordHeaderSize {
			return nil, fmt.Errorf("%w: record with %d bytes", ErrMalformedMessage, len(payload))
		}
		return Record{
			Round:     binary.BigEndian.Uint32(payload[1:]),
			Sequence:  binary.BigEndian.Uint32(payload[5:]),
			ElapsedMs: binary.BigEndian.Uint32(payload[9:]),
		}, nil

	case TagEnd:
		return End{}, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, uint8(tag))
	}
}
