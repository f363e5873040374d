// SPDX-License-Identifier: GPL-3.0-or-later

package tunburst

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// maxMatrixCells bounds the memory a single [Begin] may allocate.
const maxMatrixCells = 1 << 26

// ReceptionMatrix counts how many times each record of a session arrived,
// where zero means lost and more than one means duplicated.
//
// Construct using [NewReceptionMatrix].
type ReceptionMatrix struct {
	cells           []uint32
	packetsPerRound uint32
	roundCount      uint32
}

// NewReceptionMatrix creates a zeroed roundCount by packetsPerRound matrix.
func NewReceptionMatrix(roundCount, packetsPerRound uint32) *ReceptionMatrix {
	return &ReceptionMatrix{
		cells:           make([]uint32, int(roundCount)*int(packetsPerRound)),
		packetsPerRound: packetsPerRound,
		roundCount:      roundCount,
	}
}

// RoundCount returns the number of rounds.
func (m *ReceptionMatrix) RoundCount() uint32 {
	return m.roundCount
}

// PacketsPerRound returns the number of records per round.
func (m *ReceptionMatrix) PacketsPerRound() uint32 {
	return m.packetsPerRound
}

// Count returns how many times the given record arrived. Out of range
// records return zero.
func (m *ReceptionMatrix) Count(round, sequence uint32) uint32 {
	if round >= m.roundCount || sequence >= m.packetsPerRound {
		return 0
	}
	return m.cells[m.index(round, sequence)]
}

// clone returns a deep copy of the matrix.
func (m *ReceptionMatrix) clone() *ReceptionMatrix {
	return &ReceptionMatrix{
		cells:           slices.Clone(m.cells),
		packetsPerRound: m.packetsPerRound,
		roundCount:      m.roundCount,
	}
}

func (m *ReceptionMatrix) index(round, sequence uint32) int {
	return int(round)*int(m.packetsPerRound) + int(sequence)
}

// add counts an arrival of the given record.
func (m *ReceptionMatrix) add(round, sequence uint32) error {
	if round >= m.roundCount || sequence >= m.packetsPerRound {
		return fmt.Errorf("%w: round %d sequence %d outside %dx%d",
			ErrRecordOutOfRange, round, sequence, m.roundCount, m.packetsPerRound)
	}
	m.cells[m.index(round, sequence)]++
	return nil
}

// RoundCounts aggregates the cells of one or more rounds.
type RoundCounts struct {
	// Lost is the number of records that never arrived.
	Lost uint64 `json:"lost"`

	// Received is the number of distinct records that arrived.
	Received uint64 `json:"received"`

	// Duplicates is the number of extra copies of received records.
	Duplicates uint64 `json:"duplicates"`
}

// CountRound aggregates the given round.
//
// This method PANICs if round is out of range.
func (m *ReceptionMatrix) CountRound(round uint32) (counts RoundCounts) {
	start := m.index(round, 0)
	for _, value := range m.cells[start : start+int(m.packetsPerRound)] {
		switch {
		case value == 0:
			counts.Lost++
		default:
			counts.Received++
			counts.Duplicates += uint64(value - 1)
		}
	}
	return
}

// Totals aggregates all the rounds.
func (m *ReceptionMatrix) Totals() (counts RoundCounts) {
	for round := range m.roundCount {
		rc := m.CountRound(round)
		counts.Lost += rc.Lost
		counts.Received += rc.Received
		counts.Duplicates += rc.Duplicates
	}
	return
}

// TimingHistogram maps the elapsed milliseconds stamped into records
// to the number of records carrying them.
type TimingHistogram map[uint32]uint64

// Buckets returns the non-empty buckets in increasing order.
func (h TimingHistogram) Buckets() []uint32 {
	return slices.Sorted(maps.Keys(h))
}

// EffectKind is the kind of an [Effect].
type EffectKind int

// Enumerate the effect kinds.
const (
	// EffectSessionStarted means that a [Begin] started a new session.
	EffectSessionStarted = EffectKind(iota)

	// EffectScheduleRound asks to emit the report of Round after Delay.
	EffectScheduleRound

	// EffectScheduleFinal asks to emit the final report after Delay.
	EffectScheduleFinal
)

// String returns a human readable name for the effect kind.
func (kind EffectKind) String() string {
	switch kind {
	case EffectSessionStarted:
		return "session_started"
	case EffectScheduleRound:
		return "round"
	case EffectScheduleFinal:
		return "final"
	default:
		return fmt.Sprintf("effect(%d)", int(kind))
	}
}

// Effect is an action requested by [*SessionState.Apply].
//
// Deferred effects carry the generation that scheduled them. When they
// fire, they must be discarded if the generation changed meanwhile.
type Effect struct {
	// Kind is the effect kind.
	Kind EffectKind

	// Generation is the session generation when the effect was created.
	Generation uint64

	// Round is the round to report for [EffectScheduleRound].
	Round uint32

	// Delay is the grace period for the scheduled effects.
	Delay time.Duration
}

// Enumerate the grace periods admitting late records before reporting.
const (
	// RoundGracePeriod delays the report of a completed round.
	RoundGracePeriod = 100 * time.Millisecond

	// FinalGracePeriod delays the final report after an [End].
	FinalGracePeriod = 500 * time.Millisecond
)

// SessionInfo describes the current session of a [*SessionState].
type SessionInfo struct {
	// ID is the unique session ID.
	ID string `json:"id"`

	// Generation is the generation of the session.
	Generation uint64 `json:"generation"`

	// RoundCount is the number of rounds announced by [Begin].
	RoundCount uint32 `json:"round_count"`

	// PacketsPerRound is the number of records announced by [Begin].
	PacketsPerRound uint32 `json:"packets_per_round"`

	// PayloadSize is the expected record payload size.
	PayloadSize int `json:"payload_size"`

	// Start is when the [Begin] arrived.
	Start time.Time `json:"start"`
}

// RoundReport contains the statistics of a round.
type RoundReport struct {
	// Session is the session the round belongs to.
	Session SessionInfo `json:"session"`

	// Round is the zero-based round number.
	Round uint32 `json:"round"`

	// RoundCounts contains the counts.
	RoundCounts

	// LossPercent is the percentage of records lost.
	LossPercent float64 `json:"loss_percent"`

	// Throughput is the rate at which the round was sent in bits per second.
	Throughput float64 `json:"throughput"`
}

// FinalReport contains the statistics of a whole session.
type FinalReport struct {
	// Session is the session being reported.
	Session SessionInfo `json:"session"`

	// LastRound is the report of the last round.
	LastRound RoundReport `json:"last_round"`

	// RoundCounts contains the counts over all rounds.
	RoundCounts

	// Total is the number of records the sender announced.
	Total uint64 `json:"total"`

	// LossPercent is the percentage of records lost.
	LossPercent float64 `json:"loss_percent"`

	// Elapsed is the time between the [Begin] and the report.
	Elapsed time.Duration `json:"elapsed"`

	// Throughput is the measured rate in bits per second.
	Throughput float64 `json:"throughput"`

	// Histogram is the session [TimingHistogram].
	Histogram TimingHistogram `json:"histogram"`

	// Matrix is the session [*ReceptionMatrix].
	Matrix *ReceptionMatrix `json:"-"`
}

// SessionState is the receive-side state machine of the benchmark. It is
// a pure transition function: timers and output are left to the caller,
// which executes the returned effects. See [*Collector].
//
// The state starts uninitialized: [Record] and [End] fail with
// [*ProtocolSequenceError] until the first [Begin]. After an [End], the
// session is no longer active but its data is kept until the next [Begin].
//
// Construct using [NewSessionState]. Not safe for concurrent use.
type SessionState struct {
	active      bool
	current     uint32
	generation  uint64
	histogram   TimingHistogram
	info        SessionInfo
	matrix      *ReceptionMatrix
	newID       func() string
	payloadSize int
	start       time.Time
}

// NewSessionState creates an uninitialized [*SessionState] for records of
// the given payload size.
func NewSessionState(payloadSize int) *SessionState {
	return &SessionState{
		newID:       uuid.NewString,
		payloadSize: payloadSize,
	}
}

// Apply applies msg, which arrived at now, and returns the effects to execute.
//
// On error, the state is not modified.
func (s *SessionState) Apply(msg Message, now time.Time) ([]Effect, error) {
	switch msg := msg.(type) {
	case Begin:
		return s.begin(msg, now)

	case Record:
		return s.record(msg)

	case End:
		return s.end()

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownTag, msg)
	}
}

func (s *SessionState) begin(msg Begin, now time.Time) ([]Effect, error) {
	// 1. refuse sessions we cannot represent
	if msg.RoundCount == 0 || msg.PacketsPerRound == 0 {
		return nil, fmt.Errorf("%w: begin with %d rounds of %d records",
			ErrMalformedMessage, msg.RoundCount, msg.PacketsPerRound)
	}
	if uint64(msg.RoundCount)*uint64(msg.PacketsPerRound) > maxMatrixCells {
		return nil, fmt.Errorf("%w: begin with %dx%d matrix exceeds %d cells",
			ErrMalformedMessage, msg.RoundCount, msg.PacketsPerRound, maxMatrixCells)
	}

	// 2. start a new generation with fresh data structures
	s.generation++
	s.matrix = NewReceptionMatrix(msg.RoundCount, msg.PacketsPerRound)
	s.histogram = TimingHistogram{}
	s.current = 0
	s.start = now
	s.active = true
	s.info = SessionInfo{
		ID:              s.newID(),
		Generation:      s.generation,
		RoundCount:      msg.RoundCount,
		PacketsPerRound: msg.PacketsPerRound,
		PayloadSize:     s.payloadSize,
		Start:           now,
	}
	return []Effect{{Kind: EffectSessionStarted, Generation: s.generation}}, nil
}

func (s *SessionState) record(msg Record) ([]Effect, error) {
	// 1. make sure there is a session
	if s.matrix == nil {
		return nil, &ProtocolSequenceError{Tag: TagRecord}
	}

	// 2. count the record
	if err := s.matrix.add(msg.Round, msg.Sequence); err != nil {
		return nil, err
	}
	s.histogram[msg.ElapsedMs]++

	// 3. a record of a later round completes the tracked round
	//
	// Records straggling after the End still count but do not schedule
	// reports because the final report covers all rounds.
	if !s.active || msg.Round <= s.current {
		return nil, nil
	}
	effect := Effect{
		Kind:       EffectScheduleRound,
		Generation: s.generation,
		Round:      s.current,
		Delay:      RoundGracePeriod,
	}
	s.current = msg.Round
	return []Effect{effect}, nil
}

func (s *SessionState) end() ([]Effect, error) {
	if s.matrix == nil {
		return nil, &ProtocolSequenceError{Tag: TagEnd}
	}
	if !s.active {
		return nil, nil // duplicate
	}
	s.active = false
	return []Effect{{Kind: EffectScheduleFinal, Generation: s.generation, Delay: FinalGracePeriod}}, nil
}

// Generation returns the current generation. Zero means uninitialized.
func (s *SessionState) Generation() uint64 {
	return s.generation
}

// Active returns whether a session started and did not end yet.
func (s *SessionState) Active() bool {
	return s.active
}

// CurrentRound returns the highest round seen in the current session.
func (s *SessionState) CurrentRound() uint32 {
	return s.current
}

// Info returns information about the current session.
func (s *SessionState) Info() SessionInfo {
	return s.info
}

// RoundReport computes the report of the given round of the current session.
//
// This method PANICs when uninitialized or when round is out of range.
func (s *SessionState) RoundReport(round uint32) RoundReport {
	counts := s.matrix.CountRound(round)
	ppr := s.matrix.PacketsPerRound()
	return RoundReport{
		Session:     s.info,
		Round:       round,
		RoundCounts: counts,
		LossPercent: 100 * float64(counts.Lost) / float64(ppr),
		Throughput:  float64(ppr) * float64(s.payloadSize) * 8,
	}
}

// FinalReport computes the report of the current session at now.
//
// The report owns copies of the matrix and of the histogram, so records
// handled afterwards do not change it.
//
// This method PANICs when uninitialized.
func (s *SessionState) FinalReport(now time.Time) FinalReport {
	totals := s.matrix.Totals()
	total := uint64(s.matrix.RoundCount()) * uint64(s.matrix.PacketsPerRound())
	elapsed := now.Sub(s.start)
	var throughput float64
	if elapsed > 0 {
		throughput = float64(totals.Received) * float64(s.payloadSize) * 8 / elapsed.Seconds()
	}
	return FinalReport{
		Session:     s.info,
		LastRound:   s.RoundReport(s.matrix.RoundCount() - 1),
		RoundCounts: totals,
		Total:       total,
		LossPercent: 100 * float64(totals.Lost) / float64(total),
		Elapsed:     elapsed,
		Throughput:  throughput,
		Histogram:   maps.Clone(s.histogram),
		Matrix:      s.matrix.clone(),
	}
}
