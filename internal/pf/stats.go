package pf

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// Counters is the mutable accounting block of a committed rule. All
// updates are atomic; values wrap on overflow.
type Counters struct {
	evaluations atomic.Uint64
	packets     [2]atomic.Uint64
	bytes       [2]atomic.Uint64
}

// Record accounts one matching packet of length n travelling in dir.
func (c *Counters) Record(dir Direction, n uint64) {
	i := dir.Index()
	c.evaluations.Add(1)
	c.packets[i].Add(1)
	c.bytes[i].Add(n)
}

// Clear resets all counters to zero.
func (c *Counters) Clear() {
	c.evaluations.Store(0)
	for i := range c.packets {
		c.packets[i].Store(0)
		c.bytes[i].Store(0)
	}
}

// Snapshot copies the current values.
func (c *Counters) Snapshot() RuleStats {
	if c == nil {
		return RuleStats{}
	}
	return RuleStats{
		Evaluations: c.evaluations.Load(),
		PacketIn:    c.packets[0].Load(),
		PacketOut:   c.packets[1].Load(),
		BytesIn:     c.bytes[0].Load(),
		BytesOut:    c.bytes[1].Load(),
	}
}

// restore loads previously encoded values, used when decoding a rule.
func (c *Counters) restore(s RuleStats) {
	c.evaluations.Store(s.Evaluations)
	c.packets[0].Store(s.PacketIn)
	c.packets[1].Store(s.PacketOut)
	c.bytes[0].Store(s.BytesIn)
	c.bytes[1].Store(s.BytesOut)
}

// RuleStats contains useful pf rule statistics.
type RuleStats struct {
	Evaluations         uint64
	PacketIn, PacketOut uint64
	BytesIn, BytesOut   uint64
}

// RuleStatsSize is the encoded size of RuleStats.
const RuleStatsSize = 40

// Packets returns the total packet count.
func (s RuleStats) Packets() uint64 { return s.PacketIn + s.PacketOut }

// Bytes returns the total byte count.
func (s RuleStats) Bytes() uint64 { return s.BytesIn + s.BytesOut }

// AppendBinary appends the evaluations, packets[2] and bytes[2] layout.
func (s RuleStats) AppendBinary(b []byte) ([]byte, error) {
	b = binary.BigEndian.AppendUint64(b, s.Evaluations)
	b = binary.BigEndian.AppendUint64(b, s.PacketIn)
	b = binary.BigEndian.AppendUint64(b, s.PacketOut)
	b = binary.BigEndian.AppendUint64(b, s.BytesIn)
	b = binary.BigEndian.AppendUint64(b, s.BytesOut)
	return b, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (s RuleStats) MarshalBinary() ([]byte, error) {
	return s.AppendBinary(make([]byte, 0, RuleStatsSize))
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (s *RuleStats) UnmarshalBinary(b []byte) error {
	if len(b) < RuleStatsSize {
		return fmt.Errorf("%w: rule stats need %d bytes, have %d", ErrShortBuffer, RuleStatsSize, len(b))
	}
	s.Evaluations = binary.BigEndian.Uint64(b[0:])
	s.PacketIn = binary.BigEndian.Uint64(b[8:])
	s.PacketOut = binary.BigEndian.Uint64(b[16:])
	s.BytesIn = binary.BigEndian.Uint64(b[24:])
	s.BytesOut = binary.BigEndian.Uint64(b[32:])
	return nil
}
