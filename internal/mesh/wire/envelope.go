// Package wire hand-encodes the pressure-gossip envelope exchanged
// between infernod processes using the protobuf wire format directly,
// the way a tight embedded protocol avoids generated-code overhead
// while staying wire-compatible with anything that knows the field
// numbers below.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for the PressureSnapshot wire message.
const (
	fieldPeerID      = 1 // string
	fieldPressure    = 2 // varint (governor.Pressure)
	fieldWorkerCount = 3 // varint
	fieldAllocatedMB = 4 // varint
	fieldLimitMB     = 5 // varint
	fieldObservedAt  = 6 // varint, unix nanoseconds
)

// Snapshot is one peer's self-reported pool-pressure telemetry, gossiped
// read-only across the mesh; it never carries dispatch instructions.
type Snapshot struct {
	PeerID      string
	Pressure    int32
	WorkerCount int32
	AllocatedMB uint64
	LimitMB     uint64
	ObservedAt  int64
}

// Marshal encodes s as a protobuf wire message.
func Marshal(s Snapshot) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPeerID, protowire.BytesType)
	b = protowire.AppendString(b, s.PeerID)
	b = protowire.AppendTag(b, fieldPressure, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(s.Pressure)))
	b = protowire.AppendTag(b, fieldWorkerCount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(s.WorkerCount)))
	b = protowire.AppendTag(b, fieldAllocatedMB, protowire.VarintType)
	b = protowire.AppendVarint(b, s.AllocatedMB)
	b = protowire.AppendTag(b, fieldLimitMB, protowire.VarintType)
	b = protowire.AppendVarint(b, s.LimitMB)
	b = protowire.AppendTag(b, fieldObservedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.ObservedAt))
	return b
}

// Unmarshal decodes a Snapshot previously produced by Marshal, skipping
// any field number it doesn't recognize so the envelope can grow new
// fields without breaking older peers.
func Unmarshal(data []byte) (Snapshot, error) {
	var s Snapshot
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Snapshot{}, fmt.Errorf("mesh/wire: malformed tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldPeerID:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Snapshot{}, fmt.Errorf("mesh/wire: malformed peer_id: %w", protowire.ParseError(n))
			}
			s.PeerID = v
			data = data[n:]
		case fieldPressure:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Snapshot{}, fmt.Errorf("mesh/wire: malformed pressure: %w", protowire.ParseError(n))
			}
			s.Pressure = int32(v)
			data = data[n:]
		case fieldWorkerCount:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Snapshot{}, fmt.Errorf("mesh/wire: malformed worker_count: %w", protowire.ParseError(n))
			}
			s.WorkerCount = int32(v)
			data = data[n:]
		case fieldAllocatedMB:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Snapshot{}, fmt.Errorf("mesh/wire: malformed allocated_mb: %w", protowire.ParseError(n))
			}
			s.AllocatedMB = v
			data = data[n:]
		case fieldLimitMB:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Snapshot{}, fmt.Errorf("mesh/wire: malformed limit_mb: %w", protowire.ParseError(n))
			}
			s.LimitMB = v
			data = data[n:]
		case fieldObservedAt:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Snapshot{}, fmt.Errorf("mesh/wire: malformed observed_at: %w", protowire.ParseError(n))
			}
			s.ObservedAt = int64(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Snapshot{}, fmt.Errorf("mesh/wire: malformed unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return s, nil
}
