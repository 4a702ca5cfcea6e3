// Package record holds the shared data model for fetched chat messages:
// the identifier space being crawled and the immutable Record that flows
// from the shard coordinator through the pipeline to the sink.
package record

import (
	"encoding/binary"
	"fmt"
	"time"
)

// IDSpace is a contiguous half-open range [Low, High) of message identifiers.
// Records exist sparsely within it. High only ever grows as new messages
// appear upstream.
type IDSpace struct {
	Low  uint64
	High uint64
}

// Size returns the number of identifiers in the space.
func (s IDSpace) Size() uint64 {
	if s.High <= s.Low {
		return 0
	}
	return s.High - s.Low
}

// Contains reports whether id lies within the space.
func (s IDSpace) Contains(id uint64) bool {
	return id >= s.Low && id < s.High
}

// Extend grows the upper bound. Shrinking is not allowed.
func (s *IDSpace) Extend(high uint64) {
	if high > s.High {
		s.High = high
	}
}

// Validate checks that the space is well formed.
func (s IDSpace) Validate() error {
	if s.High < s.Low {
		return fmt.Errorf("invalid id space: high %d < low %d", s.High, s.Low)
	}
	return nil
}

// Record is a single fetched message. Immutable once fetched: it is owned by
// the chunk that fetched it until merged, then by the pipeline.
type Record struct {
	// ID is the message identifier, unique and ascending within a space.
	ID uint64
	// Timestamp is the message creation time.
	Timestamp time.Time
	// OriginID identifies the sender entity, resolvable via ResolveBatch.
	OriginID uint64
	// Payload is the opaque serialized message body.
	Payload []byte
	// MediaRefs are opaque references to attached media, if any.
	MediaRefs []string
}

const (
	// maxPayloadLen bounds a single decoded payload to guard against
	// corrupt spill files.
	maxPayloadLen = 64 << 20
	// maxMediaRefs bounds the media reference count per record.
	maxMediaRefs = 1 << 16
)

// AppendBinary appends the record in a fixed little-endian framing used by
// spill files and snapshots:
//
//	[id u64][unixnano i64][origin u64][payload u32+bytes][nrefs u16]{[len u16][bytes]}
func (r *Record) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, r.ID)
	b = binary.LittleEndian.AppendUint64(b, uint64(r.Timestamp.UnixNano()))
	b = binary.LittleEndian.AppendUint64(b, r.OriginID)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(r.Payload)))
	b = append(b, r.Payload...)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(r.MediaRefs)))
	for _, ref := range r.MediaRefs {
		b = binary.LittleEndian.AppendUint16(b, uint16(len(ref)))
		b = append(b, ref...)
	}
	return b
}

// DecodeBinary decodes one record from b and returns the remaining bytes.
func DecodeBinary(b []byte) (Record, []byte, error) {
	var r Record
	if len(b) < 8+8+8+4 {
		return r, nil, fmt.Errorf("record header truncated: %d bytes", len(b))
	}
	r.ID = binary.LittleEndian.Uint64(b)
	r.Timestamp = time.Unix(0, int64(binary.LittleEndian.Uint64(b[8:])))
	r.OriginID = binary.LittleEndian.Uint64(b[16:])
	plen := binary.LittleEndian.Uint32(b[24:])
	b = b[28:]
	if plen > maxPayloadLen || int(plen) > len(b) {
		return r, nil, fmt.Errorf("record payload length %d out of range", plen)
	}
	if plen > 0 {
		r.Payload = append([]byte(nil), b[:plen]...)
	}
	b = b[plen:]
	if len(b) < 2 {
		return r, nil, fmt.Errorf("record media count truncated")
	}
	nrefs := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	if nrefs > maxMediaRefs {
		return r, nil, fmt.Errorf("record media count %d out of range", nrefs)
	}
	for i := 0; i < nrefs; i++ {
		if len(b) < 2 {
			return r, nil, fmt.Errorf("media ref length truncated")
		}
		rlen := int(binary.LittleEndian.Uint16(b))
		b = b[2:]
		if rlen > len(b) {
			return r, nil, fmt.Errorf("media ref truncated: want %d have %d", rlen, len(b))
		}
		r.MediaRefs = append(r.MediaRefs, string(b[:rlen]))
		b = b[rlen:]
	}
	return r, b, nil
}

// EncodeSlice encodes records back to back, prefixed with a u32 count.
func EncodeSlice(recs []Record) []byte {
	b := binary.LittleEndian.AppendUint32(nil, uint32(len(recs)))
	for i := range recs {
		b = recs[i].AppendBinary(b)
	}
	return b
}

// DecodeSlice decodes a buffer produced by EncodeSlice.
func DecodeSlice(b []byte) ([]Record, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("record slice header truncated")
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	recs := make([]Record, 0, n)
	for i := uint32(0); i < n; i++ {
		rec, rest, err := DecodeBinary(b)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		recs = append(recs, rec)
		b = rest
	}
	return recs, nil
}
