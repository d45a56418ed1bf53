package bitstream

import (
	"encoding/binary"
	"fmt"
	"time"
)

// NAL unit type codes carried in the low 5 bits of the first payload byte.
const (
	UnitTypeDelta    byte = 1
	UnitTypeKeyframe byte = 5

	lengthPrefixSize = 4
	unitTypeMask     = 0x1f
)

// Unit is one length-prefixed coded access unit. Payload keeps the 4-byte
// length prefix, which is what AVC-configured decoders expect.
type Unit struct {
	Payload    []byte
	Type       byte
	IsKeyframe bool
	PTS        time.Duration
}

// Size returns the unit size without the length prefix.
func (u Unit) Size() int {
	return len(u.Payload) - lengthPrefixSize
}

// IsVCL reports whether the unit carries picture data routed to the decoder.
func (u Unit) IsVCL() bool {
	return u.Type == UnitTypeKeyframe || u.Type == UnitTypeDelta
}

// TruncatedError reports a length prefix that overruns the input buffer.
// Units holds how many well-formed units were recovered before it.
type TruncatedError struct {
	Offset int
	Length uint32
	Size   int
	Units  int
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("truncated unit at offset %d: length=%d, buffer=%d, recovered=%d",
		e.Offset, e.Length, e.Size, e.Units)
}

// Split scans buf for concatenated length-prefixed units. Scanning stops at
// the first malformed prefix; the units found up to that point are returned
// together with a *TruncatedError. An empty buffer yields no units and no error.
func Split(buf []byte, pts time.Duration) ([]Unit, error) {
	var units []Unit

	offset := 0
	for offset < len(buf) {
		remaining := len(buf) - offset

		if remaining < lengthPrefixSize {
			return units, &TruncatedError{Offset: offset, Size: len(buf), Units: len(units)}
		}

		length := binary.BigEndian.Uint32(buf[offset : offset+lengthPrefixSize])

		// uint64 so that a length close to 2^32 cannot wrap the bound check.
		end := uint64(offset) + lengthPrefixSize + uint64(length)
		if length == 0 || end > uint64(len(buf)) {
			return units, &TruncatedError{Offset: offset, Length: length, Size: len(buf), Units: len(units)}
		}

		payload := buf[offset:int(end)]
		typ := payload[lengthPrefixSize] & unitTypeMask

		units = append(units, Unit{
			Payload:    payload,
			Type:       typ,
			IsKeyframe: typ == UnitTypeKeyframe,
			PTS:        pts,
		})

		offset = int(end)
	}

	return units, nil
}

// ByType keys units by their type code. When a type repeats, the last unit wins.
func ByType(units []Unit) map[byte]Unit {
	m := make(map[byte]Unit, len(units))
	for _, u := range units {
		m[u.Type] = u
	}
	return m
}

// HasKeyframe reports whether any of the units is a keyframe.
func HasKeyframe(units []Unit) bool {
	for _, u := range units {
		if u.IsKeyframe {
			return true
		}
	}
	return false
}
