package utils

import (
	"sync"
	"time"
)

// SequenceUnwrapper extends a wrapping unsigned counter of a fixed bit width
// (RTP sequence numbers, RTP timestamps) into a monotonic int64 sequence.
type SequenceUnwrapper struct {
	m           sync.Mutex
	modulus     int64
	highest     int64
	last        int64
	started     bool
	wrapArounds int
}

func NewSequenceUnwrapper(base int) *SequenceUnwrapper {
	return &SequenceUnwrapper{modulus: 1 << uint64(base)}
}

// Unwrap maps n to the value closest to the highest one seen so far, for
// example with NewSequenceUnwrapper(16):
// Unwrap(65534) == 65534
// Unwrap(65535) == 65535
// Unwrap(0) == 65536
// Unwrap(65535) == 65535 (late packet from before the wrap)
// Unwrap(1) == 65537
func (sw *SequenceUnwrapper) Unwrap(n uint64) int64 {
	sw.m.Lock()
	defer sw.m.Unlock()

	v := int64(n) & (sw.modulus - 1)

	if !sw.started {
		sw.started = true
		sw.highest = v
		sw.last = v
		return v
	}

	// Place v in the cycle of the highest value, then move one cycle forward
	// or backward when the distance is more than half a cycle.
	base := sw.highest - sw.highest%sw.modulus
	candidate := base + v
	half := sw.modulus / 2

	switch {
	case candidate-sw.highest > half && candidate-sw.modulus >= 0:
		candidate -= sw.modulus
	case sw.highest-candidate > half:
		candidate += sw.modulus
	}

	if candidate > sw.highest {
		if candidate/sw.modulus > sw.highest/sw.modulus {
			sw.wrapArounds++
		}
		sw.highest = candidate
	}
	sw.last = candidate

	return candidate
}

// Last returns the value returned by the latest Unwrap call.
func (sw *SequenceUnwrapper) Last() int64 {
	sw.m.Lock()
	defer sw.m.Unlock()
	return sw.last
}

func (sw *SequenceUnwrapper) WrapArounds() int {
	sw.m.Lock()
	defer sw.m.Unlock()
	return sw.wrapArounds
}

func (sw *SequenceUnwrapper) Reset() {
	sw.m.Lock()
	defer sw.m.Unlock()
	sw.started = false
	sw.highest = 0
	sw.last = 0
	sw.wrapArounds = 0
}

// TimestampUnwrapper turns 32-bit media clock timestamps into presentation
// times relative to the first timestamp seen.
type TimestampUnwrapper struct {
	unwrapper *SequenceUnwrapper
	clockRate uint32
	first     int64
	started   bool
	m         sync.Mutex
}

func NewTimestampUnwrapper(clockRate uint32) *TimestampUnwrapper {
	return &TimestampUnwrapper{
		unwrapper: NewSequenceUnwrapper(32),
		clockRate: clockRate,
	}
}

func (tu *TimestampUnwrapper) Unwrap(ts uint32) time.Duration {
	v := tu.unwrapper.Unwrap(uint64(ts))

	tu.m.Lock()
	defer tu.m.Unlock()

	if !tu.started {
		tu.started = true
		tu.first = v
	}

	if tu.clockRate == 0 {
		return 0
	}

	ticks := v - tu.first
	rate := int64(tu.clockRate)
	return time.Duration(ticks/rate)*time.Second + time.Duration(ticks%rate)*time.Second/time.Duration(rate)
}

func (tu *TimestampUnwrapper) Reset() {
	tu.unwrapper.Reset()

	tu.m.Lock()
	defer tu.m.Unlock()
	tu.started = false
	tu.first = 0
}
