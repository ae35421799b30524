// pkg/inbetweenies/clock.go
package inbetweenies

import (
	"sort"
	"strconv"
	"strings"
)

// ClockRelation is the outcome of comparing two vector clocks.
type ClockRelation int

const (
	ClockEqual ClockRelation = iota
	ClockBefore
	ClockAfter
	ClockConcurrent
)

// String returns a human-readable name for the relation.
func (r ClockRelation) String() string {
	switch r {
	case ClockEqual:
		return "equal"
	case ClockBefore:
		return "before"
	case ClockAfter:
		return "after"
	case ClockConcurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// VectorClock maps device ids to counters. Counters travel as opaque
// decimal strings so the wire format never wraps; ordering compares
// string length first and falls back to a byte comparison, which for
// unpadded decimal digits matches numeric order. A missing device key
// counts as zero.
type VectorClock struct {
	Clocks map[string]string `json:"clocks"`
}

// NewVectorClock returns an empty clock.
func NewVectorClock() VectorClock {
	return VectorClock{Clocks: make(map[string]string)}
}

// Counter returns the counter for a device, "0" when absent.
func (vc VectorClock) Counter(deviceID string) string {
	if vc.Clocks == nil {
		return "0"
	}
	c, ok := vc.Clocks[deviceID]
	if !ok || c == "" {
		return "0"
	}
	return c
}

// Set records a counter for a device, allocating the map if needed.
func (vc *VectorClock) Set(deviceID, counter string) {
	if vc.Clocks == nil {
		vc.Clocks = make(map[string]string)
	}
	vc.Clocks[deviceID] = counter
}

// Advance increments the device's own counter by one and returns the
// new counter value.
func (vc *VectorClock) Advance(deviceID string) string {
	next := IncrementCounter(vc.Counter(deviceID))
	vc.Set(deviceID, next)
	return next
}

// Observe raises the device's counter to at least the given value.
func (vc *VectorClock) Observe(deviceID, counter string) {
	if CompareCounters(counter, vc.Counter(deviceID)) > 0 {
		vc.Set(deviceID, counter)
	}
}

// Compare classifies this clock against another: Before iff every
// entry is <= the other's and at least one is strictly less, After for
// the symmetric case, Equal when all entries match, and Concurrent
// when each clock has seen something the other has not.
func (vc VectorClock) Compare(other VectorClock) ClockRelation {
	less, greater := false, false
	for _, dev := range unionDevices(vc, other) {
		switch c := CompareCounters(vc.Counter(dev), other.Counter(dev)); {
		case c < 0:
			less = true
		case c > 0:
			greater = true
		}
	}
	switch {
	case less && greater:
		return ClockConcurrent
	case less:
		return ClockBefore
	case greater:
		return ClockAfter
	default:
		return ClockEqual
	}
}

// Merge returns the element-wise maximum of the two clocks.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := NewVectorClock()
	for _, dev := range unionDevices(vc, other) {
		a, b := vc.Counter(dev), other.Counter(dev)
		if CompareCounters(a, b) >= 0 {
			out.Clocks[dev] = a
		} else {
			out.Clocks[dev] = b
		}
	}
	return out
}

// Clone returns an independent copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	out := NewVectorClock()
	for dev, c := range vc.Clocks {
		out.Clocks[dev] = c
	}
	return out
}

// IsZero reports whether the clock carries no knowledge at all.
func (vc VectorClock) IsZero() bool {
	for _, c := range vc.Clocks {
		if CompareCounters(c, "0") > 0 {
			return false
		}
	}
	return true
}

// Devices returns the device ids present in the clock, sorted.
func (vc VectorClock) Devices() []string {
	out := make([]string, 0, len(vc.Clocks))
	for dev := range vc.Clocks {
		out = append(out, dev)
	}
	sort.Strings(out)
	return out
}

func unionDevices(a, b VectorClock) []string {
	seen := make(map[string]struct{}, len(a.Clocks)+len(b.Clocks))
	out := make([]string, 0, len(a.Clocks)+len(b.Clocks))
	for dev := range a.Clocks {
		if _, ok := seen[dev]; !ok {
			seen[dev] = struct{}{}
			out = append(out, dev)
		}
	}
	for dev := range b.Clocks {
		if _, ok := seen[dev]; !ok {
			seen[dev] = struct{}{}
			out = append(out, dev)
		}
	}
	sort.Strings(out)
	return out
}

// CompareCounters orders two counter strings numerically: shorter
// decimal strings order first, equal lengths fall back to a byte
// comparison. Empty strings count as "0".
func CompareCounters(a, b string) int {
	if a == "" {
		a = "0"
	}
	if b == "" {
		b = "0"
	}
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// IncrementCounter returns the counter one past the given one. A
// counter that does not parse as a decimal number restarts at "1",
// which still orders after the "0" of an absent entry.
func IncrementCounter(counter string) string {
	if counter == "" {
		return "1"
	}
	n, err := strconv.ParseUint(counter, 10, 64)
	if err != nil {
		return "1"
	}
	return strconv.FormatUint(n+1, 10)
}
