package deployment

import (
	"errors"
	"fmt"
	"iter"
)

// =============================================================================
// Port Range Functions
// =============================================================================

// ErrNoPorts is returned when every candidate in the range is unavailable.
var ErrNoPorts = errors.New("no available ports in range")

const (
	DefaultBasePort = 8000
	DefaultPortSpan = 100
)

// PortRange defines the probe range for launched servers.
type PortRange struct {
	Start int // Inclusive, e.g., 8000
	End   int // Exclusive, e.g., 8100
}

// DefaultPortRange returns the default probe range.
func DefaultPortRange() PortRange {
	return NewPortRange(DefaultBasePort, DefaultPortSpan)
}

// NewPortRange builds [base, base+span). Non-positive values fall back to
// the defaults.
func NewPortRange(base, span int) PortRange {
	if base <= 0 {
		base = DefaultBasePort
	}
	if span <= 0 {
		span = DefaultPortSpan
	}
	if base+span > 65536 {
		span = 65536 - base
	}
	return PortRange{Start: base, End: base + span}
}

// Contains checks if a port is within the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Start && port < r.End
}

// Size returns the number of candidate ports.
func (r PortRange) Size() int {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r PortRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// Candidates yields the ports of the range in ascending order, skipping
// those in exclude.
func (r PortRange) Candidates(exclude map[int]bool) iter.Seq[int] {
	return func(yield func(int) bool) {
		for port := r.Start; port < r.End; port++ {
			if exclude[port] {
				continue
			}
			if !yield(port) {
				return
			}
		}
	}
}
