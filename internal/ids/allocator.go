// Package ids issues the numeric identifiers used for devices, actionners
// and device kinds.
//
// Each class has its own strictly increasing sequence starting at 1. Zero
// is never issued: it is the ListDevice wildcard and the "unset" marker on
// the wire. Sequences never wrap; once a class reaches math.MaxUint32 every
// further Next fails with ErrExhausted.
package ids

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/nerrad567/homegate/internal/fault"
)

// Class selects an independent id sequence.
type Class int

const (
	Device Class = iota
	Actionner
	Kind

	numClasses
)

func (c Class) String() string {
	switch c {
	case Device:
		return "device"
	case Actionner:
		return "actionner"
	case Kind:
		return "kind"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// ErrExhausted is returned once a sequence has issued math.MaxUint32.
var ErrExhausted = fault.New("ids: sequence exhausted", fault.ErrResourceExhausted)

// Allocator is safe for concurrent use. The zero value is ready to use.
type Allocator struct {
	last [numClasses]atomic.Uint32
}

// New returns an empty allocator.
func New() *Allocator {
	return &Allocator{}
}

// Next returns the next id of class c.
func (a *Allocator) Next(c Class) (uint32, error) {
	seq := &a.last[c]
	for {
		cur := seq.Load()
		if cur == math.MaxUint32 {
			return 0, fmt.Errorf("%w: %s", ErrExhausted, c)
		}
		if seq.CompareAndSwap(cur, cur+1) {
			return cur + 1, nil
		}
	}
}

// Advance makes sure the next id of class c is greater than floor. It is
// used when persisted rows are loaded at startup. Advance never lowers a
// sequence.
func (a *Allocator) Advance(c Class, floor uint32) {
	seq := &a.last[c]
	for {
		cur := seq.Load()
		if cur >= floor {
			return
		}
		if seq.CompareAndSwap(cur, floor) {
			return
		}
	}
}

// Last returns the most recently issued id of class c, or 0.
func (a *Allocator) Last(c Class) uint32 {
	return a.last[c].Load()
}
