package usbtest

import (
	"errors"
	"sync/atomic"
	"time"
)

// Stats is a snapshot of the driver counters and the active engine.
type Stats struct {
	Mode        string         `json:"mode"`
	State       string         `json:"state"`
	Configured  bool           `json:"configured"`
	EndpointOut uint8          `json:"endpointOut"`
	EndpointIn  uint8          `json:"endpointIn"`
	Out         DirectionState `json:"out"`
	In          DirectionState `json:"in"`
	Completions uint64         `json:"completions"`
	Failures    uint64         `json:"failures"`
	Unknown     uint64         `json:"unknown"`
	Spurious    uint64         `json:"spurious"`
	BytesIn     uint64         `json:"bytesIn"`
	BytesOut    uint64         `json:"bytesOut"`
	// LastActivity is the time of the most recent completion.
	LastActivity time.Time `json:"lastActivity"`
}

func (s *Stats) count(err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrTransferFailed), errors.Is(err, ErrResourceExhausted):
		s.Failures++
	case errors.Is(err, ErrUnknownEndpoint):
		s.Unknown++
	case errors.Is(err, ErrSpuriousCompletion):
		s.Spurious++
	}
}

// Indicator records transfer activity for the activity stream. It is safe
// for concurrent use.
type Indicator struct {
	pulses atomic.Uint64
	last   atomic.Int64
}

// NewIndicator returns an idle indicator.
func NewIndicator() *Indicator { return &Indicator{} }

// Pulse records one completion.
func (i *Indicator) Pulse() {
	i.pulses.Add(1)
	i.last.Store(time.Now().UnixNano())
}

// Pulses returns the number of completions seen.
func (i *Indicator) Pulses() uint64 { return i.pulses.Load() }

// Last returns the time of the most recent pulse, zero if none.
func (i *Indicator) Last() time.Time {
	ns := i.last.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
