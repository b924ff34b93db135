package usbtest

import (
	"fmt"
	"strings"
)

// Mode selects which engine serves the bulk interface.
type Mode uint8

const (
	ModeSourceSink Mode = iota
	ModeLoopback
)

func (m Mode) String() string {
	switch m {
	case ModeSourceSink:
		return "sourcesink"
	case ModeLoopback:
		return "loopback"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ParseMode accepts "sourcesink" (also "source-sink") and "loopback".
// An empty string selects ModeSourceSink.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sourcesink", "source-sink":
		return ModeSourceSink, nil
	case "loopback":
		return ModeLoopback, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// EngineState is the lifecycle state of an engine.
type EngineState uint8

const (
	StateDisabled EngineState = iota
	StateEnabled
)

func (s EngineState) String() string {
	if s == StateEnabled {
		return "enabled"
	}
	return "disabled"
}

// DirectionState describes one endpoint direction of an engine.
type DirectionState struct {
	// Armed is set while a transfer is outstanding.
	Armed bool `json:"armed"`
	// Stalled is set once a transfer on this direction failed. It is
	// cleared by the next enable.
	Stalled bool `json:"stalled"`
	// Len is the length of the last armed transfer.
	Len int `json:"len"`
}
