package usbtest

import (
	"fmt"
	"log/slog"

	"github.com/Alia5/usbtest/usbd"
)

const (
	dirOut = 0
	dirIn  = 1
)

var dirNames = [2]string{"out", "in"}

// Engine is one way of serving the bulk endpoint pair.
type Engine interface {
	Mode() Mode
	State() EngineState
	// Directions reports the OUT and IN direction state.
	Directions() (out, in DirectionState)
	// Endpoints returns the open OUT and IN addresses, zero when closed.
	Endpoints() (out, in uint8)
	// Enable validates the interface at desc, opens its endpoint pair and
	// arms the initial transfers. It returns the descriptor bytes consumed.
	Enable(desc []byte, maxLen uint16) (uint16, error)
	// Disable closes both endpoints. It is safe on a disabled engine.
	Disable()
	// OnComplete handles one finished transfer and re-arms as needed.
	OnComplete(ep uint8, result usbd.TransferResult, n uint32) error
}

// engineCore is the state shared by both engines: the endpoint pair and
// whether each direction has a transfer outstanding.
type engineCore struct {
	sched  Scheduler
	logger *slog.Logger
	state  EngineState
	eps    endpointPair
	dirs   [2]DirectionState
}

func (c *engineCore) State() EngineState { return c.state }

func (c *engineCore) Directions() (out, in DirectionState) {
	return c.dirs[dirOut], c.dirs[dirIn]
}

func (c *engineCore) Endpoints() (out, in uint8) { return c.eps.out, c.eps.in }

func (c *engineCore) addr(dir int) uint8 {
	if dir == dirIn {
		return c.eps.in
	}
	return c.eps.out
}

// open validates the interface and opens the pair. On error nothing is left
// open and the engine stays disabled.
func (c *engineCore) open(desc []byte, maxLen uint16) (uint16, error) {
	_, n, err := validateInterface(desc, maxLen)
	if err != nil {
		return 0, err
	}
	if err := c.eps.open(c.sched, desc); err != nil {
		return 0, err
	}
	c.dirs = [2]DirectionState{}
	c.state = StateEnabled
	return n, nil
}

// Disable closes both endpoints and forgets anything armed on them.
func (c *engineCore) Disable() {
	c.eps.close(c.sched)
	c.dirs = [2]DirectionState{}
	c.state = StateDisabled
}

// arm submits buf on dir. A direction holds at most one transfer.
func (c *engineCore) arm(dir int, buf []byte) error {
	d := &c.dirs[dir]
	if d.Armed {
		return fmt.Errorf("%w: %s", ErrAlreadyArmed, dirNames[dir])
	}
	d.Armed = true
	d.Len = len(buf)
	if err := c.sched.SubmitTransfer(c.addr(dir), buf); err != nil {
		d.Armed = false
		return fmt.Errorf("%w: arm %s: %w", ErrResourceExhausted, dirNames[dir], err)
	}
	return nil
}

// settle accounts for a completion on ep and returns its direction. A failed
// transfer leaves the direction stalled.
func (c *engineCore) settle(ep uint8, result usbd.TransferResult) (int, error) {
	dir, ok := c.eps.direction(ep)
	if !ok {
		return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownEndpoint, ep)
	}
	d := &c.dirs[dir]
	if !d.Armed {
		return dir, fmt.Errorf("%w: %s not armed", ErrSpuriousCompletion, dirNames[dir])
	}
	d.Armed = false
	if result != usbd.ResultSuccess {
		d.Stalled = true
		c.logger.Warn("transfer failed, direction stopped", "dir", dirNames[dir], "ep", fmt.Sprintf("0x%02x", ep), "result", result)
		return dir, fmt.Errorf("%w: %s %s", ErrTransferFailed, dirNames[dir], result)
	}
	return dir, nil
}
