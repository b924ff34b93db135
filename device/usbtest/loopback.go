package usbtest

import (
	"log/slog"

	"github.com/Alia5/usbtest/internal/log"
	"github.com/Alia5/usbtest/usbd"
)

// Loopback echoes every OUT transfer back on IN using a single buffer.
// Only one direction is armed at a time.
type Loopback struct {
	engineCore
	buf []byte
}

// NewLoopback returns a disabled engine with one buffer of size bytes.
func NewLoopback(sched Scheduler, size int, logger *slog.Logger) *Loopback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loopback{
		engineCore: engineCore{sched: sched, logger: logger.With("engine", ModeLoopback.String())},
		buf:        make([]byte, size),
	}
}

func (e *Loopback) Mode() Mode { return ModeLoopback }

func (e *Loopback) Enable(desc []byte, maxLen uint16) (uint16, error) {
	n, err := e.open(desc, maxLen)
	if err != nil {
		return 0, err
	}
	if err := e.arm(dirOut, e.buf); err != nil {
		e.Disable()
		return 0, err
	}
	out, in := e.Endpoints()
	e.logger.Info("enabled", "out", out, "in", in, "buffer", len(e.buf))
	return n, nil
}

func (e *Loopback) OnComplete(ep uint8, result usbd.TransferResult, n uint32) error {
	dir, err := e.settle(ep, result)
	if err != nil {
		return err
	}
	log.Trace(e.logger, "completion", "dir", dirNames[dir], "bytes", n)
	if dir == dirOut {
		return e.arm(dirIn, e.buf[:min(int(n), len(e.buf))])
	}
	return e.arm(dirOut, e.buf)
}
