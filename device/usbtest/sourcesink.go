package usbtest

import (
	"log/slog"

	"github.com/Alia5/usbtest/internal/log"
	"github.com/Alia5/usbtest/usbd"
)

// SourceSink keeps both directions armed at all times: the host reads the
// IN buffer forever and whatever it writes to OUT is discarded.
type SourceSink struct {
	engineCore
	inBuf  []byte
	outBuf []byte
}

// NewSourceSink returns a disabled engine with two buffers of size bytes.
func NewSourceSink(sched Scheduler, size int, logger *slog.Logger) *SourceSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceSink{
		engineCore: engineCore{sched: sched, logger: logger.With("engine", ModeSourceSink.String())},
		inBuf:      make([]byte, size),
		outBuf:     make([]byte, size),
	}
}

func (e *SourceSink) Mode() Mode { return ModeSourceSink }

func (e *SourceSink) Enable(desc []byte, maxLen uint16) (uint16, error) {
	n, err := e.open(desc, maxLen)
	if err != nil {
		return 0, err
	}
	for _, dir := range [...]int{dirOut, dirIn} {
		if err := e.arm(dir, e.buffer(dir)); err != nil {
			e.Disable()
			return 0, err
		}
	}
	out, in := e.Endpoints()
	e.logger.Info("enabled", "out", out, "in", in, "buffer", len(e.inBuf))
	return n, nil
}

func (e *SourceSink) OnComplete(ep uint8, result usbd.TransferResult, n uint32) error {
	dir, err := e.settle(ep, result)
	if err != nil {
		return err
	}
	log.Trace(e.logger, "completion", "dir", dirNames[dir], "bytes", n)
	return e.arm(dir, e.buffer(dir))
}

func (e *SourceSink) buffer(dir int) []byte {
	if dir == dirIn {
		return e.inBuf
	}
	return e.outBuf
}
