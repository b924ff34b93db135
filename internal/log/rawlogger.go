package log

import (
	"encoding/hex"
	"io"
	"strconv"
	"sync"
	"time"
)

// RawLogger records the bytes of a USBIP connection. toDevice is true for
// host->device traffic.
type RawLogger interface {
	Log(toDevice bool, data []byte)
}

// NewRaw returns a RawLogger writing hex dump lines to w. A nil w discards
// everything.
func NewRaw(w io.Writer) RawLogger {
	if w == nil {
		return discardRaw{}
	}
	return &hexDump{w: w}
}

type discardRaw struct{}

func (discardRaw) Log(bool, []byte) {}

type hexDump struct {
	mu sync.Mutex
	w  io.Writer
}

// Log writes "<time> <dir> <n> bytes: xx xx ..." for a non-empty chunk.
func (d *hexDump) Log(toDevice bool, data []byte) {
	if len(data) == 0 {
		return
	}
	dir := "dev->host"
	if toDevice {
		dir = "host->dev"
	}
	line := make([]byte, 0, 48+3*len(data))
	line = time.Now().AppendFormat(line, "2006/01/02 15:04:05.000")
	line = append(line, ' ')
	line = append(line, dir...)
	line = append(line, ' ')
	line = strconv.AppendInt(line, int64(len(data)), 10)
	line = append(line, " bytes:"...)
	var pair [2]byte
	for _, b := range data {
		hex.Encode(pair[:], []byte{b})
		line = append(line, ' ', pair[0], pair[1])
	}
	line = append(line, '\n')

	d.mu.Lock()
	defer d.mu.Unlock()
	_, _ = d.w.Write(line)
}
