package usb

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"time"
)

var errWriterClosed = errors.New("reply writer closed")

// replyWriter serializes URB replies from the stream loop and from device
// completions. With a non-zero interval replies are batched and flushed by a
// background ticker; otherwise every reply is flushed immediately.
type replyWriter struct {
	mu     sync.Mutex
	bw     *bufio.Writer
	err    error
	closed bool
	batch  bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func newReplyWriter(w io.Writer, interval time.Duration) *replyWriter {
	rw := &replyWriter{
		bw:    bufio.NewWriterSize(w, 64*1024),
		batch: interval > 0,
		done:  make(chan struct{}),
	}
	if rw.batch {
		rw.wg.Add(1)
		go rw.flushLoop(interval)
	}
	return rw
}

// write runs fn against the buffered writer under the writer lock. The
// first write or flush error is sticky.
func (rw *replyWriter) write(fn func(io.Writer) error) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.closed {
		return errWriterClosed
	}
	if rw.err != nil {
		return rw.err
	}
	if err := fn(rw.bw); err != nil {
		rw.err = err
		return err
	}
	if !rw.batch {
		rw.err = rw.bw.Flush()
	}
	return rw.err
}

func (rw *replyWriter) flush() {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.closed || rw.err != nil || rw.bw.Buffered() == 0 {
		return
	}
	rw.err = rw.bw.Flush()
}

func (rw *replyWriter) flushLoop(interval time.Duration) {
	defer rw.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-rw.done:
			return
		case <-t.C:
			rw.flush()
		}
	}
}

// Close flushes pending replies and stops the flush loop.
func (rw *replyWriter) Close() error {
	rw.mu.Lock()
	if rw.closed {
		rw.mu.Unlock()
		return nil
	}
	if rw.err == nil {
		rw.err = rw.bw.Flush()
	}
	rw.closed = true
	err := rw.err
	rw.mu.Unlock()

	close(rw.done)
	rw.wg.Wait()
	return err
}
