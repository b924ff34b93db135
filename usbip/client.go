package usbip

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSessionClosed is returned for requests on a closed or failed session.
var ErrSessionClosed = errors.New("usbip: session closed")

// Client talks to a USB/IP server from the host side.
type Client struct {
	Addr        string
	DialTimeout time.Duration
}

// NewClient returns a client for the server at addr.
func NewClient(addr string) *Client {
	return &Client{Addr: addr, DialTimeout: 5 * time.Second}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.DialTimeout}
	return d.DialContext(ctx, "tcp", c.Addr)
}

// ListDevices performs OP_REQ_DEVLIST.
func (c *Client) ListDevices(ctx context.Context) ([]ExportedDevice, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	if err := (&MgmtHeader{Version: Version, Command: OpReqDevlist}).Write(conn); err != nil {
		return nil, err
	}
	if _, err := ReadMgmtHeader(conn, OpRepDevlist); err != nil {
		return nil, err
	}
	var nb [4]byte
	if err := ReadExactly(conn, nb[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(nb[:])
	devs := make([]ExportedDevice, 0, n)
	for range n {
		d, err := ReadExportedDevice(conn, true)
		if err != nil {
			return nil, err
		}
		devs = append(devs, d)
	}
	return devs, nil
}

// Import performs OP_REQ_IMPORT for busID and returns a session carrying
// the URB stream of the device.
func (c *Client) Import(ctx context.Context, busID string) (*Session, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	if err := (&MgmtHeader{Version: Version, Command: OpReqImport}).Write(conn); err != nil {
		conn.Close()
		return nil, err
	}
	var bus [BusIDSize]byte
	copy(bus[:], busID)
	if _, err := conn.Write(bus[:]); err != nil {
		conn.Close()
		return nil, err
	}
	h, err := ReadMgmtHeader(conn, OpRepImport)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if h.Status != 0 {
		conn.Close()
		return nil, fmt.Errorf("import %s: status %d", busID, h.Status)
	}
	dev, err := ReadExportedDevice(conn, false)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return newSession(conn, dev), nil
}

// Result is the outcome of one submitted URB.
type Result struct {
	Status int32
	Actual uint32
	Data   []byte
}

type pendingReply struct {
	in     bool
	ch     chan Result
	target uint32 // unlink only
}

// Session is an imported device. Submit may be called concurrently; replies
// are matched to requests by sequence number.
type Session struct {
	conn   net.Conn
	Device ExportedDevice

	wmu sync.Mutex
	seq atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]*pendingReply
	err     error
	done    chan struct{}
}

func newSession(conn net.Conn, dev ExportedDevice) *Session {
	s := &Session{
		conn:    conn,
		Device:  dev,
		pending: make(map[uint32]*pendingReply),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Submit sends one CMD_SUBMIT and waits for its reply. For IN transfers
// length is the host buffer size; for OUT transfers out is the payload.
// When ctx ends first the URB is unlinked and ctx.Err is returned.
func (s *Session) Submit(ctx context.Context, ep uint8, in bool, setup [8]byte, out []byte, length uint32) (Result, error) {
	seq := s.seq.Add(1)
	p := &pendingReply{in: in, ch: make(chan Result, 1)}
	if err := s.register(seq, p); err != nil {
		return Result{}, err
	}

	dir := uint32(DirOut)
	if in {
		dir = DirIn
	} else {
		length = uint32(len(out))
	}
	cmd := CmdSubmit{
		Basic:             HeaderBasic{Command: CmdSubmitCode, Seqnum: seq, Dir: dir, Ep: uint32(ep & 0x0f)},
		TransferBufferLen: length,
		Setup:             setup,
	}
	if err := s.send(func() error {
		if err := cmd.Write(s.conn); err != nil {
			return err
		}
		if len(out) > 0 {
			_, err := s.conn.Write(out)
			return err
		}
		return nil
	}); err != nil {
		return Result{}, err
	}

	select {
	case r := <-p.ch:
		return r, nil
	case <-s.done:
		return Result{}, s.closeErr()
	case <-ctx.Done():
	}

	if err := s.unlink(seq); err != nil {
		return Result{}, err
	}
	return Result{}, ctx.Err()
}

// unlink sends CMD_UNLINK for target and waits for RET_UNLINK.
func (s *Session) unlink(target uint32) error {
	seq := s.seq.Add(1)
	p := &pendingReply{ch: make(chan Result, 1), target: target}
	if err := s.register(seq, p); err != nil {
		return err
	}
	cmd := CmdUnlink{
		Basic:        HeaderBasic{Command: CmdUnlinkCode, Seqnum: seq},
		UnlinkSeqnum: target,
	}
	if err := s.send(func() error { return cmd.Write(s.conn) }); err != nil {
		return err
	}
	select {
	case <-p.ch:
		return nil
	case <-s.done:
		return s.closeErr()
	}
}

func (s *Session) register(seq uint32, p *pendingReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.pending[seq] = p
	return nil
}

func (s *Session) send(fn func() error) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := fn(); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

func (s *Session) readLoop() {
	for {
		rep, err := ReadReply(s.conn)
		if err != nil {
			s.fail(err)
			return
		}
		s.mu.Lock()
		p := s.pending[rep.Basic.Seqnum]
		delete(s.pending, rep.Basic.Seqnum)
		if p != nil && p.target != 0 && rep.Status != 0 {
			// the unlinked URB will not be answered
			delete(s.pending, p.target)
		}
		s.mu.Unlock()

		r := Result{Status: rep.Status, Actual: rep.ActualLength}
		if rep.Basic.Command == RetSubmitCode && p != nil && p.in && rep.ActualLength > 0 {
			r.Data = make([]byte, rep.ActualLength)
			if err := ReadExactly(s.conn, r.Data); err != nil {
				s.fail(err)
				return
			}
		}
		if p == nil {
			continue
		}
		p.ch <- r
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = fmt.Errorf("%w: %w", ErrSessionClosed, err)
	close(s.done)
}

func (s *Session) closeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the session fails or is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close ends the session and its connection.
func (s *Session) Close() error {
	err := s.conn.Close()
	s.fail(net.ErrClosed)
	return err
}
