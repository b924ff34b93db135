package usbd

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/Alia5/usbtest/internal/log"
	"github.com/Alia5/usbtest/usb"
)

// MaxEndpoints is the number of non-control endpoints per direction.
const MaxEndpoints = 15

// Stack drives one virtual device. Submit, Unlink, Detach, Reset, Bind and
// Exec take the stack lock. The endpoint methods documented as "driver
// callbacks only" expect it to be held already.
type Stack struct {
	mu     sync.Mutex
	logger *slog.Logger
	desc   *usb.Descriptor
	driver ClassDriver
	port   uint8

	address uint8
	config  uint8
	eps     map[uint8]*endpoint

	events   []completion
	draining bool
	ctrl     *controlXfer
}

type endpoint struct {
	addr      uint8
	xferType  uint8
	maxPacket uint16
	halted    bool
	xfer      *transfer
	urbs      []*pendingURB
}

func (e *endpoint) in() bool { return e.addr&usb.EndpointDirIn != 0 }

// transfer is a buffer armed by the driver. off counts the bytes moved so far.
type transfer struct {
	buf []byte
	off int
}

// pendingURB is a host request waiting for an armed transfer. off counts OUT
// bytes already copied into device transfers.
type pendingURB struct {
	urb *usb.URB
	off int
}

type completion struct {
	ep     uint8
	result TransferResult
	n      uint32
}

type controlXfer struct {
	req  usb.SetupPacket
	out  []byte
	resp []byte
}

// New creates a stack serving desc. A class driver must be attached with
// Bind before the device is exported.
func New(desc *usb.Descriptor, logger *slog.Logger) *Stack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stack{
		logger: logger,
		desc:   desc,
		eps:    make(map[uint8]*endpoint),
	}
}

// Bind attaches the class driver and calls its Init.
func (s *Stack) Bind(driver ClassDriver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.driver = driver
	driver.Init()
}

// Exec runs fn under the stack lock, serialized with transfer handling.
// Completions caused by fn are delivered before Exec returns.
func (s *Stack) Exec(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
	if s.driver != nil {
		s.drain()
	}
}

// GetDescriptor returns the static descriptor set of the device.
func (s *Stack) GetDescriptor() *usb.Descriptor { return s.desc }

// Configuration returns the active configuration value, 0 when unconfigured.
func (s *Stack) Configuration() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Submit accepts a host URB. Control URBs complete before Submit returns;
// bulk URBs complete once a matching transfer has been armed.
func (s *Stack) Submit(urb *usb.URB) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.driver == nil {
		urb.Complete(usb.StatusShutdown, nil, 0)
		return
	}
	if urb.Endpoint == 0 {
		s.handleControl(urb)
	} else {
		s.handleData(urb)
	}
	s.drain()
}

// Unlink cancels a URB that has not completed yet. The armed transfer is
// left alone: an OUT URB still queued has either delivered nothing or filled
// every transfer it touched, since a partly filled transfer only waits while
// no URB is queued.
func (s *Stack) Unlink(seqnum uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ep := range s.eps {
		for i, p := range ep.urbs {
			if p.urb.Seqnum != seqnum {
				continue
			}
			ep.urbs = append(ep.urbs[:i], ep.urbs[i+1:]...)
			return true
		}
	}
	return false
}

// Detach handles the end of the importing host connection.
func (s *Stack) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Debug("device detached")
	s.busReset()
	s.address = 0
}

// Reset performs a bus reset: the driver is reset, every endpoint closed and
// the device returns to the unconfigured state.
func (s *Stack) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("bus reset")
	s.busReset()
}

func (s *Stack) busReset() {
	if s.driver != nil {
		s.driver.Reset(s.port)
	}
	for addr := range s.eps {
		s.closeEndpoint(addr)
	}
	s.events = nil
	s.config = 0
}

func (s *Stack) handleData(urb *usb.URB) {
	ep := s.eps[urb.Address()]
	if ep == nil {
		s.logger.Debug("urb for closed endpoint", "ep", epName(urb.Address()), "seq", urb.Seqnum)
		urb.Complete(usb.StatusStall, nil, 0)
		return
	}
	if ep.halted {
		urb.Complete(usb.StatusStall, nil, 0)
		return
	}
	log.Trace(s.logger, "urb queued", "ep", epName(ep.addr), "seq", urb.Seqnum, "out", len(urb.Data), "in", urb.Length)
	ep.urbs = append(ep.urbs, &pendingURB{urb: urb})
	s.service(ep)
}

// service moves data between the armed transfer and queued URBs until one
// side runs out. An IN URB completes with whatever one transfer supplies.
// OUT data accumulates in the transfer until the buffer is full or a URB
// ends in a short packet; a zero length URB is such a packet.
func (s *Stack) service(ep *endpoint) {
	for ep.xfer != nil && len(ep.urbs) > 0 {
		p := ep.urbs[0]
		x := ep.xfer
		if ep.in() {
			n := min(len(x.buf)-x.off, int(p.urb.Length))
			data := make([]byte, n)
			copy(data, x.buf[x.off:x.off+n])
			x.off += n
			ep.urbs = ep.urbs[1:]
			p.urb.Complete(usb.StatusOK, data, uint32(n))
			if x.off >= len(x.buf) {
				s.finish(ep, ResultSuccess)
			}
			continue
		}

		n := copy(x.buf[x.off:], p.urb.Data[p.off:])
		x.off += n
		p.off += n
		urbDone := p.off == len(p.urb.Data)
		if urbDone {
			ep.urbs = ep.urbs[1:]
			p.urb.Complete(usb.StatusOK, nil, uint32(len(p.urb.Data)))
		}
		if (urbDone && endsShort(len(p.urb.Data), ep.maxPacket)) || x.off == len(x.buf) {
			s.finish(ep, ResultSuccess)
		}
	}
}

// endsShort reports whether a URB of n bytes ends in a short packet.
func endsShort(n int, maxPacket uint16) bool {
	return maxPacket == 0 || n%int(maxPacket) != 0 || n == 0
}

func (s *Stack) finish(ep *endpoint, result TransferResult) {
	n := uint32(ep.xfer.off)
	ep.xfer = nil
	s.events = append(s.events, completion{ep: ep.addr, result: result, n: n})
}

// drain delivers queued completions. Transfers armed from inside a
// completion handler only append to the queue, so handlers never nest.
func (s *Stack) drain() {
	if s.draining {
		return
	}
	s.draining = true
	defer func() { s.draining = false }()

	for len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		log.Trace(s.logger, "transfer complete", "ep", epName(ev.ep), "result", ev.result, "bytes", ev.n)
		err := s.driver.TransferComplete(s.port, ev.ep, ev.result, ev.n)
		if err == nil {
			continue
		}
		s.logger.Warn("transfer completion", "ep", epName(ev.ep), "result", ev.result, "error", err)
		if IsSubmitFailure(err) {
			s.logger.Error("endpoint cannot be re-armed, resetting", "ep", epName(ev.ep))
			s.busReset()
		}
	}
}

// OpenEndpointPair opens the first two endpoint descriptors found in desc,
// which must be one OUT and one IN endpoint of transfer type xferType.
// Driver callbacks only.
func (s *Stack) OpenEndpointPair(desc []byte, xferType uint8) (out, in uint8, err error) {
	eps, err := usb.FindEndpoints(desc, 2)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrBadDescriptor, err)
	}
	var outDesc, inDesc *usb.EndpointDescriptor
	for i := range eps {
		e := &eps[i]
		if e.TransferType() != xferType {
			return 0, 0, fmt.Errorf("%w: endpoint %s has type %d", ErrBadDescriptor, epName(e.BEndpointAddress), e.TransferType())
		}
		if e.IsIn() {
			inDesc = e
		} else {
			outDesc = e
		}
	}
	if outDesc == nil || inDesc == nil {
		return 0, 0, fmt.Errorf("%w: need one IN and one OUT endpoint", ErrBadDescriptor)
	}
	if err := s.openEndpoint(*outDesc); err != nil {
		return 0, 0, err
	}
	if err := s.openEndpoint(*inDesc); err != nil {
		s.closeEndpoint(outDesc.BEndpointAddress)
		return 0, 0, err
	}
	return outDesc.BEndpointAddress, inDesc.BEndpointAddress, nil
}

func (s *Stack) openEndpoint(d usb.EndpointDescriptor) error {
	addr := d.BEndpointAddress
	if addr&0x0f == 0 {
		return fmt.Errorf("%w: endpoint 0 is reserved", ErrBadDescriptor)
	}
	if _, ok := s.eps[addr]; ok {
		return fmt.Errorf("%w: endpoint %s already open", ErrNoResources, epName(addr))
	}
	count := 0
	for a := range s.eps {
		if a&usb.EndpointDirIn == addr&usb.EndpointDirIn {
			count++
		}
	}
	if count >= MaxEndpoints {
		return fmt.Errorf("%w: all %d endpoints in use", ErrNoResources, MaxEndpoints)
	}
	s.eps[addr] = &endpoint{addr: addr, xferType: d.TransferType(), maxPacket: d.WMaxPacketSize}
	s.logger.Debug("endpoint opened", "ep", epName(addr), "maxPacket", d.WMaxPacketSize)
	return nil
}

// SubmitTransfer arms buf on ep. For IN endpoints the whole of buf is sent;
// for OUT endpoints up to len(buf) bytes are received into it. Driver
// callbacks only.
func (s *Stack) SubmitTransfer(ep uint8, buf []byte) error {
	e := s.eps[ep]
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNoEndpoint, epName(ep))
	}
	if e.xfer != nil {
		return fmt.Errorf("%w: %s", ErrBusy, epName(ep))
	}
	e.xfer = &transfer{buf: buf}
	log.Trace(s.logger, "transfer armed", "ep", epName(ep), "len", len(buf))
	s.service(e)
	return nil
}

// CloseEndpoint releases ep. Its armed transfer is discarded without a
// completion and queued host URBs are answered with -ESHUTDOWN. Driver
// callbacks only.
func (s *Stack) CloseEndpoint(ep uint8) {
	s.closeEndpoint(ep)
}

func (s *Stack) closeEndpoint(addr uint8) {
	e := s.eps[addr]
	if e == nil {
		return
	}
	delete(s.eps, addr)
	pending := e.urbs
	e.urbs = nil
	e.xfer = nil
	kept := s.events[:0]
	for _, ev := range s.events {
		if ev.ep != addr {
			kept = append(kept, ev)
		}
	}
	s.events = kept
	for _, p := range pending {
		p.urb.Complete(usb.StatusShutdown, nil, 0)
	}
	s.logger.Debug("endpoint closed", "ep", epName(addr))
}

// SendControlResponse attaches data to the control transfer being handled.
// For IN requests buf is the response; for OUT requests the host's data
// stage is copied into buf. Driver callbacks only.
func (s *Stack) SendControlResponse(req *usb.SetupPacket, buf []byte) error {
	if s.ctrl == nil {
		return ErrNoControl
	}
	if req.IsIn() {
		n := min(len(buf), int(s.ctrl.req.Length))
		s.ctrl.resp = append(s.ctrl.resp[:0], buf[:n]...)
		return nil
	}
	copy(buf, s.ctrl.out)
	return nil
}

func epName(addr uint8) string { return fmt.Sprintf("0x%02x", addr) }
