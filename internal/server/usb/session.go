package usb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/Alia5/usbtest/device"
	"github.com/Alia5/usbtest/internal/log"
	"github.com/Alia5/usbtest/usb"
	"github.com/Alia5/usbtest/usbip"
	"github.com/Alia5/usbtest/virtualbus"
)

// importStatusNoDevice is the OP_REP_IMPORT status for an unknown bus id.
const importStatusNoDevice = 1

func (s *Server) serve(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	s.logger.Info("Client connected", "remote", remote)
	defer conn.Close()
	if s.rawLogger != nil {
		conn = &tracedConn{Conn: conn, raw: s.rawLogger}
	}

	err := s.handle(conn)
	switch {
	case err == nil:
	case isClientDisconnect(err):
		s.logger.Info("Client disconnected", "remote", remote, "error", err)
	default:
		s.logger.Error("Connection handler error", "remote", remote, "error", err)
	}
}

// handle answers one management request. An import turns the connection
// into the URB stream of the imported device.
func (s *Server) handle(conn net.Conn) error {
	if d := s.config.ConnectionTimeout; d > 0 {
		_ = conn.SetDeadline(time.Now().Add(d))
	}
	var raw [usbip.MgmtHeaderSize]byte
	if err := usbip.ReadExactly(conn, raw[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	hdr := usbip.ParseMgmtHeader(raw[:])
	if hdr.Version != usbip.Version {
		return fmt.Errorf("protocol violation: unsupported version 0x%04x", hdr.Version)
	}
	_ = conn.SetDeadline(time.Time{})

	switch hdr.Command {
	case usbip.OpReqDevlist:
		s.logger.Info("OP_REQ_DEVLIST")
		return s.devList(conn)
	case usbip.OpReqImport:
		s.logger.Info("OP_REQ_IMPORT")
		dm, err := s.importDevice(conn)
		if err != nil {
			return fmt.Errorf("handle import: %w", err)
		}
		return s.stream(conn, dm)
	default:
		return fmt.Errorf("protocol violation: unexpected command 0x%04x before OP_REQ_IMPORT", hdr.Command)
	}
}

func (s *Server) devList(w io.Writer) error {
	metas := s.exports()
	var b bytes.Buffer
	_ = (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepDevlist}).Write(&b)
	_ = (&usbip.DevListReplyHeader{NDevices: uint32(len(metas))}).Write(&b)
	for _, m := range metas {
		exp := exportRecord(m)
		_ = exp.WriteDevlist(&b)
	}
	if _, err := w.Write(b.Bytes()); err != nil {
		return fmt.Errorf("write devlist: %w", err)
	}
	return nil
}

func (s *Server) importDevice(conn net.Conn) (virtualbus.DeviceMeta, error) {
	var field [usbip.BusIDSize]byte
	if err := usbip.ReadExactly(conn, field[:]); err != nil {
		return virtualbus.DeviceMeta{}, fmt.Errorf("read import busid: %w", err)
	}
	busID, _, _ := strings.Cut(string(field[:]), "\x00")
	s.logger.Info("Import request", "busid", busID)

	reply := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport}
	for _, m := range s.exports() {
		if m.Meta.BusIDString() != busID {
			continue
		}
		var b bytes.Buffer
		_ = reply.Write(&b)
		exp := exportRecord(m)
		_ = exp.WriteImport(&b)
		if _, err := conn.Write(b.Bytes()); err != nil {
			return m, fmt.Errorf("write import reply: %w", err)
		}
		return m, nil
	}

	reply.Status = importStatusNoDevice
	_ = reply.Write(conn)
	return virtualbus.DeviceMeta{}, fmt.Errorf("no device matches busid %s", busID)
}

// exportRecord fills the USBIP device record from the device descriptors.
func exportRecord(m virtualbus.DeviceMeta) usbip.ExportedDevice {
	d := m.Dev.GetDescriptor()
	rec := usbip.ExportedDevice{
		ExportMeta:          m.Meta,
		Speed:               d.Device.Speed,
		IDVendor:            d.Device.IDVendor,
		IDProduct:           d.Device.IDProduct,
		BcdDevice:           d.Device.BcdDevice,
		BDeviceClass:        d.Device.BDeviceClass,
		BDeviceSubClass:     d.Device.BDeviceSubClass,
		BDeviceProtocol:     d.Device.BDeviceProtocol,
		BConfigurationValue: d.Config.BConfigurationValue,
		BNumConfigurations:  d.Device.BNumConfigurations,
		BNumInterfaces:      uint8(len(d.Interfaces)),
		Interfaces:          make([]usbip.InterfaceDesc, len(d.Interfaces)),
	}
	for i, iface := range d.Interfaces {
		rec.Interfaces[i] = usbip.InterfaceDesc{
			Class:    iface.Descriptor.BInterfaceClass,
			SubClass: iface.Descriptor.BInterfaceSubClass,
			Protocol: iface.Descriptor.BInterfaceProtocol,
		}
	}
	return rec
}

// stream serves CMD_SUBMIT and CMD_UNLINK for an imported device until the
// host hangs up or the device is removed. Completions are written whenever
// the device finishes a URB, so replies may leave out of order.
func (s *Server) stream(conn net.Conn, dm virtualbus.DeviceMeta) error {
	bus := s.GetBus(dm.Meta.BusId)
	if bus == nil {
		return fmt.Errorf("bus %d went away", dm.Meta.BusId)
	}
	ctx := bus.GetDeviceContext(dm.Dev)
	if ctx == nil {
		return errors.New("device was removed before the stream started")
	}
	if timer := device.GetConnTimer(ctx); timer != nil {
		timer.Stop()
	}

	dev := dm.Dev
	logger := s.logger.With("busid", dm.Meta.BusIDString())
	w := newReplyWriter(conn, s.config.WriteBatchFlushInterval)
	defer w.Close()
	defer dev.Detach()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		cmd, err := usbip.ReadCommand(conn)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("device removed, closing URB stream")
				return nil
			}
			return fmt.Errorf("read URB header: %w", err)
		}
		if cmd.Unlink != nil {
			err = unlink(dev, cmd.Unlink, w, logger)
		} else {
			err = submit(conn, dev, cmd.Submit, w, logger)
		}
		if err != nil {
			return err
		}
	}
}

func unlink(dev usb.Device, u *usbip.CmdUnlink, w *replyWriter, logger *slog.Logger) error {
	ret := usbip.RetUnlink{Basic: usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: u.Basic.Seqnum}}
	if dev.Unlink(u.UnlinkSeqnum) {
		ret.Status = usb.StatusConnReset
	}
	log.Trace(logger, "USBIP_CMD_UNLINK", "seq", u.Basic.Seqnum, "unlink", u.UnlinkSeqnum, "status", ret.Status)
	if err := w.write(ret.Write); err != nil {
		return fmt.Errorf("write RET_UNLINK: %w", err)
	}
	return nil
}

// submit reads the OUT payload that follows sub, hands the URB to dev and
// queues RET_SUBMIT once dev completes it.
func submit(r io.Reader, dev usb.Device, sub *usbip.CmdSubmit, w *replyWriter, logger *slog.Logger) error {
	seq := sub.Basic.Seqnum
	urb := &usb.URB{
		Seqnum:   seq,
		Endpoint: uint8(sub.Basic.Ep & 0x0f),
		In:       sub.Basic.Dir == usbip.DirIn,
	}
	urb.Setup, _ = usb.ParseSetupPacket(sub.Setup[:])
	if urb.In {
		urb.Length = sub.TransferBufferLen
	} else if sub.TransferBufferLen > 0 {
		urb.Data = make([]byte, sub.TransferBufferLen)
		if err := usbip.ReadExactly(r, urb.Data); err != nil {
			return fmt.Errorf("read OUT payload: %w", err)
		}
	}

	urb.Complete = func(status int32, data []byte, actual uint32) {
		ret := usbip.RetSubmit{
			Basic:        usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: seq},
			Status:       status,
			ActualLength: actual,
		}
		if !urb.In {
			data = nil
		}
		err := w.write(func(out io.Writer) error {
			if err := ret.Write(out); err != nil || len(data) == 0 {
				return err
			}
			_, err := out.Write(data)
			return err
		})
		if err != nil {
			log.Trace(logger, "RET_SUBMIT dropped", "seq", seq, "error", err)
		}
	}
	log.Trace(logger, "USBIP_CMD_SUBMIT", "seq", seq, "ep", urb.Address(), "len", sub.TransferBufferLen)
	dev.Submit(urb)
	return nil
}

// tracedConn hex-dumps everything crossing the connection.
type tracedConn struct {
	net.Conn
	raw log.RawLogger
}

func (c *tracedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.raw.Log(true, p[:n])
	}
	return n, err
}

func (c *tracedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.raw.Log(false, p[:n])
	}
	return n, err
}

// isClientDisconnect reports whether err is the host going away rather
// than a protocol or server failure.
func isClientDisconnect(err error) bool {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "forcibly closed")
}
