package proxy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Alia5/usbtest/internal/log"
	"github.com/Alia5/usbtest/usb"
	"github.com/Alia5/usbtest/usbip"
)

// connTap follows one proxied connection. Host commands are decoded before
// they are forwarded, so every reply finds its submit in pending.
type connTap struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[uint32]inflight
	unlinks map[uint32]uint32
	stats   tapStats
}

type inflight struct {
	in    bool
	ep    uint32
	start time.Time
}

type tapStats struct {
	submits   uint64
	completed uint64
	failed    uint64
	unlinked  uint64
	bytesOut  uint64
	bytesIn   uint64
	totalRTT  time.Duration
	maxRTT    time.Duration
}

func newConnTap(logger *slog.Logger) *connTap {
	return &connTap{
		logger:  logger,
		pending: make(map[uint32]inflight),
		unlinks: make(map[uint32]uint32),
	}
}

// forwardHost decodes the host side and re-encodes it to dst. started is
// called once the first request header has arrived.
func (c *connTap) forwardHost(src io.Reader, dst io.Writer, started func()) error {
	var hb [usbip.MgmtHeaderSize]byte
	if err := usbip.ReadExactly(src, hb[:]); err != nil {
		return err
	}
	started()
	if _, err := dst.Write(hb[:]); err != nil {
		return err
	}
	h := usbip.ParseMgmtHeader(hb[:])
	if h.Version != usbip.Version {
		c.logger.Warn("not a USBIP request, forwarding raw", "version", fmt.Sprintf("%04x", h.Version))
		_, err := io.Copy(dst, src)
		return err
	}

	switch h.Command {
	case usbip.OpReqDevlist:
		c.logger.Info("OP_REQ_DEVLIST")
		_, err := io.Copy(dst, src)
		return err
	case usbip.OpReqImport:
		var busid [usbip.BusIDSize]byte
		if err := usbip.ReadExactly(src, busid[:]); err != nil {
			return err
		}
		if _, err := dst.Write(busid[:]); err != nil {
			return err
		}
		c.logger.Info("OP_REQ_IMPORT", "busid", cString(busid[:]))
	default:
		c.logger.Warn("unknown management request, forwarding raw", "command", fmt.Sprintf("%04x", h.Command))
		_, err := io.Copy(dst, src)
		return err
	}

	for {
		cmd, err := usbip.ReadCommand(src)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if u := cmd.Unlink; u != nil {
			c.unlink(u)
			if err := u.Write(dst); err != nil {
				return err
			}
			continue
		}

		sub := cmd.Submit
		c.submit(sub)
		if err := sub.Write(dst); err != nil {
			return err
		}
		if sub.Basic.Dir == usbip.DirOut && sub.TransferBufferLen > 0 {
			if _, err := io.CopyN(dst, src, int64(sub.TransferBufferLen)); err != nil {
				return err
			}
		}
	}
}

// forwardDevice copies the upstream side to dst while decoding it. Once
// the stream cannot be decoded any more it is forwarded undecoded.
func (c *connTap) forwardDevice(src io.Reader, dst io.Writer) error {
	r := io.TeeReader(src, dst)

	var hb [usbip.MgmtHeaderSize]byte
	if err := usbip.ReadExactly(r, hb[:]); err != nil {
		return err
	}
	h := usbip.ParseMgmtHeader(hb[:])
	if h.Version != usbip.Version {
		return c.undecoded(r, fmt.Errorf("unexpected usbip version %04x", h.Version))
	}

	switch h.Command {
	case usbip.OpRepDevlist:
		var nb [4]byte
		if err := usbip.ReadExactly(r, nb[:]); err != nil {
			return err
		}
		n := binary.BigEndian.Uint32(nb[:])
		c.logger.Info("OP_REP_DEVLIST", "devices", n)
		for range n {
			d, err := usbip.ReadExportedDevice(r, true)
			if err != nil {
				return err
			}
			c.logDevice("exported device", d)
		}
		_, err := io.Copy(io.Discard, r)
		return err
	case usbip.OpRepImport:
		if h.Status != 0 {
			c.logger.Warn("OP_REP_IMPORT refused", "status", h.Status)
			_, err := io.Copy(io.Discard, r)
			return err
		}
		d, err := usbip.ReadExportedDevice(r, false)
		if err != nil {
			return err
		}
		c.logDevice("OP_REP_IMPORT", d)
	default:
		return c.undecoded(r, fmt.Errorf("unknown management reply %04x", h.Command))
	}

	for {
		rep, err := usbip.ReadReply(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return c.undecoded(r, err)
		}
		if rep.Basic.Command == usbip.RetUnlinkCode {
			c.unlinkDone(rep)
			continue
		}
		f, ok := c.complete(rep)
		if !ok {
			return c.undecoded(r, fmt.Errorf("RET_SUBMIT for unknown seq %d", rep.Basic.Seqnum))
		}
		if f.in && rep.ActualLength > 0 {
			if _, err := io.CopyN(io.Discard, r, int64(rep.ActualLength)); err != nil {
				return err
			}
		}
	}
}

func (c *connTap) undecoded(r io.Reader, cause error) error {
	var ne net.Error
	if errors.As(cause, &ne) || expectedDisconnect(cause) {
		return cause
	}
	c.logger.Warn("cannot decode upstream stream, forwarding raw", "error", cause)
	_, err := io.Copy(io.Discard, r)
	return err
}

func (c *connTap) submit(sub *usbip.CmdSubmit) {
	in := sub.Basic.Dir == usbip.DirIn
	c.mu.Lock()
	c.pending[sub.Basic.Seqnum] = inflight{in: in, ep: sub.Basic.Ep, start: time.Now()}
	c.stats.submits++
	if !in {
		c.stats.bytesOut += uint64(sub.TransferBufferLen)
	}
	c.mu.Unlock()

	args := []any{"seq", sub.Basic.Seqnum, "ep", sub.Basic.Ep, "dir", dirString(in), "len", sub.TransferBufferLen}
	if sub.Basic.Ep == 0 {
		if setup, err := usb.ParseSetupPacket(sub.Setup[:]); err == nil {
			args = append(args, "setup", setup.String())
		}
		c.logger.Debug("CMD_SUBMIT", args...)
		return
	}
	log.Trace(c.logger, "CMD_SUBMIT", args...)
}

func (c *connTap) complete(rep usbip.Reply) (inflight, bool) {
	c.mu.Lock()
	f, ok := c.pending[rep.Basic.Seqnum]
	if ok {
		delete(c.pending, rep.Basic.Seqnum)
		rtt := time.Since(f.start)
		c.stats.completed++
		c.stats.totalRTT += rtt
		c.stats.maxRTT = max(c.stats.maxRTT, rtt)
		if rep.Status != usb.StatusOK {
			c.stats.failed++
		}
		if f.in {
			c.stats.bytesIn += uint64(rep.ActualLength)
		}
	}
	c.mu.Unlock()
	if !ok {
		return f, false
	}

	args := []any{"seq", rep.Basic.Seqnum, "ep", f.ep, "status", rep.Status, "actual", rep.ActualLength, "rtt", time.Since(f.start)}
	switch {
	case rep.Status != usb.StatusOK:
		c.logger.Debug("RET_SUBMIT", args...)
	case f.ep == 0:
		c.logger.Debug("RET_SUBMIT", args...)
	default:
		log.Trace(c.logger, "RET_SUBMIT", args...)
	}
	return f, true
}

func (c *connTap) unlink(u *usbip.CmdUnlink) {
	c.mu.Lock()
	c.unlinks[u.Basic.Seqnum] = u.UnlinkSeqnum
	c.mu.Unlock()
	c.logger.Debug("CMD_UNLINK", "seq", u.Basic.Seqnum, "unlink", u.UnlinkSeqnum)
}

// unlinkDone drops the target submit when the device cancelled it; with
// status 0 its RET_SUBMIT has already gone out.
func (c *connTap) unlinkDone(rep usbip.Reply) {
	c.mu.Lock()
	target, ok := c.unlinks[rep.Basic.Seqnum]
	delete(c.unlinks, rep.Basic.Seqnum)
	if ok && rep.Status != usb.StatusOK {
		if _, pending := c.pending[target]; pending {
			delete(c.pending, target)
			c.stats.unlinked++
		}
	}
	c.mu.Unlock()
	c.logger.Debug("RET_UNLINK", "seq", rep.Basic.Seqnum, "unlink", target, "status", rep.Status)
}

func (c *connTap) logDevice(msg string, d usbip.ExportedDevice) {
	args := []any{
		"busid", d.BusIDString(),
		"bus", d.BusId,
		"dev", d.DevId,
		"speed", d.Speed,
		"vid", fmt.Sprintf("%04x", d.IDVendor),
		"pid", fmt.Sprintf("%04x", d.IDProduct),
		"bcd", fmt.Sprintf("%04x", d.BcdDevice),
		"class", fmt.Sprintf("%02x", d.BDeviceClass),
		"config", d.BConfigurationValue,
		"interfaces", d.BNumInterfaces,
	}
	for i, iface := range d.Interfaces {
		args = append(args, fmt.Sprintf("if%d", i), fmt.Sprintf("%02x/%02x/%02x", iface.Class, iface.SubClass, iface.Protocol))
	}
	c.logger.Info(msg, args...)
}

// snapshot returns the counters gathered so far.
func (c *connTap) snapshot() tapStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *connTap) summary() {
	st := c.snapshot()
	var avg time.Duration
	if st.completed > 0 {
		avg = st.totalRTT / time.Duration(st.completed)
	}
	c.logger.Info("connection closed",
		"submits", st.submits,
		"completed", st.completed,
		"failed", st.failed,
		"unlinked", st.unlinked,
		"bytesOut", st.bytesOut,
		"bytesIn", st.bytesIn,
		"avgRtt", avg,
		"maxRtt", st.maxRTT)
}

func dirString(in bool) string {
	if in {
		return "IN"
	}
	return "OUT"
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
