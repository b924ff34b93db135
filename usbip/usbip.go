// Package usbip implements the USB/IP wire format: management operations
// (device list, import) and the URB stream (submit, unlink).
package usbip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Wire constants (network byte order / big-endian)
const (
	Version = 0x0111

	// Management commands
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	// URB transfer commands
	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	// Directions used in usbip_header_basic.direction
	DirOut = 0x00000000
	DirIn  = 0x00000001
)

// Fixed sizes on the wire.
const (
	MgmtHeaderSize   = 8
	BusIDSize        = 32
	PathSize         = 256
	DeviceRecordSize = 312
	URBHeaderSize    = 48
)

// MgmtHeader is the 8-byte header for management ops (devlist/import).
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h *MgmtHeader) Write(w io.Writer) error {
	var buf [MgmtHeaderSize]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	_, err := w.Write(buf[:])
	return err
}

// ParseMgmtHeader decodes a management header from the first 8 bytes of b.
func ParseMgmtHeader(b []byte) MgmtHeader {
	return MgmtHeader{
		Version: binary.BigEndian.Uint16(b[0:2]),
		Command: binary.BigEndian.Uint16(b[2:4]),
		Status:  binary.BigEndian.Uint32(b[4:8]),
	}
}

// ReadMgmtHeader reads a management header and checks version and command.
func ReadMgmtHeader(r io.Reader, wantCommand uint16) (MgmtHeader, error) {
	var buf [MgmtHeaderSize]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return MgmtHeader{}, err
	}
	h := ParseMgmtHeader(buf[:])
	if h.Version != Version {
		return h, fmt.Errorf("unexpected usbip version %x", h.Version)
	}
	if h.Command != wantCommand {
		return h, fmt.Errorf("unexpected reply command %x", h.Command)
	}
	return h, nil
}

// DevListReplyHeader is the header after MgmtHeader for OP_REP_DEVLIST.
type DevListReplyHeader struct {
	NDevices uint32
}

func (d *DevListReplyHeader) Write(w io.Writer) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[0:4], d.NDevices)
	_, err := w.Write(buf[:])
	return err
}

// ExportMeta carries USB-IP bus identity for an emulated device.
// Uses fixed-size arrays matching the wire protocol format.
type ExportMeta struct {
	Path     [PathSize]byte
	USBBusId [BusIDSize]byte
	BusId    uint32
	DevId    uint32
}

// BusIDString returns the bus id ("1-1") without padding.
func (m *ExportMeta) BusIDString() string { return cString(m.USBBusId[:]) }

// ExportedDevice describes one exported device in devlist/import replies.
// Layout matches kernel doc, strings are fixed-size, remaining numbers are BE.
type ExportedDevice struct {
	ExportMeta
	Speed uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	// Interfaces: for each interface: class, subclass, protocol, pad
	Interfaces []InterfaceDesc
}

type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

func (d *ExportedDevice) record() []byte {
	buf := make([]byte, DeviceRecordSize)
	copy(buf[0:256], d.Path[:])
	copy(buf[256:288], d.USBBusId[:])
	binary.BigEndian.PutUint32(buf[288:292], d.BusId)
	binary.BigEndian.PutUint32(buf[292:296], d.DevId)
	binary.BigEndian.PutUint32(buf[296:300], d.Speed)
	binary.BigEndian.PutUint16(buf[300:302], d.IDVendor)
	binary.BigEndian.PutUint16(buf[302:304], d.IDProduct)
	binary.BigEndian.PutUint16(buf[304:306], d.BcdDevice)
	buf[306] = d.BDeviceClass
	buf[307] = d.BDeviceSubClass
	buf[308] = d.BDeviceProtocol
	buf[309] = d.BConfigurationValue
	buf[310] = d.BNumConfigurations
	buf[311] = d.BNumInterfaces
	return buf
}

// WriteDevlist writes the device entry for OP_REP_DEVLIST (includes interface triplets).
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	var b bytes.Buffer
	b.Write(d.record())
	for _, iface := range d.Interfaces {
		b.Write([]byte{iface.Class, iface.SubClass, iface.Protocol, 0})
	}
	_, err := w.Write(b.Bytes())
	return err
}

// WriteImport writes the device entry for OP_REP_IMPORT (ends at bNumInterfaces).
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	_, err := w.Write(d.record())
	return err
}

// ReadExportedDevice decodes one device record. Devlist replies carry the
// interface triplets after the record, import replies do not.
func ReadExportedDevice(r io.Reader, withInterfaces bool) (ExportedDevice, error) {
	var base [DeviceRecordSize]byte
	if err := ReadExactly(r, base[:]); err != nil {
		return ExportedDevice{}, err
	}
	var d ExportedDevice
	copy(d.Path[:], base[0:256])
	copy(d.USBBusId[:], base[256:288])
	d.BusId = binary.BigEndian.Uint32(base[288:292])
	d.DevId = binary.BigEndian.Uint32(base[292:296])
	d.Speed = binary.BigEndian.Uint32(base[296:300])
	d.IDVendor = binary.BigEndian.Uint16(base[300:302])
	d.IDProduct = binary.BigEndian.Uint16(base[302:304])
	d.BcdDevice = binary.BigEndian.Uint16(base[304:306])
	d.BDeviceClass = base[306]
	d.BDeviceSubClass = base[307]
	d.BDeviceProtocol = base[308]
	d.BConfigurationValue = base[309]
	d.BNumConfigurations = base[310]
	d.BNumInterfaces = base[311]

	if withInterfaces && d.BNumInterfaces > 0 {
		ifaceBuf := make([]byte, int(d.BNumInterfaces)*4)
		if err := ReadExactly(r, ifaceBuf); err != nil {
			return ExportedDevice{}, err
		}
		for i := 0; i < int(d.BNumInterfaces); i++ {
			o := i * 4
			d.Interfaces = append(d.Interfaces, InterfaceDesc{
				Class:    ifaceBuf[o],
				SubClass: ifaceBuf[o+1],
				Protocol: ifaceBuf[o+2],
			})
		}
	}
	return d, nil
}

// HeaderBasic is common to all URB cmds and replies.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

func (h HeaderBasic) put(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], h.Command)
	binary.BigEndian.PutUint32(b[4:8], h.Seqnum)
	binary.BigEndian.PutUint32(b[8:12], h.Devid)
	binary.BigEndian.PutUint32(b[12:16], h.Dir)
	binary.BigEndian.PutUint32(b[16:20], h.Ep)
}

func parseBasic(b []byte) HeaderBasic {
	return HeaderBasic{
		Command: binary.BigEndian.Uint32(b[0:4]),
		Seqnum:  binary.BigEndian.Uint32(b[4:8]),
		Devid:   binary.BigEndian.Uint32(b[8:12]),
		Dir:     binary.BigEndian.Uint32(b[12:16]),
		Ep:      binary.BigEndian.Uint32(b[16:20]),
	}
}

// CmdSubmit header (before payload) length is 0x30.
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [8]byte
}

func (c *CmdSubmit) Write(w io.Writer) error {
	var b [URBHeaderSize]byte
	c.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], c.TransferFlags)
	binary.BigEndian.PutUint32(b[24:28], c.TransferBufferLen)
	binary.BigEndian.PutUint32(b[28:32], c.StartFrame)
	binary.BigEndian.PutUint32(b[32:36], c.NumberOfPackets)
	binary.BigEndian.PutUint32(b[36:40], c.Interval)
	copy(b[40:48], c.Setup[:])
	_, err := w.Write(b[:])
	return err
}

// RetSubmit header (before payload) length is 0x30.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
}

func (r *RetSubmit) Write(w io.Writer) error {
	var b [URBHeaderSize]byte
	r.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], uint32(r.Status))
	binary.BigEndian.PutUint32(b[24:28], r.ActualLength)
	binary.BigEndian.PutUint32(b[28:32], r.StartFrame)
	binary.BigEndian.PutUint32(b[32:36], r.NumberOfPackets)
	binary.BigEndian.PutUint32(b[36:40], r.ErrorCount)
	_, err := w.Write(b[:])
	return err
}

// CmdUnlink and RetUnlink
type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
}

type RetUnlink struct {
	Basic  HeaderBasic
	Status int32
}

func (c *CmdUnlink) Write(w io.Writer) error {
	var b [URBHeaderSize]byte
	c.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], c.UnlinkSeqnum)
	_, err := w.Write(b[:])
	return err
}

func (r *RetUnlink) Write(w io.Writer) error {
	var b [URBHeaderSize]byte
	r.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], uint32(r.Status))
	_, err := w.Write(b[:])
	return err
}

// Command is one decoded request from the URB stream. Exactly one of
// Submit and Unlink is set.
type Command struct {
	Submit *CmdSubmit
	Unlink *CmdUnlink
}

// ReadCommand reads and decodes the next CMD_SUBMIT or CMD_UNLINK header.
// The OUT payload of a submit is left in r.
func ReadCommand(r io.Reader) (Command, error) {
	var b [URBHeaderSize]byte
	if err := ReadExactly(r, b[:]); err != nil {
		return Command{}, err
	}
	basic := parseBasic(b[:])
	switch basic.Command {
	case CmdSubmitCode:
		c := &CmdSubmit{
			Basic:             basic,
			TransferFlags:     binary.BigEndian.Uint32(b[20:24]),
			TransferBufferLen: binary.BigEndian.Uint32(b[24:28]),
			StartFrame:        binary.BigEndian.Uint32(b[28:32]),
			NumberOfPackets:   binary.BigEndian.Uint32(b[32:36]),
			Interval:          binary.BigEndian.Uint32(b[36:40]),
		}
		copy(c.Setup[:], b[40:48])
		return Command{Submit: c}, nil
	case CmdUnlinkCode:
		return Command{Unlink: &CmdUnlink{
			Basic:        basic,
			UnlinkSeqnum: binary.BigEndian.Uint32(b[20:24]),
		}}, nil
	default:
		return Command{}, fmt.Errorf("unsupported cmd %d (seq=%d)", basic.Command, basic.Seqnum)
	}
}

// Reply is one decoded RET_SUBMIT or RET_UNLINK header.
type Reply struct {
	Basic        HeaderBasic
	Status       int32
	ActualLength uint32 // RET_SUBMIT only
}

// ReadReply reads the next reply header. The IN payload of a RET_SUBMIT is
// left in r.
func ReadReply(r io.Reader) (Reply, error) {
	var b [URBHeaderSize]byte
	if err := ReadExactly(r, b[:]); err != nil {
		return Reply{}, err
	}
	rep := Reply{
		Basic:  parseBasic(b[:]),
		Status: int32(binary.BigEndian.Uint32(b[20:24])),
	}
	switch rep.Basic.Command {
	case RetSubmitCode:
		rep.ActualLength = binary.BigEndian.Uint32(b[24:28])
	case RetUnlinkCode:
	default:
		return rep, fmt.Errorf("unexpected ret cmd %x", rep.Basic.Command)
	}
	return rep, nil
}

func ReadExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
