package usb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Standard request codes (USB 2.0 table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
	RequestSynchFrame       = 0x0C
)

// Feature selectors.
const (
	FeatureEndpointHalt       = 0x00
	FeatureDeviceRemoteWakeup = 0x01
)

// bmRequestType fields.
const (
	RequestDirMask       = 0x80
	RequestTypeMask      = 0x60
	RequestRecipientMask = 0x1F

	RequestDirOut = 0x00
	RequestDirIn  = 0x80

	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RecipientDevice    = 0x00
	RecipientInterface = 0x01
	RecipientEndpoint  = 0x02
	RecipientOther     = 0x03
)

// SetupPacketSize is the size of a SETUP packet in bytes.
const SetupPacketSize = 8

var ErrSetupTooShort = errors.New("setup packet too short")

// SetupPacket is the 8-byte request of a control transfer.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetupPacket decodes an 8-byte SETUP packet.
func ParseSetupPacket(data []byte) (SetupPacket, error) {
	if len(data) < SetupPacketSize {
		return SetupPacket{}, ErrSetupTooShort
	}
	return SetupPacket{
		RequestType: data[0],
		Request:     data[1],
		Value:       binary.LittleEndian.Uint16(data[2:4]),
		Index:       binary.LittleEndian.Uint16(data[4:6]),
		Length:      binary.LittleEndian.Uint16(data[6:8]),
	}, nil
}

// Bytes encodes the packet in wire order.
func (s SetupPacket) Bytes() [SetupPacketSize]byte {
	var b [SetupPacketSize]byte
	b[0] = s.RequestType
	b[1] = s.Request
	binary.LittleEndian.PutUint16(b[2:4], s.Value)
	binary.LittleEndian.PutUint16(b[4:6], s.Index)
	binary.LittleEndian.PutUint16(b[6:8], s.Length)
	return b
}

func (s SetupPacket) Direction() uint8 { return s.RequestType & RequestDirMask }
func (s SetupPacket) Type() uint8      { return s.RequestType & RequestTypeMask }
func (s SetupPacket) Recipient() uint8 { return s.RequestType & RequestRecipientMask }

// IsIn reports whether the data stage (if any) is device-to-host.
func (s SetupPacket) IsIn() bool { return s.Direction() == RequestDirIn }

func (s SetupPacket) DescriptorType() uint8  { return uint8(s.Value >> 8) }
func (s SetupPacket) DescriptorIndex() uint8 { return uint8(s.Value) }

func (s SetupPacket) String() string {
	dir := "OUT"
	if s.IsIn() {
		dir = "IN"
	}
	typ := "std"
	switch s.Type() {
	case RequestTypeClass:
		typ = "class"
	case RequestTypeVendor:
		typ = "vendor"
	}
	rcpt := "dev"
	switch s.Recipient() {
	case RecipientInterface:
		rcpt = "itf"
	case RecipientEndpoint:
		rcpt = "ep"
	case RecipientOther:
		rcpt = "other"
	}
	return fmt.Sprintf("%s/%s/%s req=0x%02x val=0x%04x idx=0x%04x len=%d",
		dir, typ, rcpt, s.Request, s.Value, s.Index, s.Length)
}
