// Package usb holds the USB descriptor model shared by the device and host
// sides, with encoders and parsers for the wire format.
package usb

import (
	"encoding/binary"
	"unicode/utf16"
)

const (
	DeviceDescType          = 0x01
	ConfigDescType          = 0x02
	StringDescType          = 0x03
	InterfaceDescType       = 0x04
	EndpointDescType        = 0x05
	DeviceQualifierDescType = 0x06
)

// Fixed descriptor lengths.
const (
	DeviceDescLen    = 18
	ConfigDescLen    = 9
	InterfaceDescLen = 9
	EndpointDescLen  = 7
)

// Interface class codes used by this module.
const (
	ClassVendorSpecific = 0xFF
)

// Endpoint attribute transfer types (bmAttributes bits 1..0).
const (
	TransferTypeControl     = 0x00
	TransferTypeIsochronous = 0x01
	TransferTypeBulk        = 0x02
	TransferTypeInterrupt   = 0x03
	TransferTypeMask        = 0x03
)

// Endpoint address direction bit.
const EndpointDirIn = 0x80

// Configuration attributes.
const (
	ConfigAttrReserved     = 0x80
	ConfigAttrSelfPowered  = 0x40
	ConfigAttrRemoteWakeup = 0x20
)

// Speed values as reported in the USBIP device record.
const (
	SpeedLow   = 1
	SpeedFull  = 2
	SpeedHigh  = 3
	SpeedSuper = 5
)

// LangIDEnglishUS is the default string descriptor language.
const LangIDEnglishUS = 0x0409

// Descriptor holds all static descriptor/config data for a device.
type Descriptor struct {
	Device     DeviceDescriptor
	Config     ConfigHeader
	Interfaces []InterfaceConfig
	Strings    map[uint8]string
}

// InterfaceConfig holds all descriptors for a single interface.
type InterfaceConfig struct {
	Descriptor InterfaceDescriptor
	Endpoints  []EndpointDescriptor
	Extra      []byte // optional class-specific bytes written after the endpoints
}

// EncodeStringDescriptor returns s as a string descriptor: bLength,
// bDescriptorType, then UTF-16LE code units.
func EncodeStringDescriptor(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 2, 2+2*len(units))
	out[0], out[1] = byte(2+2*len(units)), StringDescType
	for _, u := range units {
		out = binary.LittleEndian.AppendUint16(out, u)
	}
	return out
}

// EncodeLangIDDescriptor returns string descriptor zero listing langID.
func EncodeLangIDDescriptor(langID uint16) []byte {
	return binary.LittleEndian.AppendUint16([]byte{4, StringDescType}, langID)
}

// DeviceDescriptor represents the standard USB device descriptor.
// BLength is computed dynamically; BDescriptorType is implied DeviceDescType.
type DeviceDescriptor struct {
	BcdUSB             uint16 // LE
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16 // LE; may get overridden
	IDProduct          uint16 // LE; may get overridden
	BcdDevice          uint16 // LE
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
	Speed              uint32 // USB speed: 1=low, 2=full, 3=high, 5=super
}

// Bytes returns the 18 byte device descriptor.
func (d Descriptor) Bytes() []byte {
	dev := d.Device
	b := make([]byte, 0, DeviceDescLen)
	b = append(b, DeviceDescLen, DeviceDescType)
	b = binary.LittleEndian.AppendUint16(b, dev.BcdUSB)
	b = append(b, dev.BDeviceClass, dev.BDeviceSubClass, dev.BDeviceProtocol, dev.BMaxPacketSize0)
	b = binary.LittleEndian.AppendUint16(b, dev.IDVendor)
	b = binary.LittleEndian.AppendUint16(b, dev.IDProduct)
	b = binary.LittleEndian.AppendUint16(b, dev.BcdDevice)
	return append(b, dev.IManufacturer, dev.IProduct, dev.ISerialNumber, dev.BNumConfigurations)
}

// ConfigBytes returns the whole configuration block. wTotalLength,
// bNumInterfaces and each bNumEndpoints are derived from the lists.
func (d Descriptor) ConfigBytes() []byte {
	h := d.Config
	h.BNumInterfaces = uint8(len(d.Interfaces))
	b := h.Append(nil)
	for _, itf := range d.Interfaces {
		itf.Descriptor.BNumEndpoints = uint8(len(itf.Endpoints))
		b = itf.Descriptor.Append(b)
		for _, ep := range itf.Endpoints {
			b = ep.Append(b)
		}
		b = append(b, itf.Extra...)
	}
	binary.LittleEndian.PutUint16(b[2:4], uint16(len(b)))
	return b
}

// StringBytes returns the encoded string descriptor at index. Index 0 yields
// the language table.
func (d Descriptor) StringBytes(index uint8) ([]byte, bool) {
	if index == 0 {
		return EncodeLangIDDescriptor(LangIDEnglishUS), true
	}
	s, ok := d.Strings[index]
	if !ok {
		return nil, false
	}
	return EncodeStringDescriptor(s), true
}

// ConfigHeader represents the USB configuration descriptor header (9 bytes).
type ConfigHeader struct {
	WTotalLength        uint16 // LE, to be patched after building
	BNumInterfaces      uint8
	BConfigurationValue uint8
	IConfiguration      uint8
	BMAttributes        uint8
	BMaxPower           uint8 // units of 2mA
}

func (h ConfigHeader) Append(b []byte) []byte {
	b = append(b, ConfigDescLen, ConfigDescType)
	b = binary.LittleEndian.AppendUint16(b, h.WTotalLength)
	return append(b, h.BNumInterfaces, h.BConfigurationValue, h.IConfiguration, h.BMAttributes, h.BMaxPower)
}

// InterfaceDescriptor is one interface alternate setting.
type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
}

func (i InterfaceDescriptor) Append(b []byte) []byte {
	return append(b, InterfaceDescLen, InterfaceDescType,
		i.BInterfaceNumber, i.BAlternateSetting, i.BNumEndpoints,
		i.BInterfaceClass, i.BInterfaceSubClass, i.BInterfaceProtocol, i.IInterface)
}

// EndpointDescriptor describes one non-control endpoint.
type EndpointDescriptor struct {
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16 // LE
	BInterval        uint8
}

func (e EndpointDescriptor) Append(b []byte) []byte {
	b = append(b, EndpointDescLen, EndpointDescType, e.BEndpointAddress, e.BMAttributes)
	b = binary.LittleEndian.AppendUint16(b, e.WMaxPacketSize)
	return append(b, e.BInterval)
}

// IsIn reports whether the endpoint transfers device-to-host.
func (e EndpointDescriptor) IsIn() bool { return e.BEndpointAddress&EndpointDirIn != 0 }

// TransferType returns the transfer type bits of bmAttributes.
func (e EndpointDescriptor) TransferType() uint8 { return e.BMAttributes & TransferTypeMask }
