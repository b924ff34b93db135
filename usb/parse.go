package usb

import (
	"encoding/binary"
	"errors"
	"unicode/utf16"
)

var (
	ErrDescriptorTooShort = errors.New("descriptor too short")
	ErrDescriptorType     = errors.New("descriptor type mismatch")
)

// ParseDeviceDescriptor decodes an 18 byte device descriptor.
func ParseDeviceDescriptor(data []byte) (DeviceDescriptor, error) {
	if len(data) < DeviceDescLen {
		return DeviceDescriptor{}, ErrDescriptorTooShort
	}
	if data[1] != DeviceDescType {
		return DeviceDescriptor{}, ErrDescriptorType
	}
	return DeviceDescriptor{
		BcdUSB:             binary.LittleEndian.Uint16(data[2:4]),
		BDeviceClass:       data[4],
		BDeviceSubClass:    data[5],
		BDeviceProtocol:    data[6],
		BMaxPacketSize0:    data[7],
		IDVendor:           binary.LittleEndian.Uint16(data[8:10]),
		IDProduct:          binary.LittleEndian.Uint16(data[10:12]),
		BcdDevice:          binary.LittleEndian.Uint16(data[12:14]),
		IManufacturer:      data[14],
		IProduct:           data[15],
		ISerialNumber:      data[16],
		BNumConfigurations: data[17],
	}, nil
}

// ParseConfigHeader decodes the 9 byte header of a configuration descriptor.
func ParseConfigHeader(data []byte) (ConfigHeader, error) {
	if len(data) < ConfigDescLen {
		return ConfigHeader{}, ErrDescriptorTooShort
	}
	if data[1] != ConfigDescType {
		return ConfigHeader{}, ErrDescriptorType
	}
	return ConfigHeader{
		WTotalLength:        binary.LittleEndian.Uint16(data[2:4]),
		BNumInterfaces:      data[4],
		BConfigurationValue: data[5],
		IConfiguration:      data[6],
		BMAttributes:        data[7],
		BMaxPower:           data[8],
	}, nil
}

// DecodeStringDescriptor returns the UTF-16LE text of a string descriptor.
func DecodeStringDescriptor(data []byte) (string, error) {
	if len(data) < 2 || int(data[0]) > len(data) || data[0] < 2 {
		return "", ErrDescriptorTooShort
	}
	if data[1] != StringDescType {
		return "", ErrDescriptorType
	}
	units := make([]uint16, 0, (data[0]-2)/2)
	for i := 2; i+1 < int(data[0]); i += 2 {
		units = append(units, binary.LittleEndian.Uint16(data[i:]))
	}
	return string(utf16.Decode(units)), nil
}

// ParseInterfaceDescriptor decodes the interface descriptor at the start of data.
func ParseInterfaceDescriptor(data []byte) (InterfaceDescriptor, error) {
	if len(data) < InterfaceDescLen || int(data[0]) < InterfaceDescLen {
		return InterfaceDescriptor{}, ErrDescriptorTooShort
	}
	if data[1] != InterfaceDescType {
		return InterfaceDescriptor{}, ErrDescriptorType
	}
	return InterfaceDescriptor{
		BInterfaceNumber:   data[2],
		BAlternateSetting:  data[3],
		BNumEndpoints:      data[4],
		BInterfaceClass:    data[5],
		BInterfaceSubClass: data[6],
		BInterfaceProtocol: data[7],
		IInterface:         data[8],
	}, nil
}

// ParseEndpointDescriptor decodes the endpoint descriptor at the start of data.
func ParseEndpointDescriptor(data []byte) (EndpointDescriptor, error) {
	if len(data) < EndpointDescLen || int(data[0]) < EndpointDescLen {
		return EndpointDescriptor{}, ErrDescriptorTooShort
	}
	if data[1] != EndpointDescType {
		return EndpointDescriptor{}, ErrDescriptorType
	}
	return EndpointDescriptor{
		BEndpointAddress: data[2],
		BMAttributes:     data[3],
		WMaxPacketSize:   binary.LittleEndian.Uint16(data[4:6]),
		BInterval:        data[6],
	}, nil
}

// NextDescriptor returns data advanced past the descriptor at its start.
// A zero or overlong bLength yields nil so walkers terminate.
func NextDescriptor(data []byte) []byte {
	if len(data) < 2 {
		return nil
	}
	n := int(data[0])
	if n == 0 || n > len(data) {
		return nil
	}
	return data[n:]
}

// FindEndpoints walks data, skipping non-endpoint descriptors, and returns
// the first count endpoint descriptors found.
func FindEndpoints(data []byte, count int) ([]EndpointDescriptor, error) {
	eps := make([]EndpointDescriptor, 0, count)
	for p := data; len(eps) < count; p = NextDescriptor(p) {
		if len(p) < 2 {
			return nil, ErrDescriptorTooShort
		}
		if p[1] != EndpointDescType {
			continue
		}
		ep, err := ParseEndpointDescriptor(p)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, nil
}
