package usbtest

import (
	"fmt"

	"github.com/Alia5/usbtest/usb"
)

// endpointPair holds the OUT and IN addresses of an open bulk pair. A zero
// address means closed; both are zero or both are set.
type endpointPair struct {
	out uint8
	in  uint8
}

func (p *endpointPair) open(s Scheduler, desc []byte) error {
	out, in, err := s.OpenEndpointPair(desc, usb.TransferTypeBulk)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	p.out, p.in = out, in
	return nil
}

func (p *endpointPair) close(s Scheduler) {
	closeEndpoint(s, &p.out)
	closeEndpoint(s, &p.in)
}

func (p *endpointPair) isOpen() bool { return p.out != 0 && p.in != 0 }

// direction maps an endpoint address to dirOut or dirIn.
func (p *endpointPair) direction(addr uint8) (int, bool) {
	switch {
	case addr == 0:
		return 0, false
	case addr == p.out:
		return dirOut, true
	case addr == p.in:
		return dirIn, true
	}
	return 0, false
}

// closeEndpoint releases *addr and zeroes it. A zero address is left alone.
func closeEndpoint(s Scheduler, addr *uint8) {
	if *addr == 0 {
		return
	}
	s.CloseEndpoint(*addr)
	*addr = 0
}

// validateInterface checks that desc starts with a vendor specific interface
// descriptor whose endpoint block fits in maxLen. It returns the length the
// interface and its endpoints occupy.
func validateInterface(desc []byte, maxLen uint16) (usb.InterfaceDescriptor, uint16, error) {
	itf, err := usb.ParseInterfaceDescriptor(desc)
	if err != nil {
		return itf, 0, fmt.Errorf("%w: %w", ErrUnsupportedInterface, err)
	}
	if itf.BInterfaceClass != usb.ClassVendorSpecific {
		return itf, 0, fmt.Errorf("%w: class 0x%02x", ErrUnsupportedInterface, itf.BInterfaceClass)
	}
	need := uint16(usb.InterfaceDescLen) + uint16(itf.BNumEndpoints)*uint16(usb.EndpointDescLen)
	if need > maxLen {
		return itf, 0, fmt.Errorf("%w: need %d bytes, %d offered", ErrDescriptorTooLong, need, maxLen)
	}
	return itf, need, nil
}
