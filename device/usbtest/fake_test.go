package usbtest

import (
	"errors"
	"fmt"

	"github.com/Alia5/usbtest/usb"
)

// fakeScheduler records every call the engines make and tracks which
// endpoints have a transfer outstanding.
type fakeScheduler struct {
	open      map[uint8]bool
	armed     map[uint8][]byte
	calls     []string
	failOpen  error
	failArm   map[uint8]error
	response  []byte
	responses int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		open:    make(map[uint8]bool),
		armed:   make(map[uint8][]byte),
		failArm: make(map[uint8]error),
	}
}

func (f *fakeScheduler) OpenEndpointPair(desc []byte, xferType uint8) (uint8, uint8, error) {
	f.calls = append(f.calls, "open")
	if f.failOpen != nil {
		return 0, 0, f.failOpen
	}
	eps, err := usb.FindEndpoints(desc, 2)
	if err != nil {
		return 0, 0, err
	}
	var out, in uint8
	for _, e := range eps {
		if e.TransferType() != xferType {
			return 0, 0, errors.New("wrong transfer type")
		}
		if e.IsIn() {
			in = e.BEndpointAddress
		} else {
			out = e.BEndpointAddress
		}
	}
	f.open[out], f.open[in] = true, true
	return out, in, nil
}

func (f *fakeScheduler) SubmitTransfer(ep uint8, buf []byte) error {
	f.calls = append(f.calls, fmt.Sprintf("submit 0x%02x %d", ep, len(buf)))
	if err := f.failArm[ep]; err != nil {
		return err
	}
	if !f.open[ep] {
		return errors.New("endpoint not open")
	}
	if _, busy := f.armed[ep]; busy {
		return errors.New("endpoint busy")
	}
	f.armed[ep] = buf
	return nil
}

func (f *fakeScheduler) CloseEndpoint(ep uint8) {
	f.calls = append(f.calls, fmt.Sprintf("close 0x%02x", ep))
	delete(f.open, ep)
	delete(f.armed, ep)
}

func (f *fakeScheduler) SendControlResponse(req *usb.SetupPacket, buf []byte) error {
	f.responses++
	f.response = append([]byte(nil), buf...)
	return nil
}

// complete takes the transfer armed on ep off the fake, as the stack does
// before it reports the completion.
func (f *fakeScheduler) complete(ep uint8) []byte {
	buf := f.armed[ep]
	delete(f.armed, ep)
	return buf
}

func (f *fakeScheduler) resetCalls() { f.calls = nil }

// interfaceBlock returns the interface and endpoint descriptors of the
// default configuration.
func interfaceBlock(class uint8) []byte {
	desc := Descriptor(ModeSourceSink, DefaultVendorID, DefaultProductID)
	desc.Interfaces[0].Descriptor.BInterfaceClass = class
	return desc.ConfigBytes()[usb.ConfigDescLen:]
}
