package usbtest

import (
	"github.com/Alia5/usbtest/usb"
)

// Scheduler is the part of the device stack the engines drive. usbd.Stack
// implements it; tests substitute a recording fake.
type Scheduler interface {
	// OpenEndpointPair opens the OUT and IN endpoints described after the
	// interface descriptor at desc.
	OpenEndpointPair(desc []byte, xferType uint8) (out, in uint8, err error)
	// SubmitTransfer arms buf on ep.
	SubmitTransfer(ep uint8, buf []byte) error
	// CloseEndpoint releases ep and discards anything armed on it.
	CloseEndpoint(ep uint8)
	// SendControlResponse answers the control request being handled.
	SendControlResponse(req *usb.SetupPacket, buf []byte) error
}
