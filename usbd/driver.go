package usbd

import "github.com/Alia5/usbtest/usb"

// ClassDriver is implemented by the function behind one or more interfaces.
// All callbacks run with the stack lock held and must not block; from inside
// a callback the driver may call the stack's OpenEndpointPair,
// SubmitTransfer, CloseEndpoint and SendControlResponse.
type ClassDriver interface {
	// Init is called once when the driver is bound to a stack.
	Init()
	// Reset is called on bus reset, unconfigure and host detach.
	Reset(port uint8)
	// Open is offered every interface descriptor of the selected
	// configuration. desc starts at the interface descriptor and maxLen
	// bytes remain in the configuration block. It returns the number of
	// bytes it consumed.
	Open(port uint8, desc []byte, maxLen uint16) (uint16, error)
	// ControlRequest handles a request addressed to an interface, or a
	// class or vendor request. Returning false at StageSetup stalls the
	// request unless the stack has a default for it.
	ControlRequest(port uint8, stage ControlStage, req *usb.SetupPacket) bool
	// TransferComplete is called once per finished transfer.
	TransferComplete(port uint8, ep uint8, result TransferResult, n uint32) error
}
