package usbtest

import (
	"github.com/Alia5/usbtest/usb"
	"github.com/Alia5/usbtest/usbd"
)

// ControlBufferSize is the size of the control response scratch buffer.
const ControlBufferSize = 256

// controlDispatcher answers the interface requests the stack forwards. The
// scratch buffer is written and handed to the stack within one setup stage
// call, and the stack copies it before returning, so it is never shared
// between two requests.
type controlDispatcher struct {
	scratch [ControlBufferSize]byte
}

// dispatch returns true when the request was handled. Only the setup stage
// carries work; data and status stages are acknowledged.
func (c *controlDispatcher) dispatch(s Scheduler, stage usbd.ControlStage, req *usb.SetupPacket) bool {
	if stage != usbd.StageSetup {
		return true
	}
	if req.Request != usb.RequestGetStatus ||
		req.Type() != usb.RequestTypeStandard ||
		req.Recipient() != usb.RecipientInterface ||
		!req.IsIn() {
		return false
	}
	n := min(int(req.Length), 2)
	clear(c.scratch[:n])
	return s.SendControlResponse(req, c.scratch[:n]) == nil
}
