package usb

// URB completion status values, negative Linux errno as carried by USBIP.
const (
	StatusOK        int32 = 0
	StatusNoEntry   int32 = -2   // -ENOENT
	StatusStall     int32 = -32  // -EPIPE
	StatusConnReset int32 = -104 // -ECONNRESET
	StatusShutdown  int32 = -108 // -ESHUTDOWN
)

// URB is a single host transfer request addressed to one endpoint of a device.
type URB struct {
	Seqnum   uint32
	Endpoint uint8 // endpoint number without the direction bit
	In       bool
	Setup    SetupPacket // control transfers only
	Data     []byte      // OUT payload
	Length   uint32      // IN buffer length requested by the host

	// Complete is called exactly once with the outcome. data carries the IN
	// payload and actual the number of bytes transferred in either direction.
	Complete func(status int32, data []byte, actual uint32)
}

// Address returns the endpoint address including the direction bit.
func (u *URB) Address() uint8 {
	if u.In {
		return u.Endpoint | EndpointDirIn
	}
	return u.Endpoint
}

// Device is the interface a virtual device exposes to the USBIP transport.
// Submit may complete the URB before returning or at any later time.
type Device interface {
	GetDescriptor() *Descriptor
	// Submit queues a host URB. Its Complete callback may be called from
	// any later Submit, Unlink or Detach call.
	Submit(urb *URB)
	// Unlink cancels a queued URB. It returns false when the URB already
	// completed or is unknown.
	Unlink(seqnum uint32) bool
	// Detach is called when the importing host connection ends.
	Detach()
}
