package usbtest

import "errors"

var (
	// ErrUnsupportedInterface is returned by Open for an interface whose
	// class is not vendor specific.
	ErrUnsupportedInterface = errors.New("usbtest: unsupported interface class")
	// ErrDescriptorTooLong is returned by Open when the interface and its
	// endpoint descriptors do not fit in the bytes the stack offered.
	ErrDescriptorTooLong = errors.New("usbtest: interface descriptor exceeds offered length")
	// ErrResourceExhausted wraps failures to open endpoints or to arm a
	// transfer on them.
	ErrResourceExhausted = errors.New("usbtest: endpoint resources exhausted")
	// ErrUnknownEndpoint is returned for a completion on an endpoint the
	// active engine does not own.
	ErrUnknownEndpoint = errors.New("usbtest: completion for unknown endpoint")
	// ErrSpuriousCompletion is returned for a completion that arrives with
	// no engine enabled or on a direction with nothing armed.
	ErrSpuriousCompletion = errors.New("usbtest: spurious completion")
	// ErrTransferFailed is returned when the stack reports a failed or
	// stalled transfer. The direction stays unarmed until the next enable.
	ErrTransferFailed = errors.New("usbtest: transfer failed")
	// ErrAlreadyArmed is returned when a direction is armed twice.
	ErrAlreadyArmed = errors.New("usbtest: direction already armed")
)
