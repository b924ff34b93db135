// Package usbd is a device-side USB stack. It owns the endpoint table of one
// virtual device, matches host URBs against transfers armed by a class
// driver, answers standard EP0 requests and delivers transfer completions
// to the driver one at a time.
package usbd

import (
	"errors"
)

// TransferResult is the outcome of a finished device-side transfer.
type TransferResult uint8

const (
	ResultSuccess TransferResult = iota
	// ResultFailed is any outcome other than success.
	ResultFailed
)

func (r TransferResult) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFailed:
		return "failed"
	}
	return "unknown"
}

// ControlStage identifies the phase of a control transfer handed to a driver.
type ControlStage uint8

const (
	StageSetup ControlStage = iota
	StageData
	StageAck
)

func (s ControlStage) String() string {
	switch s {
	case StageSetup:
		return "setup"
	case StageData:
		return "data"
	case StageAck:
		return "ack"
	}
	return "unknown"
}

var (
	ErrBusy          = errors.New("usbd: endpoint already has a transfer armed")
	ErrNoEndpoint    = errors.New("usbd: endpoint not open")
	ErrNoResources   = errors.New("usbd: no endpoint resources")
	ErrNoControl     = errors.New("usbd: no control transfer in progress")
	ErrBadDescriptor = errors.New("usbd: unusable endpoint descriptor")
)

// IsSubmitFailure reports whether err stems from a rejected transfer
// submission. The stack resets the driver when a completion handler
// returns such an error, since the affected endpoint can no longer make
// progress.
func IsSubmitFailure(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrNoEndpoint)
}
