// Package device holds what every exported device shares: the create
// options sent over the management API and the per-device context values
// set by the virtual bus.
package device

import (
	"context"
	"time"

	"github.com/Alia5/usbtest/usbip"
)

type contextKey int

const (
	// ExportMetaKey holds the *usbip.ExportMeta of the device.
	ExportMetaKey contextKey = iota
	// ConnTimerKey holds the *time.Timer that removes the device unless a
	// monitor stream or a USBIP import claims it in time.
	ConnTimerKey
)

func value[T any](ctx context.Context, key contextKey) T {
	v, _ := ctx.Value(key).(T)
	return v
}

// GetDeviceMeta returns the bus identity of the device, nil outside a
// device context.
func GetDeviceMeta(ctx context.Context) *usbip.ExportMeta {
	return value[*usbip.ExportMeta](ctx, ExportMetaKey)
}

// GetConnTimer returns the connect timer of the device, nil outside a
// device context.
func GetConnTimer(ctx context.Context) *time.Timer {
	return value[*time.Timer](ctx, ConnTimerKey)
}
