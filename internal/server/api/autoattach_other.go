//go:build !linux && !windows

package api

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/Alia5/usbtest/usbip"
)

func attachLocalhostClientImpl(context.Context, *usbip.ExportMeta, uint16, bool, *slog.Logger) error {
	return fmt.Errorf("auto-attach is not supported on %s", runtime.GOOS)
}

func CheckAutoAttachPrerequisites(_ bool, logger *slog.Logger) bool {
	logger.Warn("auto-attach is not supported on this platform", "os", runtime.GOOS)
	return false
}
