package api

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/Alia5/usbtest/usbip"
)

// AttachLocalhostClient imports the device into the local host through the
// platform's USBIP client.
func (a *Server) AttachLocalhostClient(ctx context.Context, meta *usbip.ExportMeta, logger *slog.Logger) error {
	port := a.usbs.GetListenPort()
	if port == 0 {
		return fmt.Errorf("usbip server is not listening")
	}
	logger.Info("auto-attaching localhost client", "busID", meta.BusId, "deviceID", meta.DevId, "port", port)
	return attachLocalhostClientImpl(ctx, meta, port, a.config.nativeAttach(), logger)
}

// CheckAutoAttach reports whether the local USBIP client needed for
// auto-attach is available, logging hints when it is not.
func (a *Server) CheckAutoAttach() bool {
	return CheckAutoAttachPrerequisites(a.config.nativeAttach(), a.logger)
}

// attachViaCommand runs "<tool> --tcp-port N attach -r localhost -b B-D".
func attachViaCommand(ctx context.Context, tool string, meta *usbip.ExportMeta, port uint16, logger *slog.Logger) error {
	busID := fmt.Sprintf("%d-%d", meta.BusId, meta.DevId)
	cmd := exec.CommandContext(ctx, tool,
		"--tcp-port", strconv.FormatUint(uint64(port), 10),
		"attach", "-r", "localhost", "-b", busID,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.Error("usbip attach failed", "busID", busID, "port", port, "error", err, "output", string(output))
		return fmt.Errorf("%s attach %s: %w", tool, busID, err)
	}
	logger.Debug("usbip attach output", "output", string(output))
	return nil
}
