//go:build linux

package api

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"

	"github.com/Alia5/usbtest/usbip"
)

// usbipTool is the userspace USBIP client looked up on PATH.
var usbipTool = "usbip"

// procModules lists the loaded kernel modules.
var procModules = "/proc/modules"

func attachLocalhostClientImpl(ctx context.Context, meta *usbip.ExportMeta, port uint16, _ bool, logger *slog.Logger) error {
	return attachViaCommand(ctx, usbipTool, meta, port, logger)
}

// CheckAutoAttachPrerequisites needs the usbip tool and a loaded vhci-hcd.
// Missing pieces are logged with install hints.
func CheckAutoAttachPrerequisites(_ bool, logger *slog.Logger) bool {
	haveTool := true
	if _, err := exec.LookPath(usbipTool); err != nil {
		haveTool = false
		logger.Warn("usbip tool not found in PATH; auto-attach needs it")
		logger.Info("install usbip: Ubuntu/Debian 'sudo apt install linux-tools-generic', Arch 'sudo pacman -S usbip'")
	}

	haveVHCI := true
	if modules, err := os.ReadFile(procModules); err != nil {
		logger.Debug("could not read kernel module list", "path", procModules, "error", err)
	} else if !bytes.Contains(modules, []byte("vhci_hcd")) {
		haveVHCI = false
		logger.Warn("kernel module vhci-hcd is not loaded; auto-attach will fail")
		logger.Info("load it with 'sudo modprobe vhci-hcd', or at boot via /etc/modules-load.d/usbtest.conf")
	}
	return haveTool && haveVHCI
}
