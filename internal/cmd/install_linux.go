//go:build linux

package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

const unitName = "usbtest.service"

var (
	unitPath = "/etc/systemd/system/" + unitName
	// systemd services have no HOME, the key goes next to the system config
	serviceKeyFile = "/etc/usbtest/" + keyFileName

	systemctl = func(args ...string) error {
		out, err := exec.Command("systemctl", args...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("systemctl %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
		}
		return nil
	}
)

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=usbtest Gadget Zero USBIP server
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{printf "%q" .Exe}} server --require-auth --key-file={{.KeyFile}}
WorkingDirectory={{.Dir}}
Restart=on-failure
RestartSec=2

[Install]
WantedBy=multi-user.target
`))

func systemdUnit(exe string) (string, error) {
	var b bytes.Buffer
	err := unitTemplate.Execute(&b, struct{ Exe, KeyFile, Dir string }{exe, serviceKeyFile, filepath.Dir(exe)})
	return b.String(), err
}

func install(logger *slog.Logger) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	unit, err := systemdUnit(exe)
	if err != nil {
		return err
	}
	if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
		return fmt.Errorf("write unit: %w", err)
	}
	for _, step := range [][]string{{"daemon-reload"}, {"enable", unitName}, {"restart", unitName}} {
		if err := systemctl(step...); err != nil {
			return err
		}
	}
	logger.Info("systemd service installed", "unit", unitPath, "exe", exe)
	return nil
}

// uninstall runs every step and reports the joined failures.
func uninstall(logger *slog.Logger) error {
	errs := []error{
		systemctl("stop", unitName),
		systemctl("disable", unitName),
	}
	if err := os.Remove(unitPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	errs = append(errs, systemctl("daemon-reload"))
	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Info("systemd service removed", "unit", unitPath)
	return nil
}
