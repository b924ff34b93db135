// Package config holds the root command line of the usbtest binary.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/Alia5/usbtest/internal/cmd"
	"github.com/Alia5/usbtest/internal/log"
)

// CLI is parsed by kong. Values come from flags, USBTEST_ environment
// variables and the configuration files found by configpaths, in that
// order of precedence.
type CLI struct {
	Config string `help:"Configuration file (json, yaml or toml)" type:"path" env:"USBTEST_CONFIG"`
	Log    Log    `embed:"" prefix:"log."`

	Server    cmd.Server        `cmd:"" help:"Serve usbtest devices over USBIP and the management API"`
	Proxy     cmd.Proxy         `cmd:"" help:"Forward a USBIP server and log the decoded traffic"`
	Probe     cmd.Probe         `cmd:"" help:"Run host-side tests against a usbtest device"`
	ConfigCmd cmd.ConfigCommand `cmd:"" name:"config" help:"Configuration file helpers"`
	Install   cmd.Install       `cmd:"" help:"Install the server as a system service"`
	Uninstall cmd.Uninstall     `cmd:"" help:"Remove the system service"`
}

type Log struct {
	Level   string `help:"Log level" default:"info" enum:"trace,debug,info,warn,error" env:"USBTEST_LOG_LEVEL"`
	File    string `help:"Also write logs to this file" env:"USBTEST_LOG_FILE"`
	RawFile string `help:"Write a hex dump of all USBIP traffic to this file" env:"USBTEST_LOG_RAW_FILE"`
}

// Open builds the process logger and the raw traffic logger. done closes any
// files they write to.
func (l Log) Open() (logger *slog.Logger, raw log.RawLogger, done func(), err error) {
	logger, closers, err := log.SetupLogger(l.Level, l.File)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("log file: %w", err)
	}
	raw = log.NewRaw(nil)
	if l.RawFile != "" {
		f, err := os.OpenFile(l.RawFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Error("failed to open raw log file", "file", l.RawFile, "error", err)
		} else {
			raw = log.NewRaw(f)
			closers = append(closers, f)
		}
	}
	return logger, raw, func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}, nil
}
