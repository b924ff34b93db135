package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Alia5/usbtest/internal/configpaths"
	"github.com/Alia5/usbtest/internal/log"
	"github.com/Alia5/usbtest/internal/server/api"
	"github.com/Alia5/usbtest/internal/server/api/auth"
	"github.com/Alia5/usbtest/internal/server/api/handler"
	"github.com/Alia5/usbtest/internal/server/usb"
)

const keyFileName = "usbtest.key.txt"

type Server struct {
	UsbServerConfig   usb.ServerConfig `embed:"" prefix:"usb."`
	ApiServerConfig   api.ServerConfig `embed:"" prefix:"api."`
	ConnectionTimeout time.Duration    `help:"Timeout for the first request on a new connection" default:"30s" env:"USBTEST_CONNECTION_TIMEOUT"`
	RequireAuth       bool             `help:"Require an API password; one is generated into the key file when none is configured" default:"false" env:"USBTEST_REQUIRE_AUTH"`
	KeyFile           string           `help:"API password file (defaults to usbtest.key.txt in the config directory)" env:"USBTEST_KEY_FILE"`
}

// Run serves until SIGINT or SIGTERM.
func (s *Server) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.StartServer(ctx, logger, rawLogger)
}

// StartServer runs the USBIP and API servers until ctx is done or the USBIP
// server fails.
func (s *Server) StartServer(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	return s.Serve(ctx, logger, rawLogger, nil)
}

// Serve is StartServer with a hook that receives both servers once they
// are listening.
func (s *Server) Serve(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger, started func(*usb.Server, *api.Server)) error {
	if s.ApiServerConfig.Addr == "" {
		return errors.New("API server address must be set (default :3242)")
	}
	s.UsbServerConfig.ConnectionTimeout = s.ConnectionTimeout
	s.ApiServerConfig.ConnectionTimeout = s.ConnectionTimeout
	if err := s.resolvePassword(logger); err != nil {
		return err
	}
	if s.ApiServerConfig.Password == "" {
		logger.Warn("management API is unauthenticated; use --require-auth or --api.password to protect it")
	}

	logger.Info("starting usbtest USBIP server", "addr", s.UsbServerConfig.Addr)
	usbSrv := usb.New(s.UsbServerConfig, logger, rawLogger)
	usbDone := make(chan error, 1)
	go func() { usbDone <- usbSrv.ListenAndServe() }()
	select {
	case err := <-usbDone:
		return err
	case <-usbSrv.Ready():
	}
	stopUSB := func() error {
		_ = usbSrv.Close()
		return <-usbDone
	}

	apiSrv := api.New(usbSrv, s.ApiServerConfig.Addr, s.ApiServerConfig, logger)
	RegisterRoutes(apiSrv)
	if s.ApiServerConfig.AutoAttachLocalClient && !apiSrv.CheckAutoAttach() {
		logger.Warn("auto-attach prerequisites not met; attaching devices will fail until they are")
		logger.Info("auto-attach can be disabled with --api.auto-attach-local-client=false")
	}
	if err := apiSrv.Start(); err != nil {
		logger.Error("failed to start API server", "error", err)
		_ = stopUSB()
		return err
	}
	defer apiSrv.Close()
	if started != nil {
		started(usbSrv, apiSrv)
	}

	select {
	case err := <-usbDone:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		return stopUSB()
	}
}

// RegisterRoutes installs the management API routes on apiSrv.
func RegisterRoutes(apiSrv *api.Server) {
	usbSrv := apiSrv.USB()
	r := apiSrv.Router()
	r.Register("ping", handler.Ping())
	r.Register("bus/list", handler.BusList(usbSrv))
	r.Register("bus/create", handler.BusCreate(usbSrv))
	r.Register("bus/remove", handler.BusRemove(usbSrv))
	r.Register("bus/{id}/list", handler.BusDevicesList(usbSrv))
	r.Register("bus/{id}/add", handler.BusDeviceAdd(usbSrv, apiSrv))
	r.Register("bus/{id}/remove", handler.BusDeviceRemove(usbSrv))
	r.Register("bus/{id}/{devId}/stats", handler.DeviceStats(usbSrv))
	r.Register("bus/{id}/{devId}/reset", handler.DeviceReset(usbSrv))
	r.RegisterStream("bus/{busId}/{deviceid}", api.DeviceStreamHandler())
}

// keyPath is KeyFile, or the key file in the config directory.
func (s *Server) keyPath() (string, error) {
	if s.KeyFile != "" {
		return s.KeyFile, nil
	}
	dir, err := configpaths.DefaultConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve key file path: %w", err)
	}
	return filepath.Join(dir, keyFileName), nil
}

// resolvePassword fills in the API password from the key file unless one
// was configured. With RequireAuth and no key file a password is
// generated and stored there.
func (s *Server) resolvePassword(logger *slog.Logger) error {
	if s.ApiServerConfig.Password != "" {
		return nil
	}
	path, err := s.keyPath()
	if err != nil {
		if s.RequireAuth {
			return err
		}
		return nil
	}

	if stored, err := os.ReadFile(path); err == nil {
		s.ApiServerConfig.Password = strings.TrimSpace(string(stored))
		logger.Info("using API password from key file", "path", path)
		return nil
	}
	if !s.RequireAuth {
		return nil
	}

	password, err := auth.GenerateKey()
	if err != nil {
		return fmt.Errorf("failed to generate new API password: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory for key file: %w", err)
	}
	if err := os.WriteFile(path, []byte(password), 0o600); err != nil {
		return fmt.Errorf("failed to write new API password to file: %w", err)
	}
	s.ApiServerConfig.Password = password
	logger.Info("generated API server password; edit the key file to change it", "path", path, "password", password)
	return nil
}
