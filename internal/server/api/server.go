package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/Alia5/usbtest/device"
	"github.com/Alia5/usbtest/internal/server/api/auth"
	"github.com/Alia5/usbtest/internal/server/usb"
	"github.com/Alia5/usbtest/virtualbus"
)

// Server is the management API: one request per TCP connection, or a
// long-lived device stream.
type Server struct {
	usbs   *usb.Server
	addr   string
	config ServerConfig
	logger *slog.Logger
	router *Router
	// key is set when a password is configured; every connection must
	// then open with the auth handshake.
	key []byte
	ln  net.Listener
}

func New(s *usb.Server, addr string, config ServerConfig, logger *slog.Logger) *Server {
	a := &Server{usbs: s, addr: addr, config: config, logger: logger, router: NewRouter()}
	if config.Password != "" {
		key, err := auth.DeriveKey(config.Password)
		if err != nil {
			logger.Error("derive api key", "error", err)
		}
		a.key = key
	}
	return a
}

func (a *Server) Router() *Router      { return a.router }
func (a *Server) USB() *usb.Server     { return a.usbs }
func (a *Server) Config() ServerConfig { return a.config }

// Start binds the listener and serves in the background.
func (a *Server) Start() error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	a.ln = ln
	a.logger.Info("API listening", "addr", ln.Addr().String(), "auth", a.key != nil)
	go a.acceptLoop()
	return nil
}

// Addr is the bound address, or the configured one before Start.
func (a *Server) Addr() string {
	if a.ln == nil {
		return a.addr
	}
	return a.ln.Addr().String()
}

func (a *Server) Close() {
	if a.ln != nil {
		_ = a.ln.Close()
	}
}

func (a *Server) acceptLoop() {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				a.logger.Info("API server stopped")
			} else {
				a.logger.Error("API accept error", "error", err)
			}
			return
		}
		go a.handleConn(conn)
	}
}

// ArmDisconnectTimer removes the device from bus unless a device stream or
// a USBIP import claims it within DeviceHandlerConnectTimeout.
func (a *Server) ArmDisconnectTimer(devCtx context.Context, bus *virtualbus.VirtualBus, logger *slog.Logger) {
	timeout := a.config.DeviceHandlerConnectTimeout
	timer, meta := device.GetConnTimer(devCtx), device.GetDeviceMeta(devCtx)
	if timeout <= 0 || timer == nil || meta == nil {
		return
	}
	timer.Reset(timeout)
	go func() {
		select {
		case <-devCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		id := strconv.FormatUint(uint64(meta.DevId), 10)
		log := logger.With("busID", meta.BusId, "deviceID", id)
		if err := bus.RemoveDeviceByID(id); err != nil {
			log.Debug("disconnect timeout: device already gone", "error", err)
			return
		}
		log.Info("disconnect timeout: removed device", "after", timeout.Round(time.Millisecond))
	}()
}
