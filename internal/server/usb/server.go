// Package usb serves the virtual buses over USBIP: device lists, imports and
// the URB stream of every imported device.
package usb

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/Alia5/usbtest/internal/log"
	"github.com/Alia5/usbtest/virtualbus"
)

type Server struct {
	config    ServerConfig
	logger    *slog.Logger
	rawLogger log.RawLogger

	mu    sync.Mutex
	buses map[uint32]*virtualbus.VirtualBus

	ln    net.Listener
	ready chan struct{}
}

func New(config ServerConfig, logger *slog.Logger, rawLogger log.RawLogger) *Server {
	return &Server{
		config:    config,
		logger:    logger,
		rawLogger: rawLogger,
		buses:     map[uint32]*virtualbus.VirtualBus{},
		ready:     make(chan struct{}),
	}
}

// AddBus exports bus. Bus numbers are unique per server.
func (s *Server) AddBus(bus *virtualbus.VirtualBus) error {
	if bus == nil {
		return errors.New("bus is nil")
	}
	id := bus.BusID()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buses[id] != nil {
		return fmt.Errorf("bus %d already registered", id)
	}
	s.buses[id] = bus
	return nil
}

// RemoveBus stops exporting busID and closes it. Devices still on the bus
// are removed, which ends their URB streams.
func (s *Server) RemoveBus(busID uint32) error {
	s.mu.Lock()
	bus := s.buses[busID]
	delete(s.buses, busID)
	s.mu.Unlock()
	if bus == nil {
		return fmt.Errorf("bus %d not found", busID)
	}

	devices := bus.Devices()
	if len(devices) > 0 {
		s.logger.Warn("removing non-empty bus", "bus", busID, "devices", len(devices))
	}
	for _, dev := range devices {
		_ = bus.Remove(dev)
	}
	return bus.Close()
}

func (s *Server) RemoveDeviceByID(busID uint32, deviceID string) error {
	bus := s.GetBus(busID)
	if bus == nil {
		return fmt.Errorf("bus %d not found", busID)
	}
	return bus.RemoveDeviceByID(deviceID)
}

// ListBuses returns the exported bus numbers in ascending order.
func (s *Server) ListBuses() []uint32 {
	s.mu.Lock()
	ids := make([]uint32, 0, len(s.buses))
	for id := range s.buses {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// GetBus returns nil for an unknown bus.
func (s *Server) GetBus(busID uint32) *virtualbus.VirtualBus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buses[busID]
}

// exports lists every device on every bus, lowest bus first.
func (s *Server) exports() []virtualbus.DeviceMeta {
	var out []virtualbus.DeviceMeta
	for _, id := range s.ListBuses() {
		if bus := s.GetBus(id); bus != nil {
			out = append(out, bus.GetAllDeviceMetas()...)
		}
	}
	return out
}

// ListenAndServe accepts USBIP connections until Close.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	close(s.ready)
	s.logger.Info("USBIP server listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			s.logger.Info("USBIP server stopped")
			return nil
		}
		if err != nil {
			s.logger.Error("Accept error", "error", err)
			continue
		}
		go s.serve(conn)
	}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the bound address, or the configured one before binding.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.config.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

// GetListenPort returns the TCP port of Addr, or 0 if it has none.
func (s *Server) GetListenPort() uint16 {
	_, port, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return 0
	}
	p, _ := strconv.ParseUint(port, 10, 16)
	return uint16(p)
}
