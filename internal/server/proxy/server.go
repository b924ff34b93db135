// Package proxy implements a USBIP tap: it forwards host connections to an
// upstream USBIP server and logs the decoded exchange, including the
// round-trip time of every URB.
package proxy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/Alia5/usbtest/internal/log"
)

// Config places the tap between hosts and an upstream server.
type Config struct {
	Listen   string
	Upstream string
	// Timeout bounds the upstream dial and the wait for the host's
	// first request.
	Timeout time.Duration
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	raw    log.RawLogger

	mu    sync.Mutex
	ln    net.Listener
	ready chan struct{}
}

func New(cfg Config, logger *slog.Logger, raw log.RawLogger) *Server {
	if raw == nil {
		raw = log.NewRaw(nil)
	}
	return &Server{cfg: cfg, logger: logger, raw: raw, ready: make(chan struct{})}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is nil until Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	close(s.ready)
	s.logger.Info("USBIP tap listening", "addr", ln.Addr().String(), "upstream", s.cfg.Upstream)

	for {
		host, err := ln.Accept()
		switch {
		case errors.Is(err, net.ErrClosed):
			s.logger.Info("USBIP tap stopped")
			return nil
		case err != nil:
			s.logger.Error("accept error", "error", err)
		default:
			go s.relay(host)
		}
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

// relay pipes one host connection through to upstream, decoding both
// directions, and logs a summary once both sides are done.
func (s *Server) relay(host net.Conn) {
	defer host.Close()
	logger := s.logger.With("remote", host.RemoteAddr().String())

	dev, err := net.DialTimeout("tcp", s.cfg.Upstream, s.cfg.Timeout)
	if err != nil {
		logger.Error("failed to connect to upstream", "upstream", s.cfg.Upstream, "error", err)
		return
	}
	defer dev.Close()
	logger.Info("client connected", "upstream", dev.RemoteAddr().String())

	// only the first request is timed; an imported device may idle
	if s.cfg.Timeout > 0 {
		_ = host.SetReadDeadline(time.Now().Add(s.cfg.Timeout))
	}

	tap := newConnTap(logger)
	var wg sync.WaitGroup
	wg.Go(func() {
		in := tee{Reader: host, raw: s.raw, hostToDev: true}
		err := tap.forwardHost(in, dev, func() { _ = host.SetReadDeadline(time.Time{}) })
		s.finish(logger, "host->device", err, dev, host)
	})
	wg.Go(func() {
		err := tap.forwardDevice(tee{Reader: dev, raw: s.raw}, host)
		s.finish(logger, "device->host", err, host, dev)
	})
	wg.Wait()
	tap.summary()
}

// finish ends one direction: no more writes to dst, no more reads from src.
func (s *Server) finish(logger *slog.Logger, dir string, err error, dst, src net.Conn) {
	if err != nil && !expectedDisconnect(err) {
		logger.Debug(dir+" stream error", "error", err)
	}
	if tc, ok := dst.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	if tc, ok := src.(*net.TCPConn); ok {
		_ = tc.CloseRead()
	}
}

// tee copies every chunk read to the raw traffic log.
type tee struct {
	io.Reader
	raw       log.RawLogger
	hostToDev bool
}

func (t tee) Read(p []byte) (int, error) {
	n, err := t.Reader.Read(p)
	if n > 0 {
		t.raw.Log(t.hostToDev, p[:n])
	}
	return n, err
}

func expectedDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection reset", "broken pipe", "forcibly closed"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
