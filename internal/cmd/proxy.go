package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Alia5/usbtest/internal/log"
	"github.com/Alia5/usbtest/internal/server/proxy"
)

// Proxy runs a USBIP tap between a host and a usbtest server.
type Proxy struct {
	ListenAddr        string        `help:"Tap listen address" default:":3240" env:"USBTEST_PROXY_ADDR"`
	UpstreamAddr      string        `help:"Upstream USBIP server address" default:"localhost:3241" env:"USBTEST_PROXY_UPSTREAM"`
	ConnectionTimeout time.Duration `help:"Timeout for dialing upstream and for the first host request" default:"30s" env:"USBTEST_PROXY_TIMEOUT"`
}

// Run serves the tap until SIGINT or SIGTERM.
func (p *Proxy) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	if p.UpstreamAddr == "" {
		return errors.New("upstream address is empty")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runUntil(ctx, proxy.New(proxy.Config{
		Listen:   p.ListenAddr,
		Upstream: p.UpstreamAddr,
		Timeout:  p.ConnectionTimeout,
	}, logger, rawLogger), func() { logger.Info("shutting down USBIP tap") })
}

// listener is a server with a blocking serve loop that Close ends.
type listener interface {
	ListenAndServe() error
	Close() error
}

// runUntil serves l until it fails or ctx is done. A shutdown through ctx
// is not an error.
func runUntil(ctx context.Context, l listener, onStop func()) error {
	errCh := make(chan error, 1)
	go func() { errCh <- l.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if onStop != nil {
			onStop()
		}
		_ = l.Close()
		<-errCh
		return nil
	}
}
