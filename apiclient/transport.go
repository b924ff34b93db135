package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/Alia5/usbtest/internal/server/api/auth"
)

// Config holds the transport timeouts. A zero timeout disables it.
type Config struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Password switches to the authenticated, encrypted protocol.
	Password string
}

// DefaultConfig is used when no Config is given.
var DefaultConfig = Config{
	DialTimeout:  3 * time.Second,
	ReadTimeout:  5 * time.Second,
	WriteTimeout: 5 * time.Second,
}

// responder answers requests in place of a server: it gets the path
// pattern, the payload and the path params, and returns the raw reply.
type responder func(path string, payload any, pathParams map[string]string) (string, error)

// Transport speaks the management protocol, one connection per request.
// A request is "<path>[ <payload>]\x00"; the NUL alone ends it, so
// payloads may span lines. The server writes one JSON line and hangs up.
type Transport struct {
	addr string
	cfg  Config
	mock responder
}

func NewTransport(addr string) *Transport { return NewTransportWithConfig(addr, nil) }

// NewTransportWithPassword uses DefaultConfig with password set.
func NewTransportWithPassword(addr, password string) *Transport {
	cfg := DefaultConfig
	cfg.Password = password
	return NewTransportWithConfig(addr, &cfg)
}

// NewTransportWithConfig uses DefaultConfig when cfg is nil.
func NewTransportWithConfig(addr string, cfg *Config) *Transport {
	t := &Transport{addr: addr, cfg: DefaultConfig}
	if cfg != nil {
		t.cfg = *cfg
	}
	return t
}

// NewMockTransport answers every request with r and never touches the
// network.
func NewMockTransport(r func(path string, payload any, pathParams map[string]string) (string, error)) *Transport {
	return &Transport{addr: "mock", cfg: DefaultConfig, mock: r}
}

// Do sends a request and returns the response without its trailing newline.
// A []byte or string payload is sent verbatim, nil sends none and anything
// else is sent as JSON.
func (t *Transport) Do(path string, payload any, pathParams map[string]string) (string, error) {
	return t.DoCtx(context.Background(), path, payload, pathParams)
}

// DoCtx is Do bounded by ctx and the configured timeouts.
func (t *Transport) DoCtx(ctx context.Context, path string, payload any, pathParams map[string]string) (string, error) {
	if t.mock != nil {
		return t.mock(path, payload, pathParams)
	}
	conn, err := t.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := t.send(conn, fillPath(path, pathParams), payload); err != nil {
		return "", err
	}
	if t.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	}
	resp, err := io.ReadAll(conn)
	if err != nil && len(resp) == 0 {
		if ctx.Err() != nil {
			return "", fmt.Errorf("read: %w", ctx.Err())
		}
		return "", fmt.Errorf("read: %w", err)
	}
	return strings.TrimSuffix(string(resp), "\n"), nil
}

// dial connects and, with a password configured, runs the handshake under
// the read timeout.
func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn, err := (&net.Dialer{Timeout: t.cfg.DialTimeout}).DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			slog.Warn("failed to set TCP_NODELAY", "error", err)
		}
	}
	if t.cfg.Password == "" {
		return conn, nil
	}
	if t.cfg.ReadTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(t.cfg.ReadTimeout))
	}
	sc, err := auth.Dial(conn, t.cfg.Password)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return sc, nil
}

func (t *Transport) send(conn net.Conn, path string, payload any) error {
	line, err := requestLine(path, payload)
	if err != nil {
		return err
	}
	if t.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	if _, err := conn.Write(line); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func requestLine(path string, payload any) ([]byte, error) {
	var body []byte
	switch p := payload.(type) {
	case nil:
	case []byte:
		body = p
	case string:
		body = []byte(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = b
	}
	line := []byte(path)
	if len(body) > 0 {
		line = append(append(line, ' '), body...)
	}
	return append(line, 0), nil
}

// fillPath substitutes {name} segments with escaped params. Routes are
// case-insensitive and sent in lower case.
func fillPath(pattern string, params map[string]string) string {
	for k, v := range params {
		pattern = strings.ReplaceAll(pattern, "{"+k+"}", url.PathEscape(v))
	}
	return strings.ToLower(pattern)
}
