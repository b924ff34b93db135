package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/Alia5/usbtest/apitypes"
	"github.com/Alia5/usbtest/device"
	"github.com/Alia5/usbtest/internal/server/api/auth"
	apierror "github.com/Alia5/usbtest/internal/server/api/error"
)

// reply writes one response line.
func reply(w io.Writer, body []byte) {
	_, _ = w.Write(append(body, '\n'))
}

func replyError(w io.Writer, err error) {
	body, _ := json.Marshal(apierror.WrapError(err))
	reply(w, body)
}

// splitRequest cuts "path[ payload]" at the first whitespace rune.
func splitRequest(line string) (path, payload string) {
	i := strings.IndexFunc(line, unicode.IsSpace)
	if i < 0 {
		return line, ""
	}
	_, n := utf8.DecodeRuneInString(line[i:])
	return line[:i], line[i+n:]
}

// authenticate runs the handshake when a password is configured and
// returns the stream the request is read from.
func (a *Server) authenticate(conn net.Conn, r *bufio.Reader) (net.Conn, *bufio.Reader, error) {
	if a.key == nil {
		return conn, r, nil
	}
	ok, err := auth.IsAuthHandshake(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read handshake: %w", err)
	}
	if !ok {
		replyError(conn, apierror.ErrUnauthorized("authentication required"))
		return nil, nil, errors.New("client skipped auth handshake")
	}
	secured, err := auth.Accept(conn, r, a.key)
	if err != nil {
		replyError(conn, err)
		return nil, nil, err
	}
	return secured, bufio.NewReader(secured), nil
}

// readRequest reads up to the NUL terminator. The returned path is
// lower-cased.
func readRequest(r *bufio.Reader) (path, payload string, err error) {
	line, err := r.ReadString(0)
	if errors.Is(err, io.EOF) {
		return "", "", errors.New("incomplete request (no null terminator)")
	}
	if err != nil {
		return "", "", fmt.Errorf("read request: %w", err)
	}
	line = strings.TrimSuffix(line, "\x00")
	if line == "" {
		return "", "", apierror.ErrBadRequest("empty request")
	}
	path, payload = splitRequest(line)
	if path == "" {
		return "", "", apierror.ErrBadRequest("empty path")
	}
	return strings.ToLower(path), payload, nil
}

func (a *Server) handleConn(raw net.Conn) {
	defer raw.Close()
	logger := a.logger.With("remote", raw.RemoteAddr().String())
	if d := a.config.ConnectionTimeout; d > 0 {
		_ = raw.SetReadDeadline(time.Now().Add(d))
	}

	conn, r, err := a.authenticate(raw, bufio.NewReader(raw))
	if err != nil {
		logger.Warn("api auth failed", "error", err)
		return
	}
	if a.key != nil {
		logger.Debug("api session authenticated")
	}

	path, payload, err := readRequest(r)
	if err != nil {
		logger.Error("api bad request", "error", err)
		var problem *apitypes.ApiError
		if errors.As(err, &problem) {
			replyError(conn, problem)
		}
		return
	}
	_ = raw.SetReadDeadline(time.Time{})
	logger.Info("api cmd", "path", path)

	if h, params := a.router.Match(path); h != nil {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		res := &Response{}
		if err := h(&Request{Ctx: ctx, Params: params, Payload: payload}, res, logger); err != nil {
			logger.Error("api handler error", "path", path, "error", err)
			replyError(conn, err)
			return
		}
		logger.Debug("api handler success", "path", path)
		reply(conn, []byte(res.JSON))
		return
	}
	if sh, params := a.router.MatchStream(path); sh != nil {
		a.stream(conn, sh, params, path, logger)
		return
	}
	logger.Error("api unknown path", "path", path)
	replyError(conn, apierror.ErrNotFound("unknown path: "+path))
}

// stream hands conn to a device stream handler. While it runs the device
// is exempt from the disconnect timer, which is re-armed afterwards.
func (a *Server) stream(conn net.Conn, sh StreamHandlerFunc, params map[string]string, path string, logger *slog.Logger) {
	busID, err := strconv.ParseUint(params["busId"], 10, 32)
	if err != nil {
		replyError(conn, apierror.ErrBadRequest(fmt.Sprintf("invalid busId: %v", err)))
		return
	}
	bus := a.usbs.GetBus(uint32(busID))
	if bus == nil {
		replyError(conn, apierror.ErrNotFound(fmt.Sprintf("bus %d not found", busID)))
		return
	}
	devID := params["deviceid"]
	dev, devCtx, ok := bus.Lookup(devID)
	if !ok {
		replyError(conn, apierror.ErrNotFound(fmt.Sprintf("device %s not found on bus %d", devID, busID)))
		return
	}

	if t := device.GetConnTimer(devCtx); t != nil {
		t.Stop()
	}
	logger.Info("api stream begin", "path", path)
	if err := sh(conn, &dev, logger); err != nil {
		logger.Error("api stream handler error", "path", path, "error", err)
	}
	logger.Info("api stream end", "path", path)
	a.ArmDisconnectTimer(devCtx, bus, logger)
}
