package apiclient_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtest/apiclient"
	"github.com/Alia5/usbtest/internal/server/api/auth"
)

// serveOnce accepts a single connection and hands it to handle.
func serveOnce(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
		handle(conn)
	}()
	return ln.Addr().String()
}

// replyWith records the request line and answers with resp.
func replyWith(t *testing.T, resp string) (string, <-chan string) {
	t.Helper()
	got := make(chan string, 1)
	addr := serveOnce(t, func(conn net.Conn) {
		line, _ := bufio.NewReader(conn).ReadString('\x00')
		got <- line
		_, _ = conn.Write([]byte(resp))
	})
	return addr, got
}

func TestTransportRequestLine(t *testing.T) {
	type create struct {
		Type string `json:"type"`
		Mode string `json:"mode"`
	}
	tests := []struct {
		name    string
		path    string
		params  map[string]string
		payload any
		want    string
	}{
		{"no payload", "bus/list", nil, nil, "bus/list\x00"},
		{"empty string", "bus/list", nil, "", "bus/list\x00"},
		{"string", "bus/create", nil, "7", "bus/create 7\x00"},
		{"bytes", "bus/create", nil, []byte("8"), "bus/create 8\x00"},
		{"newlines stay inside the payload", "bus/{id}/add", map[string]string{"id": "3"}, "{\n\"type\":\"usbtest\"\n}", "bus/3/add {\n\"type\":\"usbtest\"\n}\x00"},
		{"struct as json", "bus/{id}/add", map[string]string{"id": "3"}, create{"usbtest", "loopback"}, `bus/3/add {"type":"usbtest","mode":"loopback"}` + "\x00"},
		{"params are escaped and lowered", "bus/{id}/{devId}/stats", map[string]string{"id": "1", "devId": "A/B"}, nil, "bus/1/a%2fb/stats\x00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, got := replyWith(t, "{}\n")
			out, err := apiclient.NewTransport(addr).Do(tt.path, tt.payload, tt.params)
			require.NoError(t, err)
			assert.Equal(t, "{}", out)
			assert.Equal(t, tt.want, <-got)
		})
	}
}

func TestTransportResponseUntilClose(t *testing.T) {
	addr, _ := replyWith(t, "{\n  \"buses\": [\n    1\n  ]\n}\n")
	out, err := apiclient.NewTransport(addr).Do("bus/list", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"buses\": [\n    1\n  ]\n}", out)

	var parsed struct{ Buses []int }
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	assert.Equal(t, []int{1}, parsed.Buses)
}

func TestTransportCanceledBeforeDial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := apiclient.NewTransport("127.0.0.1:9").DoCtx(ctx, "ping", nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// encryptedEcho accepts the handshake for "test123" and echoes the request
// line back through the encrypted stream.
func encryptedEcho(conn net.Conn) {
	key, err := auth.DeriveKey("test123")
	if err != nil {
		return
	}
	r := bufio.NewReader(conn)
	if ok, err := auth.IsAuthHandshake(r); err != nil || !ok {
		return
	}
	sc, err := auth.Accept(conn, r, key)
	if err != nil {
		if b, merr := json.Marshal(err); merr == nil {
			_, _ = conn.Write(append(b, '\n'))
		}
		return
	}
	line, err := bufio.NewReader(sc).ReadString('\x00')
	if err != nil {
		return
	}
	_, _ = sc.Write([]byte(line[:len(line)-1] + "\n"))
}

// readHello consumes the client half of the handshake.
func readHello(c net.Conn) {
	_, _ = io.ReadFull(c, make([]byte, len(auth.HandshakeMagic)+2*auth.NonceSize))
}

func TestTransportWithPassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		server   func(net.Conn)
		wantErr  string
	}{
		{name: "matching password", password: "test123", server: encryptedEcho},
		{name: "wrong password", password: "nope", server: encryptedEcho, wantErr: "401 Unauthorized: invalid password"},
		{name: "garbage reply", password: "test123", server: func(c net.Conn) {
			readHello(c)
			_, _ = c.Write([]byte("NO\x00 not a handshake"))
		}, wantErr: "invalid handshake response"},
		{name: "server hangs up", password: "test123", server: readHello, wantErr: "invalid password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := serveOnce(t, tt.server)
			out, err := apiclient.NewTransportWithPassword(addr, tt.password).Do("bus/{id}/list", nil, map[string]string{"id": "5"})
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "bus/5/list", out)
		})
	}
}
