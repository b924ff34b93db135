package auth

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"

	"github.com/Alia5/usbtest/apitypes"
	apierror "github.com/Alia5/usbtest/internal/server/api/error"
)

// The client opens with
//
//	magic[5] nonce[32] HMAC-SHA256(key, label || nonce)[32]
//
// and the server answers "OK\0" nonce[32], or a problem+json line when
// the MAC does not verify.
const (
	HandshakeMagic = "eUT1\x00"
	NonceSize      = 32
	macLabel       = "usbtest-Auth-v1"
	okPrefix       = "OK\x00"
)

var errMissingKey = errors.New("handshake: missing key")

func challengeMAC(key, clientNonce []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(macLabel))
	m.Write(clientNonce)
	return m.Sum(nil)
}

func newNonce(who string) ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, fmt.Errorf("generate %s nonce: %w", who, err)
	}
	return n, nil
}

// readField reads exactly n bytes, naming what in the error.
func readField(r io.Reader, n int, what string) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("read %s: %w", what, err)
	}
	return b, nil
}

// ReadClientNonce reads the nonce that follows the magic.
func ReadClientNonce(r io.Reader) ([]byte, error) {
	return readField(r, NonceSize, "client nonce")
}

// WriteServerHandshake sends the OK reply with a fresh server nonce.
func WriteServerHandshake(w io.Writer) ([]byte, error) {
	if w == nil {
		return nil, errors.New("write response: write on nil pointer")
	}
	nonce, err := newNonce("server")
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(slices.Concat([]byte(okPrefix), nonce)); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return nonce, nil
}

// IsAuthHandshake peeks for the magic without consuming it.
func IsAuthHandshake(r *bufio.Reader) (bool, error) {
	b, err := r.Peek(len(HandshakeMagic))
	if err != nil {
		return false, err
	}
	return string(b) == HandshakeMagic, nil
}

// ClientHandshake sends the challenge for key and returns both nonces
// once the server accepted it. A refusal is returned as *apitypes.ApiError.
func ClientHandshake(r io.Reader, w io.Writer, key []byte) (clientNonce, serverNonce []byte, err error) {
	if len(key) == 0 {
		return nil, nil, errMissingKey
	}
	if clientNonce, err = newNonce("client"); err != nil {
		return nil, nil, err
	}
	if _, err = w.Write(slices.Concat([]byte(HandshakeMagic), clientNonce, challengeMAC(key, clientNonce))); err != nil {
		return nil, nil, fmt.Errorf("write handshake: %w", err)
	}

	prefix, err := readField(r, len(okPrefix), "handshake response")
	if err != nil {
		return nil, nil, err
	}
	if string(prefix) != okPrefix {
		return nil, nil, refusal(prefix, r)
	}
	if serverNonce, err = readField(r, NonceSize, "server nonce"); err != nil {
		return nil, nil, err
	}
	return clientNonce, serverNonce, nil
}

// refusal decodes the server's answer to a rejected challenge.
func refusal(head []byte, r io.Reader) error {
	rest, _ := io.ReadAll(r)
	line := bytes.TrimSuffix(slices.Concat(head, rest), []byte("\n"))
	var problem apitypes.ApiError
	if json.Unmarshal(line, &problem) == nil && (problem.Status != 0 || problem.Title != "") {
		return &problem
	}
	return fmt.Errorf("invalid handshake response from server: %s", line)
}

// ServerHandshake consumes the client challenge from r, verifies it
// against key and writes the OK reply to w.
func ServerHandshake(r *bufio.Reader, w io.Writer, key []byte) (clientNonce, serverNonce []byte, err error) {
	switch {
	case r == nil:
		return nil, nil, errors.New("handshake: nil reader")
	case len(key) == 0:
		return nil, nil, errMissingKey
	}
	if _, err = r.Discard(len(HandshakeMagic)); err != nil {
		return nil, nil, fmt.Errorf("discard handshake magic: %w", err)
	}
	if clientNonce, err = ReadClientNonce(r); err != nil {
		return nil, nil, err
	}
	mac, err := readField(r, sha256.Size, "client auth")
	if err != nil {
		return nil, nil, err
	}
	if !hmac.Equal(mac, challengeMAC(key, clientNonce)) {
		return nil, nil, apierror.ErrUnauthorized("invalid password")
	}
	if serverNonce, err = WriteServerHandshake(w); err != nil {
		return nil, nil, err
	}
	return clientNonce, serverNonce, nil
}

// Dial authenticates conn with password and returns the encrypted stream.
// A server that hangs up on the challenge is reported as a bad password.
func Dial(conn net.Conn, password string) (net.Conn, error) {
	key, err := DeriveKey(password)
	if err != nil {
		return nil, err
	}
	clientNonce, serverNonce, err := ClientHandshake(conn, conn, key)
	if errors.Is(err, io.EOF) {
		return nil, apierror.ErrUnauthorized("invalid password")
	}
	if err != nil {
		return nil, err
	}
	return WrapConn(conn, DeriveSessionKey(key, serverNonce, clientNonce))
}

// Accept runs the server side on conn. r must be the reader that peeked
// the magic, since it may hold more of the handshake.
func Accept(conn net.Conn, r *bufio.Reader, key []byte) (net.Conn, error) {
	clientNonce, serverNonce, err := ServerHandshake(r, conn, key)
	if err != nil {
		return nil, err
	}
	return WrapConn(peekedConn{Conn: conn, r: r}, DeriveSessionKey(key, serverNonce, clientNonce))
}

type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c peekedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
