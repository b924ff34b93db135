package auth

import (
	"crypto/cipher"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// maxFrame bounds the body of one encrypted frame.
const maxFrame = 2 << 20

// Conn is an encrypted net.Conn. Each Write becomes one frame:
//
//	len uint32 | nonce [12]byte | sealed payload
//
// Nonces count up independently in each direction.
type Conn struct {
	net.Conn
	aead cipher.AEAD

	wmu   sync.Mutex
	nonce uint64

	pending []byte
}

// WrapConn encrypts conn with sessionKey.
func WrapConn(conn net.Conn, sessionKey []byte) (net.Conn, error) {
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: conn, aead: aead}, nil
}

func (c *Conn) seal(p []byte) []byte {
	ns := c.aead.NonceSize()
	out := make([]byte, 4+ns, 4+ns+len(p)+c.aead.Overhead())
	nonce := out[4 : 4+ns]
	binary.BigEndian.PutUint64(nonce[ns-8:], c.nonce)
	c.nonce++
	out = c.aead.Seal(out, nonce, p, nil)
	binary.BigEndian.PutUint32(out, uint32(len(out)-4))
	return out
}

func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.Conn.Write(c.seal(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) readFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.Conn, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	ns := c.aead.NonceSize()
	if n > maxFrame || int(n) < ns {
		return nil, io.ErrUnexpectedEOF
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.Conn, body); err != nil {
		return nil, err
	}
	return c.aead.Open(body[ns:ns], body[:ns], body[ns:], nil)
}

func (c *Conn) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		pt, err := c.readFrame()
		if err != nil {
			return 0, err
		}
		c.pending = pt
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}
