package usbip

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceRecordLayout(t *testing.T) {
	d := ExportedDevice{
		Speed:               2,
		IDVendor:            0x0525,
		IDProduct:           0xa4a0,
		BDeviceClass:        0xff,
		BConfigurationValue: 1,
		BNumConfigurations:  1,
		BNumInterfaces:      1,
		Interfaces:          []InterfaceDesc{{Class: 0xff}},
	}
	copy(d.USBBusId[:], "3-1")
	d.BusId, d.DevId = 3, 1

	var b bytes.Buffer
	require.NoError(t, d.WriteDevlist(&b))
	raw := b.Bytes()
	require.Len(t, raw, DeviceRecordSize+4)
	assert.Equal(t, []byte("3-1\x00"), raw[256:260])
	assert.Equal(t, []byte{0, 0, 0, 3, 0, 0, 0, 1, 0, 0, 0, 2}, raw[288:300])
	assert.Equal(t, []byte{0x05, 0x25, 0xa4, 0xa0}, raw[300:304])
	assert.Equal(t, []byte{0xff, 0, 0, 0}, raw[DeviceRecordSize:])

	got, err := ReadExportedDevice(bytes.NewReader(raw), true)
	require.NoError(t, err)
	assert.Equal(t, d, got)
	assert.Equal(t, "3-1", got.BusIDString())

	b.Reset()
	require.NoError(t, d.WriteImport(&b))
	assert.Equal(t, DeviceRecordSize, b.Len(), "import replies carry no interface list")
}

func TestReadMgmtHeaderChecks(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, (&MgmtHeader{Version: 0x0106, Command: OpRepImport}).Write(&b))
	_, err := ReadMgmtHeader(&b, OpRepImport)
	assert.ErrorContains(t, err, "version")

	require.NoError(t, (&MgmtHeader{Version: Version, Command: OpRepDevlist}).Write(&b))
	_, err = ReadMgmtHeader(&b, OpRepImport)
	assert.ErrorContains(t, err, "command")
}

func TestReadCommandRejectsReplies(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, (&RetSubmit{Basic: HeaderBasic{Command: RetSubmitCode, Seqnum: 9}}).Write(&b))
	_, err := ReadCommand(&b)
	assert.ErrorContains(t, err, "seq=9")

	require.NoError(t, (&CmdUnlink{Basic: HeaderBasic{Command: CmdUnlinkCode, Seqnum: 1}}).Write(&b))
	_, err = ReadReply(&b)
	assert.Error(t, err)
}

func TestSubmitCarriesSetupAndPayload(t *testing.T) {
	var b bytes.Buffer
	sub := CmdSubmit{
		Basic:             HeaderBasic{Command: CmdSubmitCode, Seqnum: 4, Ep: 0},
		TransferBufferLen: 0,
		Setup:             [8]byte{0x80, 0x06, 0x00, 0x01, 0, 0, 0x12, 0},
	}
	require.NoError(t, sub.Write(&b))
	cmd, err := ReadCommand(&b)
	require.NoError(t, err)
	require.NotNil(t, cmd.Submit)
	assert.Nil(t, cmd.Unlink)
	assert.Equal(t, sub.Setup, cmd.Submit.Setup)
}

// fakeDevice is the server end of an imported session.
func fakeDevice(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	host, dev := net.Pipe()
	s := newSession(host, ExportedDevice{})
	t.Cleanup(func() {
		_ = s.Close()
		_ = dev.Close()
	})
	return s, dev
}

func TestSessionMatchesRepliesBySeqnum(t *testing.T) {
	s, dev := fakeDevice(t)

	type epResult struct {
		ep  uint8
		res Result
		err error
	}
	results := make(chan epResult, 2)
	cmds := make(chan *CmdSubmit, 2)
	go func() {
		for range 2 {
			c, err := ReadCommand(dev)
			if err != nil {
				return
			}
			cmds <- c.Submit
		}
	}()
	for _, ep := range []uint8{1, 2} {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			r, err := s.Submit(ctx, ep, true, [8]byte{}, nil, 4)
			results <- epResult{ep: ep, res: r, err: err}
		}()
	}

	a, b := <-cmds, <-cmds
	for _, c := range []*CmdSubmit{b, a} {
		require.NoError(t, (&RetSubmit{Basic: HeaderBasic{Command: RetSubmitCode, Seqnum: c.Basic.Seqnum}, ActualLength: 1}).Write(dev))
		_, err := dev.Write([]byte{byte(c.Basic.Ep)})
		require.NoError(t, err)
	}

	for range 2 {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, []byte{r.ep}, r.res.Data)
	}
}

func TestSessionUnlinksOnCancel(t *testing.T) {
	s, dev := fakeDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Submit(ctx, 1, true, [8]byte{}, nil, 8)
		errCh <- err
	}()

	sub, err := ReadCommand(dev)
	require.NoError(t, err)
	require.NotNil(t, sub.Submit)
	cancel()

	u, err := ReadCommand(dev)
	require.NoError(t, err)
	require.NotNil(t, u.Unlink)
	assert.Equal(t, sub.Submit.Basic.Seqnum, u.Unlink.UnlinkSeqnum)
	require.NoError(t, (&RetUnlink{Basic: HeaderBasic{Command: RetUnlinkCode, Seqnum: u.Unlink.Basic.Seqnum}, Status: -104}).Write(dev))

	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestSessionEndsWithConnection(t *testing.T) {
	s, dev := fakeDevice(t)
	require.NoError(t, dev.Close())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not notice the closed connection")
	}
	_, err := s.Submit(context.Background(), 1, false, [8]byte{}, []byte{1}, 0)
	assert.ErrorIs(t, err, ErrSessionClosed)
}
