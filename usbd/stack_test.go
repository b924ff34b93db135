package usbd

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtest/usb"
)

// recorder is a bulk class driver that only records what the stack does.
type recorder struct {
	s        *Stack
	out, in  uint8
	resets   int
	done     []completion
	depth    int
	maxDepth int
	after    func(ep uint8, n uint32) error
}

func (r *recorder) Init() {}

func (r *recorder) Reset(uint8) { r.resets++ }

func (r *recorder) Open(_ uint8, desc []byte, _ uint16) (uint16, error) {
	out, in, err := r.s.OpenEndpointPair(desc, usb.TransferTypeBulk)
	if err != nil {
		return 0, err
	}
	r.out, r.in = out, in
	return usb.InterfaceDescLen + 2*usb.EndpointDescLen, nil
}

func (r *recorder) ControlRequest(_ uint8, stage ControlStage, req *usb.SetupPacket) bool {
	if req.Type() != usb.RequestTypeVendor {
		return false
	}
	if stage == StageSetup && req.IsIn() {
		_ = r.s.SendControlResponse(req, []byte("vendor"))
	}
	return true
}

func (r *recorder) TransferComplete(_ uint8, ep uint8, result TransferResult, n uint32) error {
	r.depth++
	defer func() { r.depth-- }()
	r.maxDepth = max(r.maxDepth, r.depth)
	r.done = append(r.done, completion{ep: ep, result: result, n: n})
	if r.after != nil {
		return r.after(ep, n)
	}
	return nil
}

type urbResult struct {
	done   bool
	status int32
	data   []byte
	actual uint32
}

func newStack(t *testing.T) (*Stack, *recorder) {
	t.Helper()
	desc := &usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BMaxPacketSize0:    64,
			IDVendor:           0x0525,
			IDProduct:          0xa4a0,
			IProduct:           1,
			BNumConfigurations: 1,
		},
		Config: usb.ConfigHeader{BConfigurationValue: 1, BMAttributes: 0xc0},
		Interfaces: []usb.InterfaceConfig{{
			Descriptor: usb.InterfaceDescriptor{BInterfaceClass: usb.ClassVendorSpecific},
			Endpoints: []usb.EndpointDescriptor{
				{BEndpointAddress: 0x81, BMAttributes: usb.TransferTypeBulk, WMaxPacketSize: 64},
				{BEndpointAddress: 0x01, BMAttributes: usb.TransferTypeBulk, WMaxPacketSize: 64},
			},
		}},
		Strings: map[uint8]string{1: "Gadget Zero"},
	}
	s := New(desc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := &recorder{s: s}
	s.Bind(r)
	return s, r
}

func submit(s *Stack, seq uint32, ep uint8, in bool, data []byte, length uint32) *urbResult {
	res := &urbResult{}
	s.Submit(&usb.URB{
		Seqnum:   seq,
		Endpoint: ep & 0x0f,
		In:       in,
		Data:     data,
		Length:   length,
		Complete: func(status int32, data []byte, actual uint32) {
			res.done = true
			res.status = status
			res.data = data
			res.actual = actual
		},
	})
	return res
}

func control(s *Stack, setup usb.SetupPacket, data []byte) *urbResult {
	res := &urbResult{}
	s.Submit(&usb.URB{
		Setup:  setup,
		Data:   data,
		Length: uint32(setup.Length),
		In:     setup.IsIn(),
		Complete: func(status int32, data []byte, actual uint32) {
			res.done = true
			res.status = status
			res.data = data
			res.actual = actual
		},
	})
	return res
}

func setConfiguration(s *Stack, value uint16) *urbResult {
	return control(s, usb.SetupPacket{Request: usb.RequestSetConfiguration, Value: value}, nil)
}

func configure(t *testing.T) (*Stack, *recorder) {
	t.Helper()
	s, r := newStack(t)
	res := setConfiguration(s, 1)
	require.True(t, res.done)
	require.Equal(t, usb.StatusOK, res.status)
	return s, r
}

func arm(t *testing.T, s *Stack, ep uint8, buf []byte) {
	t.Helper()
	var err error
	s.Exec(func() { err = s.SubmitTransfer(ep, buf) })
	require.NoError(t, err)
}

func TestStandardRequestsBeforeConfiguration(t *testing.T) {
	s, r := newStack(t)

	res := control(s, usb.SetupPacket{
		RequestType: usb.RequestDirIn,
		Request:     usb.RequestGetDescriptor,
		Value:       uint16(usb.DeviceDescType) << 8,
		Length:      8,
	}, nil)
	require.Equal(t, usb.StatusOK, res.status)
	assert.Equal(t, s.GetDescriptor().Bytes()[:8], res.data)

	res = control(s, usb.SetupPacket{
		RequestType: usb.RequestDirIn,
		Request:     usb.RequestGetDescriptor,
		Value:       uint16(usb.StringDescType)<<8 | 1,
		Length:      255,
	}, nil)
	require.Equal(t, usb.StatusOK, res.status)
	str, err := usb.DecodeStringDescriptor(res.data)
	require.NoError(t, err)
	assert.Equal(t, "Gadget Zero", str)

	res = control(s, usb.SetupPacket{RequestType: usb.RequestDirIn, Request: usb.RequestGetStatus, Length: 2}, nil)
	assert.Equal(t, []byte{1, 0}, res.data, "self powered")

	res = control(s, usb.SetupPacket{RequestType: usb.RequestDirIn | usb.RecipientInterface, Request: usb.RequestGetInterface, Length: 1}, nil)
	assert.Equal(t, usb.StatusStall, res.status, "interfaces exist only when configured")

	assert.Equal(t, usb.StatusStall, setConfiguration(s, 2).status)
	assert.Zero(t, s.Configuration())

	require.Equal(t, usb.StatusOK, setConfiguration(s, 1).status)
	assert.EqualValues(t, 1, s.Configuration())
	assert.EqualValues(t, 0x01, r.out)
	assert.EqualValues(t, 0x81, r.in)

	res = control(s, usb.SetupPacket{RequestType: usb.RequestDirIn, Request: usb.RequestGetConfiguration, Length: 1}, nil)
	assert.Equal(t, []byte{1}, res.data)
}

func TestVendorRequestReachesDriver(t *testing.T) {
	s, _ := newStack(t)
	res := control(s, usb.SetupPacket{
		RequestType: usb.RequestDirIn | usb.RequestTypeVendor,
		Request:     0x5c,
		Length:      3,
	}, nil)
	require.Equal(t, usb.StatusOK, res.status)
	assert.Equal(t, []byte("ven"), res.data)
}

func TestClosedEndpointStalls(t *testing.T) {
	s, _ := newStack(t)
	res := submit(s, 1, 0x81, true, nil, 64)
	assert.True(t, res.done)
	assert.Equal(t, usb.StatusStall, res.status)
}

func TestOutAccumulatesUntilShortPacket(t *testing.T) {
	s, r := configure(t)
	buf := make([]byte, 256)
	arm(t, s, r.out, buf)

	full := make([]byte, 64)
	for i := range full {
		full[i] = byte(i)
	}
	res := submit(s, 1, r.out, false, full, 0)
	require.True(t, res.done)
	assert.EqualValues(t, 64, res.actual)
	assert.Empty(t, r.done, "a full packet does not end the transfer")

	res = submit(s, 2, r.out, false, []byte{0xee, 0xff}, 0)
	require.True(t, res.done)
	require.Len(t, r.done, 1)
	assert.Equal(t, completion{ep: r.out, result: ResultSuccess, n: 66}, r.done[0])
	assert.Equal(t, full, buf[:64])
	assert.Equal(t, []byte{0xee, 0xff}, buf[64:66])
}

func TestOutZeroLengthPacketEndsTransfer(t *testing.T) {
	s, r := configure(t)
	arm(t, s, r.out, make([]byte, 256))

	submit(s, 1, r.out, false, make([]byte, 128), 0)
	assert.Empty(t, r.done)
	res := submit(s, 2, r.out, false, nil, 0)
	require.True(t, res.done)
	assert.Equal(t, usb.StatusOK, res.status)
	require.Len(t, r.done, 1)
	assert.EqualValues(t, 128, r.done[0].n)
}

func TestOutURBSpansTransfers(t *testing.T) {
	s, r := configure(t)
	arm(t, s, r.out, make([]byte, 32))

	res := submit(s, 1, r.out, false, make([]byte, 64), 0)
	assert.False(t, res.done, "the URB waits for the next transfer")
	require.Len(t, r.done, 1)
	assert.EqualValues(t, 32, r.done[0].n)

	arm(t, s, r.out, make([]byte, 32))
	require.True(t, res.done)
	assert.EqualValues(t, 64, res.actual)
	require.Len(t, r.done, 2)
	assert.EqualValues(t, 32, r.done[1].n)
}

func TestInURBGetsWhatOneTransferSupplies(t *testing.T) {
	s, r := configure(t)
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	arm(t, s, r.in, data)

	first := submit(s, 1, r.in, true, nil, 64)
	require.True(t, first.done)
	assert.Equal(t, data[:64], first.data)
	assert.Empty(t, r.done)

	second := submit(s, 2, r.in, true, nil, 64)
	require.True(t, second.done)
	assert.Equal(t, data[64:], second.data)
	require.Len(t, r.done, 1)
	assert.EqualValues(t, 100, r.done[0].n)

	third := submit(s, 3, r.in, true, nil, 64)
	assert.False(t, third.done, "nothing armed")
}

func TestArmTwiceIsBusy(t *testing.T) {
	s, r := configure(t)
	arm(t, s, r.out, make([]byte, 8))
	var err error
	s.Exec(func() { err = s.SubmitTransfer(r.out, make([]byte, 8)) })
	assert.ErrorIs(t, err, ErrBusy)
	s.Exec(func() { err = s.SubmitTransfer(0x82, make([]byte, 8)) })
	assert.ErrorIs(t, err, ErrNoEndpoint)
	assert.True(t, IsSubmitFailure(err))
}

func TestUnlinkQueuedURB(t *testing.T) {
	s, r := configure(t)
	res := submit(s, 7, r.in, true, nil, 64)
	require.False(t, res.done)

	assert.True(t, s.Unlink(7))
	assert.False(t, s.Unlink(7))

	arm(t, s, r.in, []byte{1, 2, 3})
	assert.False(t, res.done, "unlinked URBs never complete")
}

func TestUnlinkPartlyDeliveredOutURB(t *testing.T) {
	s, r := configure(t)
	arm(t, s, r.out, make([]byte, 32))

	res := submit(s, 1, r.out, false, make([]byte, 64), 0)
	require.False(t, res.done)
	require.Len(t, r.done, 1)

	assert.True(t, s.Unlink(1))
	assert.Len(t, r.done, 1, "unlink does not complete anything")

	buf := make([]byte, 32)
	arm(t, s, r.out, buf)
	assert.False(t, res.done)
	assert.Len(t, r.done, 1)

	next := submit(s, 2, r.out, false, []byte{1, 2, 3}, 0)
	require.True(t, next.done)
	require.Len(t, r.done, 2)
	assert.Equal(t, completion{ep: r.out, result: ResultSuccess, n: 3}, r.done[1])
	assert.Equal(t, []byte{1, 2, 3}, buf[:3])
}

func TestCompletionsAreDeliveredInOrderWithoutNesting(t *testing.T) {
	s, r := configure(t)
	echo := make([]byte, 64)
	r.after = func(ep uint8, n uint32) error {
		if ep == r.out {
			return s.SubmitTransfer(r.in, echo[:n])
		}
		return nil
	}

	in := submit(s, 1, r.in, true, nil, 64)
	arm(t, s, r.out, echo)
	out := submit(s, 2, r.out, false, []byte("hello"), 0)

	require.True(t, out.done)
	require.True(t, in.done)
	assert.Equal(t, []byte("hello"), in.data)
	require.Len(t, r.done, 2)
	assert.Equal(t, r.out, r.done[0].ep)
	assert.Equal(t, r.in, r.done[1].ep)
	assert.Equal(t, 1, r.maxDepth)
}

func TestSubmitFailureInCompletionResets(t *testing.T) {
	s, r := configure(t)
	r.after = func(uint8, uint32) error {
		return s.SubmitTransfer(0x83, nil)
	}
	arm(t, s, r.out, make([]byte, 64))
	resets := r.resets

	submit(s, 1, r.out, false, []byte{1}, 0)
	assert.Zero(t, s.Configuration())
	assert.Equal(t, resets+1, r.resets)
	assert.True(t, submit(s, 2, r.out, false, []byte{1}, 0).done)
}

func TestEndpointHalt(t *testing.T) {
	s, r := configure(t)
	pending := submit(s, 1, r.in, true, nil, 64)
	halt := usb.SetupPacket{RequestType: usb.RecipientEndpoint, Request: usb.RequestSetFeature, Value: usb.FeatureEndpointHalt, Index: uint16(r.in)}
	status := usb.SetupPacket{RequestType: usb.RequestDirIn | usb.RecipientEndpoint, Request: usb.RequestGetStatus, Index: uint16(r.in), Length: 2}

	require.Equal(t, usb.StatusOK, control(s, halt, nil).status)
	require.True(t, pending.done)
	assert.Equal(t, usb.StatusStall, pending.status)
	assert.Equal(t, usb.StatusStall, submit(s, 2, r.in, true, nil, 64).status)
	assert.Equal(t, []byte{1, 0}, control(s, status, nil).data)

	unhalt := halt
	unhalt.Request = usb.RequestClearFeature
	require.Equal(t, usb.StatusOK, control(s, unhalt, nil).status)
	assert.Equal(t, []byte{0, 0}, control(s, status, nil).data)

	unknown := status
	unknown.Index = 0x8f
	assert.Equal(t, usb.StatusStall, control(s, unknown, nil).status)
}

func TestDetachShutsDownQueuedURBs(t *testing.T) {
	s, r := configure(t)
	res := submit(s, 1, r.in, true, nil, 64)
	resets := r.resets

	s.Detach()
	require.True(t, res.done)
	assert.Equal(t, usb.StatusShutdown, res.status)
	assert.Zero(t, s.Configuration())
	assert.Equal(t, resets+1, r.resets)
}

func TestSubmitWithoutDriver(t *testing.T) {
	s := New(&usb.Descriptor{}, nil)
	res := submit(s, 1, 0x81, true, nil, 8)
	assert.Equal(t, usb.StatusShutdown, res.status)
}

func TestTransferResultString(t *testing.T) {
	assert.Equal(t, "success", ResultSuccess.String())
	assert.Equal(t, "failed", ResultFailed.String())
	assert.Equal(t, "unknown", TransferResult(2).String(), "there is no separate stall result")
}
