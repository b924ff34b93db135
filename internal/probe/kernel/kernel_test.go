package kernel

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtest/usb"
)

func testNumbers(params []Param) []int {
	var n []int
	for _, p := range params {
		n = append(n, p.Test)
	}
	return n
}

func TestPlanSelection(t *testing.T) {
	tests := []struct {
		name string
		plan Plan
		want []int
	}{
		{name: "defaults", plan: Plan{}, want: DefaultTests},
		{name: "explicit", plan: Plan{Tests: []int{9, 1, 9, 2}}, want: []int{1, 2, 9}},
		{name: "explicit minus excluded", plan: Plan{Tests: []int{1, 2, 3}, Exclude: []int{2}}, want: []int{1, 3}},
		{name: "defaults minus excluded", plan: Plan{Exclude: []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 17}}, want: []int{18, 20, 21, 28}},
		{name: "perf wins", plan: Plan{Tests: []int{1}, Perf: true}, want: []int{27, 28}},
		{name: "everything excluded", plan: Plan{Tests: []int{5}, Exclude: []int{5}}, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, testNumbers(tt.plan.Params()))
		})
	}
}

func TestPlanCaseArguments(t *testing.T) {
	params := Plan{Tests: []int{3}, Iterations: 10, Length: 1024, Vary: 128, SGLen: 4}.Params()
	require.Len(t, params, 1)
	assert.Equal(t, Param{Test: 3, Iterations: 10, Length: 1024, Vary: 128, SGLen: 4}, params[0])
	assert.Equal(t, "#3 iterations=10 length=1024 vary=128 sglen=4", params[0].String())

	params = Plan{Tests: []int{1}, Length: 512}.Params()
	assert.Equal(t, Param{Test: 1, Iterations: 1, Length: 512, SGLen: 1}, params[0], "zero counts mean one")

	for _, p := range (Plan{Perf: true, Length: 64, Vary: 256, Iterations: 3}).Params() {
		assert.Equal(t, uint32(100), p.Iterations)
		assert.Equal(t, uint32(32768), p.Length)
		assert.Equal(t, uint32(32), p.SGLen)
		assert.Equal(t, uint32(256), p.Vary)
	}
}

func TestPlanDoesNotTouchDefaults(t *testing.T) {
	before := append([]int(nil), DefaultTests...)
	Plan{Exclude: []int{1}}.Params()
	assert.Equal(t, before, DefaultTests)
}

func TestResultString(t *testing.T) {
	perf := Param{Test: 28, Iterations: 100, Length: 32768, SGLen: 32}
	tests := []struct {
		name string
		res  Result
		want string
	}{
		{name: "fast", res: Result{Param: Param{Test: 1}, Duration: 1500 * time.Microsecond}, want: "1.500 ms"},
		{name: "slow", res: Result{Param: Param{Test: 9}, Duration: 2500 * time.Millisecond}, want: "2.500000 secs"},
		{name: "throughput", res: Result{Param: perf, Duration: 2 * time.Second}, want: "2.000000 secs - 50.0 MB/s"},
		{name: "kB", res: Result{Param: Param{Test: 27, Iterations: 1, Length: 2048, SGLen: 1}, Duration: time.Second}, want: "1.000000 secs - 2.0 kB/s"},
		{name: "bytes", res: Result{Param: Param{Test: 27, Iterations: 1, Length: 100, SGLen: 1}, Duration: time.Second}, want: "1.000000 secs - 100 bytes/s"},
		{name: "skip", res: Result{Param: Param{Test: 10}, Skipped: true}, want: "SKIP"},
		{name: "error", res: Result{Param: Param{Test: 2}, Err: errors.New("test 2: broken pipe")}, want: "test 2: broken pipe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.res.String())
		})
	}
	assert.Zero(t, Result{Param: Param{Test: 1, Iterations: 1, Length: 512, SGLen: 1}, Duration: time.Second}.Throughput())
}

func writeNode(t *testing.T, path string, vid, pid uint16) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	desc := usb.Descriptor{Device: usb.DeviceDescriptor{BcdUSB: 0x0200, IDVendor: vid, IDProduct: pid, BNumConfigurations: 1}}
	require.NoError(t, os.WriteFile(path, desc.Bytes(), 0o644))
}

func TestFind(t *testing.T) {
	root := t.TempDir()
	writeNode(t, filepath.Join(root, "001", "001"), 0x1d6b, 0x0002)
	writeNode(t, filepath.Join(root, "003", "004"), 0x0525, 0xa4a0)
	require.NoError(t, os.WriteFile(filepath.Join(root, "001", "002"), []byte{1, 2}, 0o644))

	path, err := Find(root, 0x0525, 0xa4a0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "003", "004"), path)

	_, err = Find(root, 0x1234, 0x5678)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Find(filepath.Join(root, "missing"), 0x0525, 0xa4a0)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
