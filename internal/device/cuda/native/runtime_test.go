//go:build cuda

package native

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func requireDevice(t *testing.T) {
	t.Helper()
	count, err := DeviceCount()
	if err != nil || count < 1 {
		t.Skip("no cuda device available")
	}
}

func TestMemcpyRoundTripAndScale(t *testing.T) {
	requireDevice(t)

	const n = 256
	in := make([]byte, 4*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(in[4*i:], math.Float32bits(float32(i)*1.25))
	}

	buf, err := AllocDevice(int64(len(in)))
	if err != nil {
		t.Fatalf("AllocDevice: %v", err)
	}
	defer func() {
		if err := buf.Free(); err != nil {
			t.Fatalf("device free: %v", err)
		}
	}()
	if err := MemcpyH2D(buf, in); err != nil {
		t.Fatalf("MemcpyH2D: %v", err)
	}

	stream, err := NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer func() {
		if err := stream.Destroy(); err != nil {
			t.Fatalf("stream destroy: %v", err)
		}
	}()
	if StreamFromHandle(stream.Handle()) != stream {
		t.Fatalf("stream handle does not round trip")
	}

	h, err := NewBlasHandle(stream)
	if err != nil {
		t.Fatalf("NewBlasHandle: %v", err)
	}
	defer func() { _ = h.Destroy() }()
	if err := ScalF32(h, n, 0.5, buf); err != nil {
		t.Fatalf("ScalF32: %v", err)
	}
	if err := stream.Synchronize(); err != nil {
		t.Fatalf("stream synchronize: %v", err)
	}

	out := make([]byte, len(in))
	if err := MemcpyD2H(out, buf); err != nil {
		t.Fatalf("MemcpyD2H: %v", err)
	}
	for i := 0; i < n; i++ {
		got := math.Float32frombits(binary.LittleEndian.Uint32(out[4*i:]))
		if want := float32(i) * 0.625; got != want {
			t.Fatalf("mismatch at %d: got %v want %v", i, got, want)
		}
	}
}

func TestAllocTooLargeIsOutOfMemory(t *testing.T) {
	requireDevice(t)

	free, _, err := MemGetInfo()
	if err != nil {
		t.Fatalf("MemGetInfo: %v", err)
	}
	_, err = AllocDevice(int64(free) * 4)
	if err == nil {
		t.Fatalf("expected allocation failure")
	}
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}
