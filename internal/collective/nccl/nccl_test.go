//go:build cuda

package nccl

import (
	"testing"

	"github.com/samcharles93/gradsync/internal/collective"
	"github.com/samcharles93/gradsync/internal/device"
	"github.com/samcharles93/gradsync/internal/device/cuda"
	"github.com/samcharles93/gradsync/internal/dtype"
	"github.com/samcharles93/gradsync/internal/group"
)

func TestSingleRankAllReduce(t *testing.T) {
	lib := New()
	if !lib.Available() {
		t.Skip("no cuda device available")
	}
	if lib.Version() < 2000 {
		t.Skipf("nccl %d is too old", lib.Version())
	}
	plat, err := cuda.NewPlatform()
	if err != nil {
		t.Fatalf("platform: %v", err)
	}
	defer plat.Close()
	if err := plat.Use(0); err != nil {
		t.Fatalf("use: %v", err)
	}
	d, err := plat.Current()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	ws, _ := group.NewLocalWorld(1, nil)
	c, err := collective.Init(lib, ws[0], d)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer c.Close()
	a, err := device.NewArray(d, dtype.Float32, []float64{1, 2, 3})
	if err != nil {
		t.Fatalf("array: %v", err)
	}
	defer d.Free(a.Ptr)
	if err := c.AllReduce(a.Ptr, a.Ptr, a.Len, collective.Float32, collective.Sum, nil); err != nil {
		t.Fatalf("allreduce: %v", err)
	}
	if err := d.DefaultStream().Synchronize(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	got, _ := device.Read(d, a)
	if got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("unexpected %v", got)
	}
}
