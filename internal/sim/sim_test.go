package sim

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/gradsync/internal/communicator"
	"github.com/samcharles93/gradsync/internal/device"
)

func TestRunDefaultScenario(t *testing.T) {
	t.Parallel()
	rep, err := Run(context.Background(), Config{}, nil)
	require.NoError(t, err)
	require.True(t, rep.Pass(), "max error %g above tolerance %g", rep.MaxError, rep.Tolerance)
	require.Equal(t, Pure, rep.Communicator)
	require.Equal(t, "float32", rep.Wire)
	require.Len(t, rep.Ranks, 2)
	require.Equal(t, 408, rep.Elements)
	require.Equal(t, int64(408*4), rep.Bytes)
	require.Equal(t, int64(2), rep.CommsCreated)
	require.NotEmpty(t, rep.ID)
}

func TestRunMultiNodeHalfPrecision(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Hosts:          Ranks(2, 2),
		AllreduceDType: "fp16",
		Steps:          3,
		Seed:           7,
	}
	rep, err := Run(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.Equal(t, "float16", rep.Wire)
	require.True(t, rep.Pass(), "max error %g above tolerance %g", rep.MaxError, rep.Tolerance)
	require.Greater(t, rep.MaxError, 0.0, "float16 wire must lose some precision")
	for i, tp := range rep.Ranks {
		require.Equal(t, i, tp.GlobalRank)
		require.Equal(t, 2, tp.InterSize)
		require.Equal(t, i/2, tp.InterRank)
	}
	require.Equal(t, [][]int{{0, 2}, {1, 3}, {0, 2}, {1, 3}}, rep.InterPeers)
}

func TestRunReportsUnevenInterPeers(t *testing.T) {
	t.Parallel()
	rep, err := Run(context.Background(), Config{Hosts: []string{"b", "a", "b", "a", "c"}}, nil)
	require.NoError(t, err)
	require.True(t, rep.Pass())
	require.Equal(t, [][]int{{0, 1, 4}, {2, 3}, {0, 1, 4}, {2, 3}, {0, 1, 4}}, rep.InterPeers)
}

func TestRunSingleNode(t *testing.T) {
	t.Parallel()
	rep, err := Run(context.Background(), Config{Hosts: Ranks(1, 3), Communicator: SingleNode, Steps: 2}, nil)
	require.NoError(t, err)
	require.True(t, rep.Pass())
	require.Equal(t, "float32", rep.Wire)
}

func TestRunSingleNodeOnTwoNodesFails(t *testing.T) {
	t.Parallel()
	_, err := Run(context.Background(), Config{Hosts: Ranks(2, 1), Communicator: SingleNode}, nil)
	require.ErrorIs(t, err, communicator.ErrConfiguration)
}

func TestRunReportsAllocationFailure(t *testing.T) {
	t.Parallel()
	// the model fits, the reduction buffers do not
	_, err := Run(context.Background(), Config{MemoryLimit: 4096}, nil)
	require.ErrorIs(t, err, device.ErrOutOfMemory)
}

func TestRunHonorsCancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, Config{}, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNormalizeRejectsBadScenarios(t *testing.T) {
	t.Parallel()
	bad := []Config{
		{Communicator: "ring"},
		{AllreduceDType: "float128"},
		{Params: []ParamSpec{{Name: "a", Size: 1}, {Name: "a", Size: 2}}},
		{Params: []ParamSpec{{Size: 1}}},
		{Params: []ParamSpec{{Name: "a", Size: -1}}},
		{Params: []ParamSpec{{Name: "a", Size: 1, DType: "int32"}}},
	}
	for _, cfg := range bad {
		_, err := cfg.Normalize()
		require.Error(t, err, "%+v", cfg)
	}
}

func TestNormalizeBoundsScenarioSize(t *testing.T) {
	t.Parallel()
	many := make([]ParamSpec, 4)
	for i := range many {
		many[i] = ParamSpec{Name: fmt.Sprintf("p%d", i), Size: MaxElements / 3, Frozen: i == 0}
	}
	cases := map[string]Config{
		"huge param": {Params: []ParamSpec{{Name: "w", Size: 1 << 60}}},
		"sum":        {Params: many},
		"steps":      {Steps: MaxSteps + 1},
		"ranks":      {Hosts: Ranks(MaxRanks+1, 1)},
	}
	for name, cfg := range cases {
		_, err := cfg.Normalize()
		require.ErrorIs(t, err, ErrTooLarge, name)
	}

	cfg, err := Config{Steps: MaxSteps, Params: many[:3]}.Normalize()
	require.NoError(t, err)
	require.Equal(t, 3*(MaxElements/3), cfg.Elements())
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	body := `name: two-nodes
hosts: [a, a, b, b]
communicator: pure
allreduce_dtype: float16
steps: 2
params:
  - name: w
    size: 32
  - name: b
    size: 4
    dtype: float64
    frozen: true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "two-nodes", cfg.Name)
	require.Equal(t, []string{"a", "a", "b", "b"}, cfg.Hosts)
	require.Len(t, cfg.Params, 2)
	require.True(t, cfg.Params[1].Frozen)

	rep, err := Run(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.Equal(t, 32, rep.Elements)
	require.True(t, rep.Pass())

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
