package sim

import (
	"context"
	"encoding/binary"
	"math"
	"math/rand/v2"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/gradsync/internal/backend"
	"github.com/samcharles93/gradsync/internal/communicator"
	"github.com/samcharles93/gradsync/internal/device"
	"github.com/samcharles93/gradsync/internal/dtype"
	"github.com/samcharles93/gradsync/internal/group"
	"github.com/samcharles93/gradsync/internal/logger"
	"github.com/samcharles93/gradsync/internal/params"
	"github.com/samcharles93/gradsync/internal/topology"
)

// Report summarizes a run. InterPeers holds, per global rank, the global ranks of its
// inter-node group in inter rank order.
type Report struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Communicator string              `json:"communicator"`
	Wire         string              `json:"wire"`
	Ranks        []topology.Topology `json:"ranks"`
	InterPeers   [][]int             `json:"inter_peers"`
	Steps        int                 `json:"steps"`
	Elements     int                 `json:"elements"`
	Bytes        int64               `json:"bytes"`
	CommsCreated int64               `json:"comms_created"`
	MaxError     float64             `json:"max_error"`
	Tolerance    float64             `json:"tolerance"`
	BroadcastOK  bool                `json:"broadcast_ok"`
	Duration     time.Duration       `json:"duration"`
}

// Pass reports whether every rank received its parameters from rank 0 and every reduced
// gradient is within tolerance of the exact mean.
func (r *Report) Pass() bool {
	return r.BroadcastOK && r.MaxError <= r.Tolerance
}

func (r *Report) Size() string {
	return humanize.IBytes(uint64(r.Bytes))
}

// rankResult is what one rank saw during the run.
type rankResult struct {
	topo  topology.Topology
	peers []int
	// per step, the flat gradients before and after the reduction
	before [][]float64
	after  [][]float64
	data   []float64
	wire   dtype.DType
}

// Run executes cfg. Every rank runs on its own goroutine with its own host platform, and
// collectives go through one shared in-process library.
func Run(ctx context.Context, cfg Config, log logger.Logger) (*Report, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Discard()
	}
	wire, _ := dtype.Parse(cfg.AllreduceDType)
	var opts []device.HostOption
	if cfg.MemoryLimit > 0 {
		opts = append(opts, device.WithMemoryLimit(cfg.MemoryLimit))
	}
	hb := backend.NewHost(len(cfg.Hosts), opts...)
	groups, err := group.NewLocalWorld(len(cfg.Hosts), cfg.Hosts)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	log = log.With("simulation", id)
	log.Info("simulation starting",
		"name", cfg.Name,
		"ranks", len(cfg.Hosts),
		"communicator", cfg.Communicator,
		"steps", cfg.Steps,
	)
	start := time.Now()
	results := make([]*rankResult, len(groups))
	var eg errgroup.Group
	for i, g := range groups {
		eg.Go(func() error {
			res, err := runRank(cfg, wire, hb, g, log)
			if err != nil {
				return errors.WithMessagef(err, "rank %d", i)
			}
			results[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	rep := &Report{
		ID:           id,
		Name:         cfg.Name,
		Communicator: cfg.Communicator,
		Steps:        cfg.Steps,
		CommsCreated: hb.Loopback().CommsCreated(),
		Duration:     time.Since(start),
		BroadcastOK:  true,
	}
	rep.Wire = results[0].wire.String()
	for _, p := range cfg.Params {
		if p.Frozen {
			continue
		}
		dt, _ := dtype.Parse(p.DType)
		rep.Elements += p.Size
		rep.Bytes += int64(p.Size) * int64(dt.Size())
	}
	rep.MaxError, rep.Tolerance = compare(results, results[0].wire)
	for _, res := range results {
		rep.Ranks = append(rep.Ranks, res.topo)
		rep.InterPeers = append(rep.InterPeers, res.peers)
		if !equal(res.data, results[0].data) {
			rep.BroadcastOK = false
		}
	}
	log.Info("simulation finished",
		"duration", rep.Duration,
		"payload", rep.Size(),
		"max_error", rep.MaxError,
		"pass", rep.Pass(),
	)
	return rep, nil
}

func runRank(cfg Config, wire dtype.DType, b backend.Backend, g group.Group, log logger.Logger) (*rankResult, error) {
	plat, err := b.Platform()
	if err != nil {
		return nil, err
	}
	opts := communicator.Options{Logger: log, AllreduceDType: wire}
	var comm communicator.Communicator
	switch cfg.Communicator {
	case SingleNode:
		comm, err = communicator.NewSingleNode(g, plat, b.Collectives(), opts)
	default:
		comm, err = communicator.NewPure(g, plat, b.Collectives(), opts)
	}
	if err != nil {
		return nil, err
	}
	defer comm.Close()
	topo := comm.Topology()
	peers, err := interPeers(g, topo)
	if err != nil {
		return nil, errors.WithMessage(err, "inter-node group")
	}

	// one device per rank of a node, selected after the communicator exists
	if hp, ok := plat.(*device.HostPlatform); ok {
		if err := hp.Use(topo.IntraRank); err != nil {
			return nil, err
		}
	}
	dev, err := plat.Current()
	if err != nil {
		return nil, err
	}
	model, err := buildModel(dev, cfg.Params)
	if err != nil {
		return nil, err
	}
	defer freeModel(dev, model)

	res := &rankResult{topo: topo, peers: peers}
	if err := fill(dev, model, params.Data, cfg.Seed, -1, topo.GlobalRank); err != nil {
		return nil, err
	}
	if err := comm.BroadcastData(model); err != nil {
		return nil, errors.WithMessage(err, "broadcast data")
	}
	if res.data, err = flatten(dev, model, params.Data); err != nil {
		return nil, err
	}

	for step := 0; step < cfg.Steps; step++ {
		if err := fill(dev, model, params.Grad, cfg.Seed, step, topo.GlobalRank); err != nil {
			return nil, err
		}
		before, err := flatten(dev, model, params.Grad)
		if err != nil {
			return nil, err
		}
		if err := comm.AllreduceGrad(model, nil); err != nil {
			return nil, errors.WithMessagef(err, "allreduce step %d", step)
		}
		after, err := flatten(dev, model, params.Grad)
		if err != nil {
			return nil, err
		}
		res.before = append(res.before, before)
		res.after = append(res.after, after)
	}
	switch {
	case cfg.Communicator == SingleNode:
		res.wire = dtype.Float32
	case wire != dtype.Invalid:
		res.wire = wire
	default:
		res.wire = nativeType(cfg.Params)
	}
	return res, nil
}

// interPeers returns the global ranks sharing topo's intra rank across nodes.
func interPeers(g group.Group, topo topology.Topology) ([]int, error) {
	inter, err := topology.InterGroup(g, topo)
	if err != nil {
		return nil, err
	}
	var msg [8]byte
	binary.LittleEndian.PutUint64(msg[:], uint64(topo.GlobalRank))
	vals, err := inter.AllGather(msg[:])
	if err != nil {
		return nil, err
	}
	peers := make([]int, len(vals))
	for i, v := range vals {
		peers[i] = int(binary.LittleEndian.Uint64(v))
	}
	return peers, nil
}

func buildModel(dev device.Device, specs []ParamSpec) (params.Set, error) {
	m := params.Set{}
	for _, s := range specs {
		dt, _ := dtype.Parse(s.DType)
		zeros := make([]float64, s.Size)
		data, err := device.NewArray(dev, dt, zeros)
		if err != nil {
			freeModel(dev, m)
			return nil, errors.WithMessagef(err, "allocate %s", s.Name)
		}
		p := &params.Param{Data: &data}
		m[s.Name] = p
		if s.Frozen {
			continue
		}
		grad, err := device.NewArray(dev, dt, zeros)
		if err != nil {
			freeModel(dev, m)
			return nil, errors.WithMessagef(err, "allocate %s grad", s.Name)
		}
		p.Grad = &grad
	}
	return m, nil
}

func freeModel(dev device.Device, m params.Set) {
	for _, p := range m {
		if p.Data != nil {
			_ = dev.Free(p.Data.Ptr)
		}
		if p.Grad != nil {
			_ = dev.Free(p.Grad.Ptr)
		}
	}
}

// fill writes values drawn from a stream seeded by (seed, step, rank). step -1 is the
// parameter initialization.
func fill(dev device.Device, m params.Model, which params.View, seed uint64, step, rank int) error {
	rng := rand.New(rand.NewPCG(seed, uint64(int64(step)+1)<<20|uint64(rank)))
	for _, p := range params.Extract(m, which) {
		a := p.Array(which)
		vals := make([]float64, a.Len)
		for i := range vals {
			vals[i] = rng.NormFloat64() * 0.1
		}
		if err := device.Write(dev, *a, vals); err != nil {
			return err
		}
	}
	return nil
}

func flatten(dev device.Device, m params.Model, which params.View) ([]float64, error) {
	var out []float64
	for _, p := range params.Extract(m, which) {
		vals, err := device.Read(dev, *p.Array(which))
		if err != nil {
			return nil, err
		}
		out = append(out, vals...)
	}
	return out, nil
}

func nativeType(specs []ParamSpec) dtype.DType {
	for _, s := range specs {
		if !s.Frozen {
			dt, _ := dtype.Parse(s.DType)
			return dt
		}
	}
	return dtype.Float32
}

// compare returns the largest deviation of any rank's result from the exact mean of the
// inputs, and the deviation the wire type allows.
func compare(results []*rankResult, wire dtype.DType) (maxErr, tol float64) {
	n := float64(len(results))
	var maxAbs float64
	for step := range results[0].before {
		for i := range results[0].before[step] {
			var sum float64
			for _, r := range results {
				v := r.before[step][i]
				sum += v
				maxAbs = math.Max(maxAbs, math.Abs(v))
			}
			mean := sum / n
			for _, r := range results {
				maxErr = math.Max(maxErr, math.Abs(r.after[step][i]-mean))
			}
		}
	}
	// one rounding per input conversion, accumulation and scaling
	return maxErr, (n + 2) * epsilon(wire) * maxAbs
}

func epsilon(d dtype.DType) float64 {
	switch d {
	case dtype.Float16:
		return 0x1p-10
	case dtype.BFloat16:
		return 0x1p-7
	case dtype.Float64:
		return 0x1p-52
	default:
		return 0x1p-23
	}
}

func equal(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
