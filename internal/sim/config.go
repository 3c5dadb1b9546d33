// Package sim runs a multi-process gradient synchronization scenario inside one process, one
// goroutine per simulated rank, and checks every rank's result against the exact mean.
package sim

import (
	"fmt"
	"os"
	"slices"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/gradsync/internal/dtype"
)

const (
	Pure       = "pure"
	SingleNode = "single_node"
)

// MaxElements bounds the parameter elements of one rank, frozen ones included.
const (
	MaxRanks    = 1 << 10
	MaxElements = 1 << 24
	MaxSteps    = 1 << 12
)

// ErrTooLarge is returned by Normalize for scenarios past one of the limits above.
var ErrTooLarge = errors.New("sim: scenario too large")

// Config describes one scenario. Hosts lists the machine of every rank in global rank order.
type Config struct {
	Name           string      `yaml:"name" json:"name"`
	Hosts          []string    `yaml:"hosts" json:"hosts"`
	Communicator   string      `yaml:"communicator" json:"communicator"`
	AllreduceDType string      `yaml:"allreduce_dtype" json:"allreduce_dtype"`
	Steps          int         `yaml:"steps" json:"steps"`
	Seed           uint64      `yaml:"seed" json:"seed"`
	MemoryLimit    int64       `yaml:"memory_limit" json:"memory_limit"`
	Params         []ParamSpec `yaml:"params" json:"params"`
}

type ParamSpec struct {
	Name   string `yaml:"name" json:"name"`
	Size   int    `yaml:"size" json:"size"`
	DType  string `yaml:"dtype" json:"dtype"`
	Frozen bool   `yaml:"frozen" json:"frozen"`
}

// Ranks returns hosts for n ranks spread evenly over nodes machines.
func Ranks(nodes, perNode int) []string {
	hosts := make([]string, 0, nodes*perNode)
	for n := 0; n < nodes; n++ {
		for i := 0; i < perNode; i++ {
			hosts = append(hosts, fmt.Sprintf("node%d", n))
		}
	}
	return hosts
}

// DefaultParams is a small two-layer model with a frozen embedding.
func DefaultParams() []ParamSpec {
	return []ParamSpec{
		{Name: "embed/W", Size: 64, DType: "float32", Frozen: true},
		{Name: "l1/W", Size: 256, DType: "float32"},
		{Name: "l1/b", Size: 16, DType: "float32"},
		{Name: "l2/W", Size: 128, DType: "float32"},
		{Name: "l2/b", Size: 8, DType: "float32"},
	}
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read scenario %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse scenario %s", path)
	}
	return cfg, nil
}

// Normalize fills defaults and validates the scenario.
func (c Config) Normalize() (Config, error) {
	if len(c.Hosts) == 0 {
		c.Hosts = Ranks(1, 2)
	}
	if c.Communicator == "" {
		c.Communicator = Pure
	}
	if c.Steps <= 0 {
		c.Steps = 1
	}
	if len(c.Params) == 0 {
		c.Params = DefaultParams()
	}
	if c.Name == "" {
		c.Name = c.Communicator
	}
	switch c.Communicator {
	case Pure, SingleNode:
	default:
		return c, errors.Errorf("unknown communicator %q (expected %s or %s)", c.Communicator, Pure, SingleNode)
	}
	if _, err := dtype.Parse(c.AllreduceDType); err != nil {
		return c, errors.WithMessage(err, "allreduce_dtype")
	}
	if len(c.Hosts) > MaxRanks {
		return c, errors.Wrapf(ErrTooLarge, "%d ranks, at most %d", len(c.Hosts), MaxRanks)
	}
	if c.Steps > MaxSteps {
		return c, errors.Wrapf(ErrTooLarge, "%d steps, at most %d", c.Steps, MaxSteps)
	}
	seen := make(map[string]bool, len(c.Params))
	total := 0
	c.Params = slices.Clone(c.Params)
	for i, p := range c.Params {
		if p.Name == "" {
			return c, errors.Errorf("param %d has no name", i)
		}
		if seen[p.Name] {
			return c, errors.Errorf("param %q is declared twice", p.Name)
		}
		seen[p.Name] = true
		if p.Size < 0 {
			return c, errors.Errorf("param %q has negative size %d", p.Name, p.Size)
		}
		if p.Size > MaxElements-total {
			return c, errors.Wrapf(ErrTooLarge, "param %q brings the model past %d elements", p.Name, MaxElements)
		}
		total += p.Size
		if p.DType == "" {
			c.Params[i].DType = "float32"
		}
		dt, err := dtype.Parse(c.Params[i].DType)
		if err != nil {
			return c, errors.WithMessagef(err, "param %q", p.Name)
		}
		if !dt.IsFloat() {
			return c, errors.Errorf("param %q: gradients must be floating point, got %s", p.Name, dt)
		}
	}
	return c, nil
}

// Elements is the number of parameter elements one rank holds, frozen ones included.
func (c Config) Elements() int {
	n := 0
	for _, p := range c.Params {
		n += p.Size
	}
	return n
}
