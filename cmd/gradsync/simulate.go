package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gradsync/internal/logger"
	"github.com/samcharles93/gradsync/internal/sim"
)

type simulateOptions struct {
	scenario       string
	hosts          []string
	nodes          int64
	perNode        int64
	communicator   string
	allreduceDType string
	steps          int64
	seed           int64
	memoryLimit    string
	jsonOut        bool
}

func simulateCmd() *cli.Command {
	var o simulateOptions

	return &cli.Command{
		Name:  "simulate",
		Usage: "Run a multi-rank gradient synchronization in-process and check the result",
		Flags: o.flags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applySimulateConfig(cmd, LoadConfig(), &o)

			cfg, err := o.config(cmd)
			if err != nil {
				return err
			}
			rep, err := sim.Run(ctx, cfg, log)
			if err != nil {
				return err
			}
			if o.jsonOut {
				err = writeReportJSON(os.Stdout, rep)
			} else {
				err = writeReport(os.Stdout, rep)
			}
			if err != nil {
				return err
			}
			if !rep.Pass() {
				return cli.Exit(fmt.Sprintf("simulation %s failed: max error %g above tolerance %g", rep.ID, rep.MaxError, rep.Tolerance), 1)
			}
			return nil
		},
	}
}

func (o *simulateOptions) flags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "scenario",
			Aliases:     []string{"f"},
			Usage:       "YAML scenario file; flags given explicitly override its fields",
			Destination: &o.scenario,
		},
		&cli.StringFlag{
			Name:        "communicator",
			Usage:       "communicator variant (pure, single_node)",
			Value:       sim.Pure,
			Destination: &o.communicator,
		},
		&cli.StringFlag{
			Name:        "allreduce-dtype",
			Usage:       "wire type of the reduction (float16, float32, float64); empty keeps the gradient type",
			Destination: &o.allreduceDType,
		},
		&cli.Int64Flag{
			Name:        "steps",
			Usage:       "number of gradient reductions",
			Value:       1,
			Destination: &o.steps,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed of the generated parameters and gradients",
			Destination: &o.seed,
		},
		&cli.StringFlag{
			Name:        "memory-limit",
			Usage:       "per-device memory limit, e.g. 64KiB; empty means unlimited",
			Destination: &o.memoryLimit,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the report as JSON",
			Destination: &o.jsonOut,
		},
	}
	return append(flags, topologyFlags(&o.hosts, &o.nodes, &o.perNode)...)
}

// config builds the scenario: the file first, then every explicitly set flag.
func (o *simulateOptions) config(cmd *cli.Command) (sim.Config, error) {
	var cfg sim.Config
	if o.scenario != "" {
		var err error
		if cfg, err = sim.LoadConfig(o.scenario); err != nil {
			return cfg, err
		}
	}
	set := func(name string) bool { return o.scenario == "" || cmd.IsSet(name) }

	switch {
	case len(o.hosts) > 0:
		cfg.Hosts = o.hosts
	case o.scenario == "" || cmd.IsSet("nodes") || cmd.IsSet("ranks-per-node"):
		if o.nodes < 1 || o.perNode < 1 {
			return cfg, fmt.Errorf("--nodes and --ranks-per-node must be positive")
		}
		cfg.Hosts = sim.Ranks(int(o.nodes), int(o.perNode))
	}
	if set("communicator") {
		cfg.Communicator = strings.TrimSpace(o.communicator)
	}
	if set("allreduce-dtype") {
		cfg.AllreduceDType = strings.TrimSpace(o.allreduceDType)
	}
	if set("steps") {
		cfg.Steps = int(o.steps)
	}
	if set("seed") {
		cfg.Seed = uint64(o.seed)
	}
	if set("memory-limit") && o.memoryLimit != "" {
		n, err := humanize.ParseBytes(o.memoryLimit)
		if err != nil {
			return cfg, fmt.Errorf("--memory-limit: %w", err)
		}
		cfg.MemoryLimit = int64(n)
	}
	return cfg.Normalize()
}

func writeReportJSON(w io.Writer, rep *sim.Report) error {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// interGroups lists each distinct inter-node group once, in order of its lowest rank.
func interGroups(peers [][]int) string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range peers {
		g := fmt.Sprint(p)
		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	return strings.Join(out, " ")
}

func writeReport(w io.Writer, rep *sim.Report) error {
	status := "PASS"
	if !rep.Pass() {
		status = "FAIL"
	}
	_, _ = fmt.Fprintf(w, "simulation %s (%s)\n", rep.Name, rep.ID)
	_, _ = fmt.Fprintf(w, "  communicator: %s\n", rep.Communicator)
	_, _ = fmt.Fprintf(w, "  wire type:    %s\n", rep.Wire)
	_, _ = fmt.Fprintf(w, "  ranks:        %d\n", len(rep.Ranks))
	_, _ = fmt.Fprintf(w, "  inter groups: %s\n", interGroups(rep.InterPeers))
	_, _ = fmt.Fprintf(w, "  steps:        %d\n", rep.Steps)
	_, _ = fmt.Fprintf(w, "  payload:      %s elements (%s)\n", humanize.Comma(int64(rep.Elements)), rep.Size())
	_, _ = fmt.Fprintf(w, "  comms:        %d\n", rep.CommsCreated)
	_, _ = fmt.Fprintf(w, "  max error:    %.3g (tolerance %.3g)\n", rep.MaxError, rep.Tolerance)
	_, _ = fmt.Fprintf(w, "  broadcast:    %t\n", rep.BroadcastOK)
	_, _ = fmt.Fprintf(w, "  duration:     %s\n", rep.Duration)
	_, _ = fmt.Fprintf(w, "  result:       %s\n\n", status)
	return writeTopology(w, rep.Ranks)
}
