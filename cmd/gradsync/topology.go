package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gradsync/internal/sim"
	"github.com/samcharles93/gradsync/internal/topology"
)

func topologyCmd() *cli.Command {
	var (
		hosts   []string
		nodes   int64
		perNode int64
	)
	return &cli.Command{
		Name:      "topology",
		Usage:     "Show the intra/inter node ranks of every process",
		ArgsUsage: "[host...]",
		Flags:     topologyFlags(&hosts, &nodes, &perNode),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Present() {
				hosts = append(hosts, cmd.Args().Slice()...)
			}
			if len(hosts) == 0 {
				if nodes < 1 || perNode < 1 {
					return fmt.Errorf("--nodes and --ranks-per-node must be positive")
				}
				hosts = sim.Ranks(int(nodes), int(perNode))
			}
			ranks, err := resolveAll(hosts)
			if err != nil {
				return err
			}
			return writeTopology(os.Stdout, ranks)
		},
	}
}

func resolveAll(hosts []string) ([]topology.Topology, error) {
	ranks := make([]topology.Topology, 0, len(hosts))
	for rank := range hosts {
		t, err := topology.Resolve(hosts, rank)
		if err != nil {
			return nil, err
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		ranks = append(ranks, t)
	}
	return ranks, nil
}

func writeTopology(w io.Writer, ranks []topology.Topology) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RANK\tINTRA\tINTRA SIZE\tINTER\tINTER SIZE")
	for _, t := range ranks {
		_, _ = fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\n", t.GlobalRank, t.IntraRank, t.IntraSize, t.InterRank, t.InterSize)
	}
	return tw.Flush()
}
