package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gradsync/internal/backend"
	"github.com/samcharles93/gradsync/internal/communicator"
)

func backendsCmd() *cli.Command {
	return &cli.Command{
		Name:  "backends",
		Usage: "List the device backends compiled into this binary",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return writeBackends(os.Stdout, []string{backend.Host, backend.CUDA})
		},
	}
}

func writeBackends(w io.Writer, names []string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "BACKEND\tBUILT\tCOLLECTIVES\tVERSION\tPURE")
	for _, name := range names {
		if !backend.Has(name) {
			_, _ = fmt.Fprintf(tw, "%s\tno\t-\t-\t-\n", name)
			continue
		}
		b, err := backend.New(name, 1)
		if err != nil {
			_, _ = fmt.Fprintf(tw, "%s\tyes\terror: %v\t-\t-\n", name, err)
			continue
		}
		lib := b.Collectives()
		if !lib.Available() {
			_, _ = fmt.Fprintf(tw, "%s\tyes\tunavailable\t-\t-\n", name)
			continue
		}
		pure := "yes"
		if lib.Version() < communicator.MinLibraryVersion {
			pure = "no"
		}
		_, _ = fmt.Fprintf(tw, "%s\tyes\tavailable\t%d\t%s\n", name, lib.Version(), pure)
	}
	return tw.Flush()
}
