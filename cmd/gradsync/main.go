package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gradsync/internal/logger"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "gradsync",
		Usage: "Gradient synchronization for data-parallel training",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg := LoadConfig()
			applyLoggingConfig(cmd, cfg)
			level := logger.ParseLevel(logLevel)
			if debug {
				level = logger.ParseLevel("debug")
			}
			log := logger.ForFormat(os.Stderr, logFormat, level)
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			simulateCmd(),
			topologyCmd(),
			serveCmd(),
			backendsCmd(),
			versionCmd(),
		},
	}
}
