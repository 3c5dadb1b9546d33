package main

import "github.com/urfave/cli/v3"

var (
	logLevel  string
	logFormat string
	debug     bool
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// topologyFlags describe the simulated cluster when no host list is given.
func topologyFlags(hosts *[]string, nodes, perNode *int64) []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:        "hosts",
			Usage:       "processor name of every rank in global rank order (comma separated)",
			Destination: hosts,
		},
		&cli.Int64Flag{
			Name:        "nodes",
			Usage:       "number of simulated machines, used when --hosts is empty",
			Value:       1,
			Destination: nodes,
		},
		&cli.Int64Flag{
			Name:        "ranks-per-node",
			Aliases:     []string{"gpus"},
			Usage:       "ranks on every simulated machine, used when --hosts is empty",
			Value:       2,
			Destination: perNode,
		},
	}
}
