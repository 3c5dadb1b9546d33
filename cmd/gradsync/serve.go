package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gradsync/internal/api"
	"github.com/samcharles93/gradsync/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		maxRanks    int64
		maxElems    int64
		keep        int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve topology resolution and simulations over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "max-ranks",
				Usage:       "largest simulation a request may start",
				Value:       api.DefaultMaxRanks,
				Destination: &maxRanks,
			},
			&cli.Int64Flag{
				Name:        "max-elements",
				Usage:       "parameter elements a request may reduce, summed over ranks and steps",
				Value:       api.DefaultMaxElements,
				Destination: &maxElems,
			},
			&cli.Int64Flag{
				Name:        "keep",
				Usage:       "number of finished simulations kept in memory (0 keeps all)",
				Value:       256,
				Destination: &keep,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, LoadConfig(), &addr, &maxRanks, &maxElems, &keep)

			server := api.NewServer(api.NewSimulationStore(int(keep)),
				api.WithLogger(log),
				api.WithMaxRanks(int(maxRanks)),
				api.WithMaxElements(maxElems),
			)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "max_ranks", maxRanks, "max_elements", maxElems)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
