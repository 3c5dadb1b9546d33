// Package api serves topology resolution and gradient synchronization simulations over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/gradsync/internal/backend"
	"github.com/samcharles93/gradsync/internal/communicator"
	"github.com/samcharles93/gradsync/internal/dtype"
	"github.com/samcharles93/gradsync/internal/logger"
	"github.com/samcharles93/gradsync/internal/sim"
	"github.com/samcharles93/gradsync/internal/topology"
)

const (
	// DefaultMaxRanks bounds the number of goroutine ranks a single request may start.
	DefaultMaxRanks = 64

	// DefaultMaxElements bounds the parameter elements a request may touch, summed over its
	// ranks and steps.
	DefaultMaxElements = 1 << 24
)

type Runner func(ctx context.Context, cfg sim.Config, log logger.Logger) (*sim.Report, error)

type Server struct {
	store    *SimulationStore
	run      Runner
	log      logger.Logger
	clock    func() time.Time
	maxRanks int
	maxElems int64
}

type Option func(*Server)

func WithRunner(run Runner) Option {
	return func(s *Server) { s.run = run }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithMaxRanks(n int) Option {
	return func(s *Server) { s.maxRanks = n }
}

func WithMaxElements(n int64) Option {
	return func(s *Server) { s.maxElems = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.clock = now }
}

func NewServer(store *SimulationStore, opts ...Option) *Server {
	if store == nil {
		store = NewSimulationStore(0)
	}
	s := &Server{
		store:    store,
		run:      sim.Run,
		log:      logger.Discard(),
		clock:    time.Now,
		maxRanks: DefaultMaxRanks,
		maxElems: DefaultMaxElements,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/backends", s.handleBackends)
	e.POST("/v1/topology", s.handleTopology)

	e.POST("/v1/simulations", s.handleCreateSimulation)
	e.GET("/v1/simulations", s.handleListSimulations)
	e.GET("/v1/simulations/:id", s.handleGetSimulation)
	e.DELETE("/v1/simulations/:id", s.handleDeleteSimulation)
}

type BackendsResponse struct {
	Object    string   `json:"object"`
	Available []string `json:"available"`
	DTypes    []string `json:"allreduce_dtypes"`
}

func (s *Server) handleBackends(c *echo.Context) error {
	return c.JSON(http.StatusOK, BackendsResponse{
		Object:    "list",
		Available: strings.Split(backend.Available(), ","),
		DTypes:    []string{dtype.Float16.String(), dtype.Float32.String(), dtype.Float64.String()},
	})
}

type TopologyRequest struct {
	Hosts []string `json:"hosts"`
}

type TopologyResponse struct {
	Object string              `json:"object"`
	Nodes  int                 `json:"nodes"`
	Ranks  []topology.Topology `json:"ranks"`
}

func (s *Server) handleTopology(c *echo.Context) error {
	req, err := decodeJSON[TopologyRequest](c.Request().Body)
	if err != nil {
		return writeInvalid(c, err)
	}
	if err := s.checkHosts(req.Hosts); err != nil {
		return writeInvalid(c, err)
	}
	resp := TopologyResponse{Object: "topology", Ranks: make([]topology.Topology, 0, len(req.Hosts))}
	for rank := range req.Hosts {
		t, err := topology.Resolve(req.Hosts, rank)
		if err == nil {
			err = t.Validate()
		}
		if err != nil {
			return writeBadRequest(c, err.Error())
		}
		resp.Ranks = append(resp.Ranks, t)
		resp.Nodes = t.InterSize
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) checkHosts(hosts []string) error {
	if len(hosts) == 0 {
		return newInvalidParam("hosts", "hosts is required and must not be empty")
	}
	if len(hosts) > s.maxRanks {
		return newInvalidParam("hosts", fmt.Sprintf("%d ranks requested, at most %d allowed", len(hosts), s.maxRanks))
	}
	for i, h := range hosts {
		if strings.TrimSpace(h) == "" {
			return newInvalidParam("hosts", fmt.Sprintf("host %d is empty", i))
		}
	}
	return nil
}

// checkSize bounds the work of a normalized scenario.
func (s *Server) checkSize(cfg sim.Config) error {
	work := int64(cfg.Elements()) * int64(len(cfg.Hosts)) * int64(cfg.Steps)
	if work > s.maxElems {
		return newInvalidParam("params", fmt.Sprintf(
			"%d elements over %d ranks and %d steps is %d element-steps, at most %d allowed",
			cfg.Elements(), len(cfg.Hosts), cfg.Steps, work, s.maxElems))
	}
	return nil
}

func (s *Server) handleCreateSimulation(c *echo.Context) error {
	cfg, err := decodeJSON[sim.Config](c.Request().Body)
	if err != nil {
		return writeInvalid(c, err)
	}
	cfg, err = cfg.Normalize()
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if err := s.checkHosts(cfg.Hosts); err != nil {
		return writeInvalid(c, err)
	}
	if err := s.checkSize(cfg); err != nil {
		return writeInvalid(c, err)
	}

	rep, runErr := s.run(c.Request().Context(), cfg, s.log)
	id := uuid.NewString()
	if rep != nil {
		id = rep.ID
	}
	rec := s.store.Put(cfg, rep, runErr, id, s.clock())
	if runErr != nil {
		s.log.Warn("simulation failed", "id", id, "error", runErr)
		if errors.Is(runErr, communicator.ErrConfiguration) || errors.Is(runErr, dtype.ErrUnsupported) {
			return writeError(c, http.StatusUnprocessableEntity, "configuration_error", runErr.Error(), "")
		}
		return writeError(c, http.StatusInternalServerError, "server_error", runErr.Error(), "")
	}
	return c.JSON(http.StatusCreated, rec)
}

type SimulationList struct {
	Object string       `json:"object"`
	Data   []Simulation `json:"data"`
}

func (s *Server) handleListSimulations(c *echo.Context) error {
	return c.JSON(http.StatusOK, SimulationList{Object: "list", Data: s.store.List()})
}

func (s *Server) handleGetSimulation(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "simulation not found")
	}
	return c.JSON(http.StatusOK, rec)
}

type DeleteSimulationResp struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

func (s *Server) handleDeleteSimulation(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "simulation not found")
	}
	return c.JSON(http.StatusOK, DeleteSimulationResp{ID: id, Object: "simulation", Deleted: true})
}
