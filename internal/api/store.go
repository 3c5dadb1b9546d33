package api

import (
	"slices"
	"sync"
	"time"

	"github.com/samcharles93/gradsync/internal/sim"
)

const (
	StatusPassed = "passed"
	StatusFailed = "failed"
	StatusError  = "error"
)

type Simulation struct {
	ID        string      `json:"id"`
	Object    string      `json:"object"`
	CreatedAt int64       `json:"created_at"`
	Status    string      `json:"status"`
	Error     string      `json:"error,omitempty"`
	Config    sim.Config  `json:"config"`
	Report    *sim.Report `json:"report,omitempty"`
}

// SimulationStore keeps finished simulations in memory, in creation order.
type SimulationStore struct {
	mu    sync.Mutex
	order []string
	sims  map[string]*Simulation
	limit int
}

// NewSimulationStore keeps at most limit simulations, evicting the oldest. limit <= 0 keeps
// everything.
func NewSimulationStore(limit int) *SimulationStore {
	return &SimulationStore{
		sims:  make(map[string]*Simulation),
		limit: limit,
	}
}

func (s *SimulationStore) Put(cfg sim.Config, rep *sim.Report, runErr error, id string, now time.Time) Simulation {
	rec := Simulation{
		ID:        id,
		Object:    "simulation",
		CreatedAt: now.Unix(),
		Config:    cfg,
		Report:    rep,
	}
	switch {
	case runErr != nil:
		rec.Status = StatusError
		rec.Error = runErr.Error()
	case rep.Pass():
		rec.Status = StatusPassed
	default:
		rec.Status = StatusFailed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sims[id]; !ok {
		s.order = append(s.order, id)
	}
	s.sims[id] = &rec
	for s.limit > 0 && len(s.order) > s.limit {
		delete(s.sims, s.order[0])
		s.order = s.order[1:]
	}
	return rec
}

func (s *SimulationStore) Get(id string) (Simulation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sims[id]
	if !ok {
		return Simulation{}, false
	}
	return *rec, true
}

func (s *SimulationStore) List() []Simulation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Simulation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.sims[id])
	}
	return out
}

func (s *SimulationStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sims[id]; !ok {
		return false
	}
	delete(s.sims, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return true
}
