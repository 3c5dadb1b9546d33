package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/gradsync/internal/communicator"
	"github.com/samcharles93/gradsync/internal/logger"
	"github.com/samcharles93/gradsync/internal/sim"
)

func newTestEcho(opts ...Option) *echo.Echo {
	server := NewServer(NewSimulationStore(0), opts...)
	e := echo.New()
	server.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSimulationLifecycle(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	createRec := doJSON(t, e, http.MethodPost, "/v1/simulations",
		`{"name":"two-nodes","hosts":["a","a","b","b"],"allreduce_dtype":"float16","steps":2}`)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("create status: got %d body=%s", createRec.Code, createRec.Body.String())
	}
	var created Simulation
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected simulation id")
	}
	if created.Status != StatusPassed {
		t.Fatalf("expected passed status, got %q (report %+v)", created.Status, created.Report)
	}
	if created.Report == nil || created.Report.Wire != "float16" {
		t.Fatalf("unexpected report: %+v", created.Report)
	}
	if len(created.Report.Ranks) != 4 || created.Report.Ranks[3].InterRank != 1 {
		t.Fatalf("unexpected ranks: %+v", created.Report.Ranks)
	}

	getRec := doJSON(t, e, http.MethodGet, "/v1/simulations/"+created.ID, "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status: got %d body=%s", getRec.Code, getRec.Body.String())
	}

	listRec := doJSON(t, e, http.MethodGet, "/v1/simulations", "")
	if !strings.Contains(listRec.Body.String(), created.ID) {
		t.Fatalf("list missing %s: %s", created.ID, listRec.Body.String())
	}

	delRec := doJSON(t, e, http.MethodDelete, "/v1/simulations/"+created.ID, "")
	if delRec.Code != http.StatusOK {
		t.Fatalf("delete status: got %d body=%s", delRec.Code, delRec.Body.String())
	}
	if !strings.Contains(delRec.Body.String(), `"deleted":true`) {
		t.Fatalf("delete response missing deleted=true: %s", delRec.Body.String())
	}

	getDeletedRec := doJSON(t, e, http.MethodGet, "/v1/simulations/"+created.ID, "")
	if getDeletedRec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d body=%s", getDeletedRec.Code, getDeletedRec.Body.String())
	}
}

func TestCreateSimulationValidationErrors(t *testing.T) {
	t.Parallel()

	e := newTestEcho(WithMaxRanks(4))
	cases := []struct {
		body string
		want string
	}{
		{`{"communicator":"ring"}`, "unknown communicator"},
		{`{"allreduce_dtype":"float128"}`, "allreduce_dtype"},
		{`{"hosts":["a","b","c","d","e"]}`, "at most 4 allowed"},
		{`{"hosts":["a",""]}`, "host 1 is empty"},
		{`{"hostz":["a"]}`, "decode body"},
		{`not json`, "decode body"},
	}
	for _, tc := range cases {
		rec := doJSON(t, e, http.MethodPost, "/v1/simulations", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d body=%s", tc.body, rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), tc.want) {
			t.Fatalf("%s: unexpected error body: %s", tc.body, rec.Body.String())
		}
	}
}

func TestCreateSimulationRejectsOversizedScenarios(t *testing.T) {
	t.Parallel()

	// The default model holds 472 elements over two ranks.
	e := newTestEcho(WithMaxElements(1000))
	cases := []struct {
		body  string
		want  string
		param string
	}{
		{`{"params":[{"name":"w","size":1152921504606846976}]}`, "scenario too large", ""},
		{`{"steps":100000}`, "scenario too large", ""},
		{`{"steps":2}`, "element-steps", "params"},
	}
	for _, tc := range cases {
		rec := doJSON(t, e, http.MethodPost, "/v1/simulations", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d body=%s", tc.body, rec.Code, rec.Body.String())
		}
		var body struct {
			Error ErrorBody `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: decode error body: %v", tc.body, err)
		}
		if !strings.Contains(body.Error.Message, tc.want) || body.Error.Param != tc.param {
			t.Fatalf("%s: unexpected error body: %s", tc.body, rec.Body.String())
		}
	}

	rec := doJSON(t, e, http.MethodPost, "/v1/simulations", `{"steps":1}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected a scenario under the limit to run, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestCreateSimulationConfigurationError(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	rec := doJSON(t, e, http.MethodPost, "/v1/simulations",
		`{"hosts":["a","b"],"communicator":"single_node"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "configuration_error") {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}

	listRec := doJSON(t, e, http.MethodGet, "/v1/simulations", "")
	var list SimulationList
	if err := json.Unmarshal(listRec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Data) != 1 || list.Data[0].Status != StatusError || list.Data[0].Report != nil {
		t.Fatalf("expected one errored simulation, got %+v", list.Data)
	}
}

func TestCreateSimulationRunnerFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("device lost")
	e := newTestEcho(WithRunner(func(ctx context.Context, cfg sim.Config, log logger.Logger) (*sim.Report, error) {
		return nil, boom
	}))
	rec := doJSON(t, e, http.MethodPost, "/v1/simulations", `{}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "device lost") {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}

	e = newTestEcho(WithRunner(func(ctx context.Context, cfg sim.Config, log logger.Logger) (*sim.Report, error) {
		return nil, communicator.ErrConfiguration
	}))
	rec = doJSON(t, e, http.MethodPost, "/v1/simulations", `{}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestTopologyEndpoint(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	rec := doJSON(t, e, http.MethodPost, "/v1/topology", `{"hosts":["x","y","x","y","y"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("topology status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp TopologyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode topology: %v", err)
	}
	if resp.Nodes != 2 || len(resp.Ranks) != 5 {
		t.Fatalf("unexpected topology: %+v", resp)
	}
	wantIntra := []int{0, 0, 1, 1, 2}
	wantInter := []int{0, 1, 0, 1, 1}
	wantSize := []int{2, 3, 2, 3, 3}
	for i, r := range resp.Ranks {
		if r.IntraRank != wantIntra[i] || r.InterRank != wantInter[i] || r.IntraSize != wantSize[i] {
			t.Fatalf("rank %d: got %s", i, r)
		}
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/topology", `{"hosts":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty hosts, got %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"param":"hosts"`) {
		t.Fatalf("expected hosts param in error: %s", rec.Body.String())
	}
}

func TestBackendsEndpoint(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	rec := doJSON(t, e, http.MethodGet, "/v1/backends", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("backends status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp BackendsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode backends: %v", err)
	}
	if len(resp.Available) == 0 || resp.Available[0] != "host" {
		t.Fatalf("expected host backend first, got %v", resp.Available)
	}
}

func TestStoreEvictsOldest(t *testing.T) {
	t.Parallel()

	store := NewSimulationStore(2)
	now := time.Unix(1700000000, 0)
	for _, id := range []string{"a", "b", "c"} {
		store.Put(sim.Config{}, nil, errors.New("x"), id, now)
	}
	if _, ok := store.Get("a"); ok {
		t.Fatalf("expected oldest simulation to be evicted")
	}
	list := store.List()
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "c" {
		t.Fatalf("unexpected store order: %+v", list)
	}
	if !store.Delete("b") || store.Delete("b") {
		t.Fatalf("delete should succeed once")
	}
	if got := store.List(); len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("unexpected store after delete: %+v", got)
	}
}

func TestDecodeJSONErrorsAreInvalidRequests(t *testing.T) {
	t.Parallel()

	_, err := decodeJSON[TopologyRequest](strings.NewReader(`{"hosts":`))
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	req, err := decodeJSON[TopologyRequest](strings.NewReader(`{"hosts":["a"]}`))
	if err != nil || len(req.Hosts) != 1 {
		t.Fatalf("unexpected decode result: %+v, %v", req, err)
	}
}
