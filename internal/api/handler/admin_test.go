package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ssbgp/dispatcher/internal/store"
	"github.com/ssbgp/dispatcher/pkg/models"
)

// --- stub admin ---

type stubAdmin struct {
	submitFn    func(ctx context.Context, sim *models.Simulation, priority int) error
	deleteFn    func(ctx context.Context, simulationID string) error
	allFn       func(ctx context.Context) ([]*models.Simulation, error)
	queuedFn    func(ctx context.Context) ([]*models.QueuedSimulation, error)
	runningFn   func(ctx context.Context) ([]*models.RunningSimulation, error)
	completeFn  func(ctx context.Context) ([]*models.CompleteSimulation, error)
	simulators  func(ctx context.Context) ([]string, error)
	statusFn    func(ctx context.Context) (*store.Counts, error)
	statusCalls int
}

func (s *stubAdmin) Submit(ctx context.Context, sim *models.Simulation, priority int) error {
	return s.submitFn(ctx, sim, priority)
}

func (s *stubAdmin) Delete(ctx context.Context, simulationID string) error {
	return s.deleteFn(ctx, simulationID)
}

func (s *stubAdmin) Simulations(ctx context.Context) ([]*models.Simulation, error) {
	return s.allFn(ctx)
}

func (s *stubAdmin) QueuedSimulations(ctx context.Context) ([]*models.QueuedSimulation, error) {
	return s.queuedFn(ctx)
}

func (s *stubAdmin) RunningSimulations(ctx context.Context) ([]*models.RunningSimulation, error) {
	return s.runningFn(ctx)
}

func (s *stubAdmin) CompleteSimulations(ctx context.Context) ([]*models.CompleteSimulation, error) {
	return s.completeFn(ctx)
}

func (s *stubAdmin) Simulators(ctx context.Context) ([]string, error) {
	return s.simulators(ctx)
}

func (s *stubAdmin) Status(ctx context.Context) (*store.Counts, error) {
	s.statusCalls++
	return s.statusFn(ctx)
}

// memoryCache is an in-process cache.Cache for handler tests.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string][]byte)}
}

func (c *memoryCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	val, ok := c.entries[key]
	return val, ok, nil
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *memoryCache) Ping(context.Context) error { return nil }

func (c *memoryCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 1, nil
}

// --- Submit ---

func TestSubmitHandler_Success(t *testing.T) {
	var gotSim *models.Simulation
	var gotPriority int
	a := &stubAdmin{submitFn: func(_ context.Context, sim *models.Simulation, priority int) error {
		gotSim, gotPriority = sim, priority
		return nil
	}}
	h := NewSubmitHandler(a)

	body, _ := json.Marshal(map[string]any{
		"id":          "#1",
		"topology":    "topology.nf",
		"repetitions": 5,
		"priority":    20,
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/simulations", bytes.NewReader(body)))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotSim.ID != "#1" || gotSim.Topology != "topology.nf" || gotPriority != 20 {
		t.Errorf("unexpected submit args: %+v priority=%d", gotSim, gotPriority)
	}
}

func TestSubmitHandler_GeneratesMissingID(t *testing.T) {
	var gotID string
	a := &stubAdmin{submitFn: func(_ context.Context, sim *models.Simulation, _ int) error {
		gotID = sim.ID
		return nil
	}}
	h := NewSubmitHandler(a)

	body, _ := json.Marshal(map[string]any{"topology": "topology.nf", "repetitions": 1})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/simulations", bytes.NewReader(body)))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if gotID == "" {
		t.Error("expected a generated id")
	}
	data := decodeData(t, rec)
	if data["id"] != gotID {
		t.Errorf("response id %v does not match submitted id %s", data["id"], gotID)
	}
}

func TestSubmitHandler_Validation(t *testing.T) {
	a := &stubAdmin{submitFn: func(context.Context, *models.Simulation, int) error {
		t.Fatal("submit should not be called")
		return nil
	}}
	h := NewSubmitHandler(a)

	cases := map[string]map[string]any{
		"missing topology":  {"repetitions": 1},
		"zero repetitions":  {"topology": "topology.nf", "repetitions": 0},
		"negative rep count": {"topology": "topology.nf", "repetitions": -3},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			body, _ := json.Marshal(payload)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/simulations", bytes.NewReader(body)))

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestSubmitHandler_Duplicate(t *testing.T) {
	a := &stubAdmin{submitFn: func(context.Context, *models.Simulation, int) error {
		return store.ErrDuplicateKey
	}}
	h := NewSubmitHandler(a)

	body, _ := json.Marshal(map[string]any{"id": "#1", "topology": "topology.nf", "repetitions": 1})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/simulations", bytes.NewReader(body)))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := decodeErrCode(t, rec); code != "ALREADY_EXISTS" {
		t.Errorf("unexpected error code: %s", code)
	}
}

// --- List ---

func TestListSimulationsHandler_ByState(t *testing.T) {
	a := &stubAdmin{
		allFn: func(context.Context) ([]*models.Simulation, error) {
			return []*models.Simulation{{ID: "#all"}}, nil
		},
		queuedFn: func(context.Context) ([]*models.QueuedSimulation, error) {
			return []*models.QueuedSimulation{{Simulation: models.Simulation{ID: "#q"}, Priority: 7}}, nil
		},
		runningFn: func(context.Context) ([]*models.RunningSimulation, error) {
			return []*models.RunningSimulation{{Simulation: models.Simulation{ID: "#r"}, SimulatorID: "w"}}, nil
		},
		completeFn: func(context.Context) ([]*models.CompleteSimulation, error) {
			return []*models.CompleteSimulation{{Simulation: models.Simulation{ID: "#c"}, SimulatorID: "w"}}, nil
		},
	}
	h := NewListSimulationsHandler(a)

	cases := map[string]string{
		"":         "#all",
		"all":      "#all",
		"queued":   "#q",
		"running":  "#r",
		"complete": "#c",
	}
	for state, wantID := range cases {
		t.Run("state="+state, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/simulations?state="+state, nil))

			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			var env struct {
				Data []map[string]any `json:"data"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(env.Data) != 1 || env.Data[0]["id"] != wantID {
				t.Errorf("unexpected data: %v", env.Data)
			}
		})
	}
}

func TestListSimulationsHandler_UnknownState(t *testing.T) {
	h := NewListSimulationsHandler(&stubAdmin{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/simulations?state=bogus", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// --- Delete ---

func TestDeleteHandler_Success(t *testing.T) {
	var gotID string
	a := &stubAdmin{deleteFn: func(_ context.Context, simulationID string) error {
		gotID = simulationID
		return nil
	}}
	h := NewDeleteHandler(a)

	r := httptest.NewRequest(http.MethodDelete, "/api/v1/simulations/%231", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("simulationID", "#1")
	r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotID != "#1" {
		t.Errorf("unexpected id: %s", gotID)
	}
}

func TestDeleteHandler_Failure(t *testing.T) {
	a := &stubAdmin{deleteFn: func(context.Context, string) error {
		return errors.New("db down")
	}}
	h := NewDeleteHandler(a)

	r := httptest.NewRequest(http.MethodDelete, "/api/v1/simulations/x", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("simulationID", "x")
	r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

// --- Simulators ---

func TestListSimulatorsHandler(t *testing.T) {
	a := &stubAdmin{simulators: func(context.Context) ([]string, error) {
		return []string{"w1", "w2"}, nil
	}}
	h := NewListSimulatorsHandler(a)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/simulators", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var env struct {
		Data []string `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(env.Data) != 2 {
		t.Errorf("unexpected simulators: %v", env.Data)
	}
}

// --- Status ---

func TestStatusHandler_CachesCounts(t *testing.T) {
	a := &stubAdmin{statusFn: func(context.Context) (*store.Counts, error) {
		return &store.Counts{Queued: 3, Running: 1, Complete: 2, Simulators: 4}, nil
	}}
	c := newMemoryCache()
	h := NewStatusHandler(a, c, time.Minute)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		data := decodeData(t, rec)
		if data["queued"] != float64(3) || data["simulators"] != float64(4) {
			t.Errorf("unexpected counts: %v", data)
		}
	}

	// First request populates the cache; the rest are served from it.
	if a.statusCalls != 1 {
		t.Errorf("expected 1 status call, got %d", a.statusCalls)
	}
}

func TestStatusHandler_Failure(t *testing.T) {
	a := &stubAdmin{statusFn: func(context.Context) (*store.Counts, error) {
		return nil, errors.New("db down")
	}}
	h := NewStatusHandler(a, newMemoryCache(), time.Minute)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
