package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ulp/living-knowledge/internal/gateway"
	"github.com/ulp/living-knowledge/internal/index"
	"github.com/ulp/living-knowledge/internal/knowledge"
	"github.com/ulp/living-knowledge/internal/lineage"
	"github.com/ulp/living-knowledge/internal/store"
	"github.com/ulp/living-knowledge/internal/world"
	"go.uber.org/zap"
)

// UnitSaver receives every unit inserted through the API.
type UnitSaver interface {
	Name() string
	SaveUnit(ctx context.Context, u knowledge.Unit) error
}

// AncestryReader resolves a unit's derivation chain.
type AncestryReader interface {
	Ancestry(ctx context.Context, id string, maxDepth int) ([]lineage.Ancestor, error)
}

// Searcher runs semantic search over alive knowledge.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]index.Hit, error)
}

// TickLog lists persisted evolution ticks.
type TickLog interface {
	ListTicks(ctx context.Context, limit int) ([]store.TickRow, error)
}

// DigestHistory lists digests sent to chat platforms.
type DigestHistory interface {
	History(limit int) []gateway.DigestRecord
	Platforms() []string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	pop     *knowledge.Population
	evolver *world.Evolver
	clock   *world.WorldClock

	mu       sync.RWMutex
	savers   []UnitSaver
	lineage  AncestryReader
	searcher Searcher
	tickLog  TickLog
	digests  DigestHistory

	live   *LiveFeed
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(pop *knowledge.Population, evolver *world.Evolver, clock *world.WorldClock, logger *zap.Logger) *Handler {
	return &Handler{
		pop:     pop,
		evolver: evolver,
		clock:   clock,
		live:    newLiveFeed(logger),
		logger:  logger,
	}
}

// LiveFeed returns the websocket feed; register it with the evolver to
// stream ticks to clients.
func (h *Handler) LiveFeed() *LiveFeed { return h.live }

// AddSaver registers a consumer of inserted units.
func (h *Handler) AddSaver(s UnitSaver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.savers = append(h.savers, s)
}

// SetLineage enables the lineage route.
func (h *Handler) SetLineage(r AncestryReader) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lineage = r
}

// SetSearcher enables the search route.
func (h *Handler) SetSearcher(s Searcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.searcher = s
}

// SetTickLog enables the persisted tick route.
func (h *Handler) SetTickLog(t TickLog) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tickLog = t
}

// SetDigests enables the digest history route.
func (h *Handler) SetDigests(d DigestHistory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.digests = d
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/knowledge", h.listKnowledge)
		r.Post("/knowledge", h.insertKnowledge)
		r.Get("/knowledge/search", h.searchKnowledge)
		r.Get("/knowledge/{id}", h.getKnowledge)
		r.Get("/knowledge/{id}/value", h.getValue)
		r.Get("/knowledge/{id}/lineage", h.getLineage)

		r.Post("/evolve", h.evolve)
		r.Get("/evolution/history", h.evolutionHistory)
		r.Get("/evolution/ticks", h.persistedTicks)
		r.Get("/evolution/live", h.live.serve)

		r.Get("/world/status", h.worldStatus)
		r.Post("/world/clock/start", h.startClock)
		r.Post("/world/clock/stop", h.stopClock)

		r.Get("/gateway/digests", h.digestHistory)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "living-knowledge"})
}

func (h *Handler) listKnowledge(w http.ResponseWriter, r *http.Request) {
	valued, _ := world.Valued(h.pop.Snapshot())
	writeJSON(w, http.StatusOK, valued)
}

type insertRequest struct {
	Content   string   `json:"content"`
	Attention *float64 `json:"attention,omitempty"`
}

func (h *Handler) insertKnowledge(w http.ResponseWriter, r *http.Request) {
	var req insertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Attention != nil && (*req.Attention < 0 || *req.Attention > 1) {
		writeError(w, http.StatusBadRequest, "attention must be within [0,1]")
		return
	}

	h.mu.RLock()
	savers := make([]UnitSaver, len(h.savers))
	copy(savers, h.savers)
	h.mu.RUnlock()

	// Savers must see the unit before any tick ages or removes it.
	var u knowledge.Unit
	h.evolver.Between(func() {
		u = h.pop.Admit(req.Content, req.Attention)
		for _, s := range savers {
			if err := s.SaveUnit(r.Context(), u); err != nil {
				h.logger.Warn("failed to propagate inserted unit",
					zap.String("saver", s.Name()),
					zap.String("id", u.ID),
					zap.Error(err))
			}
		}
	})

	writeJSON(w, http.StatusCreated, world.ValuedUnit{Unit: u, Value: knowledge.ValueOf(u)})
}

func (h *Handler) getKnowledge(w http.ResponseWriter, r *http.Request) {
	u, err := h.pop.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, world.ValuedUnit{Unit: u, Value: knowledge.ValueOf(u)})
}

func (h *Handler) getValue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, err := h.pop.ValueOf(id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "value": v})
}

func (h *Handler) getLineage(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	lr := h.lineage
	h.mu.RUnlock()
	if lr == nil {
		writeError(w, http.StatusServiceUnavailable, "lineage graph not configured")
		return
	}
	id := chi.URLParam(r, "id")
	ancestors, err := lr.Ancestry(r.Context(), id, queryInt(r, "depth", 10))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ancestors == nil {
		ancestors = []lineage.Ancestor{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "ancestors": ancestors})
}

func (h *Handler) searchKnowledge(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	s := h.searcher
	h.mu.RUnlock()
	if s == nil {
		writeError(w, http.StatusServiceUnavailable, "semantic index not configured")
		return
	}
	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	hits, err := s.Search(r.Context(), q, queryInt(r, "k", 5))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if hits == nil {
		hits = []index.Hit{}
	}
	writeJSON(w, http.StatusOK, hits)
}

func (h *Handler) evolve(w http.ResponseWriter, r *http.Request) {
	rep := h.evolver.EvolveNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"summary":      rep.Summary(),
		"survived_ids": rep.SurvivedIDs,
		"died_ids":     rep.DiedIDs,
		"born_ids":     rep.BornIDs,
		"births":       rep.Births,
	})
}

func (h *Handler) evolutionHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.evolver.History(queryInt(r, "limit", 0)))
}

func (h *Handler) persistedTicks(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	tl := h.tickLog
	h.mu.RUnlock()
	if tl == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not configured")
		return
	}
	rows, err := tl.ListTicks(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []store.TickRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) worldStatus(w http.ResponseWriter, r *http.Request) {
	_, total := world.Valued(h.pop.Snapshot())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"world_time":    h.clock.WorldTime(),
		"clock_running": h.clock.Running(),
		"clock_ticks":   h.clock.Ticks(),
		"speed":         h.clock.Speed(),
		"tick":          h.pop.TickCount(),
		"population":    h.pop.Len(),
		"total_value":   total,
		"sinks":         h.evolver.Sinks(),
	})
}

func (h *Handler) startClock(w http.ResponseWriter, r *http.Request) {
	h.clock.Start()
	writeJSON(w, http.StatusOK, map[string]bool{"running": h.clock.Running()})
}

func (h *Handler) stopClock(w http.ResponseWriter, r *http.Request) {
	h.clock.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"running": h.clock.Running()})
}

func (h *Handler) digestHistory(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	d := h.digests
	h.mu.RUnlock()
	if d == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"platforms": []string{}, "digests": []gateway.DigestRecord{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"platforms": d.Platforms(),
		"digests":   d.History(queryInt(r, "limit", 20)),
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, knowledge.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
