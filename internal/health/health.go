package health

import (
	"context"
	"encoding/json"
	"github.com/clambin/profilematic/internal/manager"
	"github.com/go-chi/chi/v5"
	cmap "github.com/orcaman/concurrent-map/v2"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"
)

type Publisher[T any] interface {
	Subscribe() chan T
	Unsubscribe(chan T)
}

type Refresher interface {
	Refresh()
}

// Health serves the state of the manager over HTTP. It keeps the latest state of each condition in a concurrent map,
// so handlers never wait for the manager.
type Health struct {
	Publisher[manager.Report]
	refresher Refresher
	// MaxAge is the age of the last tick after which the manager is reported as unhealthy. Zero disables the check.
	MaxAge     time.Duration
	logger     *slog.Logger
	conditions cmap.ConcurrentMap[string, manager.ConditionReport]
	lock       sync.RWMutex
	ticks      int
	lastTick   time.Time
	updated    bool
}

func New(p Publisher[manager.Report], r Refresher, maxAge time.Duration, logger *slog.Logger) *Health {
	return &Health{
		Publisher:  p,
		refresher:  r,
		MaxAge:     maxAge,
		logger:     logger,
		conditions: cmap.New[manager.ConditionReport](),
	}
}

func (h *Health) Run(ctx context.Context) error {
	h.logger.Debug("started")
	defer h.logger.Debug("stopped")

	ch := h.Publisher.Subscribe()
	defer h.Publisher.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case report := <-ch:
			h.process(report)
		}
	}
}

func (h *Health) process(report manager.Report) {
	names := make([]string, 0, len(report.Conditions))
	for _, c := range report.Conditions {
		h.conditions.Set(c.Name, c)
		names = append(names, c.Name)
	}
	for _, name := range h.conditions.Keys() {
		if !slices.Contains(names, name) {
			h.conditions.Remove(name)
		}
	}

	h.lock.Lock()
	defer h.lock.Unlock()
	h.ticks = report.Ticks
	h.lastTick = report.LastTick
	h.updated = true
}

// Router returns the handler for the health & status endpoints.
func (h *Health) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", h.health)
	r.Route("/status", func(r chi.Router) {
		r.Get("/", h.status)
		r.Get("/{condition}", h.conditionStatus)
	})
	return r
}

type healthResponse struct {
	Status     string    `json:"status"`
	Ticks      int       `json:"ticks"`
	LastTick   time.Time `json:"lastTick"`
	Conditions int       `json:"conditions"`
}

func (h *Health) health(w http.ResponseWriter, _ *http.Request) {
	h.lock.RLock()
	updated, ticks, lastTick := h.updated, h.ticks, h.lastTick
	h.lock.RUnlock()

	if !updated {
		http.Error(w, "no update yet", http.StatusServiceUnavailable)
		if h.refresher != nil {
			h.refresher.Refresh()
		}
		return
	}

	response := healthResponse{Status: "ok", Ticks: ticks, LastTick: lastTick, Conditions: h.conditions.Count()}
	code := http.StatusOK
	if h.MaxAge > 0 && time.Since(lastTick) > h.MaxAge {
		response.Status = "stale"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, response, h.logger)
}

func (h *Health) status(w http.ResponseWriter, _ *http.Request) {
	conditions := make([]manager.ConditionReport, 0, h.conditions.Count())
	for _, c := range h.conditions.Items() {
		conditions = append(conditions, c)
	}
	slices.SortFunc(conditions, func(a, b manager.ConditionReport) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})
	writeJSON(w, http.StatusOK, conditions, h.logger)
}

func (h *Health) conditionStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "condition")
	c, ok := h.conditions.Get(name)
	if !ok {
		http.Error(w, "unknown condition: "+name, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c, h.logger)
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		logger.Warn("failed to write response", "err", err)
	}
}
