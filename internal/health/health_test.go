package health

import (
	"context"
	"encoding/json"
	"github.com/clambin/profilematic/internal/manager"
	"github.com/clambin/profilematic/pkg/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeRefresher struct {
	calls atomic.Int32
}

func (f *fakeRefresher) Refresh() {
	f.calls.Add(1)
}

func TestHealth_Run(t *testing.T) {
	p := pubsub.New[manager.Report](discardLogger)
	var r fakeRefresher
	h := New(p, &r, 0, discardLogger)
	router := h.Router()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error)
	go func() { errCh <- h.Run(ctx) }()

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Equal(t, int32(1), r.calls.Load())

	assert.Eventually(t, func() bool { return p.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	p.Publish(manager.Report{Ticks: 1, LastTick: time.Now(), Conditions: []manager.ConditionReport{{Name: "night", Active: true}}})

	assert.Eventually(t, func() bool {
		resp = httptest.NewRecorder()
		router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
		return resp.Code == http.StatusOK
	}, time.Second, 10*time.Millisecond)

	var response healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&response))
	assert.Equal(t, "ok", response.Status)
	assert.Equal(t, 1, response.Ticks)
	assert.Equal(t, 1, response.Conditions)

	cancel()
	assert.NoError(t, <-errCh)
}

func TestHealth_Stale(t *testing.T) {
	h := New(nil, nil, time.Minute, discardLogger)
	h.process(manager.Report{Ticks: 5, LastTick: time.Now().Add(-time.Hour)})

	resp := httptest.NewRecorder()
	h.Router().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)

	var response healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&response))
	assert.Equal(t, "stale", response.Status)
}

func TestHealth_Status(t *testing.T) {
	h := New(nil, nil, 0, discardLogger)
	h.process(manager.Report{Conditions: []manager.ConditionReport{
		{Name: "quiet", Active: true, Matched: "night"},
		{Name: "night", Active: true, Activations: 1},
		{Name: "work"},
	}})
	// work is no longer registered
	h.process(manager.Report{Conditions: []manager.ConditionReport{
		{Name: "quiet", Active: true, Matched: "night"},
		{Name: "night", Active: true, Activations: 1},
	}})
	router := h.Router()

	tests := []struct {
		name     string
		target   string
		wantCode int
		want     string
	}{
		{name: "all", target: "/status", wantCode: http.StatusOK, want: "night,quiet"},
		{name: "single", target: "/status/quiet", wantCode: http.StatusOK, want: "quiet"},
		{name: "removed", target: "/status/work", wantCode: http.StatusNotFound},
		{name: "unknown", target: "/status/foo", wantCode: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, tt.target, nil))
			require.Equal(t, tt.wantCode, resp.Code)
			if tt.wantCode != http.StatusOK {
				return
			}
			assert.Equal(t, "application/json", resp.Header().Get("Content-Type"))

			var names string
			if tt.name == "all" {
				var conditions []manager.ConditionReport
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&conditions))
				for i, c := range conditions {
					if i > 0 {
						names += ","
					}
					names += c.Name
				}
			} else {
				var c manager.ConditionReport
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
				names = c.Name
				assert.Equal(t, "night", c.Matched)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}
