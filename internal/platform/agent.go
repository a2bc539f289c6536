package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/clambin/go-common/http/metrics"
	"github.com/clambin/go-common/http/roundtripper"
	"github.com/prometheus/client_golang/prometheus"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	DefaultAgentTimeout          = 2 * time.Second
	DefaultAgentPresenceInterval = 30 * time.Second

	flightModePath  = "/v1/flightmode"
	powerSavingPath = "/v1/powersaving"
	profilePath     = "/v1/profile"
	presencePath    = "/v1/presence"
)

// AgentOptions configures an Agent platform.
type AgentOptions struct {
	URL              string
	Timeout          time.Duration
	PresenceInterval time.Duration
	// Metrics, if set, records the agent's HTTP calls.
	Metrics metrics.RequestMetrics
	// RoundTripper overrides the default transport. Used in tests.
	RoundTripper http.RoundTripper
}

var (
	_ Platform        = &Agent{}
	_ ProfileSwitcher = &Agent{}
)

// Agent controls a device through the HTTP API of an agent running on the device.
//
// Each call is bounded by the configured timeout: a query that times out returns ModeUnknown.
type Agent struct {
	baseURL          *url.URL
	client           *http.Client
	timeout          time.Duration
	presenceInterval time.Duration
	logger           *slog.Logger
}

type agentState struct {
	State Mode `json:"state"`
}

type agentProfile struct {
	Name string `json:"name"`
}

type agentPresence struct {
	Present bool `json:"present"`
}

func NewAgent(opts AgentOptions, logger *slog.Logger) (*Agent, error) {
	if opts.URL == "" {
		return nil, errors.New("agent url not set")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("agent url: %w", err)
	}
	a := Agent{
		baseURL:          u,
		timeout:          opts.Timeout,
		presenceInterval: opts.PresenceInterval,
		logger:           logger,
	}
	if a.timeout <= 0 {
		a.timeout = DefaultAgentTimeout
	}
	if a.presenceInterval <= 0 {
		a.presenceInterval = DefaultAgentPresenceInterval
	}

	rt := opts.RoundTripper
	if rt == nil {
		rt = http.DefaultTransport
	}
	if opts.Metrics != nil {
		rt = roundtripper.New(
			roundtripper.WithRequestMetrics(opts.Metrics),
			roundtripper.WithRoundTripper(rt),
		)
	}
	a.client = &http.Client{Transport: rt}
	return &a, nil
}

// NewAgentCallMetrics returns the RequestMetrics to instrument the agent's HTTP calls.
func NewAgentCallMetrics(namespace, subsystem string, labels prometheus.Labels) metrics.RequestMetrics {
	return metrics.NewRequestMetrics(metrics.Options{
		Namespace:   namespace,
		Subsystem:   subsystem,
		ConstLabels: labels,
		LabelValues: func(request *http.Request, code int) (string, string, string) {
			return request.Method, request.URL.Path, strconv.Itoa(code)
		},
	})
}

func (a *Agent) FlightMode(ctx context.Context) Mode {
	return a.getMode(ctx, flightModePath)
}

func (a *Agent) SetFlightMode(ctx context.Context, mode Mode) error {
	if err := validMode(mode); err != nil {
		return err
	}
	return a.put(ctx, flightModePath, agentState{State: mode})
}

func (a *Agent) PowerSavingMode(ctx context.Context) Mode {
	return a.getMode(ctx, powerSavingPath)
}

func (a *Agent) SetPowerSavingMode(ctx context.Context, mode Mode) error {
	if err := validMode(mode); err != nil {
		return err
	}
	return a.put(ctx, powerSavingPath, agentState{State: mode})
}

func (a *Agent) SetProfile(ctx context.Context, name string) error {
	return a.put(ctx, profilePath, agentProfile{Name: name})
}

func (a *Agent) NewPresenceMonitor() PresenceMonitor {
	return NewPollingPresenceMonitor(a.presence, a.presenceInterval, a.logger.With("component", "presence"))
}

func (a *Agent) presence(ctx context.Context) (bool, error) {
	var p agentPresence
	err := a.get(ctx, presencePath, &p)
	return p.Present, err
}

func (a *Agent) getMode(ctx context.Context, path string) Mode {
	var s agentState
	if err := a.get(ctx, path, &s); err != nil {
		a.logger.Warn("failed to query agent", "path", path, "err", err)
		return ModeUnknown
	}
	a.logger.Debug("agent state", "path", path, "state", s.State)
	return s.State
}

func (a *Agent) get(ctx context.Context, path string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL.JoinPath(path).String(), nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (a *Agent) put(ctx context.Context, path string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, a.baseURL.JoinPath(path).String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	a.logger.Debug("updating agent", "path", path, "body", string(body))
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSetRejected, err)
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		a.logger.Warn("agent rejected update", "path", path, "code", resp.StatusCode)
		return fmt.Errorf("%w: unexpected status code: %d", ErrSetRejected, resp.StatusCode)
	}
	return nil
}
