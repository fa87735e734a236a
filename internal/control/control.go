// Package control drives model sidecars through their HTTP control servers.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Status is the lifecycle state of a sidecar.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusHealthy Status = "healthy"
	StatusUnknown Status = "unknown"
)

// Service is one whitelisted sidecar.
type Service struct {
	Category   string // "stt" or "tts"
	HealthURL  string
	ControlURL string
}

// Info is a point-in-time view of a sidecar.
type Info struct {
	Name     string `json:"name"`
	Status   Status `json:"status"`
	Category string `json:"category"`
	Model    string `json:"model,omitempty"`
}

// statusTimeout bounds status and health checks. Start and Stop are bounded
// only by the caller's context since a start may include a model download.
const statusTimeout = 5 * time.Second

// Manager talks to sidecar control servers.
type Manager struct {
	client   *http.Client
	services map[string]Service
}

// NewManager creates a manager over the given sidecars.
func NewManager(services map[string]Service) *Manager {
	return &Manager{
		client:   &http.Client{},
		services: services,
	}
}

// Names returns the managed sidecars, sorted.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.services))
	for k := range m.services {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) lookup(name string) (Service, error) {
	svc, ok := m.services[name]
	if !ok {
		return Service{}, fmt.Errorf("service %q not managed", name)
	}
	if svc.ControlURL == "" {
		return Service{}, fmt.Errorf("service %q has no control URL", name)
	}
	return svc, nil
}

// Start asks the sidecar to (re)start with model. An empty model keeps the
// sidecar's own default.
func (m *Manager) Start(ctx context.Context, name, model string) error {
	svc, err := m.lookup(name)
	if err != nil {
		return err
	}
	target := strings.TrimRight(svc.ControlURL, "/") + "/start"
	if model != "" {
		target += "?model=" + url.QueryEscape(model)
	}
	return m.post(ctx, name, "start", target)
}

// Stop asks the sidecar to stop.
func (m *Manager) Stop(ctx context.Context, name string) error {
	svc, err := m.lookup(name)
	if err != nil {
		return err
	}
	return m.post(ctx, name, "stop", strings.TrimRight(svc.ControlURL, "/")+"/stop")
}

func (m *Manager) post(ctx context.Context, name, verb, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", verb, name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", verb, name, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// Status reports a sidecar's state. Unreachable control servers read as stopped.
func (m *Manager) Status(ctx context.Context, name string) Info {
	svc, ok := m.services[name]
	if !ok {
		return Info{Name: name, Status: StatusUnknown}
	}
	info := Info{Name: name, Category: svc.Category, Status: StatusStopped}
	if svc.ControlURL == "" {
		return info
	}

	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(svc.ControlURL, "/")+"/status", nil)
	if err != nil {
		return info
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return info
	}
	defer resp.Body.Close()

	var result struct {
		Running bool   `json:"running"`
		Model   string `json:"model"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil || !result.Running {
		return info
	}
	info.Status = StatusRunning
	info.Model = result.Model

	if svc.HealthURL != "" && m.reachable(ctx, svc.HealthURL) {
		info.Status = StatusHealthy
	}
	return info
}

// StatusAll reports every managed sidecar, sorted by name.
func (m *Manager) StatusAll(ctx context.Context) []Info {
	names := m.Names()
	out := make([]Info, 0, len(names))
	for _, n := range names {
		out = append(out, m.Status(ctx, n))
	}
	return out
}

func (m *Manager) reachable(ctx context.Context, target string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
