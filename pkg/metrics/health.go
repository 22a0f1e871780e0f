package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Component names reported by the watch command
const (
	ComponentCluster      = "cluster"
	ComponentDeclarations = "declarations"
)

// RunResultConverged is the run result readiness waits for
const RunResultConverged = "converged"

// Status is the body of /health and /ready
type Status struct {
	Status     string            `json:"status"` // healthy, degraded, unhealthy; ready, not_ready
	Timestamp  time.Time         `json:"timestamp"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime"`
	Components map[string]string `json:"components,omitempty"`
	LastRun    *RunReport        `json:"last_run,omitempty"`
}

// RunReport summarizes the most recent reconcile run
type RunReport struct {
	ID       string    `json:"run_id"`
	Result   string    `json:"result"`
	Changes  int       `json:"changes"`
	Error    string    `json:"error,omitempty"`
	Finished time.Time `json:"finished"`
	Age      string    `json:"age"`
}

type component struct {
	healthy bool
	message string
}

type health struct {
	mu         sync.RWMutex
	started    time.Time
	version    string
	staleAfter time.Duration
	components map[string]component
	last       *RunReport
}

var state = newHealth()

func newHealth() *health {
	return &health{started: time.Now(), components: make(map[string]component)}
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.version = version
}

// SetStaleAfter makes readiness fail once the last run is older than d.
// Zero disables the check.
func SetStaleAfter(d time.Duration) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.staleAfter = d
}

// SetComponent records whether a component is working
func SetComponent(name string, healthy bool, message string) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.components[name] = component{healthy: healthy, message: message}
}

// RecordRun stores the outcome of a finished reconcile run
func RecordRun(id, result string, changes int, finished time.Time, err error) {
	r := &RunReport{ID: id, Result: result, Changes: changes, Finished: finished}
	if err != nil {
		r.Error = err.Error()
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.last = r
}

// LastRun returns a copy of the last recorded run with its age filled in, or
// nil before the first run finished
func LastRun() *RunReport {
	state.mu.RLock()
	defer state.mu.RUnlock()
	return state.lastRun(time.Now())
}

func (h *health) lastRun(now time.Time) *RunReport {
	if h.last == nil {
		return nil
	}
	r := *h.last
	r.Age = now.Sub(r.Finished).Truncate(time.Second).String()
	return &r
}

func (h *health) componentNames() []string {
	names := make([]string, 0, len(h.components))
	for name := range h.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetHealth reports unhealthy when a component is failing and degraded when
// the last run did not converge
func GetHealth() Status {
	state.mu.RLock()
	defer state.mu.RUnlock()
	now := time.Now()

	s := Status{
		Status:     "healthy",
		Timestamp:  now,
		Version:    state.version,
		Uptime:     now.Sub(state.started).Truncate(time.Second).String(),
		Components: make(map[string]string, len(state.components)),
		LastRun:    state.lastRun(now),
	}
	for _, name := range state.componentNames() {
		c := state.components[name]
		if c.healthy {
			s.Components[name] = "healthy"
			continue
		}
		s.Components[name] = "unhealthy: " + c.message
		if s.Status != "unhealthy" {
			s.Status = "unhealthy"
			s.Message = name + ": " + c.message
		}
	}
	if s.Status == "healthy" && s.LastRun != nil && s.LastRun.Result != RunResultConverged {
		s.Status = "degraded"
		s.Message = "last run " + s.LastRun.Result
	}
	return s
}

// GetReadiness reports ready once the cluster is reachable, the declarations
// load, and the last run converged recently enough
func GetReadiness() Status {
	state.mu.RLock()
	defer state.mu.RUnlock()
	now := time.Now()

	s := Status{
		Status:     "ready",
		Timestamp:  now,
		Version:    state.version,
		Uptime:     now.Sub(state.started).Truncate(time.Second).String(),
		Components: make(map[string]string),
		LastRun:    state.lastRun(now),
	}
	notReady := func(msg string) {
		if s.Status == "ready" {
			s.Status = "not_ready"
			s.Message = msg
		}
	}

	for _, name := range []string{ComponentCluster, ComponentDeclarations} {
		c, ok := state.components[name]
		switch {
		case !ok:
			s.Components[name] = "not reported"
			notReady("waiting for " + name)
		case !c.healthy:
			s.Components[name] = "not ready: " + c.message
			notReady(name + ": " + c.message)
		default:
			s.Components[name] = "ready"
		}
	}

	switch last := state.last; {
	case last == nil:
		notReady("no run finished yet")
	case last.Result != RunResultConverged:
		notReady("last run " + last.Result)
	case state.staleAfter > 0 && now.Sub(last.Finished) > state.staleAfter:
		notReady("last run is older than " + state.staleAfter.String())
	}
	return s
}

// HealthHandler serves GetHealth; only unhealthy answers 503
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := GetHealth()
		code := http.StatusOK
		if s.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, s)
	}
}

// ReadyHandler serves GetReadiness
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := GetReadiness()
		code := http.StatusOK
		if s.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, s)
	}
}

// LivenessHandler answers 200 while the process runs
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state.mu.RLock()
		uptime := time.Since(state.started).Truncate(time.Second).String()
		state.mu.RUnlock()
		writeStatus(w, http.StatusOK, map[string]string{"status": "alive", "uptime": uptime})
	}
}

func writeStatus(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
