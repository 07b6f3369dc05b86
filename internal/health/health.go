// Package health tracks the last observed state of the capture devices, the
// credential service and the audit trail.
package health

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/breeze-rmm/bioauth/internal/logging"
)

var log = logging.L("health")

// Component names used by the rest of bioauth.
const (
	Camera     = "camera"
	Microphone = "microphone"
	Server     = "server"
	Audit      = "audit"
)

type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	// Unknown means the component was not checked or is not configured.
	Unknown Status = "unknown"
)

// severity orders statuses for Overall. Unknown sits below Degraded so an
// unconfigured component does not hide a real failure.
var severity = map[Status]int{
	Healthy:   0,
	Unknown:   1,
	Degraded:  2,
	Unhealthy: 3,
}

func (s Status) IsValid() bool {
	_, ok := severity[s]
	return ok
}

// Check is the latest result recorded for a component. Since is when the
// component entered its current status; Failures counts consecutive
// non-healthy updates.
type Check struct {
	Name      string    `json:"name" yaml:"name"`
	Status    Status    `json:"status" yaml:"status"`
	Message   string    `json:"message,omitempty" yaml:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
	Since     time.Time `json:"since" yaml:"since"`
	Failures  int       `json:"failures,omitempty" yaml:"failures,omitempty"`
}

type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
	now    func() time.Time
}

func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]Check), now: time.Now}
}

// Update records status for name. Invalid statuses are stored as Unhealthy.
// A transition away from Healthy is logged once, not on every update.
func (m *Monitor) Update(name string, status Status, message string) {
	if !status.IsValid() {
		log.Warn("invalid health status coerced to unhealthy", "name", name, "status", string(status))
		status = Unhealthy
	}

	m.mu.Lock()
	now := m.now()
	prev, had := m.checks[name]
	c := Check{Name: name, Status: status, Message: message, UpdatedAt: now, Since: now}
	if had && prev.Status == status {
		c.Since = prev.Since
	}
	if status != Healthy {
		c.Failures = prev.Failures + 1
	}
	m.checks[name] = c
	m.mu.Unlock()

	switch {
	case status == Healthy && had && prev.Status != Healthy:
		log.Info("health recovered", logging.KeyDevice, name, "after", prev.Failures)
	case status != Healthy && (!had || prev.Status != status):
		log.Warn("health changed", logging.KeyDevice, name, "status", string(status), "message", message)
	}
}

func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the most severe status, or Unknown when nothing has been
// recorded.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return overall(m.checks)
}

// All returns a snapshot of all checks sorted by name.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sorted(m.checks)
}

// Report is a consistent snapshot of every check.
type Report struct {
	Overall Status  `json:"status"`
	Checks  []Check `json:"checks"`
}

// LogValue renders the report as a group of component=status pairs.
func (r Report) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(r.Checks)+1)
	attrs = append(attrs, slog.String("overall", string(r.Overall)))
	for _, c := range r.Checks {
		attrs = append(attrs, slog.String(c.Name, string(c.Status)))
	}
	return slog.GroupValue(attrs...)
}

// Summary returns the overall status and every check taken under one lock.
func (m *Monitor) Summary() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Report{Overall: overall(m.checks), Checks: sorted(m.checks)}
}

func overall(checks map[string]Check) Status {
	if len(checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range checks {
		if severity[c.Status] > severity[worst] {
			worst = c.Status
		}
	}
	return worst
}

func sorted(checks map[string]Check) []Check {
	out := make([]Check, 0, len(checks))
	for _, c := range checks {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
