package health

import (
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/c360/jflux/lifecycle"
	"github.com/c360/jflux/play"
)

// Status values
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

var (
	httpURLRegex     = regexp.MustCompile(`https?://[^\s]+`)
	natsURLRegex     = regexp.MustCompile(`nats://[^\s]+`)
	wsURLRegex       = regexp.MustCompile(`wss?://[^\s]+`)
	amqpURLRegex     = regexp.MustCompile(`amqp://[^\s]+`)
	unixPathRegex    = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	windowsPathRegex = regexp.MustCompile(`[A-Z]:\\[^:\s]+`)
	ipAddrRegex      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex        = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex  = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status represents the health state of a component or system
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains health-related metrics
type Metrics struct {
	Uptime       time.Duration `json:"uptime"`
	ErrorCount   int           `json:"error_count"`
	Bound        int           `json:"bound,omitempty"` // bound dependencies
	LastActivity time.Time     `json:"last_activity,omitempty"`
}

func newStatus(component, status, message string) Status {
	return Status{
		Component: component,
		Healthy:   status == StatusHealthy,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy reports component as serving
func NewHealthy(component, message string) Status {
	return newStatus(component, StatusHealthy, message)
}

// NewDegraded reports component as serving with reduced function, such as a
// service waiting on dependencies
func NewDegraded(component, message string) Status {
	return newStatus(component, StatusDegraded, message)
}

// NewUnhealthy reports component as failed
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StatusUnhealthy, message)
}

// severity orders status values; unknown values rank as healthy
func severity(status string) int {
	switch status {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Aggregate rolls sub-statuses up into one status for component. The worst
// sub-status decides; the result holds a copy of subs sorted by component.
func Aggregate(component string, subs []Status) Status {
	if len(subs) == 0 {
		return NewHealthy(component, "No sub-components to aggregate")
	}
	worst := 0
	for _, sub := range subs {
		worst = max(worst, severity(sub.Status))
	}

	var out Status
	switch worst {
	case 2:
		out = NewUnhealthy(component, "One or more sub-components are unhealthy")
	case 1:
		out = NewDegraded(component, "One or more sub-components are degraded")
	default:
		out = NewHealthy(component, "All sub-components are healthy")
	}
	out.SubStatuses = slices.Clone(subs)
	slices.SortFunc(out.SubStatuses, func(a, b Status) int {
		return strings.Compare(a.Component, b.Component)
	})
	return out
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StatusHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StatusDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StatusUnhealthy
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus adds a sub-status and returns a copy
func (s Status) WithSubStatus(subStatus Status) Status {
	// Create a new slice to avoid sharing the underlying array
	newSubStatuses := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(newSubStatuses, s.SubStatuses)
	s.SubStatuses = append(newSubStatuses, subStatus)
	return s
}

// sanitizeErrorMessage strips broker URLs, paths, addresses and credentials
// from error text before it is exposed over HTTP.
//
// Sanitization patterns:
//   - URLs (http://, https://, nats://, ws://, wss://, amqp://) → [URL]
//   - File paths (Unix: /path/to/file, Windows: C:\path\to\file) → [PATH]
//   - IP addresses (192.168.1.100) → [IP]
//   - Port numbers (:8080) → [PORT]
//   - Credentials (password=X, token=X, key=X, secret=X) → [REDACTED]
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}

	sanitized := err

	// URLs before paths
	sanitized = httpURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = natsURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = wsURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = amqpURLRegex.ReplaceAllString(sanitized, "[URL]")

	sanitized = unixPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = windowsPathRegex.ReplaceAllString(sanitized, "[PATH]")

	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")

	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")

	lowerSanitized := strings.ToLower(sanitized)
	if strings.Contains(lowerSanitized, "password") || strings.Contains(lowerSanitized, "token") ||
		strings.Contains(lowerSanitized, "key") || strings.Contains(lowerSanitized, "secret") ||
		strings.Contains(lowerSanitized, "credential") {
		sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
	}

	return sanitized
}

// FromServiceState maps a managed service state to a health status.
// Services waiting on dependencies are degraded, disposed ones unhealthy.
func FromServiceState(name string, state lifecycle.State) Status {
	switch state {
	case lifecycle.StateRegistered:
		return NewHealthy(name, "Service registered")
	case lifecycle.StateSatisfied:
		return NewHealthy(name, "Service running, registration disabled")
	case lifecycle.StateUnsatisfied:
		return NewDegraded(name, "Waiting for mandatory dependencies")
	case lifecycle.StateStopped:
		return NewDegraded(name, "Service stopped")
	default:
		return NewUnhealthy(name, "Service "+state.String())
	}
}

// FromPlayState maps a node or chain state to a health status. err, when
// set, is sanitized into the message.
func FromPlayState(name string, state play.PlayState, err error) Status {
	var status Status
	switch state {
	case play.Running:
		status = NewHealthy(name, "Running")
	case play.Paused:
		status = NewDegraded(name, "Paused")
	case play.Stopped:
		status = NewDegraded(name, "Stopped")
	default:
		status = NewUnhealthy(name, "Failed")
	}
	if err != nil {
		status.Message = sanitizeErrorMessage(err.Error())
	}
	return status
}
