package health

import "time"

// Overall states.
const (
	StateUp       = "UP"
	StateDegraded = "DEGRADED"
)

// Dependency is the outcome of probing one collaborator.
type Dependency struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// Status captures the state of the service at a moment in time.
type Status struct {
	Service      string       `json:"service"`
	Version      string       `json:"version"`
	Environment  string       `json:"environment"`
	Status       string       `json:"status"`
	StartedAt    time.Time    `json:"startedAt"`
	Uptime       string       `json:"uptime"`
	UptimeSecs   int64        `json:"uptimeSeconds"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}
