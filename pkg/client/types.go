package client

import (
	"fmt"
	"time"
)

// ServerStatus is the JSON snapshot returned by the daemon.
type ServerStatus struct {
	Name         string        `json:"name"`
	Status       string        `json:"status"`
	PID          int           `json:"pid,omitempty"`
	Alive        bool          `json:"alive"`
	Command      string        `json:"command"`
	StartedAt    time.Time     `json:"started_at"`
	LastAccessAt time.Time     `json:"last_access_at"`
	AccessCount  int64         `json:"access_count"`
	Uptime       time.Duration `json:"uptime"`
	Idle         time.Duration `json:"idle"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	EvictsIn     time.Duration `json:"evicts_in"`
	Unkillable   bool          `json:"unkillable,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

// ReapResult lists servers evicted by a forced reaper tick.
type ReapResult struct {
	Evicted []string `json:"evicted"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is a non-2xx reply from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}
