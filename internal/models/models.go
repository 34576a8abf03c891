package models

import "time"

// Session statuses stored in the history database.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusFailed  = "failed"
)

type SessionRecord struct {
	ID        string     `json:"id"`
	Instance  string     `json:"instance"`
	OwnerPID  int        `json:"owner_pid"`
	Program   string     `json:"program"`
	Args      []string   `json:"args"`
	Prompt    string     `json:"prompt"`
	Status    string     `json:"status"`
	PID       *int       `json:"pid"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StoppedAt *time.Time `json:"stopped_at"`
}

type TranscriptEntry struct {
	Seq       int64     `json:"seq"`
	Kind      string    `json:"kind"`
	Input     string    `json:"input,omitempty"`
	Output    string    `json:"output"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type FlavorStatus struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Program     string `json:"program"`
	Installed   bool   `json:"installed"`
	Path        string `json:"path,omitempty"`
	CanLoad     bool   `json:"can_load"`
	CanWait     bool   `json:"can_wait"`
}

type HealthResponse struct {
	Status   string         `json:"status"`
	Flavors  []FlavorStatus `json:"flavors"`
	Sessions int            `json:"sessions"`
	Shepherd bool           `json:"shepherd"`
}
