package handlers

import (
	"github.com/jmylchreest/scalerd/internal/scaler"
)

// HealthResponse is the response body for the health check endpoint.
type HealthResponse struct {
	Status        string           `json:"status" doc:"Overall service status" example:"healthy"`
	Timestamp     string           `json:"timestamp" doc:"Time of the check in RFC3339"`
	Version       string           `json:"version" doc:"Build version"`
	Uptime        string           `json:"uptime" doc:"Human readable uptime"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	CPUInfo       CPUInfo          `json:"cpu_info"`
	Memory        MemoryInfo       `json:"memory"`
	Components    HealthComponents `json:"components"`
}

// CPUInfo holds host CPU load information.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds host and process memory usage.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	FreeMemoryMB      float64 `json:"free_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	ProcessMemoryMB   float64 `json:"process_memory_mb"`
	// PercentageOfSystem is the process RSS relative to total memory.
	PercentageOfSystem float64 `json:"percentage_of_system"`
}

// HealthComponents reports the state of internal components.
type HealthComponents struct {
	Engines []EngineHealth `json:"engines"`
}

// EngineHealth is the health summary of one engine.
type EngineHealth struct {
	ID        int    `json:"id"`
	Backend   string `json:"backend"`
	Running   bool   `json:"running"`
	Sessions  int    `json:"sessions"`
	Pending   int    `json:"pending"`
	FreeTasks int    `json:"free_tasks"`
}

// LivezResponse is the response body for the liveness probe.
type LivezResponse struct {
	Status string `json:"status" example:"ok"`
}

// ReadyzResponse is the response body for the readiness probe.
type ReadyzResponse struct {
	Status     string            `json:"status" example:"ready"`
	Components map[string]string `json:"components"`
}

// EngineResponse describes a scaler engine.
type EngineResponse struct {
	ID           int          `json:"id" doc:"Engine id"`
	Backend      string       `json:"backend" doc:"Backend name" example:"blit"`
	Capabilities []string     `json:"capabilities" doc:"Backend capability names"`
	Running      bool         `json:"running" doc:"Whether the engine worker is running"`
	Stats        scaler.Stats `json:"stats"`
}

// EngineFromScaler converts an engine to its API representation.
func EngineFromScaler(e *scaler.Engine) EngineResponse {
	caps := e.Capabilities().Names()
	if caps == nil {
		caps = []string{}
	}
	return EngineResponse{
		ID:           e.ID(),
		Backend:      e.Backend().Name(),
		Capabilities: caps,
		Running:      e.Running(),
		Stats:        e.Stats(),
	}
}

// EngineListResponse is the response body for the engine list endpoint.
type EngineListResponse struct {
	Items []EngineResponse `json:"items"`
	Total int              `json:"total"`
}
