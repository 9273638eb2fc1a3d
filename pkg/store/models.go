package store

import "time"

// Run statuses. A run is created as running and moves to exactly one
// terminal status at finalization.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusStopped   = "stopped"
	StatusFailed    = "failed"
)

// Run represents a single load test execution record.
type Run struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Name      string     `gorm:"not null" json:"name"`
	Status    string     `gorm:"not null;index" json:"status"`
	StartTime time.Time  `gorm:"not null" json:"start_time"`
	EndTime   *time.Time `json:"end_time"`

	// Immutable configuration captured at start.
	TargetURL string  `gorm:"not null" json:"target_url"`
	Users     int     `gorm:"not null" json:"users"`
	SpawnRate float64 `gorm:"not null" json:"spawn_rate"`
	Duration  int     `json:"duration"`

	// Final aggregates, set once at finalization. Null while running.
	AvgResponseTime   *float64 `json:"avg_response_time"`
	RequestsPerSecond *float64 `json:"requests_per_second"`
	ErrorRate         *float64 `json:"error_rate"`
	TotalRequests     *int64   `json:"total_requests"`
	TotalFailures     *int64   `json:"total_failures"`
}

// Aggregates is the across-all-requests summary computed at finalization.
type Aggregates struct {
	AvgResponseTime   float64
	RequestsPerSecond float64
	ErrorRate         float64
	TotalRequests     int64
	TotalFailures     int64
}
