package locust

import "encoding/json"

// AggregatedLabel is the well-known name of the across-all-endpoints
// entry in the Locust stats payload.
const AggregatedLabel = "Aggregated"

// Remote engine states that indicate the test is no longer driving load.
const (
	StateStopped          = "stopped"
	StateSpawningComplete = "spawning_complete"
)

// Entry is one row of the Locust per-endpoint statistics table.
type Entry struct {
	Name            string  `json:"name"`
	Method          string  `json:"method"`
	NumRequests     int64   `json:"num_requests"`
	NumFailures     int64   `json:"num_failures"`
	AvgResponseTime float64 `json:"avg_response_time"`
	TotalRPS        float64 `json:"total_rps"`
}

// Snapshot is one fetch of the Locust /stats/requests payload. Raw holds
// the untouched body so it can be relayed to subscribers verbatim.
type Snapshot struct {
	State     string  `json:"state"`
	Entries   []Entry `json:"stats"`
	TotalRPS  float64 `json:"total_rps"`
	FailRatio float64 `json:"fail_ratio"`
	UserCount int     `json:"user_count"`

	Raw json.RawMessage `json:"-"`
}

// Aggregated returns the across-all-endpoints entry, if present.
func (s *Snapshot) Aggregated() (*Entry, bool) {
	for i := range s.Entries {
		if s.Entries[i].Name == AggregatedLabel {
			return &s.Entries[i], true
		}
	}

	return nil, false
}

// Terminal reports whether the remote engine stopped driving load on its
// own, either fully stopped or done spawning.
func (s *Snapshot) Terminal() bool {
	return s.State == StateStopped || s.State == StateSpawningComplete
}
