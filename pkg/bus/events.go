package bus

import "encoding/json"

// Event types pushed to dashboard subscribers.
const (
	TypeTestStarted   = "test_started"
	TypeStatsUpdate   = "stats_update"
	TypeTestCompleted = "test_completed"
	TypeTestStopped   = "test_stopped"
)

// Event is the JSON envelope broadcast to subscribers. Events are
// ephemeral; nothing here is persisted.
type Event struct {
	Type   string          `json:"type"`
	TestID uint            `json:"testId,omitempty"`
	Name   string          `json:"name,omitempty"`
	Stats  json.RawMessage `json:"stats,omitempty"`
}

// TestStarted announces a new run.
func TestStarted(testID uint, name string) Event {
	return Event{Type: TypeTestStarted, TestID: testID, Name: name}
}

// StatsUpdate relays a raw statistics snapshot.
func StatsUpdate(stats json.RawMessage) Event {
	return Event{Type: TypeStatsUpdate, Stats: stats}
}

// TestCompleted announces that a run finished on its own.
func TestCompleted(testID uint) Event {
	return Event{Type: TypeTestCompleted, TestID: testID}
}

// TestStopped announces that a run was stopped.
func TestStopped(testID uint) Event {
	return Event{Type: TypeTestStopped, TestID: testID}
}
