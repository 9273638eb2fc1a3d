// Package coordinator owns the load test lifecycle: the single
// active-run invariant, start/stop/deadline transitions, the stats
// polling loop, and the finalize-and-persist sequence.
package coordinator

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MalooBell/metric2/pkg/bus"
	"github.com/MalooBell/metric2/pkg/locust"
	"github.com/MalooBell/metric2/pkg/store"
)

// DefaultPollInterval is the stats polling period when none is configured.
const DefaultPollInterval = 2 * time.Second

// MinSpawnRate is the smallest accepted user spawn rate.
const MinSpawnRate = 0.1

// StartRequest carries the parameters of a start command.
type StartRequest struct {
	Name      string  `json:"name"`
	TargetURL string  `json:"targetUrl"`
	Users     int     `json:"users"`
	SpawnRate float64 `json:"spawnRate"`
	Duration  int     `json:"duration"`
}

// Status is a best-effort snapshot of the current state.
type Status struct {
	Running bool            `json:"running"`
	TestID  uint            `json:"testId,omitempty"`
	Name    string          `json:"name,omitempty"`
	Stats   json.RawMessage `json:"stats,omitempty"`
}

// Coordinator drives the test lifecycle. All transitions are serialized
// behind one mutex so that no two of them (start, stop, poll tick,
// deadline) ever mutate run state in parallel. Instances are
// self-contained; several can coexist against separate stores.
type Coordinator struct {
	log          logrus.FieldLogger
	store        store.Store
	source       locust.Source
	hub          *bus.Hub
	pollInterval time.Duration

	mu     sync.Mutex
	active *activeRun
	wg     sync.WaitGroup
}

// activeRun is the in-memory state of the one run in flight.
type activeRun struct {
	id            uint
	done          chan struct{}
	timer         *time.Timer
	deadlineFired bool
}

// New creates a Coordinator.
func New(
	log logrus.FieldLogger,
	st store.Store,
	source locust.Source,
	hub *bus.Hub,
	pollInterval time.Duration,
) *Coordinator {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	return &Coordinator{
		log:          log.WithField("component", "coordinator"),
		store:        st,
		source:       source,
		hub:          hub,
		pollInterval: pollInterval,
	}
}

// Start validates the request, commands the load generator, records the
// run, and begins polling. It fails with ErrTestAlreadyRunning while a
// run is active, a *ValidationError for bad parameters, and a
// *UpstreamError when the load generator rejects the swarm command (in
// which case no run is recorded).
func (c *Coordinator) Start(
	ctx context.Context, req StartRequest,
) (*store.Run, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return nil, ErrTestAlreadyRunning
	}

	if err := c.source.BeginLoad(
		ctx, req.TargetURL, req.Users, req.SpawnRate,
	); err != nil {
		return nil, &UpstreamError{Op: "begin load", Err: err}
	}

	run := &store.Run{
		Name:      req.Name,
		StartTime: time.Now().UTC(),
		TargetURL: req.TargetURL,
		Users:     req.Users,
		SpawnRate: req.SpawnRate,
		Duration:  req.Duration,
	}

	if err := c.store.CreateRun(ctx, run); err != nil {
		// Without a run record there is nothing to track; back out the
		// swarm so the engine does not run headless.
		if stopErr := c.source.StopLoad(ctx); stopErr != nil {
			c.log.WithError(stopErr).
				Warn("Failed to stop swarm after create failure")
		}

		return nil, err
	}

	active := &activeRun{
		id:   run.ID,
		done: make(chan struct{}),
	}
	c.active = active

	c.wg.Add(1)

	go c.pollLoop(run.ID, active.done)

	if req.Duration > 0 {
		active.timer = time.AfterFunc(
			time.Duration(req.Duration)*time.Second,
			func() { c.onDeadline(run.ID) },
		)
	}

	c.hub.Publish(bus.TestStarted(run.ID, run.Name))

	c.log.WithFields(logrus.Fields{
		"test_id":  run.ID,
		"name":     run.Name,
		"target":   run.TargetURL,
		"users":    run.Users,
		"duration": run.Duration,
	}).Info("Test started")

	return run, nil
}

// Stop ends the active run with status stopped. The remote stop command
// is fire-and-forget: finalization proceeds even when the engine is
// unreachable, since the goal is to stop tracking.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return ErrNoActiveRun
	}

	id := c.active.id

	if err := c.source.StopLoad(ctx); err != nil {
		c.log.WithError(err).WithField("test_id", id).
			Warn("Failed to stop swarm, finalizing anyway")
	}

	c.finalizeLocked(ctx, id, store.StatusStopped, nil)

	return nil
}

// Current reports whether a run is active, with a best-effort live
// statistics snapshot attached. The in-memory slot is the authority:
// a stale running row in storage (failed finalize write, process
// restart) must not resurrect a test the engine is no longer driving.
// The store only supplies the display name.
func (c *Coordinator) Current(ctx context.Context) (*Status, error) {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()

	if active == nil {
		return &Status{Running: false}, nil
	}

	status := &Status{
		Running: true,
		TestID:  active.id,
	}

	if run, err := c.store.GetRunByID(ctx, active.id); err == nil {
		status.Name = run.Name
	}

	if snap, err := c.source.FetchStats(ctx); err == nil {
		status.Stats = snap.Raw
	}

	return status, nil
}

// Shutdown tears down the polling loop and deadline timer without
// finalizing the run. A run in flight stays running in the store; the
// process is going away, not the test.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()

	if c.active != nil {
		close(c.active.done)

		if c.active.timer != nil {
			c.active.timer.Stop()
		}

		c.active = nil
	}

	c.mu.Unlock()

	c.wg.Wait()
}

// pollLoop fetches stats every pollInterval until the run finalizes.
// There is at most one loop alive at a time: finalize closes done before
// a new start can create another.
func (c *Coordinator) pollLoop(id uint, done <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.tick(context.Background(), id)
		case <-done:
			return
		}
	}
}

// tick performs one fetch-and-publish cycle and checks for a pending
// deadline or a remote terminal state. A failed fetch only skips the
// tick; the upstream being briefly unreachable must not kill the loop.
func (c *Coordinator) tick(ctx context.Context, id uint) {
	snap, err := c.source.FetchStats(ctx)
	if err != nil {
		c.log.WithError(err).WithField("test_id", id).
			Warn("Stats fetch failed, skipping tick")

		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// The run may have finalized while the fetch was in flight; a late
	// stats_update must not trail the terminal event.
	if c.active == nil || c.active.id != id {
		return
	}

	c.hub.Publish(bus.StatsUpdate(snap.Raw))

	switch {
	case c.active.deadlineFired:
		// The duration elapsed earlier; this tick confirms with the
		// freshest snapshot.
		c.finalizeLocked(ctx, id, store.StatusStopped, snap)
	case snap.Terminal():
		c.finalizeLocked(ctx, id, store.StatusCompleted, snap)
	}
}

// onDeadline fires when the planned duration elapses. It commands the
// engine to stop and leaves finalization to the next poll tick so the
// persisted aggregates come from a post-stop snapshot.
func (c *Coordinator) onDeadline(id uint) {
	c.mu.Lock()

	if c.active == nil || c.active.id != id {
		c.mu.Unlock()

		return
	}

	c.active.deadlineFired = true
	c.mu.Unlock()

	c.log.WithField("test_id", id).Info("Test duration elapsed, stopping swarm")

	if err := c.source.StopLoad(context.Background()); err != nil {
		c.log.WithError(err).WithField("test_id", id).
			Warn("Failed to stop swarm at deadline")
	}
}

// finalizeLocked runs the one-time terminal sequence for the active run.
// Callers must hold c.mu and have verified the run is still active.
func (c *Coordinator) finalizeLocked(
	ctx context.Context,
	id uint,
	status string,
	snap *locust.Snapshot,
) {
	active := c.active
	c.active = nil

	close(active.done)

	if active.timer != nil {
		active.timer.Stop()
	}

	// Without a snapshot from the triggering event, grab one last one.
	// Failure is non-fatal; the run finalizes with empty aggregates.
	if snap == nil {
		var err error

		snap, err = c.source.FetchStats(ctx)
		if err != nil {
			c.log.WithError(err).WithField("test_id", id).
				Warn("Could not fetch final stats")

			snap = nil
		}
	}

	applied, err := c.store.FinalizeRun(
		ctx, id, status, time.Now().UTC(), aggregates(snap),
	)
	if err != nil {
		// Accepted degradation: the run history row stays stale but the
		// live event stream must not stall on storage.
		c.log.WithError(err).WithField("test_id", id).
			Error("Failed to persist final run state")
	} else if !applied {
		// Someone else finalized first; they also published the event.
		c.log.WithField("test_id", id).
			Debug("Run already finalized, skipping terminal event")

		return
	}

	if status == store.StatusCompleted {
		c.hub.Publish(bus.TestCompleted(id))
	} else {
		c.hub.Publish(bus.TestStopped(id))
	}

	c.log.WithFields(logrus.Fields{
		"test_id": id,
		"status":  status,
	}).Info("Test finalized")
}

// aggregates extracts the across-all-requests summary from a snapshot.
// Returns nil when the snapshot or its aggregate entry is missing.
func aggregates(snap *locust.Snapshot) *store.Aggregates {
	if snap == nil {
		return nil
	}

	entry, ok := snap.Aggregated()
	if !ok {
		return nil
	}

	errorRate := 0.0
	if entry.NumRequests > 0 {
		errorRate = 100 * float64(entry.NumFailures) / float64(entry.NumRequests)
	}

	return &store.Aggregates{
		AvgResponseTime:   entry.AvgResponseTime,
		RequestsPerSecond: entry.TotalRPS,
		ErrorRate:         errorRate,
		TotalRequests:     entry.NumRequests,
		TotalFailures:     entry.NumFailures,
	}
}

// validate checks a start request field by field.
func validate(req StartRequest) error {
	if req.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}

	u, err := url.Parse(req.TargetURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ValidationError{
			Field:  "targetUrl",
			Reason: "must be a well-formed URL",
		}
	}

	if req.Users < 1 {
		return &ValidationError{Field: "users", Reason: "must be at least 1"}
	}

	if req.SpawnRate < MinSpawnRate {
		return &ValidationError{
			Field:  "spawnRate",
			Reason: "must be at least 0.1",
		}
	}

	if req.Duration < 0 {
		return &ValidationError{
			Field:  "duration",
			Reason: "must not be negative",
		}
	}

	return nil
}
