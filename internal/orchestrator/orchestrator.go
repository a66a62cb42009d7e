package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/deployr/internal/detector"
	"github.com/loykin/deployr/internal/gitwatch"
	"github.com/loykin/deployr/internal/history"
	"github.com/loykin/deployr/internal/metrics"
	"github.com/loykin/deployr/internal/state"
	"github.com/loykin/deployr/internal/supervisor"
)

var (
	// ErrBuildInFlight rejects a manual deploy while a build runs.
	ErrBuildInFlight = errors.New("a build is in flight")
	// ErrNoArtifact rejects a manual deploy with nothing to deploy.
	ErrNoArtifact = errors.New("no successful build to deploy")
)

// Poller reports the newest commit past a baseline SHA; nil means unchanged.
type Poller interface {
	Poll(ctx context.Context, baselineSHA string) (*state.Commit, error)
}

// Builder runs one build to a terminal record. Never returns a non-terminal
// status.
type Builder interface {
	Run(ctx context.Context, rec state.BuildRecord, commit state.Commit) state.BuildRecord
}

// Config carries the orchestration policy.
type Config struct {
	ServiceName    string
	CheckInterval  time.Duration
	RestartDelay   time.Duration // pause between stopping the old service and starting the new
	Grace          time.Duration // stop grace handed to the supervisor
	HistoryLimit   int
	StartOnBoot    bool // deploy the last successful artifact at startup when the service is down
	StopOnShutdown bool // stop the service on daemon shutdown instead of leaving it for adoption

	Snapshot state.ConfigSnapshot // recorded into the persisted document

	// SpecFor derives the service spec for a staged artifact path.
	SpecFor func(artifact string) supervisor.ServiceSpec
}

type buildResult struct {
	rec    state.BuildRecord
	commit state.Commit
}

// Orchestrator runs the single control loop: poll the repository, build on
// change, deploy on success, persist every transition before depending on
// it. All state mutations happen on the loop goroutine; concurrent inputs
// (manual triggers, supervisor events, build completions) arrive through
// channels.
type Orchestrator struct {
	cfg      Config
	poller   Poller
	builder  Builder
	sup      *supervisor.Supervisor
	tracker  *state.Tracker
	store    *state.Store
	recorder *history.Recorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	checkCh  chan struct{}
	deployCh chan struct{}
	results  chan buildResult
	events   chan supervisor.Event

	// loop-goroutine state
	building     bool
	pending      *state.Commit
	backoffUntil time.Time // no polls before this; set from rate-limit hints
}

// New wires the orchestrator around an already-loaded tracker. The
// supervisor is constructed here so its event stream feeds the loop.
func New(cfg Config, poller Poller, builder Builder, supCfg supervisor.Config, tracker *state.Tracker, store *state.Store) *Orchestrator {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = state.DefaultHistoryLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg,
		poller:   poller,
		builder:  builder,
		tracker:  tracker,
		store:    store,
		recorder: &history.Recorder{},
		ctx:      ctx,
		cancel:   cancel,
		checkCh:  make(chan struct{}, 1),
		deployCh: make(chan struct{}, 1),
		results:  make(chan buildResult, 1),
		events:   make(chan supervisor.Event, 64),
	}
	supCfg.Notify = o.onEvent
	o.sup = supervisor.New(supCfg)
	return o
}

// SetSinks wires history sinks; events fan out to them best effort.
func (o *Orchestrator) SetSinks(sinks ...history.Sink) {
	o.recorder.SetSinks(sinks...)
}

// Supervisor exposes the managed service for status readers.
func (o *Orchestrator) Supervisor() *supervisor.Supervisor { return o.sup }

// StateSnapshot returns an immutable copy of the orchestration state.
func (o *Orchestrator) StateSnapshot() state.SystemState { return o.tracker.Snapshot() }

// Start recovers persisted state, reconciles the service process, and
// launches the control loop.
func (o *Orchestrator) Start() error {
	if o.cfg.SpecFor == nil {
		return fmt.Errorf("orchestrator requires a service spec source")
	}

	now := time.Now().UTC()
	snap := o.tracker.Update(func(s *state.SystemState) {
		if n := s.MarkInterrupted(now); n > 0 {
			slog.Warn("Reclassified builds from a previous run as interrupted", "count", n)
		}
		s.Config = o.cfg.Snapshot
	})
	o.persist(snap)

	snap = o.reconcileService(snap)

	if o.cfg.StartOnBoot && !o.sup.Alive() {
		if ls := snap.LastSuccess(); ls != nil {
			slog.Info("Starting service from last successful build", "build", ls.ID, "artifact", ls.ArtifactPath)
			o.deployBuild(*ls)
		}
	}

	metrics.SetActiveBuild(0)
	o.publishRuntime(o.sup.Status())

	o.wg.Add(1)
	go o.loop()
	return nil
}

// reconcileService checks the persisted process against the live system.
// A matching pid + start time is adopted back under supervision; anything
// else is disowned.
func (o *Orchestrator) reconcileService(snap state.SystemState) state.SystemState {
	adopted := false
	if snap.Process != nil {
		h := detector.Handle{PID: snap.Process.PID, StartUnix: snap.Process.StartUnix}
		spec := o.specFromHistory(&snap)
		if spec.Validate() == nil {
			adopted = o.sup.Adopt(spec, h)
		}
		if !adopted {
			slog.Warn("Persisted service process is gone or unrecognized", "pid", h.PID)
		}
	}
	return o.tracker.Update(func(s *state.SystemState) {
		if adopted {
			s.Runtime = state.RuntimeRunning
			return
		}
		s.Process = nil
		if s.Runtime == state.RuntimeStarting || s.Runtime == state.RuntimeRunning {
			s.Runtime = state.RuntimeStopped
		}
	})
}

// specFromHistory rebuilds the service spec for the artifact the persisted
// process was deployed from.
func (o *Orchestrator) specFromHistory(s *state.SystemState) supervisor.ServiceSpec {
	if ls := s.LastSuccess(); ls != nil {
		return o.cfg.SpecFor(ls.ArtifactPath)
	}
	return o.cfg.SpecFor("")
}

// Stop shuts the loop down, persists the final runtime view, and by
// configuration stops the service or leaves it for the next adoption.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()

	// A build that finished during shutdown still deserves its record.
	select {
	case res := <-o.results:
		snap := o.tracker.Update(func(s *state.SystemState) {
			s.UpsertBuild(res.rec, o.cfg.HistoryLimit)
			s.ActiveBuildID = 0
		})
		o.persist(snap)
	default:
	}

	if o.cfg.StopOnShutdown {
		if err := o.sup.Stop(o.cfg.Grace); err != nil {
			slog.Warn("Service stop at shutdown failed", "error", err)
		}
	}
	o.sup.Shutdown()

	o.persistRuntime()
	if err := o.recorder.Close(); err != nil {
		slog.Warn("History sink close failed", "error", err)
	}
}

// CheckNow triggers a poll outside the schedule. Coalesces duplicates.
func (o *Orchestrator) CheckNow() {
	select {
	case o.checkCh <- struct{}{}:
	default:
	}
}

// Deploy redeploys the last successful artifact. It answers immediately;
// the deployment itself runs on the loop.
func (o *Orchestrator) Deploy() error {
	snap := o.tracker.Snapshot()
	if snap.ActiveBuildID != 0 {
		return ErrBuildInFlight
	}
	if snap.LastSuccess() == nil {
		return ErrNoArtifact
	}
	select {
	case o.deployCh <- struct{}{}:
	default:
	}
	return nil
}

func (o *Orchestrator) loop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.poll()
		case <-o.checkCh:
			o.poll()
		case <-o.deployCh:
			o.manualDeploy()
		case res := <-o.results:
			o.finishBuild(res)
		case ev := <-o.events:
			o.handleEvent(ev)
		}
	}
}

// poll asks for the newest commit past the persisted baseline. Failures
// are logged and retried on the next tick; they never stop the loop.
// A rate-limit hint from the previous failure suppresses polling until it
// elapses; the watcher caps hints at one check interval.
func (o *Orchestrator) poll() {
	if wait := time.Until(o.backoffUntil); wait > 0 {
		slog.Debug("Poll skipped; rate-limit backoff active", "remaining", wait)
		return
	}

	snap := o.tracker.Snapshot()
	baseline := ""
	if snap.CurrentCommit != nil {
		baseline = snap.CurrentCommit.SHA
	}

	commit, err := o.poller.Poll(o.ctx, baseline)

	now := time.Now().UTC()
	o.persist(o.tracker.Update(func(s *state.SystemState) { s.LastCheck = &now }))

	if err != nil {
		metrics.IncPoll("error")
		var te *gitwatch.TransientError
		if errors.As(err, &te) && te.RetryAfter > 0 {
			o.backoffUntil = time.Now().Add(te.RetryAfter)
			slog.Warn("Poll failed; backing off", "error", err, "retry_after", te.RetryAfter)
		} else {
			slog.Warn("Poll failed; retrying on schedule", "error", err)
		}
		return
	}
	o.backoffUntil = time.Time{}
	if commit == nil {
		metrics.IncPoll("unchanged")
		return
	}
	metrics.IncPoll("changed")
	slog.Info("New commit detected", "sha", shortSHA(commit.SHA), "author", commit.Author)
	o.enqueue(*commit)
}

// enqueue starts a build, or remembers the commit as the follow-up when a
// build already runs. Only the newest superseding commit is kept.
func (o *Orchestrator) enqueue(commit state.Commit) {
	if o.building {
		o.pending = &commit
		slog.Info("Build in flight; commit queued as follow-up", "sha", shortSHA(commit.SHA))
		return
	}
	o.startBuild(commit)
}

// startBuild persists the intent record, then runs the build off-loop.
// The record hits disk before the first build action so a crash cannot
// leave an untracked build behind.
func (o *Orchestrator) startBuild(commit state.Commit) {
	if o.ctx.Err() != nil {
		return
	}
	now := time.Now().UTC()
	var rec state.BuildRecord
	snap := o.tracker.Update(func(s *state.SystemState) {
		rec = s.NewBuild(commit.SHA, now)
		s.UpsertBuild(rec, o.cfg.HistoryLimit)
		s.ActiveBuildID = rec.ID
		c := commit
		s.CurrentCommit = &c
	})
	o.persist(snap)
	metrics.SetActiveBuild(rec.ID)

	o.building = true
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		out := o.builder.Run(o.ctx, rec, commit)
		select {
		case o.results <- buildResult{rec: out, commit: commit}:
		case <-o.ctx.Done():
			// Loop is gone; Stop drains the buffered result if any.
		}
	}()
}

// finishBuild commits the terminal record, deploys on success, and kicks
// off the coalesced follow-up build if one queued up.
func (o *Orchestrator) finishBuild(res buildResult) {
	o.building = false
	rec := res.rec
	snap := o.tracker.Update(func(s *state.SystemState) {
		s.UpsertBuild(rec, o.cfg.HistoryLimit)
		s.ActiveBuildID = 0
	})
	o.persist(snap)

	metrics.SetActiveBuild(0)
	metrics.IncBuild(string(rec.Status))
	if rec.FinishedAt != nil {
		metrics.ObserveBuildDuration(rec.FinishedAt.Sub(rec.StartedAt).Seconds())
	}
	o.recorder.Record(history.Event{
		Type:        history.EventBuildFinished,
		BuildID:     rec.ID,
		CommitSHA:   rec.CommitSHA,
		BuildStatus: string(rec.Status),
		Artifact:    rec.ArtifactPath,
	})

	switch rec.Status {
	case state.BuildSuccess:
		slog.Info("Build succeeded", "build", rec.ID, "sha", shortSHA(rec.CommitSHA), "artifact", rec.ArtifactPath)
		o.deployBuild(rec)
	case state.BuildTimedOut:
		slog.Error("Build timed out; service untouched", "build", rec.ID, "sha", shortSHA(rec.CommitSHA))
	case state.BuildInterrupted:
		slog.Warn("Build interrupted", "build", rec.ID, "sha", shortSHA(rec.CommitSHA))
	default:
		slog.Error("Build failed; service untouched", "build", rec.ID, "sha", shortSHA(rec.CommitSHA))
	}

	if o.pending != nil && o.ctx.Err() == nil {
		next := *o.pending
		o.pending = nil
		slog.Info("Starting follow-up build for queued commit", "sha", shortSHA(next.SHA))
		o.startBuild(next)
	}
}

// deployBuild replaces the service with the artifact of a successful
// build: stop the old process, wait the restart delay, start the new one.
func (o *Orchestrator) deployBuild(rec state.BuildRecord) {
	spec := o.cfg.SpecFor(rec.ArtifactPath)
	if err := spec.Validate(); err != nil {
		slog.Error("Deploy skipped: service spec invalid", "error", err)
		return
	}

	wasAlive := o.sup.Alive()
	o.persist(o.tracker.Update(func(s *state.SystemState) {
		s.Runtime = state.RuntimeStarting
		s.Process = nil
	}))

	if err := o.sup.Stop(o.cfg.Grace); err != nil {
		slog.Error("Deploy aborted: old service did not stop", "error", err)
		o.persistRuntime()
		return
	}
	if wasAlive && o.cfg.RestartDelay > 0 {
		select {
		case <-time.After(o.cfg.RestartDelay):
		case <-o.ctx.Done():
			o.persistRuntime()
			return
		}
	}

	if err := o.sup.Start(spec); err != nil {
		slog.Error("Service failed to start after deploy", "build", rec.ID, "error", err)
		o.persistRuntime()
		return
	}

	metrics.IncDeploy()
	ss := o.sup.Status()
	o.recorder.Record(history.Event{
		Type:        history.EventDeployed,
		BuildID:     rec.ID,
		CommitSHA:   rec.CommitSHA,
		BuildStatus: string(rec.Status),
		Artifact:    rec.ArtifactPath,
		Service:     ss.Name,
		PID:         ss.PID,
	})
	o.persistRuntime()
}

// manualDeploy serves a Deploy request on the loop goroutine.
func (o *Orchestrator) manualDeploy() {
	if o.building {
		slog.Info("Deploy request ignored; build in flight")
		return
	}
	snap := o.tracker.Snapshot()
	ls := snap.LastSuccess()
	if ls == nil {
		slog.Warn("Deploy request ignored; no successful build")
		return
	}
	slog.Info("Manual deploy requested", "build", ls.ID, "artifact", ls.ArtifactPath)
	o.deployBuild(*ls)
}

// handleEvent reacts to a supervisor transition. Events only carry what
// happened; the supervisor snapshot read afterwards is authoritative for
// the persisted runtime fields.
func (o *Orchestrator) handleEvent(ev supervisor.Event) {
	switch {
	case ev.Status == state.RuntimeStarting && ev.Restarts > 0:
		metrics.IncServiceRestart(ev.Name)
		o.recorder.Record(history.Event{
			Type:     history.EventServiceCrash,
			Service:  ev.Name,
			PID:      ev.PID,
			Restarts: ev.Restarts,
			Detail:   crashDetail(ev.Err),
		})
	case ev.Status == state.RuntimeCrashed:
		o.recorder.Record(history.Event{
			Type:     history.EventServiceCrash,
			Service:  ev.Name,
			PID:      ev.PID,
			Restarts: ev.Restarts,
			Detail:   crashDetail(ev.Err),
		})
	}
	o.persistRuntime()
}

// onEvent forwards supervisor transitions onto the loop without blocking
// the supervisor's monitor goroutine.
func (o *Orchestrator) onEvent(ev supervisor.Event) {
	select {
	case o.events <- ev:
	default:
		slog.Warn("Supervisor event dropped; state resyncs on the next transition", "status", ev.Status)
	}
}

// persistRuntime writes the supervisor's current view into the document.
func (o *Orchestrator) persistRuntime() {
	ss := o.sup.Status()
	snap := o.tracker.Update(func(s *state.SystemState) {
		s.Runtime = ss.Status
		if ss.PID > 0 && (ss.Status == state.RuntimeRunning || ss.Status == state.RuntimeStarting) {
			s.Process = &state.ProcessInfo{PID: ss.PID, StartUnix: ss.StartUnix, StartedAt: ss.StartedAt}
		} else {
			s.Process = nil
		}
	})
	o.persist(snap)
	o.publishRuntime(ss)
}

// persist saves the snapshot. On failure the in-memory state stays
// authoritative and the next transition retries with the full document.
func (o *Orchestrator) persist(snap state.SystemState) {
	if err := o.store.Save(&snap); err != nil {
		slog.Error("State persistence failed; keeping in-memory state", "error", err)
	}
}

func (o *Orchestrator) publishRuntime(ss supervisor.Snapshot) {
	name := ss.Name
	if name == "" {
		name = o.cfg.ServiceName
	}
	for _, st := range []state.RuntimeStatus{state.RuntimeStopped, state.RuntimeStarting, state.RuntimeRunning, state.RuntimeCrashed} {
		metrics.SetServiceState(name, string(st), st == ss.Status)
	}
}

func crashDetail(err error) string {
	if err != nil {
		return err.Error()
	}
	return "exited unexpectedly"
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
