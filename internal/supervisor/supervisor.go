package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/deployr/internal/detector"
	"github.com/loykin/deployr/internal/state"
)

const (
	// DefaultRetryWindow is the sliding window the crash budget applies to.
	DefaultRetryWindow = time.Minute
	// DefaultGrace bounds how long Stop waits between SIGTERM and SIGKILL.
	DefaultGrace = 5 * time.Second

	killWait = 2 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("service already running")
	// ErrSuperseded reports that a concurrent Stop or Start overtook an
	// in-flight operation; the caller's request was not applied.
	ErrSuperseded = errors.New("operation superseded")
)

// Event reports one runtime transition. Err carries the exit or spawn
// error for crash transitions and is nil for planned ones. Notify
// callbacks run outside the supervisor lock, so they may call back in.
type Event struct {
	Name      string
	Status    state.RuntimeStatus
	PID       int
	StartUnix int64
	Restarts  int
	Err       error
	At        time.Time
}

type Config struct {
	RestartDelay time.Duration // pause before each crash respawn
	MaxRetries   int           // crash budget within RetryWindow before Crashed
	RetryWindow  time.Duration // sliding window; DefaultRetryWindow when 0
	Grace        time.Duration // default stop grace; DefaultGrace when 0
	Launcher     Launcher      // ExecLauncher when nil
	Notify       func(Event)   // optional transition callback
}

// Supervisor owns at most one live service process and applies the
// crash-restart policy:
//
//	Stopped --Start--> Starting --spawn ok--> Running
//	Running --Stop--> Stopped
//	Running --crash--> Starting (budget left) or Crashed (budget spent)
//	Starting --spawn failure--> Crashed
//
// Crashed is terminal until the next Start.
type Supervisor struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	spec      ServiceSpec
	proc      Proc
	waitDone  chan struct{} // closed once the monitor has committed the exit
	status    state.RuntimeStatus
	stopping  bool // Stop in progress; suppress crash respawn
	restarts  int  // respawns performed for the current deployment
	crashes   []time.Time
	startedAt time.Time
	gen       int // invalidates delayed respawns overtaken by Stop or Start
}

func New(cfg Config) *Supervisor {
	if cfg.Launcher == nil {
		cfg.Launcher = ExecLauncher{}
	}
	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = DefaultRetryWindow
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{cfg: cfg, ctx: ctx, cancel: cancel, status: state.RuntimeStopped}
}

// Shutdown cancels pending crash respawns. It never touches the service
// process itself; callers that want it down must Stop first.
func (s *Supervisor) Shutdown() { s.cancel() }

// Start launches spec as a fresh deployment, resetting the crash budget.
// A spawn failure transitions to Crashed and is returned to the caller.
func (s *Supervisor) Start(spec ServiceSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	now := time.Now()
	s.mu.Lock()
	if s.proc != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, spec.Name)
	}
	s.spec = spec
	s.stopping = false
	s.restarts = 0
	s.crashes = nil
	s.status = state.RuntimeStarting
	s.gen++
	g := s.gen
	s.mu.Unlock()

	s.notify(Event{Name: spec.Name, Status: state.RuntimeStarting, At: now})
	ev, ok := s.spawn(g)
	if !ok {
		return ErrSuperseded
	}
	s.notify(ev)
	return ev.Err
}

// Stop terminates the live process: SIGTERM, wait up to grace, then
// SIGKILL. It is idempotent and safe to call when nothing is running; a
// pending crash respawn is cancelled. A non-positive grace uses the
// configured default.
func (s *Supervisor) Stop(grace time.Duration) error {
	if grace <= 0 {
		grace = s.cfg.Grace
	}
	now := time.Now()
	s.mu.Lock()
	s.stopping = true
	s.gen++
	p := s.proc
	done := s.waitDone
	name := s.spec.Name
	wasStarting := p == nil && s.status == state.RuntimeStarting
	if wasStarting {
		s.status = state.RuntimeStopped
	}
	s.mu.Unlock()

	if p == nil {
		// Already Stopped or Crashed; Crashed stays visible until a new Start.
		if wasStarting {
			slog.Info("Service stop cancelled pending restart", "name", name)
			s.notify(Event{Name: name, Status: state.RuntimeStopped, At: now})
		}
		return nil
	}

	_ = p.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("Service ignored SIGTERM; killing", "name", name, "grace", grace)
		_ = p.Signal(syscall.SIGKILL)
		select {
		case <-done:
		case <-time.After(killWait):
			return fmt.Errorf("service %s: not reaped after SIGKILL", name)
		}
	}
	return nil
}

// Kill force-terminates without a grace period.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	s.stopping = true
	s.gen++
	p := s.proc
	done := s.waitDone
	name := s.spec.Name
	wasStarting := p == nil && s.status == state.RuntimeStarting
	if wasStarting {
		s.status = state.RuntimeStopped
	}
	s.mu.Unlock()

	if p == nil {
		if wasStarting {
			s.notify(Event{Name: name, Status: state.RuntimeStopped, At: time.Now()})
		}
		return nil
	}
	_ = p.Signal(syscall.SIGKILL)
	select {
	case <-done:
	case <-time.After(killWait):
		return fmt.Errorf("service %s: not reaped after SIGKILL", name)
	}
	return nil
}

// Adopt reattaches to a service process left running by a previous daemon
// run. It reports false when the handle no longer matches a live process.
func (s *Supervisor) Adopt(spec ServiceSpec, h detector.Handle) bool {
	if !h.Matches() {
		return false
	}
	now := time.Now()
	s.mu.Lock()
	if s.proc != nil {
		s.mu.Unlock()
		return false
	}
	s.spec = spec
	s.stopping = false
	s.restarts = 0
	s.crashes = nil
	s.gen++
	p := &adoptedProc{handle: h}
	done := make(chan struct{})
	s.proc = p
	s.waitDone = done
	s.status = state.RuntimeRunning
	if h.StartUnix > 0 {
		s.startedAt = time.Unix(h.StartUnix, 0)
	} else {
		s.startedAt = now
	}
	s.mu.Unlock()

	go s.monitor(p, done)
	slog.Info("Adopted running service", "name", spec.Name, "pid", h.PID)
	s.notify(Event{Name: spec.Name, Status: state.RuntimeRunning, PID: h.PID, StartUnix: h.StartUnix, At: now})
	return true
}

// Snapshot is a copy of the supervisor's view of the service.
type Snapshot struct {
	Name      string
	Status    state.RuntimeStatus
	PID       int
	StartUnix int64
	StartedAt time.Time
	Restarts  int
}

func (s *Supervisor) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sn := Snapshot{Name: s.spec.Name, Status: s.status, Restarts: s.restarts}
	if s.proc != nil {
		sn.PID = s.proc.PID()
		sn.StartUnix = s.proc.StartUnix()
		sn.StartedAt = s.startedAt
	}
	return sn
}

// Alive probes the live process, if any.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	return p != nil && p.Alive()
}

// Handle identifies the live process for persistence; nil when none.
func (s *Supervisor) Handle() *detector.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return nil
	}
	return &detector.Handle{PID: s.proc.PID(), StartUnix: s.proc.StartUnix()}
}

// Tail returns the bounded output capture of the live process.
func (s *Supervisor) Tail() []byte {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Tail()
}

// spawn starts one process for the current spec and commits it if g is
// still the active generation. The launcher runs outside the lock; when a
// concurrent operation overtook us the fresh child is killed, not leaked.
func (s *Supervisor) spawn(g int) (Event, bool) {
	s.mu.Lock()
	if s.gen != g {
		s.mu.Unlock()
		return Event{}, false
	}
	spec := s.spec
	s.mu.Unlock()

	p, err := s.cfg.Launcher.Start(spec)
	now := time.Now()

	s.mu.Lock()
	if s.gen != g {
		s.mu.Unlock()
		if err == nil {
			_ = p.Signal(syscall.SIGKILL)
		}
		return Event{}, false
	}
	if err != nil {
		s.proc = nil
		s.status = state.RuntimeCrashed
		restarts := s.restarts
		s.mu.Unlock()
		slog.Error("Service spawn failed", "name", spec.Name, "error", err)
		return Event{
			Name:     spec.Name,
			Status:   state.RuntimeCrashed,
			Restarts: restarts,
			Err:      fmt.Errorf("spawn %s: %w", spec.Name, err),
			At:       now,
		}, true
	}
	done := make(chan struct{})
	s.proc = p
	s.waitDone = done
	s.status = state.RuntimeRunning
	s.startedAt = now
	restarts := s.restarts
	s.mu.Unlock()

	go s.monitor(p, done)
	slog.Info("Service started", "name", spec.Name, "pid", p.PID(), "restarts", restarts)
	return Event{
		Name:      spec.Name,
		Status:    state.RuntimeRunning,
		PID:       p.PID(),
		StartUnix: p.StartUnix(),
		Restarts:  restarts,
		At:        now,
	}, true
}

// monitor waits for the exit of p, commits the resulting transition, and
// only then releases Stop waiters. The crash respawn, when allowed, runs
// in this goroutine after the restart delay.
func (s *Supervisor) monitor(p Proc, done chan struct{}) {
	err := p.Wait()
	g, respawn := s.transitionOnExit(p, err)
	close(done)
	if respawn {
		s.respawnAfter(g, s.cfg.RestartDelay)
	}
}

// transitionOnExit classifies an observed exit: planned stop, crash with
// budget left, or crash that spends the budget. It returns the generation
// for a pending respawn when one is due.
func (s *Supervisor) transitionOnExit(p Proc, exitErr error) (int, bool) {
	now := time.Now()
	s.mu.Lock()
	if s.proc != p {
		s.mu.Unlock()
		return 0, false
	}
	s.proc = nil
	s.waitDone = nil
	name := s.spec.Name
	if s.stopping {
		s.status = state.RuntimeStopped
		s.mu.Unlock()
		slog.Info("Service stopped", "name", name)
		s.notify(Event{Name: name, Status: state.RuntimeStopped, At: now})
		return 0, false
	}

	s.crashes = append(s.crashes, now)
	s.pruneCrashesLocked(now)
	if len(s.crashes) > s.cfg.MaxRetries {
		restarts := s.restarts
		s.status = state.RuntimeCrashed
		s.mu.Unlock()
		slog.Error("Service crashed; restart budget spent",
			"name", name, "restarts", restarts, "max_retries", s.cfg.MaxRetries, "error", exitErr)
		s.notify(Event{Name: name, Status: state.RuntimeCrashed, Restarts: restarts, Err: exitErr, At: now})
		return 0, false
	}
	s.restarts++
	restarts := s.restarts
	s.status = state.RuntimeStarting
	s.gen++
	g := s.gen
	s.mu.Unlock()

	slog.Warn("Service exited unexpectedly; restarting",
		"name", name, "restart", restarts, "delay", s.cfg.RestartDelay, "error", exitErr)
	s.notify(Event{Name: name, Status: state.RuntimeStarting, Restarts: restarts, Err: exitErr, At: now})
	return g, true
}

func (s *Supervisor) respawnAfter(g int, d time.Duration) {
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-s.ctx.Done():
			return
		}
	}
	ev, ok := s.spawn(g)
	if !ok {
		return
	}
	s.notify(ev)
}

// pruneCrashesLocked drops crashes that aged out of the sliding window.
func (s *Supervisor) pruneCrashesLocked(now time.Time) {
	cut := 0
	for cut < len(s.crashes) && now.Sub(s.crashes[cut]) > s.cfg.RetryWindow {
		cut++
	}
	s.crashes = s.crashes[cut:]
}

func (s *Supervisor) notify(ev Event) {
	if s.cfg.Notify != nil {
		s.cfg.Notify(ev)
	}
}
