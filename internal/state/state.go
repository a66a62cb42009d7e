package state

import (
	"sort"
	"time"
)

// DefaultHistoryLimit caps build_history when no limit is configured.
const DefaultHistoryLimit = 100

// Commit is the latest observed commit on the watched branch.
// Immutable once observed.
type Commit struct {
	SHA     string    `json:"sha"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
}

// BuildStatus is the lifecycle status of a single build attempt.
type BuildStatus string

const (
	BuildPending     BuildStatus = "pending"
	BuildRunning     BuildStatus = "running"
	BuildSuccess     BuildStatus = "success"
	BuildFailed      BuildStatus = "failed"
	BuildTimedOut    BuildStatus = "timed_out"
	BuildInterrupted BuildStatus = "interrupted"
)

// Terminal reports whether the status will not change without a new build.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildSuccess, BuildFailed, BuildTimedOut, BuildInterrupted:
		return true
	}
	return false
}

// BuildRecord tracks one build attempt. Created when the build starts and
// updated exactly once more when it reaches a terminal status.
type BuildRecord struct {
	ID           int64       `json:"id"`
	CommitSHA    string      `json:"commit_sha"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
	Status       BuildStatus `json:"status"`
	LogExcerpt   string      `json:"log_excerpt,omitempty"`
	ArtifactPath string      `json:"artifact_path,omitempty"`
}

// RuntimeStatus describes the supervised service process, not the build.
type RuntimeStatus string

const (
	RuntimeStopped  RuntimeStatus = "stopped"
	RuntimeStarting RuntimeStatus = "starting"
	RuntimeRunning  RuntimeStatus = "running"
	RuntimeCrashed  RuntimeStatus = "crashed"
)

// ProcessInfo records the live service process. Present only while the
// runtime status is starting or running.
type ProcessInfo struct {
	PID       int       `json:"pid"`
	StartUnix int64     `json:"start_unix"` // OS-reported start time; guards against pid reuse
	StartedAt time.Time `json:"started_at"` // wall clock, for uptime
}

// ConfigSnapshot preserves the orchestration knobs the state was written
// under, so an operator can see which settings produced the history.
type ConfigSnapshot struct {
	CheckInterval time.Duration `json:"check_interval"`
	BuildTimeout  time.Duration `json:"build_timeout"`
	RestartDelay  time.Duration `json:"restart_delay"`
	MaxRetries    int           `json:"max_retries"`
}

// SystemState is the single persisted document. Only the orchestrator
// mutates it; everything else reads copies.
type SystemState struct {
	CurrentCommit *Commit        `json:"current_commit,omitempty"`
	ActiveBuildID int64          `json:"active_build_id,omitempty"` // 0 while no build runs
	NextBuildID   int64          `json:"next_build_id"`
	Runtime       RuntimeStatus  `json:"runtime_status"`
	Process       *ProcessInfo   `json:"process,omitempty"`
	Builds        []BuildRecord  `json:"builds"` // newest first, capped
	LastCheck     *time.Time     `json:"last_check,omitempty"`
	Config        ConfigSnapshot `json:"config"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Default returns the state used when no document exists yet.
func Default() *SystemState {
	return &SystemState{
		NextBuildID: 1,
		Runtime:     RuntimeStopped,
		Builds:      []BuildRecord{},
	}
}

// normalize repairs zero values after decoding an older or hand-edited document.
func (s *SystemState) normalize() {
	if s.NextBuildID < 1 {
		s.NextBuildID = 1
	}
	for _, b := range s.Builds {
		if b.ID >= s.NextBuildID {
			s.NextBuildID = b.ID + 1
		}
	}
	if s.Runtime == "" {
		s.Runtime = RuntimeStopped
	}
	if s.Builds == nil {
		s.Builds = []BuildRecord{}
	}
}

// Clone returns a deep copy safe to hand to readers.
func (s *SystemState) Clone() SystemState {
	out := *s
	if s.CurrentCommit != nil {
		c := *s.CurrentCommit
		out.CurrentCommit = &c
	}
	if s.Process != nil {
		p := *s.Process
		out.Process = &p
	}
	if s.LastCheck != nil {
		t := *s.LastCheck
		out.LastCheck = &t
	}
	out.Builds = make([]BuildRecord, len(s.Builds))
	copy(out.Builds, s.Builds)
	for i, b := range s.Builds {
		if b.FinishedAt != nil {
			t := *b.FinishedAt
			out.Builds[i].FinishedAt = &t
		}
	}
	return out
}

// NewBuild allocates the next monotonic build id.
func (s *SystemState) NewBuild(commitSHA string, now time.Time) BuildRecord {
	rec := BuildRecord{
		ID:        s.NextBuildID,
		CommitSHA: commitSHA,
		StartedAt: now,
		Status:    BuildRunning,
	}
	s.NextBuildID++
	return rec
}

// UpsertBuild inserts rec or replaces the record with the same id, then
// restores newest-first order and the history cap.
func (s *SystemState) UpsertBuild(rec BuildRecord, limit int) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	replaced := false
	for i := range s.Builds {
		if s.Builds[i].ID == rec.ID {
			s.Builds[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		s.Builds = append(s.Builds, rec)
	}
	sort.SliceStable(s.Builds, func(i, j int) bool {
		if s.Builds[i].StartedAt.Equal(s.Builds[j].StartedAt) {
			return s.Builds[i].ID > s.Builds[j].ID
		}
		return s.Builds[i].StartedAt.After(s.Builds[j].StartedAt)
	})
	if len(s.Builds) > limit {
		s.Builds = s.Builds[:limit]
	}
}

// Build returns the record with the given id.
func (s *SystemState) Build(id int64) (BuildRecord, bool) {
	for _, b := range s.Builds {
		if b.ID == id {
			return b, true
		}
	}
	return BuildRecord{}, false
}

// LastSuccess returns the newest successful build with a published artifact.
func (s *SystemState) LastSuccess() *BuildRecord {
	for i := range s.Builds {
		if s.Builds[i].Status == BuildSuccess && s.Builds[i].ArtifactPath != "" {
			b := s.Builds[i]
			return &b
		}
	}
	return nil
}

// MarkInterrupted reclassifies any non-terminal record. Called once at
// startup: a pending or running record cannot have survived the previous
// process. Returns the number of records rewritten.
func (s *SystemState) MarkInterrupted(now time.Time) int {
	n := 0
	for i := range s.Builds {
		if !s.Builds[i].Status.Terminal() {
			s.Builds[i].Status = BuildInterrupted
			if s.Builds[i].FinishedAt == nil {
				t := now
				s.Builds[i].FinishedAt = &t
			}
			n++
		}
	}
	if n > 0 {
		s.ActiveBuildID = 0
	}
	return n
}
