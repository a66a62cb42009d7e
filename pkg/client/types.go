package client

import "time"

// ServiceStatus describes the supervised service as the daemon reports it.
type ServiceStatus struct {
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	PID           int        `json:"pid,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	UptimeSeconds int64      `json:"uptime_seconds,omitempty"`
	Restarts      int        `json:"restarts"`
}

// Commit identifies the repository commit a build was produced from.
type Commit struct {
	SHA     string    `json:"sha"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
}

// BuildRecord is one build attempt from the daemon's history.
type BuildRecord struct {
	ID           int64      `json:"id"`
	CommitSHA    string     `json:"commit_sha"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Status       string     `json:"status"`
	LogExcerpt   string     `json:"log_excerpt,omitempty"`
	ArtifactPath string     `json:"artifact_path,omitempty"`
}

// StatusResponse is the payload of GET /status.
type StatusResponse struct {
	Service       ServiceStatus `json:"service"`
	CurrentCommit *Commit       `json:"current_commit,omitempty"`
	ActiveBuildID int64         `json:"active_build_id,omitempty"`
	LastBuild     *BuildRecord  `json:"last_build,omitempty"`
	LastCheck     *time.Time    `json:"last_check,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// BuildsResponse is the paginated payload of GET /builds.
type BuildsResponse struct {
	Total  int           `json:"total"`
	Offset int           `json:"offset"`
	Limit  int           `json:"limit"`
	Builds []BuildRecord `json:"builds"`
}

// OKResponse is the acknowledgement returned by POST endpoints.
type OKResponse struct {
	OK bool `json:"ok"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
