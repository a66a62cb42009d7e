package server

import (
	"crypto/tls"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/deployr/internal/metrics"
	"github.com/loykin/deployr/internal/orchestrator"
	"github.com/loykin/deployr/internal/state"
)

// Router provides embeddable HTTP handlers for the deploy daemon.
// Endpoints:
//   GET  {basePath}/status       runtime, current commit, last build, last check
//   GET  {basePath}/builds       paginated build history, newest first (limit, offset)
//   GET  {basePath}/builds/:id   one build record
//   POST {basePath}/deploy       redeploy the last successful artifact
//   POST {basePath}/check        poll the repository outside the schedule
//   GET  {basePath}/healthz      daemon liveness
//   GET  /                       HTML status page
//   GET  /metrics                Prometheus
// basePath may be empty or start with '/'; no trailing slash.

type Router struct {
	orch     *orchestrator.Orchestrator
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/status, /api/deploy, ...
func NewRouter(orch *orchestrator.Orchestrator, basePath string) *Router {
	return &Router{orch: orch, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/builds", r.handleBuilds)
	group.GET("/builds/:id", r.handleBuild)
	group.POST("/deploy", r.handleDeploy)
	group.POST("/check", r.handleCheck)
	group.GET("/healthz", r.handleHealthz)
	g.GET("/", r.handleIndex)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// The returned server can be shut down by calling its Close method.
func NewServer(addr, basePath string, orch *orchestrator.Orchestrator) (*http.Server, error) {
	r := NewRouter(orch, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// NewServerTLS is NewServer over TLS with the given certificate configuration.
func NewServerTLS(addr, basePath string, orch *orchestrator.Orchestrator, tlsCfg *tls.Config) (*http.Server, error) {
	if tlsCfg == nil {
		return NewServer(addr, basePath, orch)
	}
	r := NewRouter(orch, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	// Certificate material comes from TLSConfig.GetCertificate.
	go func() { _ = server.ListenAndServeTLS("", "") }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type serviceView struct {
	Name          string              `json:"name"`
	Status        state.RuntimeStatus `json:"status"`
	PID           int                 `json:"pid,omitempty"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	UptimeSeconds int64               `json:"uptime_seconds,omitempty"`
	Restarts      int                 `json:"restarts"`
}

type statusResp struct {
	Service       serviceView        `json:"service"`
	CurrentCommit *state.Commit      `json:"current_commit,omitempty"`
	ActiveBuildID int64              `json:"active_build_id,omitempty"`
	LastBuild     *state.BuildRecord `json:"last_build,omitempty"`
	LastCheck     *time.Time         `json:"last_check,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

type buildsResp struct {
	Total  int                 `json:"total"`
	Offset int                 `json:"offset"`
	Limit  int                 `json:"limit"`
	Builds []state.BuildRecord `json:"builds"`
}

// statusNow composes the persisted document with the live supervisor view.
// The supervisor is authoritative for the service fields.
func (r *Router) statusNow() statusResp {
	snap := r.orch.StateSnapshot()
	ss := r.orch.Supervisor().Status()

	sv := serviceView{Name: ss.Name, Status: ss.Status, Restarts: ss.Restarts}
	if ss.PID > 0 {
		sv.PID = ss.PID
		if !ss.StartedAt.IsZero() {
			st := ss.StartedAt
			sv.StartedAt = &st
			sv.UptimeSeconds = int64(time.Since(st).Seconds())
		}
	}

	resp := statusResp{
		Service:       sv,
		CurrentCommit: snap.CurrentCommit,
		ActiveBuildID: snap.ActiveBuildID,
		LastCheck:     snap.LastCheck,
		UpdatedAt:     snap.UpdatedAt,
	}
	if len(snap.Builds) > 0 {
		b := snap.Builds[0]
		resp.LastBuild = &b
	}
	return resp
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.statusNow())
}

func (r *Router) handleBuilds(c *gin.Context) {
	p, err := parsePagination(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	snap := r.orch.StateSnapshot()
	total := len(snap.Builds)
	lo := p.Offset
	if lo > total {
		lo = total
	}
	hi := lo + p.Limit
	if hi > total {
		hi = total
	}
	writeJSON(c, http.StatusOK, buildsResp{
		Total:  total,
		Offset: p.Offset,
		Limit:  p.Limit,
		Builds: snap.Builds[lo:hi],
	})
}

func (r *Router) handleBuild(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid build id"})
		return
	}
	snap := r.orch.StateSnapshot()
	rec, ok := snap.Build(id)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "build not found"})
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleDeploy(c *gin.Context) {
	err := r.orch.Deploy()
	switch {
	case errors.Is(err, orchestrator.ErrBuildInFlight):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	case errors.Is(err, orchestrator.ErrNoArtifact):
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
	case err != nil:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusOK, okResp{OK: true})
	}
}

func (r *Router) handleCheck(c *gin.Context) {
	r.orch.CheckNow()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
