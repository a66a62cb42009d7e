package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loykin/deployr/internal/logger"
	"github.com/loykin/deployr/internal/state"
)

// DefaultExcerptBytes bounds the captured tail of build output.
const DefaultExcerptBytes = logger.DefaultTailBytes

// SyncFunc materializes the working tree for a commit, streaming progress
// output to out. The default uses git (clone if absent, else fetch, then
// hard reset); tests substitute a deterministic implementation.
// Post-condition: repoDir matches commit.SHA.
type SyncFunc func(ctx context.Context, repoDir string, commit state.Commit, out io.Writer) error

// Config describes one fixed build per deployment.
type Config struct {
	WorkspaceDir string // root for the checkout and staged artifacts
	RepoOwner    string
	RepoName     string
	Branch       string
	CloneURL     string // default https://github.com/{owner}/{repo}.git
	Command      string // build command, shell rules as for service specs
	Artifact     string // build output path relative to the repo dir
	Timeout      time.Duration
	Env          []string // extra environment for the build command
	ExcerptBytes int
	GitBin       string    // default "git"
	BuildLog     io.Writer // optional full-output stream (rotating file)
	Sync         SyncFunc  // optional override of the git sync step
}

// Pipeline runs one build at a time: sync worktree, run the build command
// under the deadline, stage the artifact, return a terminal record.
type Pipeline struct {
	cfg Config
	mu  sync.Mutex // backstop: a single Run in flight system-wide
}

func New(cfg Config) *Pipeline {
	if cfg.ExcerptBytes <= 0 {
		cfg.ExcerptBytes = DefaultExcerptBytes
	}
	if cfg.GitBin == "" {
		cfg.GitBin = "git"
	}
	p := &Pipeline{cfg: cfg}
	if p.cfg.Sync == nil {
		p.cfg.Sync = p.gitSync
	}
	return p
}

// RepoDir is where the working tree lives.
func (p *Pipeline) RepoDir() string {
	return filepath.Join(p.cfg.WorkspaceDir, p.cfg.RepoName)
}

func (p *Pipeline) cloneURL() string {
	if p.cfg.CloneURL != "" {
		return p.cfg.CloneURL
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", p.cfg.RepoOwner, p.cfg.RepoName)
}

// Run executes one build for the given record and returns it with a
// terminal status. Ordinary build failures never surface as errors; they
// become Failed or TimedOut records. rec must carry ID, CommitSHA and
// StartedAt from the caller, which owns id allocation and persistence.
func (p *Pipeline) Run(ctx context.Context, rec state.BuildRecord, commit state.Commit) state.BuildRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	tail := logger.NewTailWriter(p.cfg.ExcerptBytes)
	out := io.Writer(tail)
	if p.cfg.BuildLog != nil {
		out = io.MultiWriter(tail, p.cfg.BuildLog)
	}

	slog.Info("Build started", "build", rec.ID, "commit", commit.SHA)
	status, artifact, runErr := p.execute(ctx, rec.ID, commit, out)

	now := time.Now().UTC()
	rec.FinishedAt = &now
	rec.Status = status
	rec.ArtifactPath = artifact
	rec.LogExcerpt = tail.String()
	if runErr != nil {
		rec.LogExcerpt = clampTail(rec.LogExcerpt+"\nerror: "+runErr.Error(), p.cfg.ExcerptBytes)
	}

	switch status {
	case state.BuildSuccess:
		slog.Info("Build succeeded", "build", rec.ID, "commit", commit.SHA, "artifact", artifact)
	case state.BuildTimedOut:
		slog.Error("Build timed out", "build", rec.ID, "commit", commit.SHA, "timeout", p.cfg.Timeout)
	case state.BuildInterrupted:
		slog.Warn("Build interrupted", "build", rec.ID, "commit", commit.SHA)
	default:
		slog.Error("Build failed", "build", rec.ID, "commit", commit.SHA, "error", runErr)
	}
	return rec
}

// execute performs sync, build and staging, classifying the outcome.
func (p *Pipeline) execute(ctx context.Context, buildID int64, commit state.Commit, out io.Writer) (state.BuildStatus, string, error) {
	if err := os.MkdirAll(p.cfg.WorkspaceDir, 0o750); err != nil {
		return state.BuildFailed, "", fmt.Errorf("create workspace: %w", err)
	}

	if err := p.cfg.Sync(ctx, p.RepoDir(), commit, out); err != nil {
		if st, ok := deadlineStatus(err); ok {
			return st, "", err
		}
		return state.BuildFailed, "", fmt.Errorf("sync worktree: %w", err)
	}

	cmd := buildShellCommand(p.cfg.Command)
	cmd.Dir = p.RepoDir()
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	if err := runGrouped(ctx, cmd, out); err != nil {
		if st, ok := deadlineStatus(err); ok {
			return st, "", nil
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return state.BuildFailed, "", fmt.Errorf("build command exited %d", ee.ExitCode())
		}
		return state.BuildFailed, "", fmt.Errorf("run build command: %w", err)
	}

	artifact, err := p.stageArtifact(buildID)
	if err != nil {
		return state.BuildFailed, "", err
	}
	return state.BuildSuccess, artifact, nil
}

// deadlineStatus maps context termination to the matching terminal status.
func deadlineStatus(err error) (state.BuildStatus, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return state.BuildTimedOut, true
	case errors.Is(err, context.Canceled):
		return state.BuildInterrupted, true
	}
	return "", false
}

// gitSync is the default SyncFunc: clone when the repo dir is absent,
// otherwise fetch, and in both cases hard-reset to the requested commit.
func (p *Pipeline) gitSync(ctx context.Context, repoDir string, commit state.Commit, out io.Writer) error {
	if _, err := os.Stat(filepath.Join(repoDir, ".git")); err != nil {
		if err := p.git(ctx, p.cfg.WorkspaceDir, out, "clone", "--branch", p.cfg.Branch, p.cloneURL(), repoDir); err != nil {
			return fmt.Errorf("git clone: %w", err)
		}
	} else {
		if err := p.git(ctx, repoDir, out, "fetch", "origin", p.cfg.Branch); err != nil {
			return fmt.Errorf("git fetch: %w", err)
		}
	}
	if err := p.git(ctx, repoDir, out, "reset", "--hard", commit.SHA); err != nil {
		return fmt.Errorf("git reset: %w", err)
	}
	return nil
}

func (p *Pipeline) git(ctx context.Context, dir string, out io.Writer, args ...string) error {
	// #nosec G204
	cmd := exec.Command(p.cfg.GitBin, args...)
	cmd.Dir = dir
	return runGrouped(ctx, cmd, out)
}

// stageArtifact copies the build output into a fresh versioned directory
// and publishes it atomically, so a running old instance is never
// disrupted mid-read. A best-effort `current` symlink points operators at
// the newest artifact.
func (p *Pipeline) stageArtifact(buildID int64) (string, error) {
	src := filepath.Join(p.RepoDir(), p.cfg.Artifact)
	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("artifact %s not produced: %w", p.cfg.Artifact, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("artifact %s is a directory", p.cfg.Artifact)
	}

	destDir := filepath.Join(p.cfg.WorkspaceDir, "artifacts", strconv.FormatInt(buildID, 10))
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	dest := filepath.Join(destDir, filepath.Base(p.cfg.Artifact))
	tmp := dest + ".tmp"
	if err := copyFile(src, tmp, 0o755); err != nil {
		return "", fmt.Errorf("stage artifact: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", fmt.Errorf("publish artifact: %w", err)
	}

	// Convenience pointer; the record keeps the versioned path.
	link := filepath.Join(p.cfg.WorkspaceDir, "artifacts", "current")
	tmpLink := link + ".tmp"
	_ = os.Remove(tmpLink)
	if err := os.Symlink(dest, tmpLink); err == nil {
		_ = os.Rename(tmpLink, link)
	}
	return dest, nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src) // #nosec G304 -- path derives from validated config
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// runGrouped runs cmd in its own process group, streaming combined output
// to w, and kills the whole group if ctx ends first.
func runGrouped(ctx context.Context, cmd *exec.Cmd, w io.Writer) error {
	cmd.Stdout = w
	cmd.Stderr = w
	configureSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			killProcessGroup(cmd.Process.Pid)
		}
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// buildShellCommand constructs an *exec.Cmd for a build command string.
// It avoids invoking a shell unless metacharacters require one.
func buildShellCommand(cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(name, args...)
}

func clampTail(s string, limit int) string {
	if limit > 0 && len(s) > limit {
		return s[len(s)-limit:]
	}
	return s
}
