package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStore_LoadMissingReturnsDefault(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "nope", "state.json"))
	s, err := st.Load()
	require.NoError(t, err)
	require.Equal(t, RuntimeStopped, s.Runtime)
	require.Equal(t, int64(1), s.NextBuildID)
	require.Empty(t, s.Builds)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	st := NewStore(path)

	s := Default()
	s.CurrentCommit = &Commit{SHA: "abc123", Message: "fix", Author: "dev", Date: time.Now().UTC().Truncate(time.Second)}
	rec := s.NewBuild("abc123", time.Now().UTC().Truncate(time.Second))
	fin := rec.StartedAt.Add(3 * time.Second)
	rec.Status = BuildSuccess
	rec.FinishedAt = &fin
	rec.ArtifactPath = "/srv/artifacts/1/app"
	s.UpsertBuild(rec, 10)
	s.Runtime = RuntimeRunning
	s.Process = &ProcessInfo{PID: 4242, StartUnix: 1700000000, StartedAt: time.Now().UTC().Truncate(time.Second)}
	s.Config = ConfigSnapshot{CheckInterval: 5 * time.Second, BuildTimeout: time.Minute, RestartDelay: 2 * time.Second, MaxRetries: 3}

	require.NoError(t, st.Save(s))

	got, err := st.Load()
	require.NoError(t, err)
	require.Equal(t, "abc123", got.CurrentCommit.SHA)
	require.Equal(t, RuntimeRunning, got.Runtime)
	require.Equal(t, 4242, got.Process.PID)
	require.Len(t, got.Builds, 1)
	require.Equal(t, BuildSuccess, got.Builds[0].Status)
	require.Equal(t, "/srv/artifacts/1/app", got.Builds[0].ArtifactPath)
	require.Equal(t, 5*time.Second, got.Config.CheckInterval)
	require.Equal(t, int64(2), got.NextBuildID)
}

func TestStore_LoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	st := NewStore(path)
	_, err := st.Load()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestStore_SaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	st := NewStore(path)
	require.NoError(t, st.Save(Default()))
	require.NoError(t, st.Save(Default())) // overwrite path

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "state.json", entries[0].Name())
}

func TestStore_NormalizeRecoversCounter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	// Hand-edited document: builds present but next_build_id lost.
	doc := `{"runtime_status":"stopped","builds":[{"id":7,"commit_sha":"x","started_at":"2026-01-02T03:04:05Z","status":"failed"}]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	got, err := NewStore(path).Load()
	require.NoError(t, err)
	require.Equal(t, int64(8), got.NextBuildID, "counter must stay ahead of existing ids")
}
