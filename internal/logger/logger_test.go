package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWriters_WithDirOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir}
	outW, errW, err := cfg.Writers("demo")
	if err != nil {
		t.Fatalf("Writers error: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers non-nil when Dir is set")
	}
	// Write a bit and close to ensure files are created
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)
	// Verify files exist at derived paths
	outPath := filepath.Join(dir, "demo.stdout.log")
	errPath := filepath.Join(dir, "demo.stderr.log")
	if _, err := os.Stat(outPath); err != nil {
		t.Fatalf("stdout log not created at %s: %v", outPath, err)
	}
	if _, err := os.Stat(errPath); err != nil {
		t.Fatalf("stderr log not created at %s: %v", errPath, err)
	}
}

func TestWriters_WithExplicitPaths(t *testing.T) {
	dir := t.TempDir()
	sp := filepath.Join(dir, "s.out.log")
	ep := filepath.Join(dir, "s.err.log")
	cfg := Config{StdoutPath: sp, StderrPath: ep}
	outW, errW, err := cfg.Writers("ignored-name")
	if err != nil {
		t.Fatalf("Writers error: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers non-nil when explicit paths provided")
	}
	_, _ = outW.Write([]byte("x"))
	_, _ = errW.Write([]byte("y"))
	closeIf(outW)
	closeIf(errW)
	if _, err := os.Stat(sp); err != nil {
		t.Fatalf("stdout explicit path not created: %v", err)
	}
	if _, err := os.Stat(ep); err != nil {
		t.Fatalf("stderr explicit path not created: %v", err)
	}
}

func TestWriters_Defaults(t *testing.T) {
	cfg := Config{ /* zero values to trigger defaults */ }
	outW, errW, _ := cfg.Writers("n")
	// With no Dir and no explicit paths, Writers returns nils; ensure that's the case
	if outW != nil || errW != nil {
		t.Fatalf("expected nil writers when no Dir/stdout/stderr set")
	}
	// Now set explicit paths to instantiate lumberjack with defaults
	cfg = Config{StdoutPath: "x", StderrPath: "y"}
	outW, errW, _ = cfg.Writers("n")
	ol, ok1 := outW.(*lj.Logger)
	el, ok2 := errW.(*lj.Logger)
	if !ok1 || !ok2 {
		t.Fatalf("writers are not lumberjack.Logger")
	}
	// defaults
	if ol.MaxSize != 10 || ol.MaxBackups != 3 || ol.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", ol.MaxSize, ol.MaxBackups, ol.MaxAge)
	}
	if el.MaxSize != 10 || el.MaxBackups != 3 || el.MaxAge != 7 {
		t.Fatalf("unexpected defaults (stderr): size=%d backups=%d age=%d", el.MaxSize, el.MaxBackups, el.MaxAge)
	}
	closeIf(outW)
	closeIf(errW)
}

func TestWriters_Overrides(t *testing.T) {
	// Custom values propagate
	cfg := Config{StdoutPath: "x2", StderrPath: "y2", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}
	outW, errW, _ := cfg.Writers("n")
	ol := outW.(*lj.Logger)
	el := errW.(*lj.Logger)
	if ol.MaxSize != 1 || ol.MaxBackups != 9 || ol.MaxAge != 11 || !ol.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", ol.MaxSize, ol.MaxBackups, ol.MaxAge, ol.Compress)
	}
	if el.MaxSize != 1 || el.MaxBackups != 9 || el.MaxAge != 11 || !el.Compress {
		t.Fatalf("unexpected overrides (stderr): size=%d backups=%d age=%d compress=%t", el.MaxSize, el.MaxBackups, el.MaxAge, el.Compress)
	}
	closeIf(outW)
	closeIf(errW)
}

func TestFile_RotatingWriter(t *testing.T) {
	// No Dir means no writer
	if w := (Config{}).File("build"); w != nil {
		t.Fatalf("expected nil writer without Dir")
	}
	dir := t.TempDir()
	cfg := Config{Dir: dir, MaxSizeMB: 2}
	w := cfg.File("build")
	if w == nil {
		t.Fatalf("expected writer when Dir set")
	}
	l := w.(*lj.Logger)
	if l.Filename != filepath.Join(dir, "build.log") {
		t.Fatalf("unexpected filename %s", l.Filename)
	}
	if l.MaxSize != 2 {
		t.Fatalf("MaxSize override lost: %d", l.MaxSize)
	}
	_, _ = w.Write([]byte("compiling\n"))
	closeIf(w)
	if _, err := os.Stat(filepath.Join(dir, "build.log")); err != nil {
		t.Fatalf("build log not created: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestNewSlogger_ColorAndPlain(t *testing.T) {
	var buf bytes.Buffer
	lg := NewSlogger(&buf, "info", true)
	lg.Info("hello", slog.String("k", "v"))
	out := buf.String()
	if !strings.Contains(out, "\033[32m") {
		t.Fatalf("expected ANSI color in colored output: %q", out)
	}
	if !strings.Contains(out, "k=v") {
		t.Fatalf("expected attrs preserved: %q", out)
	}

	buf.Reset()
	lg = NewSlogger(&buf, "warn", false)
	lg.Info("dropped")
	lg.Warn("kept")
	out = buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info record should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "kept") {
		t.Fatalf("warn record missing: %q", out)
	}
	if strings.Contains(out, "\033[") {
		t.Fatalf("plain handler must not color: %q", out)
	}
}

func TestColorTextHandler_WithAttrsKeepsColor(t *testing.T) {
	var buf bytes.Buffer
	lg := NewSlogger(&buf, "debug", true).With(slog.String("component", "test"))
	lg.Error("boom")
	out := buf.String()
	if !strings.Contains(out, "\033[31m") {
		t.Fatalf("derived logger lost color wrapper: %q", out)
	}
	if !strings.Contains(out, "component=test") {
		t.Fatalf("derived logger lost attrs: %q", out)
	}
}

func TestTailWriter(t *testing.T) {
	tw := NewTailWriter(8)
	_, _ = tw.Write([]byte("abcd"))
	if got := tw.String(); got != "abcd" {
		t.Fatalf("unexpected tail: %q", got)
	}
	_, _ = tw.Write([]byte("efgh"))
	if got := tw.String(); got != "abcdefgh" {
		t.Fatalf("unexpected tail: %q", got)
	}
	_, _ = tw.Write([]byte("ij"))
	if got := tw.String(); got != "cdefghij" {
		t.Fatalf("tail should drop oldest bytes: %q", got)
	}
	// A single write larger than the limit keeps only its tail.
	if n, err := tw.Write([]byte("0123456789ABCDEF")); err != nil || n != 16 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	if got := tw.String(); got != "89ABCDEF" {
		t.Fatalf("unexpected tail after oversized write: %q", got)
	}
	if got := string(tw.Bytes()); got != "89ABCDEF" {
		t.Fatalf("Bytes disagrees with String: %q", got)
	}
}

func TestTailWriter_ConcurrentWrites(t *testing.T) {
	tw := NewTailWriter(64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = tw.Write([]byte("xxxxxxxx"))
			}
		}()
	}
	wg.Wait()
	if got := len(tw.Bytes()); got != 64 {
		t.Fatalf("tail length = %d, want 64", got)
	}
}
