package gitwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/loykin/deployr/internal/state"
)

const (
	defaultBaseURL = "https://api.github.com"
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
)

// TransientError marks a poll failure the next scheduled poll may recover
// from. RetryAfter carries the server's backoff hint when one was given,
// already capped so a single hint can never stall polling beyond one
// check interval.
type TransientError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("transient fetch failure (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("transient fetch failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Config describes the watched repository.
type Config struct {
	Owner  string
	Repo   string
	Branch string
	Token  string // optional; raises the API rate limit

	BaseURL    string        // override for tests; default https://api.github.com
	Timeout    time.Duration // per-request; default 15s
	MaxBackoff time.Duration // cap for rate-limit hints; 0 = no cap
}

// Watcher polls the commits API for the newest commit on one branch.
// It keeps no baseline of its own: the caller supplies the last known SHA
// on every poll, so a restarted daemon resumes from persisted state.
type Watcher struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Watcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Watcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Describe returns owner/repo@branch for logs.
func (w *Watcher) Describe() string {
	return fmt.Sprintf("%s/%s@%s", w.cfg.Owner, w.cfg.Repo, w.cfg.Branch)
}

// commitResponse mirrors the fields of GET /repos/{owner}/{repo}/commits/{ref}.
type commitResponse struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name string    `json:"name"`
			Date time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
}

// Poll fetches the latest commit and compares it against baselineSHA.
// A nil commit with nil error means unchanged. Failures come back as
// *TransientError; Poll never retries internally.
func (w *Watcher) Poll(ctx context.Context, baselineSHA string) (*state.Commit, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/commits/%s",
		w.cfg.BaseURL, w.cfg.Owner, w.cfg.Repo, url.PathEscape(w.cfg.Branch))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build commits request: %w", err)
	}
	req.Header.Set("User-Agent", "deployr")
	req.Header.Set("Accept", "application/vnd.github+json")
	if w.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("fetch latest commit: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &TransientError{
			RetryAfter: w.capHint(retryHint(resp.Header, time.Now())),
			Err:        fmt.Errorf("commits API returned %s", resp.Status),
		}
	}

	var body commitResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("decode commits response: %w", err)}
	}
	if body.SHA == "" {
		return nil, &TransientError{Err: fmt.Errorf("commits response missing sha")}
	}

	if body.SHA == baselineSHA {
		return nil, nil
	}
	return &state.Commit{
		SHA:     body.SHA,
		Message: body.Commit.Message,
		Author:  body.Commit.Author.Name,
		Date:    body.Commit.Author.Date,
	}, nil
}

func (w *Watcher) capHint(d time.Duration) time.Duration {
	if w.cfg.MaxBackoff > 0 && d > w.cfg.MaxBackoff {
		return w.cfg.MaxBackoff
	}
	return d
}

// retryHint extracts a backoff hint from rate-limit headers:
// Retry-After in seconds, else X-RateLimit-Reset as a Unix timestamp.
func retryHint(h http.Header, now time.Time) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(epoch, 0).Sub(now); d > 0 {
				return d
			}
		}
	}
	return 0
}
