package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/deployr/internal/gitwatch"
	"github.com/loykin/deployr/internal/logger"
	"github.com/loykin/deployr/internal/pipeline"
	"github.com/loykin/deployr/internal/state"
	"github.com/loykin/deployr/internal/supervisor"
	"github.com/spf13/viper"
)

// Config is the full daemon configuration, loaded from one TOML file.
type Config struct {
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	Server  ServerConfig  `toml:"server" mapstructure:"server"`
	Repo    RepoConfig    `toml:"repo" mapstructure:"repo"`
	Build   BuildConfig   `toml:"build" mapstructure:"build"`
	Service ServiceConfig `toml:"service" mapstructure:"service"`
	Storage StorageConfig `toml:"storage" mapstructure:"storage"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
	Log     LogConfig     `toml:"log" mapstructure:"log"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Listen        string     `toml:"listen" mapstructure:"listen"`
	BasePath      string     `toml:"base_path" mapstructure:"base_path"`
	PIDFile       string     `toml:"pid_file" mapstructure:"pid_file"`
	LogFile       string     `toml:"log_file" mapstructure:"log_file"`
	TLSMinVersion string     `toml:"tls_min_version" mapstructure:"tls_min_version"`
	TLSMaxVersion string     `toml:"tls_max_version" mapstructure:"tls_max_version"`
	TLS           *TLSConfig `toml:"tls" mapstructure:"tls"`
}

// TLSConfig enables TLS on the API listener, from explicit files, from a
// directory of tls.crt/tls.key, or auto-generated into that directory.
type TLSConfig struct {
	Enabled      bool        `toml:"enabled" mapstructure:"enabled"`
	CertFile     string      `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string      `toml:"key_file" mapstructure:"key_file"`
	Dir          string      `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool        `toml:"auto_generate" mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `toml:"auto_gen" mapstructure:"auto_gen"`
}

// AutoGenTLS tunes self-signed certificate generation.
type AutoGenTLS struct {
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	Organization string   `toml:"organization" mapstructure:"organization"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

// RepoConfig identifies the watched GitHub repository and branch.
type RepoConfig struct {
	Owner         string        `toml:"owner" mapstructure:"owner"`
	Name          string        `toml:"name" mapstructure:"name"`
	Branch        string        `toml:"branch" mapstructure:"branch"`
	Token         string        `toml:"token" mapstructure:"token"`
	TokenEnv      string        `toml:"token_env" mapstructure:"token_env"`
	APIBase       string        `toml:"api_base" mapstructure:"api_base"`
	CloneURL      string        `toml:"clone_url" mapstructure:"clone_url"`
	CheckInterval time.Duration `toml:"check_interval" mapstructure:"check_interval"`
}

// BuildConfig describes the single build this daemon runs per new commit.
type BuildConfig struct {
	Workspace    string        `toml:"workspace" mapstructure:"workspace"`
	Command      string        `toml:"command" mapstructure:"command"`
	Artifact     string        `toml:"artifact" mapstructure:"artifact"`
	Timeout      time.Duration `toml:"timeout" mapstructure:"timeout"`
	Env          []string      `toml:"env" mapstructure:"env"`
	HistoryLimit int           `toml:"history_limit" mapstructure:"history_limit"`
	ExcerptBytes int           `toml:"excerpt_bytes" mapstructure:"excerpt_bytes"`
	GitBin       string        `toml:"git_bin" mapstructure:"git_bin"`
}

// ServiceConfig describes the supervised service process.
// Command may reference the staged build output as {artifact}; an empty
// command runs the artifact itself.
type ServiceConfig struct {
	Name           string        `toml:"name" mapstructure:"name"`
	Command        string        `toml:"command" mapstructure:"command"`
	WorkDir        string        `toml:"work_dir" mapstructure:"work_dir"`
	Env            []string      `toml:"env" mapstructure:"env"`
	Grace          time.Duration `toml:"grace" mapstructure:"grace"`
	RestartDelay   time.Duration `toml:"restart_delay" mapstructure:"restart_delay"`
	MaxRetries     int           `toml:"max_retries" mapstructure:"max_retries"`
	RetryWindow    time.Duration `toml:"retry_window" mapstructure:"retry_window"`
	TailBytes      int           `toml:"tail_bytes" mapstructure:"tail_bytes"`
	StopOnShutdown bool          `toml:"stop_on_shutdown" mapstructure:"stop_on_shutdown"`
	StartOnBoot    *bool         `toml:"start_on_boot" mapstructure:"start_on_boot"`
	Log            *LogConfig    `toml:"log" mapstructure:"log"`
}

// StorageConfig locates the persisted orchestrator state.
type StorageConfig struct {
	StateFile string `toml:"state_file" mapstructure:"state_file"`
}

// HistoryConfig enables deployment event sinks, one DSN per sink
// (sqlite path, postgres://, clickhouse://, opensearch://).
type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	DSNs    []string `toml:"dsns" mapstructure:"dsns"`
}

// LogConfig configures daemon logging and the rotation policy shared by
// build and service output files.
type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Color      bool   `toml:"color" mapstructure:"color"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	StdoutPath string `toml:"stdout_path" mapstructure:"stdout_path"`
	StderrPath string `toml:"stderr_path" mapstructure:"stderr_path"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// MetricsConfig exposes Prometheus metrics. An empty Listen serves them
// on the API listener under Path. SampleInterval and SampleHistory tune
// the per-process CPU and memory sampler.
type MetricsConfig struct {
	Enabled        bool          `toml:"enabled" mapstructure:"enabled"`
	Listen         string        `toml:"listen" mapstructure:"listen"`
	Path           string        `toml:"path" mapstructure:"path"`
	SampleInterval time.Duration `toml:"sample_interval" mapstructure:"sample_interval"`
	SampleHistory  int           `toml:"sample_history" mapstructure:"sample_history"`
}

// Load reads, decodes and validates the TOML file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.applyDerived()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("repo.branch", "main")
	v.SetDefault("repo.check_interval", "5m")
	v.SetDefault("repo.token_env", "GITHUB_TOKEN")
	v.SetDefault("build.workspace", "workspace")
	v.SetDefault("build.timeout", "10m")
	v.SetDefault("build.history_limit", state.DefaultHistoryLimit)
	v.SetDefault("service.grace", "5s")
	v.SetDefault("service.restart_delay", "2s")
	v.SetDefault("service.max_retries", 3)
	v.SetDefault("service.retry_window", "60s")
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("log.level", "info")
}

// applyDerived fills fields whose defaults depend on other fields.
func (c *Config) applyDerived() {
	if c.Service.Name == "" {
		c.Service.Name = c.Repo.Name
	}
	if c.Storage.StateFile == "" {
		c.Storage.StateFile = filepath.Join(c.Build.Workspace, "state.json")
	}
	if c.Service.Log == nil && c.Log.Dir != "" {
		lc := c.Log
		c.Service.Log = &lc
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Repo.Owner) == "" {
		return fmt.Errorf("repo.owner is required")
	}
	if strings.TrimSpace(c.Repo.Name) == "" {
		return fmt.Errorf("repo.name is required")
	}
	if strings.TrimSpace(c.Repo.Branch) == "" {
		return fmt.Errorf("repo.branch is required")
	}
	if c.Repo.CheckInterval <= 0 {
		return fmt.Errorf("repo.check_interval must be positive")
	}
	if strings.TrimSpace(c.Build.Command) == "" {
		return fmt.Errorf("build.command is required")
	}
	if strings.TrimSpace(c.Build.Artifact) == "" {
		return fmt.Errorf("build.artifact is required")
	}
	if c.Build.Timeout <= 0 {
		return fmt.Errorf("build.timeout must be positive")
	}
	if c.Service.MaxRetries < 0 {
		return fmt.Errorf("service.max_retries must not be negative")
	}
	if c.Service.RestartDelay < 0 {
		return fmt.Errorf("service.restart_delay must not be negative")
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		return fmt.Errorf("history.enabled requires at least one entry in history.dsns")
	}
	return nil
}

// ResolveToken returns the API token, preferring the literal value over
// the named environment variable.
func (c *Config) ResolveToken() string {
	if c.Repo.Token != "" {
		return c.Repo.Token
	}
	if c.Repo.TokenEnv != "" {
		return os.Getenv(c.Repo.TokenEnv)
	}
	return ""
}

// WatcherConfig maps the repo section onto the commit watcher.
func (c *Config) WatcherConfig() gitwatch.Config {
	return gitwatch.Config{
		Owner:      c.Repo.Owner,
		Repo:       c.Repo.Name,
		Branch:     c.Repo.Branch,
		Token:      c.ResolveToken(),
		BaseURL:    c.Repo.APIBase,
		MaxBackoff: c.Repo.CheckInterval,
	}
}

// PipelineConfig maps the build section onto the build pipeline.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		WorkspaceDir: c.Build.Workspace,
		RepoOwner:    c.Repo.Owner,
		RepoName:     c.Repo.Name,
		Branch:       c.Repo.Branch,
		CloneURL:     c.Repo.CloneURL,
		Command:      c.Build.Command,
		Artifact:     c.Build.Artifact,
		Timeout:      c.Build.Timeout,
		Env:          c.Build.Env,
		ExcerptBytes: c.Build.ExcerptBytes,
		GitBin:       c.Build.GitBin,
	}
}

// SupervisorConfig maps the service section onto the supervisor policy.
// Launcher and Notify stay nil for the caller to fill.
func (c *Config) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		RestartDelay: c.Service.RestartDelay,
		MaxRetries:   c.Service.MaxRetries,
		RetryWindow:  c.Service.RetryWindow,
		Grace:        c.Service.Grace,
	}
}

// ServiceSpec builds the spec for one deployment of the given staged
// artifact, expanding {artifact} in the configured command.
func (c *Config) ServiceSpec(artifact string) supervisor.ServiceSpec {
	cmd := strings.TrimSpace(c.Service.Command)
	if cmd == "" {
		cmd = artifact
	} else {
		cmd = strings.ReplaceAll(cmd, "{artifact}", artifact)
	}
	var lc logger.Config
	if c.Service.Log != nil {
		lc = c.Service.Log.LoggerConfig(c.Service.Name)
	}
	return supervisor.ServiceSpec{
		Name:      c.Service.Name,
		Command:   cmd,
		WorkDir:   c.Service.WorkDir,
		Env:       c.Service.Env,
		TailBytes: c.Service.TailBytes,
		Log:       lc,
	}
}

// Snapshot records the orchestration knobs into persisted state.
func (c *Config) Snapshot() state.ConfigSnapshot {
	return state.ConfigSnapshot{
		CheckInterval: c.Repo.CheckInterval,
		BuildTimeout:  c.Build.Timeout,
		RestartDelay:  c.Service.RestartDelay,
		MaxRetries:    c.Service.MaxRetries,
	}
}

// LoggerConfig converts a log section to the rotation config, isolating
// output under a per-name subdirectory when only Dir is set.
func (l *LogConfig) LoggerConfig(name string) logger.Config {
	dir := l.Dir
	if dir != "" && name != "" && l.StdoutPath == "" && l.StderrPath == "" {
		dir = filepath.Join(dir, name)
	}
	return logger.Config{
		Dir:        dir,
		StdoutPath: l.StdoutPath,
		StderrPath: l.StderrPath,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}
