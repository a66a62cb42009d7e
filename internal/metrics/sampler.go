package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample holds CPU and memory metrics for the supervised service process.
type Sample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// SamplerConfig holds configuration for service metrics collection.
type SamplerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	History  int           `mapstructure:"history"`
}

// Source reports the supervised process to sample. A pid <= 0 means the
// service is not running.
type Source func() (name string, pid int)

// Sampler periodically collects CPU and memory usage of the service
// process and exposes it as gauges plus a bounded in-memory history.
type Sampler struct {
	enabled  bool
	interval time.Duration
	source   Source

	mu       sync.RWMutex
	ring     []Sample
	startIdx int
	count    int
	lastName string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewSampler creates a sampler reading PIDs from source.
func NewSampler(cfg SamplerConfig, source Source) *Sampler {
	interval := cfg.Interval
	if interval == 0 {
		interval = 5 * time.Second
	}
	history := cfg.History
	if history == 0 {
		history = 100
	}
	return &Sampler{
		enabled:  cfg.Enabled,
		interval: interval,
		source:   source,
		ring:     make([]Sample, history),
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "deployr",
				Subsystem: "service",
				Name:      "cpu_percent",
				Help:      "CPU usage percentage of the service process.",
			}, []string{"name"},
		),
		memoryMB: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "deployr",
				Subsystem: "service",
				Name:      "memory_mb",
				Help:      "Memory usage in MB of the service process.",
			}, []string{"name"},
		),
		numThreads: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "deployr",
				Subsystem: "service",
				Name:      "num_threads",
				Help:      "Number of threads of the service process.",
			}, []string{"name"},
		),
		numFDs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "deployr",
				Subsystem: "service",
				Name:      "num_fds",
				Help:      "Number of file descriptors of the service process (Unix only).",
			}, []string{"name"},
		),
	}
}

// RegisterMetrics registers the sampler gauges with the provided registerer.
func (s *Sampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	collectors := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, s.numFDs)
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic collection until ctx is cancelled or Stop is called.
func (s *Sampler) Start(ctx context.Context) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.collect()
			}
		}
	}()
}

// Stop stops the collection loop.
func (s *Sampler) Stop() {
	if !s.enabled {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sampler) collect() {
	name, pid := s.source()
	if pid <= 0 {
		s.clearGauges()
		return
	}

	sample, err := snapshotProcess(int32(pid))
	if err != nil {
		slog.Debug("Failed to collect service metrics", "name", name, "pid", pid, "error", err)
		s.clearGauges()
		return
	}

	s.cpuPercent.WithLabelValues(name).Set(sample.CPUPercent)
	s.memoryMB.WithLabelValues(name).Set(sample.MemoryMB)
	s.numThreads.WithLabelValues(name).Set(float64(sample.NumThreads))
	if runtime.GOOS != "windows" && sample.NumFDs > 0 {
		s.numFDs.WithLabelValues(name).Set(float64(sample.NumFDs))
	}

	s.mu.Lock()
	s.lastName = name
	s.push(*sample)
	s.mu.Unlock()
}

// clearGauges drops the label set of the last sampled process so a stopped
// service does not keep stale readings visible.
func (s *Sampler) clearGauges() {
	s.mu.Lock()
	name := s.lastName
	s.lastName = ""
	s.mu.Unlock()
	if name == "" {
		return
	}
	s.cpuPercent.DeleteLabelValues(name)
	s.memoryMB.DeleteLabelValues(name)
	s.numThreads.DeleteLabelValues(name)
	s.numFDs.DeleteLabelValues(name)
}

// push appends to the circular buffer. Caller holds s.mu.
func (s *Sampler) push(sample Sample) {
	if s.count < len(s.ring) {
		s.ring[(s.startIdx+s.count)%len(s.ring)] = sample
		s.count++
		return
	}
	s.ring[s.startIdx] = sample
	s.startIdx = (s.startIdx + 1) % len(s.ring)
}

// History returns the recorded samples, oldest first.
func (s *Sampler) History() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sample, 0, s.count)
	for i := 0; i < s.count; i++ {
		out = append(out, s.ring[(s.startIdx+i)%len(s.ring)])
	}
	return out
}

// Latest returns the most recent sample, if any.
func (s *Sampler) Latest() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return Sample{}, false
	}
	return s.ring[(s.startIdx+s.count-1)%len(s.ring)], true
}

// snapshotProcess reads one metrics sample for pid.
func snapshotProcess(pid int32) (*Sample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}

	// CPU percentage needs a previous call for an accurate delta; the first
	// reading after a deploy reports 0.
	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		cpuPercent = 0
	}

	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to get memory info: %w", err)
	}

	numThreads, err := proc.NumThreads()
	if err != nil {
		numThreads = 0
	}

	sample := &Sample{
		PID:        pid,
		CPUPercent: cpuPercent,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		MemoryVMS:  memInfo.VMS,
		NumThreads: numThreads,
		Timestamp:  time.Now().UTC(),
	}

	if runtime.GOOS != "windows" {
		if numFDs, err := proc.NumFDs(); err == nil {
			sample.NumFDs = numFDs
		}
	}

	return sample, nil
}
