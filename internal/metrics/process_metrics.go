package metrics

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/procwatch/procwatch/internal/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics is one sample of a managed process's resource usage, per
// spec.md's Metrics Sampler (C4): CPU%, RSS, and (piggybacked, C11) its
// currently-listening ports. Stale is set when the most recent sampling
// attempt failed and this is the last known-good reading instead — the
// sampler never fails the command that asked for it, it just goes stale.
type ProcessMetrics struct {
	PID            int32     `json:"pid"`
	Name           string    `json:"name"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryRSS      uint64    `json:"memory_rss"`
	NumThreads     int32     `json:"num_threads"`
	NumFDs         int32     `json:"num_fds,omitempty"` // Unix only
	ListeningPorts []uint16  `json:"listening_ports,omitempty"`
	SampledAt      time.Time `json:"sampled_at"`
	Stale          bool      `json:"stale,omitempty"`
}

// ProcessMetricsConfig configures a ProcessMetricsCollector.
type ProcessMetricsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ProcessMetricsCollector samples every currently-running managed process on
// a fixed cadence and keeps only the latest reading per name — spec.md's
// Metrics Sampler has no history requirement, unlike the Audit Sink (C12),
// so there is nothing here beyond "the last thing we saw".
type ProcessMetricsCollector struct {
	enabled  bool
	interval time.Duration

	mu     sync.RWMutex
	latest map[string]ProcessMetrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
	stale      *prometheus.GaugeVec
}

// NewProcessMetricsCollector creates a collector. A zero Interval defaults
// to one second, matching spec.md's default sampling cadence.
func NewProcessMetricsCollector(config ProcessMetricsConfig) *ProcessMetricsCollector {
	interval := config.Interval
	if interval <= 0 {
		interval = time.Second
	}
	return &ProcessMetricsCollector{
		enabled:  config.Enabled,
		interval: interval,
		latest:   make(map[string]ProcessMetrics),
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "procwatch",
				Subsystem: "process",
				Name:      "cpu_percent",
				Help:      "CPU usage percentage for managed processes.",
			}, []string{"name"},
		),
		memoryRSS: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "procwatch",
				Subsystem: "process",
				Name:      "memory_rss_bytes",
				Help:      "Resident set size for managed processes.",
			}, []string{"name"},
		),
		numThreads: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "procwatch",
				Subsystem: "process",
				Name:      "num_threads",
				Help:      "Number of threads for managed processes.",
			}, []string{"name"},
		),
		numFDs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "procwatch",
				Subsystem: "process",
				Name:      "num_fds",
				Help:      "Number of file descriptors for managed processes (Unix only).",
			}, []string{"name"},
		),
		stale: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "procwatch",
				Subsystem: "process",
				Name:      "metrics_stale",
				Help:      "1 if the last sampling attempt for this process failed and the reading is stale.",
			}, []string{"name"},
		),
	}
}

// RegisterMetrics registers the sampler's gauges with r. A no-op when the
// collector is disabled.
func (c *ProcessMetricsCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryRSS, c.numThreads, c.stale}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, coll := range collectors {
		if err := r.Register(coll); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins sampling on the configured interval until ctx is cancelled or
// Stop is called. getProcesses returns the currently-running PID for every
// name the Supervisor Loop currently manages.
func (c *ProcessMetricsCollector) Start(ctx context.Context, getProcesses func() map[string]int32) error {
	if !c.enabled {
		return nil
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.sampleAll(getProcesses())
			}
		}
	}()
	return nil
}

// Stop halts sampling and waits for the sampling goroutine to exit. Safe to
// call more than once.
func (c *ProcessMetricsCollector) Stop() {
	if !c.enabled {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *ProcessMetricsCollector) sampleAll(processes map[string]int32) {
	for name, pid := range processes {
		if pid <= 0 {
			continue
		}
		m := c.sampleOne(name, pid)
		c.mu.Lock()
		c.latest[name] = m
		c.mu.Unlock()
		c.updateGauges(m)
	}
	c.cleanup(processes)
}

// sampleOne reads CPU%/RSS/threads/FDs for pid. On any failure it falls back
// to the last known-good reading for name, marked Stale, per spec.md's
// "failures mark stale, never fail the command" rule.
func (c *ProcessMetricsCollector) sampleOne(name string, pid int32) ProcessMetrics {
	now := time.Now()
	proc, err := process.NewProcess(pid)
	if err != nil {
		return c.markStale(name, pid, now)
	}
	cpuPct, cpuErr := proc.CPUPercent()
	memInfo, memErr := proc.MemoryInfo()
	if cpuErr != nil || memErr != nil || memInfo == nil {
		slog.Debug("metrics: sample failed, using stale reading", "name", name, "pid", pid, "cpu_err", cpuErr, "mem_err", memErr)
		return c.markStale(name, pid, now)
	}

	numThreads, err := proc.NumThreads()
	if err != nil {
		numThreads = 0
	}
	var numFDs int32
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			numFDs = n
		}
	}

	return ProcessMetrics{
		PID:        pid,
		Name:       name,
		CPUPercent: cpuPct,
		MemoryRSS:  memInfo.RSS,
		NumThreads: numThreads,
		NumFDs:     numFDs,
		// Port Inspector (C11) piggybacks on this same sampling tick rather
		// than polling independently; a lookup failure just means no ports
		// are reported this tick.
		ListeningPorts: ports.ListeningPorts(context.Background(), pid),
		SampledAt:      now,
	}
}

func (c *ProcessMetricsCollector) markStale(name string, pid int32, now time.Time) ProcessMetrics {
	c.mu.RLock()
	prev, ok := c.latest[name]
	c.mu.RUnlock()
	if !ok {
		return ProcessMetrics{PID: pid, Name: name, SampledAt: now, Stale: true}
	}
	prev.SampledAt = now
	prev.Stale = true
	return prev
}

func (c *ProcessMetricsCollector) updateGauges(m ProcessMetrics) {
	c.cpuPercent.WithLabelValues(m.Name).Set(m.CPUPercent)
	c.memoryRSS.WithLabelValues(m.Name).Set(float64(m.MemoryRSS))
	c.numThreads.WithLabelValues(m.Name).Set(float64(m.NumThreads))
	if runtime.GOOS != "windows" {
		c.numFDs.WithLabelValues(m.Name).Set(float64(m.NumFDs))
	}
	staleVal := 0.0
	if m.Stale {
		staleVal = 1.0
	}
	c.stale.WithLabelValues(m.Name).Set(staleVal)
}

// cleanup drops the last reading (and its gauges) for any name no longer in
// the active set, so a removed process doesn't linger in /metrics forever.
func (c *ProcessMetricsCollector) cleanup(active map[string]int32) {
	c.mu.Lock()
	var gone []string
	for name := range c.latest {
		if _, ok := active[name]; !ok {
			gone = append(gone, name)
		}
	}
	for _, name := range gone {
		delete(c.latest, name)
	}
	c.mu.Unlock()

	for _, name := range gone {
		c.cpuPercent.DeleteLabelValues(name)
		c.memoryRSS.DeleteLabelValues(name)
		c.numThreads.DeleteLabelValues(name)
		c.stale.DeleteLabelValues(name)
		if runtime.GOOS != "windows" {
			c.numFDs.DeleteLabelValues(name)
		}
	}
}

// GetMetrics returns the most recent reading for name.
func (c *ProcessMetricsCollector) GetMetrics(name string) (ProcessMetrics, bool) {
	if !c.enabled {
		return ProcessMetrics{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.latest[name]
	return m, ok
}

// GetAllMetrics returns the most recent reading for every sampled process.
func (c *ProcessMetricsCollector) GetAllMetrics() map[string]ProcessMetrics {
	out := make(map[string]ProcessMetrics)
	if !c.enabled {
		return out
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, m := range c.latest {
		out[name] = m
	}
	return out
}

// IsEnabled reports whether the collector is sampling.
func (c *ProcessMetricsCollector) IsEnabled() bool { return c.enabled }

// SetEnabled toggles sampling. Disabling does not stop an already-running
// Start loop; it only changes what GetMetrics/GetAllMetrics report.
func (c *ProcessMetricsCollector) SetEnabled(enabled bool) { c.enabled = enabled }
