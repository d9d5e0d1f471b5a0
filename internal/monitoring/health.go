package monitoring

import (
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/23skdu/longbow-tllama/internal/logger"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// HealthStatus represents the health status of the system
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      string          `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Engine      EngineInfo      `json:"engine"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	Threads      int    `json:"threads"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// EngineInfo describes what the server is holding.
type EngineInfo struct {
	Models         []string `json:"models"`
	ActiveSessions int      `json:"active_sessions"`
	MaxSessions    int      `json:"max_sessions"`
	ContextLength  int      `json:"context_length"`
	Overflow       string   `json:"overflow"`
}

// PerformanceInfo contains performance metrics
type PerformanceInfo struct {
	Requests        int       `json:"requests"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	ErrorRate       float64   `json:"error_rate"`
	LastInference   time.Time `json:"last_inference"`
}

// Alert represents a system alert
type Alert struct {
	Level     string    `json:"level"`     // info, warning, error, critical
	Component string    `json:"component"` // engine, session, server
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// PerfPoint is one finished generation.
type PerfPoint struct {
	Timestamp time.Time
	Tokens    int
	Duration  time.Duration
	Failed    bool
}

// EngineSource reports the live engine state on each health check.
type EngineSource func() EngineInfo

// HealthMonitor keeps a rolling window of generations and alerts.
type HealthMonitor struct {
	version   string
	threads   int
	engine    EngineSource
	startTime time.Time

	mu            sync.RWMutex
	alerts        []Alert
	lastInference time.Time
	perfHistory   []PerfPoint
	active        int
}

const (
	maxPerfPoints = 1000
	maxAlerts     = 100
)

func NewHealthMonitor(version string, threads int, engine EngineSource) *HealthMonitor {
	if engine == nil {
		engine = func() EngineInfo { return EngineInfo{} }
	}
	return &HealthMonitor{
		version:   version,
		threads:   threads,
		engine:    engine,
		startTime: time.Now(),
	}
}

// Begin marks a generation as running and returns the function that ends it.
func (hm *HealthMonitor) Begin() func(tokens int, err error) {
	start := time.Now()
	hm.mu.Lock()
	hm.active++
	hm.mu.Unlock()
	return func(tokens int, err error) {
		hm.mu.Lock()
		hm.active--
		hm.mu.Unlock()
		hm.RecordInference(tokens, time.Since(start), err != nil)
	}
}

// RecordInference records a finished generation.
func (hm *HealthMonitor) RecordInference(tokens int, duration time.Duration, failed bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	now := time.Now()
	hm.lastInference = now

	point := PerfPoint{Timestamp: now, Tokens: tokens, Duration: duration, Failed: failed}
	hm.perfHistory = append(hm.perfHistory, point)
	if len(hm.perfHistory) > maxPerfPoints {
		hm.perfHistory = hm.perfHistory[1:]
	}
	hm.checkPerformanceAlerts(point)
}

// AddAlert adds a new alert
func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlert(level, component, message)
}

func (hm *HealthMonitor) addAlert(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("health alert", "level", level, "component", component, "message", message)
}

// ClearAlerts drops every alert.
func (hm *HealthMonitor) ClearAlerts() {
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()
}

// Status computes the current health report. Errors in the window degrade
// the status; a critical alert overrides it.
func (hm *HealthMonitor) Status() HealthStatus {
	eng := hm.engine()

	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := StatusHealthy
	for _, alert := range hm.alerts {
		if alert.Level == "critical" {
			status = StatusCritical
			break
		} else if alert.Level == "error" {
			status = StatusDegraded
		}
	}
	eng.ActiveSessions = max(eng.ActiveSessions, hm.active)

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     hm.version,
		Uptime:      time.Since(hm.startTime).Round(time.Second).String(),
		System:      hm.systemInfo(),
		Engine:      eng,
		Performance: hm.performanceInfo(),
		Alerts:      slices.Clone(hm.alerts),
	}
}

func (hm *HealthMonitor) systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		Threads:      hm.threads,
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (hm *HealthMonitor) performanceInfo() PerformanceInfo {
	info := PerformanceInfo{Requests: len(hm.perfHistory), LastInference: hm.lastInference}
	if len(hm.perfHistory) == 0 {
		return info
	}

	var totalTokens, errorCount int
	var totalDuration time.Duration
	latencies := make([]float64, 0, len(hm.perfHistory))
	for _, point := range hm.perfHistory {
		if point.Failed {
			errorCount++
		}
		totalTokens += point.Tokens
		totalDuration += point.Duration
		latencies = append(latencies, float64(point.Duration.Nanoseconds())/1e6)
	}
	slices.Sort(latencies)

	p95 := min(int(float64(len(latencies))*0.95), len(latencies)-1)
	info.AvgLatencyMs = float64(totalDuration.Nanoseconds()) / float64(len(hm.perfHistory)) / 1e6
	info.P95LatencyMs = latencies[p95]
	info.ErrorRate = float64(errorCount) / float64(len(hm.perfHistory))
	if totalDuration > 0 {
		info.TokensPerSecond = float64(totalTokens) / totalDuration.Seconds()
	}
	return info
}

func (hm *HealthMonitor) checkPerformanceAlerts(point PerfPoint) {
	if point.Failed {
		hm.addAlert("warning", "session", "generation failed")
		return
	}
	if point.Tokens > 0 && point.Duration > 0 {
		if tps := float64(point.Tokens) / point.Duration.Seconds(); tps < 1.0 {
			hm.addAlert("warning", "engine", fmt.Sprintf("Low throughput: %.2f tokens/sec", tps))
		}
	}
}
