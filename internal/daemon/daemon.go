package daemon

import (
	"context"
	"sync/atomic"
	"time"
)

// Config holds daemon configuration
type Config struct {
	SweepInterval time.Duration
	MetricsPort   int
	DataDir       string
}

// Verifier is the audit surface the daemon sweeps.
type Verifier interface {
	VerifySweep(ctx context.Context) error
	AuditTip() int64
}

// Daemon runs the periodic audit chain verification sweep
type Daemon struct {
	verifier      Verifier
	interval      time.Duration
	metricsPort   int
	dataDir       string
	startTime     time.Time
	metrics       *Metrics
	sweepCount    atomic.Int64
	failureCount  atomic.Int64
	lastSweepUnix atomic.Int64
}

// New creates a new daemon instance
func New(config Config, verifier Verifier) (*Daemon, error) {
	metrics, err := NewMetrics()
	if err != nil {
		return nil, err
	}

	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Minute
	}

	return &Daemon{
		verifier:    verifier,
		interval:    config.SweepInterval,
		metricsPort: config.MetricsPort,
		dataDir:     config.DataDir,
		startTime:   time.Now(),
		metrics:     metrics,
	}, nil
}

// Start begins the daemon's verification loop. It blocks until the
// context is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.runSweep(ctx)
		}
	}
}

func (d *Daemon) runSweep(ctx context.Context) {
	start := time.Now()
	err := d.verifier.VerifySweep(ctx)

	d.sweepCount.Add(1)
	d.lastSweepUnix.Store(time.Now().Unix())

	status := "ok"
	if err != nil {
		status = "failed"
		d.failureCount.Add(1)
	}
	d.metrics.RecordSweep(ctx, status, time.Since(start).Seconds())
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status       string `json:"status"`
	Uptime       int64  `json:"uptime_seconds"`
	Sweeps       int64  `json:"sweeps"`
	Failures     int64  `json:"failures"`
	AuditTip     int64  `json:"audit_tip"`
	LastSweepAge int64  `json:"last_sweep_age_seconds"`
}

// Health returns daemon health status. The daemon is degraded as soon as
// any sweep has found an integrity violation.
func (d *Daemon) Health() HealthStatus {
	status := "healthy"
	if d.failureCount.Load() > 0 {
		status = "degraded"
	}

	var age int64
	if last := d.lastSweepUnix.Load(); last > 0 {
		age = time.Now().Unix() - last
	}

	return HealthStatus{
		Status:       status,
		Uptime:       int64(time.Since(d.startTime).Seconds()),
		Sweeps:       d.sweepCount.Load(),
		Failures:     d.failureCount.Load(),
		AuditTip:     d.verifier.AuditTip(),
		LastSweepAge: age,
	}
}

// SweepCount returns total verification sweeps run
func (d *Daemon) SweepCount() int64 {
	return d.sweepCount.Load()
}
