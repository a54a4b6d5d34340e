// Package perf measures where an ISO rebuild spends its time.
package perf

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lernstick/dlcopy"
	"github.com/sirupsen/logrus"
)

// Timer tracks the duration of one operation.
type Timer struct {
	name      string
	startTime time.Time
	logger    logrus.FieldLogger
}

// Start begins timing an operation.
func Start(name string, logger logrus.FieldLogger) *Timer {
	return &Timer{
		name:      name,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Stop ends timing and logs the duration.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.startTime)
	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"operation":   t.name,
			"duration_ms": duration.Milliseconds(),
		}).Info("operation completed")
	}
	return duration
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	duration := time.Since(t.startTime)
	fields := logrus.Fields{
		"operation":   t.name,
		"duration_ms": duration.Milliseconds(),
	}
	if t.logger != nil {
		if duration > threshold {
			t.logger.WithFields(fields).Warn("operation exceeded threshold")
		} else {
			t.logger.WithFields(fields).Debug("operation completed")
		}
	}
	return duration
}

// RunProfile collects the stage timings of one run. It is safe for
// concurrent use; the unmount observer records from whatever goroutine
// releases a partition.
type RunProfile struct {
	mu sync.Mutex

	Stages        map[dlcopy.Stage]time.Duration
	TotalDuration time.Duration

	// Busy waits while unmounting, the usual cause of slow cleanups.
	BusyPollCount   int
	UnmountRounds   int
	UnmountFailures int
}

// NewRunProfile creates an empty profile.
func NewRunProfile() *RunProfile {
	return &RunProfile{Stages: make(map[dlcopy.Stage]time.Duration)}
}

// RecordStage adds d to the time spent in stage.
func (p *RunProfile) RecordStage(stage dlcopy.Stage, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Stages[stage] += d
}

// RecordUnmount records a finished unmount of rounds attempts.
func (p *RunProfile) RecordUnmount(rounds int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.UnmountRounds += rounds
	if !ok {
		p.UnmountFailures++
	}
}

// RecordBusyPoll records one poll for processes holding a device.
func (p *RunProfile) RecordBusyPoll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.BusyPollCount++
}

// UnmountFinished implements partition.Observer.
func (p *RunProfile) UnmountFinished(device string, rounds int, ok bool) {
	p.RecordUnmount(rounds, ok)
}

// BusyPoll implements partition.Observer.
func (p *RunProfile) BusyPoll(device string) {
	p.RecordBusyPoll()
}

// Stage returns the time spent in stage.
func (p *RunProfile) Stage(stage dlcopy.Stage) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Stages[stage]
}

// Summary returns a formatted summary of the profile. Stages are listed in
// execution order; stages that did not run are left out.
func (p *RunProfile) Summary() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b strings.Builder
	b.WriteString("\n=== ISO Build Timings ===\n")
	fmt.Fprintf(&b, "Total Duration:        %v\n\nStages:\n", p.TotalDuration)
	for s := dlcopy.StagePrepare; s < dlcopy.StageDone; s++ {
		d, ok := p.Stages[s]
		if !ok {
			continue
		}
		var share float64
		if p.TotalDuration > 0 {
			share = float64(d) / float64(p.TotalDuration) * 100
		}
		fmt.Fprintf(&b, "  %-20s %v (%.1f%%)\n", s.String()+":", d, share)
	}
	fmt.Fprintf(&b, "\nUnmount:\n  rounds:              %d\n  failures:            %d\n  busy polls:          %d\n",
		p.UnmountRounds, p.UnmountFailures, p.BusyPollCount)
	return b.String()
}

type contextKey struct{}

// WithProfile adds a profile to ctx.
func WithProfile(ctx context.Context, p *RunProfile) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// ProfileFromContext returns the profile of ctx, or nil.
func ProfileFromContext(ctx context.Context) *RunProfile {
	p, _ := ctx.Value(contextKey{}).(*RunProfile)
	return p
}
