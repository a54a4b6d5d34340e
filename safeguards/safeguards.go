// Package safeguards keeps an ISO rebuild from harming the running system.
//
// A rebuild mounts partitions and loop devices and fills the temporary
// directory with gigabytes of data. Preflight checks the host before it
// starts and Lock keeps a second rebuild from running next to it. While it
// runs, an Inhibitor holds off suspend.
//
// OperationGuard bounds how many partitions are mounted at once while the
// partition list is classified.
package safeguards

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// OperationGuard bounds the number of concurrent mount operations and keeps
// two operations from working on the same device at once.
type OperationGuard struct {
	mu              sync.Mutex
	cond            *sync.Cond
	semaphore       chan struct{}
	active          map[string]int
	logger          logrus.FieldLogger
	healthCheckFunc func(context.Context) error
}

// GuardConfig configures the operation guard.
type GuardConfig struct {
	// MaxConcurrent is the maximum number of concurrent operations (default: 1)
	MaxConcurrent int
	Logger        logrus.FieldLogger
	// HealthCheckFunc runs before each operation; an error aborts it.
	HealthCheckFunc func(context.Context) error
}

// NewOperationGuard creates a new operation guard.
func NewOperationGuard(cfg GuardConfig) *OperationGuard {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	g := &OperationGuard{
		semaphore:       make(chan struct{}, cfg.MaxConcurrent),
		active:          make(map[string]int),
		logger:          cfg.Logger.WithField("component", "operation-guard"),
		healthCheckFunc: cfg.HealthCheckFunc,
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Acquire waits for a free slot and for device to be idle. The health
// check, if any, runs once the slot is held.
func (g *OperationGuard) Acquire(ctx context.Context, device string) error {
	logger := g.logger.WithField("device", device)
	logger.Debug("acquiring operation slot")

	select {
	case g.semaphore <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for operation slot: %w", ctx.Err())
	}

	g.mu.Lock()
	for g.active[device] > 0 {
		g.cond.Wait()
	}
	g.active[device]++
	activeOps := len(g.active)
	g.mu.Unlock()

	logger.WithField("active_ops", activeOps).Debug("acquired operation slot")

	if g.healthCheckFunc != nil {
		if err := g.healthCheckFunc(ctx); err != nil {
			g.Release(device)
			return fmt.Errorf("health check failed before operation on %s: %w", device, err)
		}
	}
	return nil
}

// Release frees the slot held for device.
func (g *OperationGuard) Release(device string) {
	g.mu.Lock()
	if g.active[device] <= 1 {
		delete(g.active, device)
	} else {
		g.active[device]--
	}
	activeOps := len(g.active)
	g.cond.Broadcast()
	g.mu.Unlock()

	<-g.semaphore

	g.logger.WithFields(logrus.Fields{
		"device":     device,
		"active_ops": activeOps,
	}).Debug("released operation slot")
}

// ActiveOperations returns the number of devices being worked on.
func (g *OperationGuard) ActiveOperations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// WithOperation runs fn while holding a slot for device.
func (g *OperationGuard) WithOperation(ctx context.Context, device string, fn func() error) error {
	if err := g.Acquire(ctx, device); err != nil {
		return err
	}
	defer g.Release(device)
	return fn()
}

// PanicError is returned by RecoverableOperation when fn panicked.
type PanicError struct {
	Operation string
	Value     interface{}
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in operation %s: %v", e.Operation, e.Value)
}

// IsPanicError reports whether err wraps a PanicError.
func IsPanicError(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}

// RecoverableOperation runs fn and turns a panic into a *PanicError.
func RecoverableOperation(logger logrus.FieldLogger, opName string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.WithFields(logrus.Fields{
				"operation": opName,
				"panic":     r,
				"stack":     string(stack),
			}).Error("recovered from panic in operation")
			err = &PanicError{Operation: opName, Value: r, Stack: stack}
		}
	}()
	return fn()
}
