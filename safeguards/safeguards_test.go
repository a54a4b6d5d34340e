package safeguards

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// TestGuardSerializesDevice checks that two operations on one device never
// overlap even when slots are free.
func TestGuardSerializesDevice(t *testing.T) {
	g := NewOperationGuard(GuardConfig{MaxConcurrent: 4, Logger: quietLogger()})
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.WithOperation(context.Background(), "sdb1", func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.Zero(t, g.ActiveOperations())
}

func TestGuardHealthCheck(t *testing.T) {
	g := NewOperationGuard(GuardConfig{
		Logger:          quietLogger(),
		HealthCheckFunc: func(context.Context) error { return errors.New("low memory") },
	})
	err := g.WithOperation(context.Background(), "sdb1", func() error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "low memory")
	assert.Zero(t, g.ActiveOperations())
}

func TestGuardCancelled(t *testing.T) {
	g := NewOperationGuard(GuardConfig{Logger: quietLogger()})
	require.NoError(t, g.Acquire(context.Background(), "sda1"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, g.Acquire(ctx, "sdb1"))
	g.Release("sda1")
}

func TestRecoverableOperation(t *testing.T) {
	err := RecoverableOperation(quietLogger(), "create", func() error { panic("boom") })
	require.Error(t, err)
	assert.True(t, IsPanicError(err))
	assert.Contains(t, err.Error(), "boom")

	assert.NoError(t, RecoverableOperation(quietLogger(), "create", func() error { return nil }))
}

// TestPreflight checks that every failed check is reported.
func TestPreflight(t *testing.T) {
	p := NewPreflight(quietLogger())
	p.LookPath = func(name string) (string, error) {
		if name == "xorriso" {
			return "", errors.New("not found")
		}
		return "/usr/bin/" + name, nil
	}
	p.FreeBytes = func(string) (uint64, error) { return 1 << 20, nil }
	p.Geteuid = func() int { return 1000 }

	err := p.CheckAll(context.Background(), PreflightOptions{
		Tools:        BuildTools,
		TmpDir:       "/tmp",
		MinFreeBytes: 1 << 30,
		RequireRoot:  true,
	})
	require.Error(t, err)
	assert.True(t, IsPreflightError(err))
	assert.Contains(t, err.Error(), "xorriso not found")
	assert.Contains(t, err.Error(), "root privileges")
	assert.Contains(t, err.Error(), "bytes free")

	p.Geteuid = func() int { return 0 }
	assert.NoError(t, p.CheckAll(context.Background(), PreflightOptions{Tools: []string{"cpio"}, TmpDir: "/tmp", MinFreeBytes: 1024, RequireRoot: true}))
}

// TestLock checks exclusion and stale lock replacement.
func TestLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "dlcopy.lock")
	lock, err := AcquireLock(path)
	require.NoError(t, err)

	_, err = AcquireLock(path)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, lock.Release())
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o644))
	lock, err = AcquireLock(path)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())
}
