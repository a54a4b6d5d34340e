package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/lernstick/dlcopy"
	"github.com/lernstick/dlcopy/executor"
	"github.com/lernstick/dlcopy/journal"
	"github.com/lernstick/dlcopy/mounter"
	"github.com/lernstick/dlcopy/safeguards"
)

var (
	// GC command flags (gcCmd is declared in main.go)
	gcDryRun     *bool
	gcForce      *bool
	gcVerbose    *bool
	gcIgnoreLock *bool
)

func init() {
	gcDryRun = gcCmd.Bool("dry-run", false, "Show what would be released without changing anything")
	gcForce = gcCmd.Bool("force", false, "Actually release leftovers (required for non-dry-run)")
	gcVerbose = gcCmd.Bool("verbose", false, "Enable verbose logging")
	gcIgnoreLock = gcCmd.Bool("ignore-lock", false, "Do not take the lock file (DANGEROUS while a build runs)")
}

// staleMounts releases mount points of crashed runs.
type staleMounts interface {
	UnmountPath(ctx context.Context, path string) error
	ReleaseUnder(ctx context.Context, dir string) (int, error)
}

// abandoner marks unfinished builds in the history.
type abandoner interface {
	MarkAbandoned(ctx context.Context, runID string) (bool, error)
}

// gcDependencies are the collaborators of garbageCollectRuns.
type gcDependencies struct {
	Journal *journal.Store
	Mounts  staleMounts
	Fs      afero.Fs
	// History is optional.
	History abandoner
	Logger  logrus.FieldLogger
}

// runGC releases the resources of runs that never finished.
func runGC(cfg Config) error {
	if !*gcDryRun && !*gcForce {
		return fmt.Errorf("must specify either --dry-run or --force")
	}
	if *gcDryRun && *gcForce {
		return fmt.Errorf("cannot specify both --dry-run and --force")
	}
	if *gcVerbose {
		cfg.Log.Level = "debug"
	}
	if err := setupLogger(cfg.Log); err != nil {
		return err
	}

	logger := log.WithField("command", "gc")
	if *gcDryRun {
		logger.Info("running in dry run mode, no changes will be made")
	} else {
		logger.Warn("running in force mode, leftovers will be unmounted and removed")
	}

	// A build in progress owns its journal entry; releasing its mounts
	// would pull the tree out from under it.
	if !*gcIgnoreLock {
		lock, err := safeguards.AcquireLock(cfg.LockFile)
		if err != nil {
			return err
		}
		defer lock.Release()
	} else {
		logger.Warn("--ignore-lock specified, proceeding without the lock file")
	}

	store, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer store.Close()

	deps := gcDependencies{Journal: store, Fs: afero.NewOsFs(), Logger: logger}

	exec := executor.New()
	exec.SetLogger(log)
	m := mounter.New(exec)
	m.SetLogger(log)
	deps.Mounts = m

	db, err := openDatabase(cfg)
	if err != nil {
		logger.WithError(err).Warn("build history unavailable, builds will not be marked abandoned")
	} else {
		defer db.Close()
		deps.History = db
	}

	result, err := garbageCollectRuns(context.Background(), deps, *gcDryRun)
	if err != nil {
		return fmt.Errorf("garbage collection failed: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"runs":      result.Runs,
		"resources": len(result.Leftovers),
		"released":  result.ReleasedCount,
		"failed":    result.FailedCount,
		"finished":  result.FinishedRuns,
	}).Info("garbage collection summary")
	for _, l := range result.Leftovers {
		state := "leftover"
		switch {
		case l.Released:
			state = "released"
		case l.Failed:
			state = "failed"
		}
		fmt.Printf("%-9s %-30s %-6s %s\n", state, l.RunID, l.Resource.Kind, l.Resource.Path)
	}

	if *gcDryRun {
		logger.Info("dry run complete, run with --force to release the leftovers")
	}
	if result.FailedCount > 0 {
		return fmt.Errorf("%d resource(s) could not be released", result.FailedCount)
	}
	return nil
}

// GCResult contains the results of a garbage collection run.
type GCResult struct {
	Runs          int
	ReleasedCount int
	FailedCount   int
	// FinishedRuns were removed from the journal.
	FinishedRuns int
	Leftovers    []Leftover
}

// Leftover is one journaled resource of an unfinished run.
type Leftover struct {
	RunID    string
	Resource dlcopy.Resource
	Released bool
	Failed   bool
	Error    string
}

// garbageCollectRuns releases the journaled resources of every run, mounts
// before directories and deepest first. A run whose resources are all
// released leaves the journal and is marked abandoned in the history.
func garbageCollectRuns(ctx context.Context, deps gcDependencies, dryRun bool) (*GCResult, error) {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	runs, err := deps.Journal.Runs()
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	result := &GCResult{Runs: len(runs), Leftovers: []Leftover{}}
	if len(runs) == 0 {
		logger.Info("no unfinished runs journaled")
		return result, nil
	}

	for _, run := range runs {
		runLogger := logger.WithFields(logrus.Fields{
			"run_id":     run.RunID,
			"pid":        run.PID,
			"started_at": run.StartedAt,
		})
		resources, err := deps.Journal.Resources(run.RunID)
		if err != nil {
			runLogger.WithError(err).Warn("failed to read run resources")
			continue
		}
		runLogger.WithField("resources", len(resources)).Warn("found unfinished run")

		failed := false
		for _, r := range resources {
			leftover := Leftover{RunID: run.RunID, Resource: r}
			if !dryRun {
				if err := releaseResource(ctx, deps, r); err != nil {
					runLogger.WithError(err).WithField("path", r.Path).Error("failed to release resource")
					leftover.Failed = true
					leftover.Error = err.Error()
					result.FailedCount++
					failed = true
				} else {
					leftover.Released = true
					result.ReleasedCount++
					if err := deps.Journal.Release(run.RunID, r); err != nil {
						runLogger.WithError(err).Warn("failed to remove resource from journal")
					}
				}
			}
			result.Leftovers = append(result.Leftovers, leftover)
		}

		if dryRun || failed {
			continue
		}
		if err := deps.Journal.FinishRun(run.RunID); err != nil {
			runLogger.WithError(err).Warn("failed to remove run from journal")
			continue
		}
		result.FinishedRuns++
		if deps.History != nil {
			if _, err := deps.History.MarkAbandoned(ctx, run.RunID); err != nil {
				runLogger.WithError(err).Warn("failed to mark build abandoned")
			}
		}
	}
	return result, nil
}

// releaseResource unmounts a mount point, or removes a directory after
// releasing any mounts below it. Resources that are already gone count as
// released.
func releaseResource(ctx context.Context, deps gcDependencies, r dlcopy.Resource) error {
	switch r.Kind {
	case dlcopy.ResourceMount:
		return deps.Mounts.UnmountPath(ctx, r.Path)
	case dlcopy.ResourceDir:
		exists, err := afero.DirExists(deps.Fs, r.Path)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
		if _, err := deps.Mounts.ReleaseUnder(ctx, r.Path); err != nil {
			return err
		}
		return deps.Fs.RemoveAll(r.Path)
	default:
		return errors.New("unknown resource kind " + string(r.Kind))
	}
}
