// Package pipeline rebuilds a live system ISO from the running system.
//
// A run is a strict sequence of stages (see dlcopy.Stage), each working on
// the filesystem state the previous one left behind:
//
//	Prepare -> CopyBoot -> MountLayers -> CompressFilesystem ->
//	DataPartitionMode -> RelocateBootloader -> Checksums -> CreateImage ->
//	Upload
//
// MountLayers and CompressFilesystem are skipped for boot-only media, and
// Upload runs only when requested and an uploader is configured. The union
// view composed in MountLayers is torn down right after compression,
// whatever its outcome, and again on every exit path if that teardown did
// not happen.
//
// # Usage Example
//
//	p := pipeline.New(pipeline.Dependencies{
//		Fs:         afero.NewOsFs(),
//		Source:     running,
//		Copier:     bootcopy.New(fs, exec),
//		Composer:   union.New(fs, mounts),
//		Compressor: squashfs.New(exec, fs),
//		Author:     xorriso.New(exec),
//		Logger:     logger,
//	})
//
//	job := p.Start(ctx, pipeline.DefaultRequest())
//	for ev := range job.Events() {
//		fmt.Println(ev.Message, ev.Percent)
//	}
//	result := job.Wait()
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lernstick/dlcopy"
	"github.com/lernstick/dlcopy/bootcopy"
	"github.com/lernstick/dlcopy/database"
	"github.com/lernstick/dlcopy/journal"
	"github.com/lernstick/dlcopy/metrics"
	"github.com/lernstick/dlcopy/perf"
	"github.com/lernstick/dlcopy/s3"
	"github.com/lernstick/dlcopy/safeguards"
	"github.com/lernstick/dlcopy/source"
	"github.com/lernstick/dlcopy/squashfs"
	"github.com/lernstick/dlcopy/union"
	"github.com/lernstick/dlcopy/xorriso"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/lernstick/dlcopy/pipeline"

// InhibitReason is shown by logind while a run blocks shutdown.
const InhibitReason = "Creating ISO"

// ErrNoDataPartition is returned when a full rebuild is requested on a
// system without persistence partition.
var ErrNoDataPartition = errors.New("no data partition found")

// Uploader sends finished images to object storage.
type Uploader interface {
	UploadISO(ctx context.Context, localPath, key string) (*s3.UploadResult, error)
	SetProgressFunc(fn s3.ProgressFunc)
}

// History records builds.
type History interface {
	StartBuild(ctx context.Context, b *database.Build) error
	FinishBuild(ctx context.Context, runID, status, errMsg string, isoSize int64) error
	SetUploadKey(ctx context.Context, runID, key string) error
}

// InhibitFunc takes a shutdown inhibitor.
type InhibitFunc func(who, why string, logger logrus.FieldLogger) (*safeguards.Inhibitor, error)

// Dependencies holds the collaborators of the pipeline. Everything below
// Author is optional.
type Dependencies struct {
	Fs         afero.Fs
	Source     source.SystemSource
	Copier     *bootcopy.Copier
	Composer   *union.Composer
	Compressor *squashfs.Compressor
	Author     *xorriso.Author

	Uploader Uploader
	History  History
	Journal  *journal.Store
	Metrics  *metrics.Collector
	// Profile collects timings. A fresh profile is used when nil.
	Profile *perf.RunProfile
	// Guard serializes work on the partitions a run mounts.
	Guard   *safeguards.OperationGuard
	Inhibit InhibitFunc
	Logger  *logrus.Logger
}

// Pipeline runs rebuilds.
type Pipeline struct {
	deps   Dependencies
	tracer trace.Tracer
}

// New creates a pipeline.
func New(deps Dependencies) *Pipeline {
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	return &Pipeline{deps: deps, tracer: otel.GetTracerProvider().Tracer(tracerName)}
}

// Job is a run executing in the background.
type Job struct {
	RunID  string
	events chan dlcopy.ProgressEvent
	done   chan struct{}
	result *dlcopy.Result
}

// Events returns the progress of the run. The channel is closed when the
// run has finished. The pipeline blocks while nobody receives, so callers
// must drain it.
func (j *Job) Events() <-chan dlcopy.ProgressEvent {
	return j.events
}

// Wait blocks until the run has finished and returns its result.
func (j *Job) Wait() *dlcopy.Result {
	<-j.done
	return j.result
}

// Start runs req in a new goroutine.
func (p *Pipeline) Start(ctx context.Context, req Request) *Job {
	job := &Job{
		RunID:  dlcopy.NewRunID(),
		events: make(chan dlcopy.ProgressEvent, 16),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(job.done)
		defer close(job.events)
		job.result = p.Run(ctx, job.RunID, req, job.events)
	}()
	return job
}

// Run executes req synchronously, sending progress on events, and returns
// the terminal result. Run never panics; a panicking stage fails the run
// after cleanup.
func (p *Pipeline) Run(ctx context.Context, runID string, req Request, events chan<- dlcopy.ProgressEvent) *dlcopy.Result {
	if runID == "" {
		runID = dlcopy.NewRunID()
	}
	state := newRunState(runID, req)
	logger := p.deps.Logger.WithField("run_id", runID)
	profile := p.deps.Profile
	if profile == nil {
		profile = perf.NewRunProfile()
	}
	ctx = perf.WithProfile(ctx, profile)

	ctx, span := p.tracer.Start(ctx, "dlcopy.create_iso", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Bool("boot_only", req.OnlyBootMedium),
		attribute.String("data_mode", req.DataPartitionMode.String()),
	))
	defer span.End()
	if sc := span.SpanContext(); sc.HasTraceID() {
		state.TraceID = sc.TraceID().String()
	}

	if p.deps.Inhibit != nil {
		inhibitor, err := p.deps.Inhibit("dlcopy-iso", InhibitReason, logger)
		if err != nil {
			logger.WithError(err).Warn("could not inhibit shutdown")
		}
		defer inhibitor.Release()
	}

	p.begin(ctx, state, logger)
	err := safeguards.RecoverableOperation(logger, "create-iso", func() error {
		return p.run(ctx, state, events)
	})
	profile.TotalDuration = time.Since(state.Started)

	result := &dlcopy.Result{
		RunID:     runID,
		Success:   err == nil,
		Stage:     state.Stage,
		Err:       err,
		Duration:  profile.TotalDuration,
		UploadKey: state.UploadKey,
	}
	if err == nil {
		result.ISOPath = state.ISOPath
		result.Stage = dlcopy.StageDone
		span.SetStatus(codes.Ok, "")
	} else {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	p.finish(ctx, state, result, logger)

	logger.WithFields(logrus.Fields{
		"success":     result.Success,
		"iso_path":    result.ISOPath,
		"stage":       result.Stage.String(),
		"duration_ms": result.Duration.Milliseconds(),
	}).Info("iso creation finished")
	logger.Debug("run profile:" + profile.Summary())
	return result
}

// begin records the run in the journal and the build history. Neither is
// required for a run to succeed.
func (p *Pipeline) begin(ctx context.Context, state *RunState, logger logrus.FieldLogger) {
	if p.deps.Journal != nil {
		err := p.deps.Journal.BeginRun(journal.Run{
			RunID:     state.RunID,
			PID:       os.Getpid(),
			StartedAt: state.Started,
			TmpDir:    state.Request.TmpDirectory,
		})
		if err != nil {
			logger.WithError(err).Warn("failed to journal run")
		}
	}
	if p.deps.History != nil {
		err := p.deps.History.StartBuild(ctx, &database.Build{
			RunID:     state.RunID,
			Label:     state.Request.ISOLabel,
			DataMode:  state.Request.DataPartitionMode.String(),
			BootOnly:  state.Request.OnlyBootMedium,
			TraceID:   state.TraceID,
			StartedAt: state.Started,
		})
		if err != nil {
			logger.WithError(err).Warn("failed to record build")
		}
	}
}

func (p *Pipeline) finish(ctx context.Context, state *RunState, result *dlcopy.Result, logger logrus.FieldLogger) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.BuildFinished(result.Success, state.ISOSize)
	}
	if p.deps.History != nil {
		status := database.BuildStatusSucceeded
		if !result.Success {
			status = database.BuildStatusFailed
		}
		if err := p.deps.History.FinishBuild(ctx, state.RunID, status, result.Error(), state.ISOSize); err != nil {
			logger.WithError(err).Warn("failed to record build result")
		}
	}
	if p.deps.Journal == nil {
		return
	}
	if left := state.Resources(); len(left) > 0 {
		logger.WithField("resources", len(left)).Warn("run left resources behind; keeping journal entry for gc")
		return
	}
	if err := p.deps.Journal.FinishRun(state.RunID); err != nil {
		logger.WithError(err).Warn("failed to close journal entry")
	}
}

// run executes the stages. Teardown runs on every exit path, including a
// panic unwinding through it.
func (p *Pipeline) run(ctx context.Context, state *RunState, events chan<- dlcopy.ProgressEvent) error {
	if err := state.Request.Validate(); err != nil {
		return err
	}
	succeeded := false
	defer func() {
		if cerr := p.teardown(ctx, state); cerr != nil {
			p.deps.Logger.WithError(cerr).WithField("run_id", state.RunID).Error("teardown incomplete")
		}
		p.settleRoot(state, succeeded)
	}()

	steps := []struct {
		stage dlcopy.Stage
		fn    stageFunc
		skip  bool
	}{
		{dlcopy.StagePrepare, prepare(&p.deps), false},
		{dlcopy.StageCopyBoot, copyBoot(&p.deps), false},
		{dlcopy.StageMountLayers, mountLayers(&p.deps), state.Request.OnlyBootMedium},
		{dlcopy.StageCompressFilesystem, compressFilesystem(&p.deps), state.Request.OnlyBootMedium},
		{dlcopy.StageDataPartitionMode, dataPartitionMode(&p.deps), false},
		{dlcopy.StageRelocateBootloader, relocateBootloader(&p.deps), false},
		{dlcopy.StageChecksums, checksums(&p.deps), false},
		{dlcopy.StageCreateImage, createImage(&p.deps), false},
		{dlcopy.StageUpload, upload(&p.deps), !state.Request.Upload || p.deps.Uploader == nil},
	}
	for _, step := range steps {
		if step.skip {
			continue
		}
		if err := p.runStage(ctx, state, step.stage, step.fn, events); err != nil {
			return err
		}
	}
	succeeded = true
	return nil
}

// stageFunc is one step of a run.
type stageFunc func(ctx context.Context, state *RunState, events chan<- dlcopy.ProgressEvent) error

func (p *Pipeline) runStage(ctx context.Context, state *RunState, stage dlcopy.Stage, fn stageFunc, events chan<- dlcopy.ProgressEvent) error {
	state.Stage = stage
	label := metrics.StageLabel(stage)
	logger := p.deps.Logger.WithFields(logrus.Fields{
		"run_id": state.RunID,
		"stage":  label,
	})
	ctx, span := p.tracer.Start(ctx, "dlcopy."+label)
	defer span.End()

	timer := perf.Start(label, logger)
	err := fn(ctx, state, events)
	d := timer.Stop()
	perf.ProfileFromContext(ctx).RecordStage(stage, d)
	if p.deps.Metrics != nil {
		p.deps.Metrics.ObserveStage(stage, d)
	}

	// The union is released once compression is over, successful or not.
	if stage == dlcopy.StageCompressFilesystem {
		if cerr := p.releaseView(ctx, state); cerr != nil {
			logger.WithError(cerr).Error("union cleanup incomplete")
			if err == nil {
				err = cerr
			}
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WithError(err).Error("stage failed")
		return fmt.Errorf("%s: %w", stage, err)
	}
	return nil
}

// releaseView tears the union view down, timing it as the cleanup stage.
func (p *Pipeline) releaseView(ctx context.Context, state *RunState) error {
	if state.view == nil {
		return nil
	}
	start := time.Now()
	err := state.view.Cleanup(ctx)
	state.view = nil
	d := time.Since(start)
	perf.ProfileFromContext(ctx).RecordStage(dlcopy.StageCleanup, d)
	if p.deps.Metrics != nil {
		p.deps.Metrics.ObserveStage(dlcopy.StageCleanup, d)
	}
	if p.deps.Guard != nil {
		if data := p.deps.Source.DataPartition(); data != nil {
			p.deps.Guard.Release(data.Device())
		}
	}
	return err
}

// teardown releases whatever the stages still hold.
func (p *Pipeline) teardown(ctx context.Context, state *RunState) error {
	return p.releaseView(ctx, state)
}

// settleRoot decides what stays of the run root. A successful run keeps it
// since it holds the image; a failed one removes it unless asked not to.
// The root leaves the journal only once it is settled.
func (p *Pipeline) settleRoot(state *RunState, success bool) {
	if state.RootDir == "" {
		return
	}
	logger := p.deps.Logger.WithFields(logrus.Fields{
		"run_id": state.RunID,
		"path":   state.RootDir,
	})
	root := dlcopy.Resource{Kind: dlcopy.ResourceDir, Path: state.RootDir}
	switch {
	case success:
		if state.Request.RemoveBuildTree {
			if err := p.deps.Fs.RemoveAll(state.BuildDir); err != nil {
				logger.WithError(err).Warn("failed to remove build tree")
			}
		}
	case state.Request.KeepFailedTree:
		logger.Info("keeping run directory of failed run")
	default:
		if err := p.deps.Fs.RemoveAll(state.RootDir); err != nil {
			logger.WithError(err).Warn("failed to remove run directory")
			return
		}
		logger.Debug("removed run directory")
	}
	newTracker(&p.deps, state).Release(root)
}

func newTracker(deps *Dependencies, state *RunState) *stateTracker {
	t := &stateTracker{state: state}
	if deps.Journal != nil {
		t.next = deps.Journal.ForRun(state.RunID, deps.Logger)
	}
	return t
}

func isoPath(root string) string {
	return filepath.Join(root, ISOName)
}
