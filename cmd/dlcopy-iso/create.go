package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/lernstick/dlcopy"
	"github.com/lernstick/dlcopy/bootcopy"
	"github.com/lernstick/dlcopy/database"
	"github.com/lernstick/dlcopy/executor"
	"github.com/lernstick/dlcopy/inventory"
	"github.com/lernstick/dlcopy/journal"
	"github.com/lernstick/dlcopy/metrics"
	"github.com/lernstick/dlcopy/mounter"
	"github.com/lernstick/dlcopy/partition"
	"github.com/lernstick/dlcopy/perf"
	"github.com/lernstick/dlcopy/pipeline"
	"github.com/lernstick/dlcopy/s3"
	"github.com/lernstick/dlcopy/safeguards"
	"github.com/lernstick/dlcopy/source"
	"github.com/lernstick/dlcopy/squashfs"
	"github.com/lernstick/dlcopy/tui"
	"github.com/lernstick/dlcopy/union"
	"github.com/lernstick/dlcopy/xorriso"
)

// Exit codes of the create command.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

// Dependencies holds the long-lived collaborators of one invocation.
type Dependencies struct {
	Exec      *executor.Local
	Mounter   *mounter.Client
	Transport partition.Transport
	Inventory *inventory.Inventory
	Metrics   *metrics.Collector
	Profile   *perf.RunProfile

	// Set up by initializeBuildDependencies only.
	Source   *source.Running
	Journal  *journal.Store
	DB       *database.DB
	Guard    *safeguards.OperationGuard
	Uploader *s3.Client
}

// Close releases the stores.
func (d *Dependencies) Close() {
	if d.Journal != nil {
		if err := d.Journal.Close(); err != nil {
			log.WithError(err).Warn("failed to close journal")
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			log.WithError(err).Warn("failed to close database")
		}
	}
}

// initializeDependencies sets up the mount transport and loads the
// partition inventory.
func initializeDependencies(ctx context.Context, cfg Config) (*Dependencies, error) {
	deps := &Dependencies{
		Exec:    executor.New(),
		Metrics: metrics.New(),
		Profile: perf.NewRunProfile(),
	}
	deps.Exec.SetLogger(log)
	deps.Mounter = mounter.New(deps.Exec)
	deps.Mounter.SetLogger(log)

	switch cfg.Transport {
	case TransportUDisks:
		udisks, err := mounter.NewUDisks()
		if err != nil {
			return nil, err
		}
		udisks.SetLogger(log)
		deps.Transport = udisks
	default:
		deps.Transport = deps.Mounter
	}

	loader := &inventory.Loader{
		Executor: deps.Exec,
		Options:  cfg.PartitionOptions(),
		Deps: partition.Dependencies{
			Transport: deps.Transport,
			Executor:  deps.Exec,
			Logger:    log,
			Observer:  partition.Observers{deps.Metrics, deps.Profile},
		},
		Logger: log,
	}
	inv, err := loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load partitions: %w", err)
	}
	deps.Inventory = inv
	return deps, nil
}

// initializeBuildDependencies adds what a build needs on top of
// initializeDependencies.
func initializeBuildDependencies(ctx context.Context, cfg Config, upload bool) (*Dependencies, error) {
	deps, err := initializeDependencies(ctx, cfg)
	if err != nil {
		return nil, err
	}

	detector := &source.Detector{Inventory: deps.Inventory}
	running, err := detector.Detect(ctx)
	if err != nil {
		return nil, err
	}
	deps.Source = running
	log.WithFields(logrus.Fields{
		"live_version":   running.Version.Name,
		"system_path":    running.SystemPath(),
		"data_partition": partitionName(running.DataPartition()),
		"efi_partition":  partitionName(running.EFIPartition()),
	}).Info("detected running system")

	store, err := journal.Open(cfg.JournalPath)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.Journal = store

	db, err := openDatabase(cfg)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.DB = db

	deps.Guard = safeguards.NewOperationGuard(safeguards.GuardConfig{
		MaxConcurrent: 1,
		Logger:        log,
	})

	if upload {
		client, err := s3.New(ctx, s3.Config{Region: cfg.Upload.Region, Bucket: cfg.Upload.Bucket})
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		client.SetLogger(log)
		deps.Uploader = client
	}
	return deps, nil
}

func partitionName(p *partition.Partition) string {
	if p == nil {
		return ""
	}
	return p.Device()
}

// pipelineDependencies wires the stages.
func (d *Dependencies) pipelineDependencies() pipeline.Dependencies {
	fs := afero.NewOsFs()

	copier := bootcopy.New(fs, d.Exec)
	copier.SetLogger(log)
	composer := union.New(fs, d.Mounter)
	composer.SetLogger(log)
	compressor := squashfs.New(d.Exec, fs)
	compressor.SetLogger(log)
	author := xorriso.New(d.Exec)
	author.SetLogger(log)

	deps := pipeline.Dependencies{
		Fs:         fs,
		Source:     d.Source,
		Copier:     copier,
		Composer:   composer,
		Compressor: compressor,
		Author:     author,
		History:    d.DB,
		Journal:    d.Journal,
		Metrics:    d.Metrics,
		Profile:    d.Profile,
		Guard:      d.Guard,
		Inhibit:    safeguards.Inhibit,
		Logger:     log,
	}
	// A nil *s3.Client must not become a non-nil Uploader.
	if d.Uploader != nil {
		deps.Uploader = d.Uploader
	}
	return deps
}

// runCreate builds an image and returns the process exit code.
func runCreate(cfg Config, flags createFlags) (int, error) {
	if err := setupLogger(cfg.Log); err != nil {
		return exitUsage, err
	}
	if err := cfg.Validate(); err != nil {
		return exitUsage, err
	}

	req := cfg.Request()
	req.OnlyBootMedium = flags.BootOnly
	if flags.Upload {
		if cfg.Upload.Bucket == "" {
			return exitUsage, errors.New("--upload needs a bucket (--bucket or upload.bucket)")
		}
		req.Upload = true
	}
	if err := req.Validate(); err != nil {
		return exitUsage, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lock, err := safeguards.AcquireLock(cfg.LockFile)
	if err != nil {
		return exitFailed, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.WithError(err).Warn("failed to release lock file")
		}
	}()

	tools := safeguards.BuildTools
	if req.OnlyBootMedium {
		tools = safeguards.BootMediumTools
	}
	preflight := safeguards.NewPreflight(log)
	if err := preflight.CheckAll(ctx, safeguards.PreflightOptions{
		Tools:        tools,
		TmpDir:       req.TmpDirectory,
		MinFreeBytes: cfg.MinFreeBytes,
		RequireRoot:  true,
	}); err != nil {
		return exitFailed, err
	}

	deps, err := initializeBuildDependencies(ctx, cfg, req.Upload)
	if err != nil {
		return exitFailed, err
	}
	defer deps.Close()

	pipe := pipeline.New(deps.pipelineDependencies())
	job := pipe.Start(ctx, req)
	log.WithFields(logrus.Fields{
		"run_id":    job.RunID,
		"boot_only": req.OnlyBootMedium,
		"data_mode": req.DataPartitionMode.String(),
		"tmp_dir":   req.TmpDirectory,
	}).Info("iso creation started")

	var result *dlcopy.Result
	if flags.Quiet || flags.Plain {
		result = tui.Follow(job, tui.NewCLIProgress(flags.Quiet, flags.NoColor))
	} else {
		result = followInteractive(job, req, flags)
	}

	if cfg.MetricsTextfile != "" {
		if err := deps.Metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
			log.WithError(err).Warn("failed to write metrics")
		}
	}

	if !result.Success {
		return exitFailed, nil
	}
	return exitOK, nil
}

// followInteractive shows the progress view. Leaving the view does not stop
// the build; its result is then printed as a line.
func followInteractive(job *pipeline.Job, req pipeline.Request, flags createFlags) *dlcopy.Result {
	// The view owns the terminal while it runs.
	out := log.Out
	log.SetOutput(io.Discard)
	defer log.SetOutput(out)

	model := tui.NewProgressModel(req.ISOLabel, tui.Rows(req.OnlyBootMedium, req.Upload))
	program := tea.NewProgram(model)

	results := make(chan *dlcopy.Result, 1)
	go func() {
		results <- tui.Follow(job, tui.TeaReporter{Program: program})
	}()

	if _, err := program.Run(); err != nil {
		log.SetOutput(out)
		log.WithError(err).Warn("progress view failed")
	}
	result := <-results
	if !model.Done() {
		tui.NewCLIProgress(true, flags.NoColor).PipelineFinished(result)
	}
	return result
}
