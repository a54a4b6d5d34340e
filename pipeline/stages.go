package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/lernstick/dlcopy"
	"github.com/lernstick/dlcopy/bootcopy"
	"github.com/lernstick/dlcopy/bootloader"
	"github.com/lernstick/dlcopy/manifest"
	"github.com/lernstick/dlcopy/source"
	"github.com/lernstick/dlcopy/xorriso"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Progress messages shown to the user.
const (
	MsgCopyingFiles       = "Copying files"
	MsgMountingPartitions = "Mounting partitions"
	MsgUpdatingChecksums  = "Updating checksums"
	MsgUploadingImage     = "Uploading image"
)

// prepare creates the run root and the build tree. Both are essential.
func prepare(deps *Dependencies) stageFunc {
	return func(ctx context.Context, state *RunState, events chan<- dlcopy.ProgressEvent) error {
		dlcopy.Emit(events, dlcopy.Message(dlcopy.StagePrepare, MsgCopyingFiles))

		if err := deps.Fs.MkdirAll(state.Request.TmpDirectory, 0o755); err != nil {
			return fmt.Errorf("failed to create temporary directory: %w", err)
		}
		root, err := afero.TempDir(deps.Fs, state.Request.TmpDirectory, RootPrefix)
		if err != nil {
			return fmt.Errorf("failed to create run directory: %w", err)
		}
		state.RootDir = root
		newTracker(deps, state).Track(dlcopy.Resource{
			Kind:  dlcopy.ResourceDir,
			Path:  root,
			Owner: "pipeline",
		})

		build := filepath.Join(root, BuildDir)
		if err := deps.Fs.MkdirAll(build, 0o755); err != nil {
			return fmt.Errorf("could not create build directory %s: %w", build, err)
		}
		state.BuildDir = build
		state.ISOPath = isoPath(root)

		deps.Logger.WithFields(logrus.Fields{
			"run_id":    state.RunID,
			"build_dir": build,
		}).Info("build tree created")
		return nil
	}
}

// copyBoot copies the boot payload, from the EFI and system partitions on
// media that have a separate boot partition and with find+cpio otherwise.
func copyBoot(deps *Dependencies) stageFunc {
	return func(ctx context.Context, state *RunState, events chan<- dlcopy.ProgressEvent) error {
		systemPath := deps.Source.SystemPath()
		if !source.HasEFIPartition(deps.Source) {
			if err := deps.Copier.CopyLegacy(ctx, systemPath, state.BuildDir); err != nil {
				return err
			}
			return deps.Copier.VerifyLayout(state.BuildDir)
		}

		efi := deps.Source.EFIPartition()
		logger := deps.Logger.WithFields(logrus.Fields{
			"run_id": state.RunID,
			"device": efi.DevicePath(),
		})
		if deps.Guard != nil {
			if err := deps.Guard.Acquire(ctx, efi.Device()); err != nil {
				return err
			}
			defer deps.Guard.Release(efi.Device())
		}

		info, err := efi.Acquire(ctx)
		if err != nil {
			return err
		}
		tracker := newTracker(deps, state)
		mount := dlcopy.Resource{Kind: dlcopy.ResourceMount, Path: info.Path, Owner: "bootcopy"}
		if !info.AlreadyMounted {
			tracker.Track(mount)
		}
		defer func() {
			if !efi.Release(ctx, info) {
				logger.Error("failed to unmount EFI partition")
				return
			}
			if !info.AlreadyMounted {
				tracker.Release(mount)
			}
		}()

		_, err = deps.Copier.Copy(ctx, []bootcopy.Source{
			{Root: info.Path},
			{Root: systemPath, Exclude: bootcopy.SquashfsPatterns},
		}, state.BuildDir, bootcopy.DefaultOptions())
		if err != nil {
			return err
		}
		return deps.Copier.VerifyLayout(state.BuildDir)
	}
}

// mountLayers composes the union view the compressed filesystem is made
// from.
func mountLayers(deps *Dependencies) stageFunc {
	return func(ctx context.Context, state *RunState, events chan<- dlcopy.ProgressEvent) error {
		dlcopy.Emit(events, dlcopy.Message(dlcopy.StageMountLayers, MsgMountingPartitions))

		data := deps.Source.DataPartition()
		if data == nil {
			return ErrNoDataPartition
		}
		if deps.Guard != nil {
			if err := deps.Guard.Acquire(ctx, data.Device()); err != nil {
				return err
			}
		}

		deps.Composer.SetTracker(newTracker(deps, state))
		view, err := deps.Composer.Compose(ctx, deps.Source.SystemPath(), data, state.Request.unionOptions())
		if err != nil {
			if deps.Guard != nil {
				deps.Guard.Release(data.Device())
			}
			return err
		}
		state.view = view
		return nil
	}
}

func compressFilesystem(deps *Dependencies) stageFunc {
	return func(ctx context.Context, state *RunState, events chan<- dlcopy.ProgressEvent) error {
		if state.view == nil {
			return fmt.Errorf("no union view to compress")
		}
		_, err := deps.Compressor.Create(ctx, state.view.MergedPath, state.BuildDir, state.Request.squashfsOptions(), events)
		return err
	}
}

func dataPartitionMode(deps *Dependencies) stageFunc {
	return func(ctx context.Context, state *RunState, events chan<- dlcopy.ProgressEvent) error {
		n, err := bootloader.SetDataPartitionMode(deps.Fs, state.BuildDir, state.Request.DataPartitionMode, deps.Logger)
		if err != nil {
			return err
		}
		deps.Logger.WithFields(logrus.Fields{
			"run_id": state.RunID,
			"mode":   state.Request.DataPartitionMode.String(),
			"files":  n,
		}).Debug("data partition mode set")
		return nil
	}
}

func relocateBootloader(deps *Dependencies) stageFunc {
	return func(ctx context.Context, state *RunState, events chan<- dlcopy.ProgressEvent) error {
		_, err := bootloader.Relocate(deps.Fs, state.BuildDir, deps.Logger)
		return err
	}
}

func checksums(deps *Dependencies) stageFunc {
	return func(ctx context.Context, state *RunState, events chan<- dlcopy.ProgressEvent) error {
		dlcopy.Emit(events, dlcopy.Message(dlcopy.StageChecksums, MsgUpdatingChecksums))
		n, err := manifest.Write(deps.Fs, state.BuildDir)
		if err != nil {
			return err
		}
		deps.Logger.WithFields(logrus.Fields{
			"run_id": state.RunID,
			"files":  n,
		}).Info("checksums updated")
		return nil
	}
}

func createImage(deps *Dependencies) stageFunc {
	return func(ctx context.Context, state *RunState, events chan<- dlcopy.ProgressEvent) error {
		opts := xorriso.Options{ApplicationID: state.Request.ISOLabel}
		if err := deps.Author.Create(ctx, state.BuildDir, state.ISOPath, opts, events); err != nil {
			return err
		}
		if fi, err := deps.Fs.Stat(state.ISOPath); err == nil {
			state.ISOSize = fi.Size()
		} else {
			deps.Logger.WithError(err).WithField("iso_path", state.ISOPath).Warn("could not stat image")
		}
		return nil
	}
}

func upload(deps *Dependencies) stageFunc {
	return func(ctx context.Context, state *RunState, events chan<- dlcopy.ProgressEvent) error {
		dlcopy.Emit(events, dlcopy.Message(dlcopy.StageUpload, MsgUploadingImage))
		deps.Uploader.SetProgressFunc(func(sent, total int64, speed float64) {
			if total > 0 {
				dlcopy.Emit(events, dlcopy.Percent(dlcopy.StageUpload, MsgUploadingImage, int(sent*100/total)))
			}
		})
		defer deps.Uploader.SetProgressFunc(nil)

		key := dlcopy.UploadKey(state.Request.UploadPrefix, state.Request.ISOLabel, state.RunID)
		start := time.Now()
		res, err := deps.Uploader.UploadISO(ctx, state.ISOPath, key)
		if err != nil {
			return err
		}
		state.UploadKey = res.Key
		if deps.History != nil {
			if err := deps.History.SetUploadKey(ctx, state.RunID, res.Key); err != nil {
				deps.Logger.WithError(err).Warn("failed to record upload")
			}
		}
		deps.Logger.WithFields(logrus.Fields{
			"run_id":      state.RunID,
			"key":         res.Key,
			"size":        res.SizeBytes,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("image uploaded")
		return nil
	}
}
