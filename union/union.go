// Package union composes the writable view of a live system that is
// compressed into the new squashfs image.
//
// The view stacks, highest priority first:
//   - a fresh, empty scratch directory that takes all writes,
//   - the persistence partition, read-only, with its whiteouts honoured so
//     files the user deleted stay deleted,
//   - every squashfs image of the running system, read-only.
//
// Two edits are applied to the merged tree before compression: the welcome
// dialog flags are set, and the SSH host keys are removed so every image
// generates its own identity on first boot.
//
// # Cleanup
//
// View.Cleanup unmounts the merged view, releases the persistence partition
// if Compose mounted it, unmounts every read-only layer and deletes the
// scratch directories. Every step is attempted even if an earlier one
// failed; the errors are aggregated. A directory is only deleted once the
// mount on it has been released.
package union

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/lernstick/dlcopy"
	"github.com/lernstick/dlcopy/partition"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// DefaultRunDir holds the scratch directories. It is a tmpfs on live
// systems, so the scratch layer never touches the persistence partition.
const DefaultRunDir = "/run"

// Mounter performs the mounts of a composition.
type Mounter interface {
	MountLoop(ctx context.Context, image, target string) error
	MountUnion(ctx context.Context, fstype, options, target string) error
	UnmountPath(ctx context.Context, path string) error
}

// DataPartition is the persistence partition as seen by Compose.
type DataPartition interface {
	Acquire(ctx context.Context) (*partition.MountInfo, error)
	Release(ctx context.Context, info *partition.MountInfo) bool
	DevicePath() string
}

// Tracker is told about every scratch resource when it is created and
// when it is released.
type Tracker interface {
	Track(r dlcopy.Resource)
	Release(r dlcopy.Resource)
}

// Options configure a composition.
type Options struct {
	// RunDir holds the scratch directories.
	RunDir string
	// Type is TypeAufs or TypeOverlay.
	Type string

	ShowNotUsedInfo    bool
	AutoStartInstaller bool
}

// DefaultOptions returns the options of a standard rebuild.
func DefaultOptions() Options {
	return Options{RunDir: DefaultRunDir, Type: TypeAufs}
}

// Composer builds union views.
type Composer struct {
	fs      afero.Fs
	mounter Mounter
	logger  *logrus.Logger
	tracker Tracker
}

// New creates a composer. fs must see the mounts mounter makes, so outside
// tests it is the OS filesystem.
func New(fs afero.Fs, mounter Mounter) *Composer {
	return &Composer{fs: fs, mounter: mounter, logger: logrus.New()}
}

// SetLogger sets a custom logger.
func (c *Composer) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// SuppressLogs disables all log output from the composer.
func (c *Composer) SuppressLogs() {
	c.logger.SetOutput(io.Discard)
}

// SetTracker registers a tracker for scratch resources.
func (c *Composer) SetTracker(t Tracker) {
	c.tracker = t
}

func (c *Composer) track(kind dlcopy.ResourceKind, path string) {
	if c.tracker != nil {
		c.tracker.Track(dlcopy.Resource{Kind: kind, Path: path, Owner: "union", CreatedAt: time.Now()})
	}
}

func (c *Composer) untrack(kind dlcopy.ResourceKind, path string) {
	if c.tracker != nil {
		c.tracker.Release(dlcopy.Resource{Kind: kind, Path: path, Owner: "union"})
	}
}

// View is a composed union.
type View struct {
	// MergedPath is the root of the merged tree.
	MergedPath string
	// RWDir receives all writes.
	RWDir string
	// DataPath is where the persistence partition is mounted.
	DataPath string
	Layers   *LayerSet

	composer      *Composer
	data          DataPartition
	dataInfo      *partition.MountInfo
	mergedDir     bool
	mergedMounted bool
	cleaned       bool
}

// Compose mounts the read-only layers of systemPath and the persistence
// partition data and composes them under a new merged directory. If Compose
// fails, everything it did is undone before it returns.
func (c *Composer) Compose(ctx context.Context, systemPath string, data DataPartition, opts Options) (*View, error) {
	if opts.RunDir == "" {
		opts.RunDir = DefaultRunDir
	}
	if opts.Type == "" {
		opts.Type = TypeAufs
	}
	logger := c.logger.WithFields(logrus.Fields{
		"system_path": systemPath,
		"union_type":  opts.Type,
	})

	v := &View{composer: c, data: data}
	fail := func(err error) (*View, error) {
		logger.WithError(err).Error("union composition failed")
		if cerr := v.Cleanup(ctx); cerr != nil {
			return nil, multierror.Append(err, cerr)
		}
		return nil, err
	}

	layers, err := c.mountLayers(ctx, systemPath, opts.RunDir)
	v.Layers = layers
	if err != nil {
		return fail(err)
	}

	info, err := data.Acquire(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to mount data partition %s: %w", data.DevicePath(), err))
	}
	v.dataInfo = info
	v.DataPath = info.Path
	logger.WithFields(logrus.Fields{
		"data_path":       info.Path,
		"already_mounted": info.AlreadyMounted,
	}).Debug("data partition available")

	rwDir, err := afero.TempDir(c.fs, opts.RunDir, "rw")
	if err != nil {
		return fail(fmt.Errorf("failed to create scratch layer: %w", err))
	}
	v.RWDir = rwDir
	c.track(dlcopy.ResourceDir, rwDir)

	merged, err := afero.TempDir(c.fs, opts.RunDir, "cow")
	if err != nil {
		return fail(fmt.Errorf("failed to create union mount point: %w", err))
	}
	v.MergedPath = merged
	v.mergedDir = true
	c.track(dlcopy.ResourceDir, merged)

	var options string
	switch opts.Type {
	case TypeAufs:
		options = BranchSpec(rwDir, info.Path, layers.Paths())
	case TypeOverlay:
		upper, work := filepath.Join(rwDir, "upper"), filepath.Join(rwDir, "work")
		for _, d := range []string{upper, work} {
			if err := c.fs.MkdirAll(d, 0o755); err != nil {
				return fail(fmt.Errorf("failed to create %s: %w", d, err))
			}
		}
		dataLayer := info.Path
		if ok, _ := afero.DirExists(c.fs, filepath.Join(info.Path, "rw")); ok {
			dataLayer = filepath.Join(info.Path, "rw")
		}
		options = OverlayOptions(upper, work, dataLayer, layers.Paths())
	default:
		return fail(fmt.Errorf("unknown union type %q", opts.Type))
	}

	if err := c.mounter.MountUnion(ctx, opts.Type, options, merged); err != nil {
		return fail(fmt.Errorf("failed to mount union: %w", err))
	}
	v.mergedMounted = true
	c.track(dlcopy.ResourceMount, merged)
	logger.WithFields(logrus.Fields{
		"merged_path": merged,
		"layers":      len(layers.Layers),
	}).Info("union mounted")

	if err := EditWelcome(c.fs, merged, opts.ShowNotUsedInfo, opts.AutoStartInstaller); err != nil {
		logger.WithError(err).Warn("could not update welcome settings")
	}
	removed, err := RemoveSSHHostKeys(c.fs, merged)
	if err != nil {
		return fail(err)
	}
	logger.WithField("removed", removed).Debug("removed ssh host keys")
	return v, nil
}

// Cleanup releases everything the view holds. Only the first call does
// any work.
func (v *View) Cleanup(ctx context.Context) error {
	if v == nil || v.cleaned {
		return nil
	}
	v.cleaned = true
	c := v.composer
	var result *multierror.Error

	if v.mergedMounted {
		if err := c.mounter.UnmountPath(ctx, v.MergedPath); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to unmount union %s: %w", v.MergedPath, err))
		} else {
			v.mergedMounted = false
			c.untrack(dlcopy.ResourceMount, v.MergedPath)
		}
	}

	if v.dataInfo != nil {
		if !v.data.Release(ctx, v.dataInfo) {
			result = multierror.Append(result, fmt.Errorf("failed to unmount data partition %s", v.data.DevicePath()))
		}
		v.dataInfo = nil
	}

	layersReleased := true
	if v.Layers != nil {
		for _, l := range v.Layers.Layers {
			if !l.Mounted {
				continue
			}
			if err := c.mounter.UnmountPath(ctx, l.MountPoint); err != nil {
				result = multierror.Append(result, fmt.Errorf("failed to unmount layer %s: %w", l.MountPoint, err))
				layersReleased = false
				continue
			}
			l.Mounted = false
			c.untrack(dlcopy.ResourceMount, l.MountPoint)
		}
	}

	if v.mergedDir {
		if v.mergedMounted {
			result = multierror.Append(result, fmt.Errorf("keeping %s: still mounted", v.MergedPath))
		} else if err := c.removeDir(v.MergedPath); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if v.RWDir != "" {
		if v.mergedMounted {
			result = multierror.Append(result, fmt.Errorf("keeping %s: still mounted", v.RWDir))
		} else if err := c.removeDir(v.RWDir); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if v.Layers != nil && v.Layers.Parent != "" {
		if !layersReleased {
			result = multierror.Append(result, fmt.Errorf("keeping %s: layers still mounted", v.Layers.Parent))
		} else if err := c.removeDir(v.Layers.Parent); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		c.logger.WithError(err).Error("union cleanup incomplete")
		return err
	}
	c.logger.Debug("union cleaned up")
	return nil
}

func (c *Composer) removeDir(path string) error {
	if err := c.fs.RemoveAll(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	c.untrack(dlcopy.ResourceDir, path)
	return nil
}
