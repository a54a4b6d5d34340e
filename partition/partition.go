// Package partition models the block-device partitions involved in an ISO
// rebuild: the system partition holding the squashfs images, the persistence
// partition holding user changes, and the EFI boot partition.
//
// A Partition wraps a Transport that performs the real mount and unmount
// calls and adds the rules every caller relies on:
//   - Mount is idempotent: a mounted partition is never mounted twice.
//   - Acquire/Release implement scoped mounting. Release unmounts only what
//     Acquire mounted; a partition somebody else mounted is left alone.
//   - Unmount survives busy devices: up to MaxUnmountRounds rounds, each
//     followed by polling fuser until nobody holds the device.
//   - Classification and sizing are memoized and never fail. Transport
//     errors degrade to false or -1.
//
// # Usage Example
//
//	p := partition.New(info, partition.Options{SystemLabel: "system"}, partition.Dependencies{
//		Transport: mounter.New(exec),
//		Executor:  exec,
//	})
//	if p.IsSystemPartition(ctx) {
//		info, err := p.Acquire(ctx)
//		if err != nil {
//			return err
//		}
//		defer p.Release(ctx, info)
//		// ... read from info.Path ...
//	}
package partition

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lernstick/dlcopy/executor"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	// PersistenceLabel is the volume label of persistence partitions.
	PersistenceLabel = "live-rw"
	// ActivePersistenceMountPath is where the running system mounts its own
	// persistence partition.
	ActivePersistenceMountPath = "/live/cow"
	// DefaultSystemLabel is the volume label of system partitions created by
	// the installer.
	DefaultSystemLabel = "system"
	// AutoFilesystem lets the transport detect the filesystem type.
	AutoFilesystem = "auto"
)

// Transport performs the actual mount and unmount calls. Device names are
// kernel names without the /dev/ prefix, e.g. "sdb1".
type Transport interface {
	// MountPaths lists the current mount points of device.
	MountPaths(ctx context.Context, device string) ([]string, error)
	// Mount mounts device and returns the mount point.
	Mount(ctx context.Context, device, fstype string, options []string) (string, error)
	// Unmount unmounts device. A busy device is reported as an error.
	Unmount(ctx context.Context, device string, options []string) error
}

// Observer receives unmount statistics. metrics.Collector implements it.
type Observer interface {
	UnmountFinished(device string, rounds int, ok bool)
	BusyPoll(device string)
}

// Observers fans statistics out to several observers.
type Observers []Observer

func (o Observers) UnmountFinished(device string, rounds int, ok bool) {
	for _, obs := range o {
		obs.UnmountFinished(device, rounds, ok)
	}
}

func (o Observers) BusyPoll(device string) {
	for _, obs := range o {
		obs.BusyPoll(device)
	}
}

// Info is the immutable identity and classification of a partition as read
// from the block device.
type Info struct {
	// Device is the kernel name, e.g. "sdb1".
	Device string
	// Parent is the kernel name of the disk, e.g. "sdb".
	Parent string
	Number int
	Offset int64
	Size   int64
	// Type is the partition type code, e.g. "0x83".
	Type    string
	IDLabel string
	IDType  string
}

// Options configure classification and unmount behaviour.
type Options struct {
	// SystemLabel is the volume label system partitions carry.
	SystemLabel string
	// BusyPollInterval is the pause between fuser queries of a busy device.
	BusyPollInterval time.Duration
	// BusyPollLimit bounds the fuser queries per unmount round. Zero polls
	// until the device is released.
	BusyPollLimit uint64
}

// DefaultOptions returns the options used by the installer.
func DefaultOptions() Options {
	return Options{
		SystemLabel:      DefaultSystemLabel,
		BusyPollInterval: time.Second,
	}
}

// Dependencies are the collaborators of a Partition.
type Dependencies struct {
	Transport Transport
	Executor  executor.Executor
	// Fs is used to inspect mounted filesystems. Defaults to the OS filesystem.
	Fs     afero.Fs
	Logger logrus.FieldLogger
	// Observer is optional.
	Observer Observer
	// Timer drives the busy polling. Nil uses a real timer.
	Timer backoff.Timer
	// Statfs returns the bytes available to unprivileged users on the
	// filesystem mounted at path. Defaults to statfs(2).
	Statfs func(path string) (uint64, error)
}

// Partition is one block-device partition. Identity fields never change;
// classification caches are filled on first use.
type Partition struct {
	info Info
	opts Options
	deps Dependencies

	isSystem  Cached[bool]
	usedSpace Cached[int64]
}

// New creates a partition. Zero option values fall back to DefaultOptions.
func New(info Info, opts Options, deps Dependencies) *Partition {
	def := DefaultOptions()
	if opts.SystemLabel == "" {
		opts.SystemLabel = def.SystemLabel
	}
	if opts.BusyPollInterval <= 0 {
		opts.BusyPollInterval = def.BusyPollInterval
	}
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Statfs == nil {
		deps.Statfs = usableSpace
	}
	return &Partition{info: info, opts: opts, deps: deps}
}

// Info returns the partition identity.
func (p *Partition) Info() Info { return p.info }

// Device returns the kernel name, e.g. "sdb1".
func (p *Partition) Device() string { return p.info.Device }

// DevicePath returns the device node, e.g. "/dev/sdb1".
func (p *Partition) DevicePath() string { return "/dev/" + p.info.Device }

// Label returns the volume label.
func (p *Partition) Label() string { return p.info.IDLabel }

// Size returns the partition size in bytes.
func (p *Partition) Size() int64 { return p.info.Size }

func (p *Partition) String() string {
	return fmt.Sprintf("%s (label %q, %s)", p.DevicePath(), p.info.IDLabel, p.info.IDType)
}

func (p *Partition) logger() logrus.FieldLogger {
	return p.deps.Logger.WithField("device", p.info.Device)
}

// IsExtended reports whether this is an extended partition container.
func (p *Partition) IsExtended() bool {
	return p.info.Type == "0x05" || p.info.Type == "0x0f"
}

// HasExtendedFilesystem reports whether the filesystem is ext2, ext3 or ext4.
func (p *Partition) HasExtendedFilesystem() bool {
	switch p.info.IDType {
	case "ext2", "ext3", "ext4":
		return true
	}
	return false
}

// IsPersistencePartition reports whether the volume label marks a
// persistence partition.
func (p *Partition) IsPersistencePartition() bool {
	return p.info.IDLabel == PersistenceLabel
}

// IsActivePersistencePartition reports whether this is the persistence
// partition of the running system.
func (p *Partition) IsActivePersistencePartition(ctx context.Context) bool {
	if !p.IsPersistencePartition() {
		return false
	}
	paths, err := p.MountPaths(ctx)
	if err != nil {
		p.logger().WithError(err).Warn("could not query mount paths")
		return false
	}
	for _, path := range paths {
		if path == ActivePersistenceMountPath {
			return true
		}
	}
	return false
}

// MountPaths lists the current mount points.
func (p *Partition) MountPaths(ctx context.Context) ([]string, error) {
	return p.deps.Transport.MountPaths(ctx, p.info.Device)
}

// IsMounted reports whether the partition has at least one mount point.
func (p *Partition) IsMounted(ctx context.Context) (bool, error) {
	paths, err := p.MountPaths(ctx)
	if err != nil {
		return false, err
	}
	return len(paths) > 0, nil
}

// Mount mounts the partition with automatic filesystem detection unless it
// is already mounted, and returns the first mount point.
func (p *Partition) Mount(ctx context.Context) (string, error) {
	paths, err := p.MountPaths(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to query mount paths of %s: %w", p.DevicePath(), err)
	}
	if len(paths) > 0 {
		p.logger().WithField("mount_path", paths[0]).Debug("already mounted")
		return paths[0], nil
	}
	path, err := p.deps.Transport.Mount(ctx, p.info.Device, AutoFilesystem, nil)
	if err != nil {
		return "", fmt.Errorf("failed to mount %s: %w", p.DevicePath(), err)
	}
	p.logger().WithField("mount_path", path).Debug("mounted")
	return path, nil
}
