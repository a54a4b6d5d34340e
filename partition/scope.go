package partition

import (
	"context"
	"fmt"
)

// MountInfo is the outcome of Acquire.
type MountInfo struct {
	Path string
	// AlreadyMounted is true if the partition was mounted before Acquire.
	// The paired Release is then a no-op: the mount belongs to whoever
	// mounted it first.
	AlreadyMounted bool
}

// Acquire mounts the partition if it is not mounted yet.
func (p *Partition) Acquire(ctx context.Context) (*MountInfo, error) {
	paths, err := p.MountPaths(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query mount paths of %s: %w", p.DevicePath(), err)
	}
	if len(paths) > 0 {
		p.logger().WithField("mount_path", paths[0]).Debug("already mounted")
		return &MountInfo{Path: paths[0], AlreadyMounted: true}, nil
	}
	path, err := p.deps.Transport.Mount(ctx, p.info.Device, AutoFilesystem, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to mount %s: %w", p.DevicePath(), err)
	}
	return &MountInfo{Path: path}, nil
}

// Release unmounts the partition if info says Acquire mounted it. It
// returns false only if that unmount failed.
func (p *Partition) Release(ctx context.Context, info *MountInfo) bool {
	if info == nil || info.AlreadyMounted {
		return true
	}
	return p.Unmount(ctx)
}

// WithMount runs fn with the partition mounted and releases it afterwards if
// it was mounted for fn.
func (p *Partition) WithMount(ctx context.Context, fn func(path string) error) error {
	info, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(ctx, info)
	return fn(info.Path)
}
