package mounter

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/moby/sys/mountinfo"
	"github.com/sirupsen/logrus"
)

// MountEntry is one line of the kernel mount table.
type MountEntry struct {
	MountPoint string
	Source     string
	FSType     string
}

// MountsUnder lists the mount points at or below dir, deepest first, so they
// can be unmounted in the returned order.
func (c *Client) MountsUnder(dir string) ([]MountEntry, error) {
	dir = filepath.Clean(dir)
	entries, err := c.table(mountinfo.PrefixFilter(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}
	out := make([]MountEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, MountEntry{MountPoint: e.Mountpoint, Source: e.Source, FSType: e.FSType})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.Count(out[i].MountPoint, "/") > strings.Count(out[j].MountPoint, "/")
	})
	return out, nil
}

// ReleaseUnder unmounts every mount point at or below dir, deepest first.
// Left-over mounts of a crashed run are usually stacked: a union on top of
// loop mounts under the same scratch directory. All mounts are attempted;
// the errors are aggregated.
func (c *Client) ReleaseUnder(ctx context.Context, dir string) (int, error) {
	mounts, err := c.MountsUnder(dir)
	if err != nil {
		return 0, err
	}
	var result *multierror.Error
	released := 0
	for _, m := range mounts {
		c.logger.WithFields(logrus.Fields{
			"mount_path": m.MountPoint,
			"source":     m.Source,
			"fstype":     m.FSType,
		}).Info("releasing stale mount")
		if err := c.umount(ctx, m.MountPoint, []string{m.MountPoint}); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		released++
	}
	return released, result.ErrorOrNil()
}
