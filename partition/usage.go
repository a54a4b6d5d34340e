package partition

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/lernstick/dlcopy/executor"
	"golang.org/x/sys/unix"
)

// RestrictedPaths are the paths measured by UsedSpace in restricted mode,
// relative to the partition root: the user's home and the printer setup.
var RestrictedPaths = []string{"home/user", "etc/cups"}

var duSizePattern = regexp.MustCompile(`(?m)^(\d+)\s`)

// UsedSpace returns the bytes in use on the partition, or -1 if they could
// not be measured. With onlyRestricted only RestrictedPaths are counted.
//
// The first result is cached for the lifetime of the partition, whatever
// onlyRestricted is on later calls, and -1 is never retried.
func (p *Partition) UsedSpace(ctx context.Context, onlyRestricted bool) int64 {
	return p.usedSpace.Get(func() int64 {
		var used int64
		err := p.WithMount(ctx, func(mountPath string) error {
			if onlyRestricted {
				for _, rel := range RestrictedPaths {
					size, err := p.diskUsage(ctx, filepath.Join(mountPath, rel))
					if err != nil {
						return err
					}
					used += size
				}
				return nil
			}
			free, err := p.deps.Statfs(mountPath)
			if err != nil {
				return fmt.Errorf("statfs %s: %w", mountPath, err)
			}
			used = p.info.Size - int64(free)
			return nil
		})
		if err != nil {
			p.logger().WithError(err).Warn("could not determine used space")
			return -1
		}
		return used
	})
}

// diskUsage runs du -sb on path. A path du cannot measure counts as zero.
func (p *Partition) diskUsage(ctx context.Context, path string) (int64, error) {
	res, err := p.deps.Executor.Run(ctx, executor.Command{Name: "du", Args: []string{"-sb", path}}, nil)
	if err != nil {
		return 0, err
	}
	m := duSizePattern.FindStringSubmatch(res.Output)
	if m == nil {
		p.logger().WithField("path", path).Debug("du reported no size")
		return 0, nil
	}
	size, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("could not parse du output %q: %w", m[1], err)
	}
	return size, nil
}

func usableSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}
