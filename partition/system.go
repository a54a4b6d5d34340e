package partition

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// LiveDir is the directory of a system partition holding the squashfs images.
const LiveDir = "live"

// IsSystemPartition reports whether the partition holds a live system. Only
// partitions labelled with the system label are mounted and inspected; any
// other partition is rejected without touching the transport. The answer is
// cached.
func (p *Partition) IsSystemPartition(ctx context.Context) bool {
	return p.isSystem.Get(func() bool {
		if p.info.IDLabel != p.opts.SystemLabel {
			return false
		}
		var found bool
		err := p.WithMount(ctx, func(mountPath string) error {
			var err error
			found, err = HasSquashfsImage(p.deps.Fs, filepath.Join(mountPath, LiveDir))
			return err
		})
		if err != nil {
			p.logger().WithError(err).Warn("could not inspect system partition")
			return false
		}
		return found
	})
}

// HasSquashfsImage reports whether dir contains at least one *.squashfs file.
// A missing directory is not an error.
func HasSquashfsImage(fs afero.Fs, dir string) (bool, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		if exists, _ := afero.DirExists(fs, dir); !exists {
			return false, nil
		}
		return false, err
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".squashfs") {
			return true, nil
		}
	}
	return false, nil
}
