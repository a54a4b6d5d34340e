package union

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/lernstick/dlcopy"
	"github.com/lernstick/dlcopy/partition"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// ModuleFile optionally lists the squashfs images of a live directory, one
// per line. Later entries shadow earlier ones.
const ModuleFile = "filesystem.module"

// Layer is one read-only squashfs mount.
type Layer struct {
	Image      string
	MountPoint string
	Mounted    bool
}

// LayerSet is the read-only layers of a system, mounted below one parent
// directory.
type LayerSet struct {
	Parent string
	Layers []*Layer
}

// Paths returns the mount points in union order, highest priority first.
func (ls *LayerSet) Paths() []string {
	paths := make([]string, 0, len(ls.Layers))
	for _, l := range ls.Layers {
		paths = append(paths, l.MountPoint)
	}
	return paths
}

// ListImages returns the squashfs images of liveDir highest priority first:
// filesystem.module reversed if present, otherwise names in reverse lexical
// order, so later images shadow earlier ones.
func ListImages(fs afero.Fs, liveDir string) ([]string, error) {
	if data, err := afero.ReadFile(fs, filepath.Join(liveDir, ModuleFile)); err == nil {
		var images []string
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			name := strings.TrimSpace(scanner.Text())
			if strings.HasSuffix(name, ".squashfs") {
				images = append(images, filepath.Join(liveDir, filepath.Base(name)))
			}
		}
		if len(images) > 0 {
			slices.Reverse(images)
			return images, nil
		}
	}

	entries, err := afero.ReadDir(fs, liveDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", liveDir, err)
	}
	var images []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".squashfs") {
			images = append(images, filepath.Join(liveDir, e.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(images)))
	if len(images) == 0 {
		return nil, fmt.Errorf("no squashfs images in %s", liveDir)
	}
	return images, nil
}

// mountLayers mounts every image of systemPath/live read-only below a new
// scratch parent directory. On failure the layers mounted so far stay
// recorded in the returned set so the caller can release them.
func (c *Composer) mountLayers(ctx context.Context, systemPath, scratchDir string) (*LayerSet, error) {
	images, err := ListImages(c.fs, filepath.Join(systemPath, partition.LiveDir))
	if err != nil {
		return nil, err
	}
	parent, err := afero.TempDir(c.fs, scratchDir, "squashfs")
	if err != nil {
		return nil, fmt.Errorf("failed to create layer directory: %w", err)
	}
	c.track(dlcopy.ResourceDir, parent)

	ls := &LayerSet{Parent: parent}
	for _, image := range images {
		name := strings.TrimSuffix(filepath.Base(image), ".squashfs")
		layer := &Layer{Image: image, MountPoint: filepath.Join(parent, name)}
		ls.Layers = append(ls.Layers, layer)
		if err := c.fs.MkdirAll(layer.MountPoint, 0o755); err != nil {
			return ls, fmt.Errorf("failed to create mount point %s: %w", layer.MountPoint, err)
		}
		if err := c.mounter.MountLoop(ctx, image, layer.MountPoint); err != nil {
			return ls, fmt.Errorf("failed to mount %s: %w", image, err)
		}
		layer.Mounted = true
		c.track(dlcopy.ResourceMount, layer.MountPoint)
		c.logger.WithFields(logrus.Fields{
			"image":      image,
			"mount_path": layer.MountPoint,
		}).Debug("mounted read-only layer")
	}
	return ls, nil
}
