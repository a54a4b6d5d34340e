// Package source describes the running live system an ISO is built from.
package source

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/lernstick/dlcopy/inventory"
	"github.com/lernstick/dlcopy/partition"
	"github.com/moby/sys/mountinfo"
	"github.com/spf13/afero"
)

// ErrNotLiveSystem is returned by Detect on hosts that are not running a
// known live system.
var ErrNotLiveSystem = errors.New("not running a known live system")

// SystemSource is what the rebuild reads from.
type SystemSource interface {
	// SystemPath is the directory holding the boot medium, with live/
	// below it.
	SystemPath() string
	// DataPartition is the persistence partition, or nil.
	DataPartition() *partition.Partition
	// EFIPartition is the separate boot partition, or nil on legacy
	// layouts.
	EFIPartition() *partition.Partition
}

// Running is the SystemSource of the host.
type Running struct {
	Version    LiveVersion
	systemPath string
	data       *partition.Partition
	efi        *partition.Partition
}

// NewRunning assembles a source from known parts.
func NewRunning(version LiveVersion, systemPath string, data, efi *partition.Partition) *Running {
	return &Running{Version: version, systemPath: systemPath, data: data, efi: efi}
}

func (r *Running) SystemPath() string                  { return r.systemPath }
func (r *Running) DataPartition() *partition.Partition { return r.data }
func (r *Running) EFIPartition() *partition.Partition  { return r.efi }

// HasEFIPartition reports whether the boot payload lives on a separate
// partition.
func HasEFIPartition(s SystemSource) bool {
	return s.EFIPartition() != nil
}

// Detector finds the running system.
type Detector struct {
	Fs        afero.Fs
	Inventory *inventory.Inventory
	// MountTable lists mounts; defaults to the kernel table.
	MountTable func(mountinfo.FilterFunc) ([]*mountinfo.Info, error)
}

// Detect identifies the live version, the persistence partition and, if the
// boot medium is on a disk with an EFI partition, that partition.
func (d *Detector) Detect(ctx context.Context) (*Running, error) {
	fs := d.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	version, ok := DetectLiveVersion(fs)
	if !ok {
		return nil, ErrNotLiveSystem
	}
	r := &Running{Version: version, systemPath: version.LiveSystemPath}
	if d.Inventory == nil {
		return r, nil
	}
	r.data = d.Inventory.DataPartition(ctx)

	disk, err := d.bootDisk(version.LiveSystemPath)
	if err != nil {
		return nil, err
	}
	if disk != "" {
		r.efi = d.Inventory.EFIPartition(disk)
	}
	return r, nil
}

// bootDisk returns the disk holding the partition mounted at systemPath.
func (d *Detector) bootDisk(systemPath string) (string, error) {
	table := d.MountTable
	if table == nil {
		table = mountinfo.GetMounts
	}
	entries, err := table(mountinfo.SingleEntryFilter(filepath.Clean(systemPath)))
	if err != nil {
		return "", fmt.Errorf("failed to read mount table: %w", err)
	}
	if len(entries) == 0 {
		return "", nil
	}
	device := filepath.Base(entries[0].Source)
	if p := d.Inventory.Partition(device); p != nil {
		return p.Info().Parent, nil
	}
	return "", nil
}
