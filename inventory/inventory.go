// Package inventory lists the block-device partitions of the host.
//
// Partitions are read from lsblk's JSON output, completed with the
// partition number and start sector from sysfs, and indexed in memory by
// device, label, filesystem type and parent disk.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-memdb"
	"github.com/lernstick/dlcopy/executor"
	"github.com/lernstick/dlcopy/partition"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// SysBlockDir is where the kernel exposes per-partition attributes.
const SysBlockDir = "/sys/class/block"

// EFILabel is the volume label of the boot partition on EFI-capable media.
const EFILabel = "EFI"

const sectorSize = 512

const table = "partitions"

// BlockDevice is one entry of lsblk --json --list --bytes.
type BlockDevice struct {
	Name     string    `json:"name"`
	PKName   string    `json:"pkname"`
	Type     string    `json:"type"`
	Size     flexInt64 `json:"size"`
	Label    string    `json:"label"`
	FSType   string    `json:"fstype"`
	PartType string    `json:"parttype"`
}

type lsblkOutput struct {
	BlockDevices []BlockDevice `json:"blockdevices"`
}

// flexInt64 accepts numbers and numeric strings; lsblk before util-linux
// 2.33 prints sizes as strings even with --bytes.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size %s: %w", data, err)
	}
	*f = flexInt64(v)
	return nil
}

// LsblkCommand is the command Load runs.
var LsblkCommand = executor.Command{
	Name: "lsblk",
	Args: []string{"--json", "--list", "--bytes", "--output", "NAME,PKNAME,TYPE,SIZE,LABEL,FSTYPE,PARTTYPE"},
}

// ParseLsblk decodes lsblk JSON output.
func ParseLsblk(data []byte) ([]BlockDevice, error) {
	var out lsblkOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse lsblk output: %w", err)
	}
	return out.BlockDevices, nil
}

// record is the indexed form of a partition.
type record struct {
	Device    string
	Parent    string
	Label     string
	FSType    string
	Partition *partition.Partition
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			table: {
				Name: table,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Device"},
					},
					"label": {
						Name:         "label",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "Label"},
					},
					"fstype": {
						Name:         "fstype",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "FSType"},
					},
					"parent": {
						Name:         "parent",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "Parent"},
					},
				},
			},
		},
	}
}

// Inventory is a snapshot of the host's partitions.
type Inventory struct {
	db     *memdb.MemDB
	logger logrus.FieldLogger
}

// Loader builds inventories.
type Loader struct {
	Executor executor.Executor
	// SysFs reads partition attributes. Defaults to the OS filesystem.
	SysFs   afero.Fs
	Options partition.Options
	// Deps are handed to every partition; Executor and Logger default to
	// the loader's own.
	Deps   partition.Dependencies
	Logger logrus.FieldLogger
}

// Load runs lsblk and builds an inventory.
func (l *Loader) Load(ctx context.Context) (*Inventory, error) {
	res, err := l.Executor.Run(ctx, LsblkCommand, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to run lsblk: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, executor.NewToolError("lsblk", res)
	}
	devices, err := ParseLsblk([]byte(res.Output))
	if err != nil {
		return nil, err
	}
	return l.Build(devices)
}

// Build indexes the partitions among devices. Extended partition
// containers are skipped.
func (l *Loader) Build(devices []BlockDevice) (*Inventory, error) {
	logger := l.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	sysfs := l.SysFs
	if sysfs == nil {
		sysfs = afero.NewOsFs()
	}
	deps := l.Deps
	if deps.Executor == nil {
		deps.Executor = l.Executor
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}

	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("failed to create inventory index: %w", err)
	}
	txn := db.Txn(true)
	defer txn.Abort()

	for _, d := range devices {
		if d.Type != "part" {
			continue
		}
		info := partition.Info{
			Device:  d.Name,
			Parent:  d.PKName,
			Number:  readSysInt(sysfs, d.Name, "partition"),
			Offset:  int64(readSysInt(sysfs, d.Name, "start")) * sectorSize,
			Size:    int64(d.Size),
			Type:    normalizePartType(d.PartType),
			IDLabel: d.Label,
			IDType:  d.FSType,
		}
		p := partition.New(info, l.Options, deps)
		if p.IsExtended() {
			logger.WithField("device", d.Name).Debug("skipping extended partition")
			continue
		}
		rec := &record{Device: d.Name, Parent: d.PKName, Label: d.Label, FSType: d.FSType, Partition: p}
		if err := txn.Insert(table, rec); err != nil {
			return nil, fmt.Errorf("failed to index %s: %w", d.Name, err)
		}
	}
	txn.Commit()
	return &Inventory{db: db, logger: logger}, nil
}

func readSysInt(fs afero.Fs, device, attr string) int {
	data, err := afero.ReadFile(fs, path.Join(SysBlockDir, device, attr))
	if err != nil {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return v
}

// normalizePartType renders MBR type codes with two hex digits ("0x5"
// becomes "0x05"); GPT type GUIDs are returned lower-cased.
func normalizePartType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if strings.HasPrefix(t, "0x") {
		if v, err := strconv.ParseUint(t[2:], 16, 8); err == nil {
			return fmt.Sprintf("0x%02x", v)
		}
	}
	return t
}

func (inv *Inventory) collect(index string, args ...interface{}) []*partition.Partition {
	txn := inv.db.Txn(false)
	it, err := txn.Get(table, index, args...)
	if err != nil {
		inv.logger.WithError(err).WithField("index", index).Error("inventory lookup failed")
		return nil
	}
	var out []*partition.Partition
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*record).Partition)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device() < out[j].Device() })
	return out
}

// All returns every partition ordered by device name.
func (inv *Inventory) All() []*partition.Partition {
	return inv.collect("id_prefix", "")
}

// Partition returns the partition with the given kernel name, or nil.
func (inv *Inventory) Partition(device string) *partition.Partition {
	raw, err := inv.db.Txn(false).First(table, "id", device)
	if err != nil || raw == nil {
		return nil
	}
	return raw.(*record).Partition
}

// ByLabel returns the partitions with the given volume label.
func (inv *Inventory) ByLabel(label string) []*partition.Partition {
	return inv.collect("label", label)
}

// ByFilesystem returns the partitions with the given filesystem type.
func (inv *Inventory) ByFilesystem(fstype string) []*partition.Partition {
	return inv.collect("fstype", fstype)
}

// OnDisk returns the partitions of the given disk.
func (inv *Inventory) OnDisk(disk string) []*partition.Partition {
	return inv.collect("parent", disk)
}

// DataPartition returns the persistence partition of the running system,
// or the first persistence partition if none is active, or nil.
func (inv *Inventory) DataPartition(ctx context.Context) *partition.Partition {
	candidates := inv.ByLabel(partition.PersistenceLabel)
	for _, p := range candidates {
		if p.IsActivePersistencePartition(ctx) {
			return p
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return nil
}

// EFIPartition returns the partition labelled EFI on disk, or nil.
func (inv *Inventory) EFIPartition(disk string) *partition.Partition {
	for _, p := range inv.OnDisk(disk) {
		if strings.EqualFold(p.Label(), EFILabel) {
			return p
		}
	}
	return nil
}

// SystemPartitions returns the partitions that hold a live system.
func (inv *Inventory) SystemPartitions(ctx context.Context) []*partition.Partition {
	var out []*partition.Partition
	for _, p := range inv.All() {
		if p.IsSystemPartition(ctx) {
			out = append(out, p)
		}
	}
	return out
}
