package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/lernstick/dlcopy"
	"github.com/lernstick/dlcopy/database"
	"github.com/lernstick/dlcopy/journal"
	"github.com/lernstick/dlcopy/partition"
	"github.com/lernstick/dlcopy/pipeline"
	"github.com/lernstick/dlcopy/safeguards"
	"github.com/lernstick/dlcopy/squashfs"
	"github.com/lernstick/dlcopy/union"
)

// DefaultConfigPath is read when --config is not given.
const DefaultConfigPath = "/etc/dlcopy/iso.toml"

// Transports selectable with the transport key.
const (
	TransportCommand = "command"
	TransportUDisks  = "udisks"
)

// Config holds application configuration. File values are overridden by
// command-line flags.
type Config struct {
	TmpDirectory         string                   `toml:"tmp_directory"`
	RunDirectory         string                   `toml:"run_directory"`
	SystemPartitionLabel string                   `toml:"system_partition_label"`
	ISOLabel             string                   `toml:"iso_label"`
	UnionType            string                   `toml:"union_type"`
	Compression          string                   `toml:"compression"`
	DataPartitionMode    dlcopy.DataPartitionMode `toml:"data_partition_mode"`
	ShowNotUsedInfo      bool                     `toml:"show_not_used_info"`
	AutoStartInstaller   bool                     `toml:"auto_start_installer"`
	Processors           int                      `toml:"processors"`
	KeepFailedTree       bool                     `toml:"keep_failed_tree"`
	RemoveBuildTree      bool                     `toml:"remove_build_tree"`

	// Transport is TransportCommand or TransportUDisks.
	Transport        string        `toml:"transport"`
	BusyPollInterval time.Duration `toml:"busy_poll_interval"`
	BusyPollLimit    uint64        `toml:"busy_poll_limit"`
	MinFreeBytes     uint64        `toml:"min_free_bytes"`

	JournalPath     string `toml:"journal_path"`
	DatabasePath    string `toml:"database_path"`
	MetricsTextfile string `toml:"metrics_textfile"`
	LockFile        string `toml:"lock_file"`

	Log    LogConfig    `toml:"log"`
	Upload UploadConfig `toml:"upload"`
}

// LogConfig is the [log] table.
type LogConfig struct {
	Level   string `toml:"level"`
	Journal bool   `toml:"journal"`
}

// UploadConfig is the [upload] table. Uploads are disabled without a
// bucket.
type UploadConfig struct {
	Bucket string `toml:"bucket"`
	Region string `toml:"region"`
	Prefix string `toml:"prefix"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	req := pipeline.DefaultRequest()
	opts := partition.DefaultOptions()
	return Config{
		TmpDirectory:         req.TmpDirectory,
		RunDirectory:         union.DefaultRunDir,
		SystemPartitionLabel: opts.SystemLabel,
		ISOLabel:             "lernstick",
		UnionType:            union.TypeAufs,
		Compression:          squashfs.DefaultCompression,
		DataPartitionMode:    dlcopy.ReadWrite,
		Transport:            TransportCommand,
		BusyPollInterval:     opts.BusyPollInterval,
		MinFreeBytes:         4 << 30,
		JournalPath:          journal.DefaultPath,
		DatabasePath:         database.DefaultConfig().Path,
		LockFile:             safeguards.DefaultLockFile,
		Log:                  LogConfig{Level: "info"},
		Upload:               UploadConfig{Prefix: "lernstick-iso"},
	}
}

// LoadConfig decodes the TOML file at path over the defaults. A missing
// file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		log.WithField("keys", strings.Join(keys, ",")).Warn("ignoring unknown config keys")
	}
	return cfg, cfg.Validate()
}

// Validate checks the enumerated keys.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportCommand, TransportUDisks:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	switch c.UnionType {
	case union.TypeAufs, union.TypeOverlay:
	default:
		return fmt.Errorf("unknown union type %q", c.UnionType)
	}
	if c.BusyPollInterval < 0 {
		return fmt.Errorf("busy_poll_interval must not be negative")
	}
	return nil
}

// DumpConfig writes c as TOML.
func DumpConfig(c Config, w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Request builds the rebuild request from the configuration.
func (c Config) Request() pipeline.Request {
	req := pipeline.DefaultRequest()
	req.TmpDirectory = c.TmpDirectory
	req.RunDirectory = c.RunDirectory
	req.DataPartitionMode = c.DataPartitionMode
	req.ISOLabel = c.ISOLabel
	req.ShowNotUsedInfo = c.ShowNotUsedInfo
	req.AutoStartInstaller = c.AutoStartInstaller
	req.UnionType = c.UnionType
	req.Compression = c.Compression
	req.Processors = c.Processors
	req.UploadPrefix = c.Upload.Prefix
	req.RemoveBuildTree = c.RemoveBuildTree
	req.KeepFailedTree = c.KeepFailedTree
	return req
}

// PartitionOptions returns the unmount and classification options.
func (c Config) PartitionOptions() partition.Options {
	return partition.Options{
		SystemLabel:      c.SystemPartitionLabel,
		BusyPollInterval: c.BusyPollInterval,
		BusyPollLimit:    c.BusyPollLimit,
	}
}

// configPath returns the --config value from args without parsing the
// other flags, so file values can serve as flag defaults.
func configPath(args []string) string {
	for i, a := range args {
		switch {
		case a == "--config" || a == "-config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		case strings.HasPrefix(a, "-config="):
			return strings.TrimPrefix(a, "-config=")
		}
	}
	if p := os.Getenv("DLCOPY_ISO_CONFIG"); p != "" {
		return p
	}
	return DefaultConfigPath
}
