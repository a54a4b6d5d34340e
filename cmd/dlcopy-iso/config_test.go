package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lernstick/dlcopy"
	"github.com/lernstick/dlcopy/database"
	"github.com/lernstick/dlcopy/union"
)

// TestLoadConfigMissingFile falls back to the defaults.
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

// TestLoadConfigOverridesDefaults decodes every table and keeps defaults
// for keys the file does not set.
func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iso.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
tmp_directory = "/srv/iso"
data_partition_mode = "read-only"
union_type = "overlay"
busy_poll_interval = "250ms"
busy_poll_limit = 30
transport = "udisks"

[log]
level = "debug"
journal = true

[upload]
bucket = "exams"
region = "eu-central-2"
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/iso", cfg.TmpDirectory)
	assert.Equal(t, dlcopy.ReadOnly, cfg.DataPartitionMode)
	assert.Equal(t, union.TypeOverlay, cfg.UnionType)
	assert.Equal(t, 250*time.Millisecond, cfg.BusyPollInterval)
	assert.Equal(t, uint64(30), cfg.BusyPollLimit)
	assert.Equal(t, TransportUDisks, cfg.Transport)
	assert.Equal(t, LogConfig{Level: "debug", Journal: true}, cfg.Log)
	assert.Equal(t, "exams", cfg.Upload.Bucket)
	assert.Equal(t, "lernstick-iso", cfg.Upload.Prefix)
	assert.Equal(t, DefaultConfig().DatabasePath, cfg.DatabasePath)
}

// TestLoadConfigRejectsUnknownValues validates enumerated keys.
func TestLoadConfigRejectsUnknownValues(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"transport": `transport = "nfs"`,
		"union":     `union_type = "unionfs"`,
		"mode":      `data_partition_mode = "sometimes"`,
	} {
		path := filepath.Join(dir, name+".toml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		_, err := LoadConfig(path)
		assert.Error(t, err, name)
	}
}

// TestConfigRequest carries the configuration into the rebuild request.
func TestConfigRequest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TmpDirectory = "/srv/iso"
	cfg.DataPartitionMode = dlcopy.NotUsed
	cfg.ISOLabel = "Exam 2026"
	cfg.AutoStartInstaller = true
	cfg.Upload.Prefix = "isos"

	req := cfg.Request()
	assert.Equal(t, "/srv/iso", req.TmpDirectory)
	assert.Equal(t, dlcopy.NotUsed, req.DataPartitionMode)
	assert.Equal(t, "Exam 2026", req.ISOLabel)
	assert.True(t, req.AutoStartInstaller)
	assert.Equal(t, "isos", req.UploadPrefix)
	assert.False(t, req.Upload)
	require.NoError(t, req.Validate())

	opts := cfg.PartitionOptions()
	assert.Equal(t, cfg.BusyPollInterval, opts.BusyPollInterval)
	assert.Equal(t, cfg.SystemPartitionLabel, opts.SystemLabel)
}

// TestDumpConfig writes keys under their file names.
func TestDumpConfig(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, DumpConfig(DefaultConfig(), &buf))
	out := buf.String()
	assert.Contains(t, out, `data_partition_mode = "read-write"`)
	assert.Contains(t, out, `transport = "command"`)
	assert.Contains(t, out, "[upload]")
}

// TestConfigPath finds --config before the flags are parsed.
func TestConfigPath(t *testing.T) {
	t.Setenv("DLCOPY_ISO_CONFIG", "")
	assert.Equal(t, DefaultConfigPath, configPath([]string{"--quiet"}))
	assert.Equal(t, "/a.toml", configPath([]string{"--quiet", "--config", "/a.toml"}))
	assert.Equal(t, "/b.toml", configPath([]string{"-config=/b.toml"}))

	t.Setenv("DLCOPY_ISO_CONFIG", "/env.toml")
	assert.Equal(t, "/env.toml", configPath(nil))
}

// TestJournalFields maps logrus fields to journal variables.
func TestJournalFields(t *testing.T) {
	assert.Equal(t, "MOUNT_PATH", journalField("mount_path"))
	assert.Equal(t, "RUN_ID", journalField("run-id"))
	assert.Equal(t, "X", journalField("_x"))

	vars := journalFields(logrus.Fields{"device": "sdb2", "rounds": 3})
	assert.Equal(t, "sdb2", vars["DEVICE"])
	assert.Equal(t, "3", vars["ROUNDS"])
	assert.Equal(t, "dlcopy-iso", vars["SYSLOG_IDENTIFIER"])
}

// TestPartitionRole lists every role a partition plays.
func TestPartitionRole(t *testing.T) {
	assert.Equal(t, "", partitionRole(false, false, false, false))
	assert.Equal(t, "system", partitionRole(true, false, false, false))
	assert.Equal(t, "persistence (active)", partitionRole(false, true, true, false))
	assert.Equal(t, "persistence", partitionRole(false, true, false, false))
	assert.Equal(t, "system, efi", partitionRole(true, false, false, true))
}

// TestHistoryRows formats finished and running builds.
func TestHistoryRows(t *testing.T) {
	started := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	rows := historyRows([]*database.Build{
		{RunID: "run_a", Status: database.BuildStatusSucceeded, StartedAt: started, FinishedAt: &finished, ISOSizeBytes: 10},
		{RunID: "run_b", Status: database.BuildStatusRunning, StartedAt: started},
	})
	require.Len(t, rows, 2)
	assert.Equal(t, "1m30s", rows[0].Duration)
	assert.Equal(t, int64(10), rows[0].Size)
	assert.Equal(t, "-", rows[1].Duration)
	assert.Equal(t, database.BuildStatusRunning, rows[1].Status)
}
