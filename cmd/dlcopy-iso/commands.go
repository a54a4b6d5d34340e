package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lernstick/dlcopy"
	"github.com/lernstick/dlcopy/database"
	"github.com/lernstick/dlcopy/inventory"
	"github.com/lernstick/dlcopy/partition"
	"github.com/lernstick/dlcopy/s3"
	"github.com/lernstick/dlcopy/tui"
)

// runPartitions prints the partition inventory with its classification.
// Classification may mount partitions briefly.
func runPartitions(cfg Config, restricted bool) error {
	if err := setupLogger(cfg.Log); err != nil {
		return err
	}
	ctx := context.Background()

	deps, err := initializeDependencies(ctx, cfg)
	if err != nil {
		return err
	}

	parts := deps.Inventory.All()
	rows := make([]tui.PartitionRow, 0, len(parts))
	for _, p := range parts {
		rows = append(rows, partitionRow(ctx, p, restricted))
	}
	fmt.Print(tui.RenderPartitionsTable(rows))
	return nil
}

func partitionRow(ctx context.Context, p *partition.Partition, restricted bool) tui.PartitionRow {
	info := p.Info()
	row := tui.PartitionRow{
		Device:     p.Device(),
		Label:      p.Label(),
		Filesystem: info.IDType,
		Size:       p.Size(),
		UsedSpace:  -1,
	}
	persistence := p.IsPersistencePartition()
	row.Role = partitionRole(
		p.IsSystemPartition(ctx),
		persistence,
		persistence && p.IsActivePersistencePartition(ctx),
		strings.EqualFold(p.Label(), inventory.EFILabel),
	)
	if persistence {
		row.UsedSpace = p.UsedSpace(ctx, restricted)
	}
	if paths, err := p.MountPaths(ctx); err == nil {
		row.Mounted = strings.Join(paths, ",")
	}
	return row
}

// partitionRole names the roles of a partition for display.
func partitionRole(system, persistence, active, efi bool) string {
	var roles []string
	if system {
		roles = append(roles, "system")
	}
	switch {
	case active:
		roles = append(roles, "persistence (active)")
	case persistence:
		roles = append(roles, "persistence")
	}
	if efi {
		roles = append(roles, "efi")
	}
	return strings.Join(roles, ", ")
}

// runHistory prints the most recent builds.
func runHistory(cfg Config, limit int) error {
	if err := setupLogger(cfg.Log); err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	builds, err := db.ListBuilds(context.Background(), limit)
	if err != nil {
		return fmt.Errorf("failed to list builds: %w", err)
	}
	fmt.Print(tui.RenderHistoryTable(historyRows(builds)))
	return nil
}

func historyRows(builds []*database.Build) []tui.HistoryRow {
	rows := make([]tui.HistoryRow, 0, len(builds))
	for _, b := range builds {
		duration := "-"
		if b.FinishedAt != nil {
			duration = tui.FormatDuration(b.Duration())
		}
		rows = append(rows, tui.HistoryRow{
			RunID:     b.RunID,
			Status:    b.Status,
			Label:     b.Label,
			DataMode:  b.DataMode,
			BootOnly:  b.BootOnly,
			Size:      b.ISOSizeBytes,
			StartedAt: b.StartedAt.Local().Format("2006-01-02 15:04:05"),
			Duration:  duration,
			Error:     b.Error,
		})
	}
	return rows
}

func newS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	if cfg.Upload.Bucket == "" {
		return nil, fmt.Errorf("no upload bucket configured (--bucket or upload.bucket)")
	}
	client, err := s3.New(ctx, s3.Config{Region: cfg.Upload.Region, Bucket: cfg.Upload.Bucket})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	client.SetLogger(log)
	return client, nil
}

// runUploads lists the images below the upload prefix.
func runUploads(cfg Config) error {
	if err := setupLogger(cfg.Log); err != nil {
		return err
	}
	ctx := context.Background()
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return err
	}

	objects, err := client.ListUploads(ctx, cfg.Upload.Prefix)
	if err != nil {
		return err
	}
	rows := make([]tui.UploadRow, 0, len(objects))
	for _, o := range objects {
		if !strings.HasSuffix(o.Key, ".iso") {
			continue
		}
		rows = append(rows, tui.UploadRow{Key: o.Key, Size: o.Size, LastModified: o.LastModified})
	}
	fmt.Printf("Bucket: s3://%s/%s\n\n", client.Bucket(), cfg.Upload.Prefix)
	fmt.Print(tui.RenderUploadsTable(rows))
	return nil
}

// runCheckUpload probes the bucket and returns the number of failed
// required checks.
func runCheckUpload(cfg Config, timeout time.Duration) (int, error) {
	if err := setupLogger(cfg.Log); err != nil {
		return 0, err
	}
	ctx := context.Background()
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return 0, err
	}

	results := client.CheckPermissions(ctx, cfg.Upload.Prefix, dlcopy.NewRunID(), timeout)
	fmt.Fprint(os.Stdout, renderChecks(results))

	missing := s3.MissingRequired(results)
	if missing > 0 {
		fmt.Printf("\n%d required permission(s) missing on s3://%s\n", missing, client.Bucket())
	} else {
		fmt.Printf("\nAll required permissions present on s3://%s\n", client.Bucket())
	}
	return missing, nil
}

func renderChecks(results []s3.CheckResult) string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		status := "PASS"
		if !r.Pass {
			status = "FAIL"
		}
		need := "optional"
		if r.Required {
			need = "required"
		}
		rows = append(rows, []string{r.Name, status, need, r.Detail})
	}
	return tui.RenderSimple([]string{"CHECK", "RESULT", "NEED", "DETAIL"}, rows, tui.DefaultStyles())
}
