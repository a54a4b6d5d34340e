// Package xorriso authors the bootable ISO image from a build tree.
package xorriso

import (
	"context"
	"fmt"
	"io"

	"github.com/lernstick/dlcopy"
	"github.com/lernstick/dlcopy/executor"
	"github.com/lernstick/dlcopy/progress"
	"github.com/sirupsen/logrus"
)

const (
	Tool = "xorriso"
	// VolumeID is the fixed ISO volume label.
	VolumeID = "LERNSTICK"
	// ISOLevel is the ISO 9660 compliance level. Level 3 allows files
	// larger than 4 GiB, which the squashfs image usually is.
	ISOLevel = 3
	// BootDir holds the isolinux boot image on the medium.
	BootDir       = "isolinux"
	ProgressLabel = "Creating image"
)

// Options describe the image.
type Options struct {
	// ApplicationID is an optional label shown by file managers.
	ApplicationID string
}

// Args returns the xorriso arguments that write the current directory to
// isoPath.
func Args(isoPath string, opts Options) []string {
	args := []string{"-dev", isoPath, "-volid", VolumeID}
	if opts.ApplicationID != "" {
		args = append(args, "-application_id", opts.ApplicationID)
	}
	return append(args,
		"-boot_image", "isolinux", "dir="+BootDir,
		"-joliet", "on",
		"-compliance", fmt.Sprintf("iso_9660_level=%d", ISOLevel),
		"-add", ".",
	)
}

// Author runs xorriso.
type Author struct {
	exec   executor.Executor
	logger *logrus.Logger
}

// New creates an ISO author.
func New(exec executor.Executor) *Author {
	return &Author{exec: exec, logger: logrus.New()}
}

// SetLogger sets a custom logger.
func (a *Author) SetLogger(logger *logrus.Logger) {
	a.logger = logger
}

// SuppressLogs disables all log output.
func (a *Author) SuppressLogs() {
	a.logger.SetOutput(io.Discard)
}

// Create writes the tree at buildDir to isoPath. A non-zero exit is
// returned as a *executor.ToolError.
func (a *Author) Create(ctx context.Context, buildDir, isoPath string, opts Options, events chan<- dlcopy.ProgressEvent) error {
	logger := a.logger.WithFields(logrus.Fields{
		"build_dir": buildDir,
		"iso_path":  isoPath,
		"label":     opts.ApplicationID,
	})
	logger.Info("creating image")
	dlcopy.Emit(events, dlcopy.Message(dlcopy.StageCreateImage, ProgressLabel))

	cmd := executor.Command{Name: Tool, Args: Args(isoPath, opts), Dir: buildDir}
	res, err := progress.Run(ctx, a.exec, cmd, progress.ParseXorriso, dlcopy.StageCreateImage, ProgressLabel, events, logger)
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", Tool, err)
	}
	if res.ExitCode != 0 {
		logger.WithField("exit_code", res.ExitCode).Error("image creation failed")
		return executor.NewToolError(Tool, res)
	}
	logger.WithField("duration_ms", res.Duration.Milliseconds()).Info("image created")
	return nil
}
