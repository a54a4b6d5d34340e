// Package squashfs compresses the merged system tree into the image the
// rebuilt medium boots from.
package squashfs

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/lernstick/dlcopy"
	"github.com/lernstick/dlcopy/executor"
	"github.com/lernstick/dlcopy/progress"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	// Tool is the compressor binary.
	Tool = "mksquashfs"
	// ImagePath is the image location relative to the build tree.
	ImagePath = "live/filesystem.squashfs"
	// DefaultCompression gives the best ratio mksquashfs offers.
	DefaultCompression = "xz"
	// ProgressLabel prefixes the progress messages of this stage.
	ProgressLabel = "Compressing filesystem"
)

// Options configure the compressor.
type Options struct {
	Compression string
	// Processors limits the compressor threads. Zero lets mksquashfs use
	// every CPU.
	Processors int
}

// DefaultOptions returns xz compression on all CPUs.
func DefaultOptions() Options {
	return Options{Compression: DefaultCompression}
}

// Compressor runs mksquashfs.
type Compressor struct {
	exec   executor.Executor
	fs     afero.Fs
	logger *logrus.Logger
}

// New creates a compressor. fs is used to create the image directory.
func New(exec executor.Executor, fs afero.Fs) *Compressor {
	return &Compressor{exec: exec, fs: fs, logger: logrus.New()}
}

// SetLogger sets a custom logger.
func (c *Compressor) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// SuppressLogs disables all log output from the compressor.
func (c *Compressor) SuppressLogs() {
	c.logger.SetOutput(io.Discard)
}

// Args returns the mksquashfs arguments for compressing source to image.
func Args(source, image string, opts Options) []string {
	comp := opts.Compression
	if comp == "" {
		comp = DefaultCompression
	}
	args := []string{source, image, "-comp", comp}
	if opts.Processors > 0 {
		args = append(args, "-processors", strconv.Itoa(opts.Processors))
	}
	return args
}

// Create compresses source into ImagePath below buildDir and returns the
// image path. A non-zero exit of mksquashfs is returned as a
// *executor.ToolError.
func (c *Compressor) Create(ctx context.Context, source, buildDir string, opts Options, events chan<- dlcopy.ProgressEvent) (string, error) {
	image := filepath.Join(buildDir, ImagePath)
	if err := c.fs.MkdirAll(filepath.Dir(image), 0o755); err != nil {
		return "", fmt.Errorf("failed to create image directory: %w", err)
	}
	logger := c.logger.WithFields(logrus.Fields{
		"source": source,
		"image":  image,
	})
	logger.Info("compressing filesystem")

	dlcopy.Emit(events, dlcopy.Message(dlcopy.StageCompressFilesystem, ProgressLabel))
	cmd := executor.Command{Name: Tool, Args: Args(source, image, opts)}
	res, err := progress.Run(ctx, c.exec, cmd, progress.ParseSquashfs, dlcopy.StageCompressFilesystem, ProgressLabel, events, logger)
	if err != nil {
		return "", fmt.Errorf("failed to run %s: %w", Tool, err)
	}
	if res.ExitCode != 0 {
		logger.WithField("exit_code", res.ExitCode).Error("compression failed")
		return "", executor.NewToolError(Tool, res)
	}

	logger.WithField("duration_ms", res.Duration.Milliseconds()).Info("filesystem compressed")
	return image, nil
}
