// Package bootcopy copies the boot payload of the running system into an
// ISO build tree.
//
// Two layouts exist. Media with a separate EFI partition are copied file by
// file from the EFI partition and the system partition (Copy). Older media
// keep everything on the system partition and are copied with a find+cpio
// pipeline that skips the squashfs images (CopyLegacy). In both cases the
// squashfs images are left out: they are either rebuilt from the union view
// or, for boot-only media, not needed.
//
// # Usage Example
//
//	copier := bootcopy.New(afero.NewOsFs(), exec)
//	copier.SetLogger(logger)
//
//	result, err := copier.Copy(ctx, []bootcopy.Source{
//		{Root: efiMount},
//		{Root: "/lib/live/mount/medium", Exclude: bootcopy.SquashfsPatterns},
//	}, buildDir, bootcopy.DefaultOptions())
//	if err != nil {
//		return err
//	}
//	log.Printf("copied %d files (%d bytes)", result.FilesCopied, result.BytesCopied)
package bootcopy

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/lernstick/dlcopy/executor"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// SquashfsPatterns match the compressed system images by base name.
var SquashfsPatterns = []string{"filesystem*.squashfs"}

// ProgressFunc is called periodically during a copy.
type ProgressFunc func(filesCopied int, bytesCopied int64, currentFile string)

// Source is one directory tree to copy.
type Source struct {
	Root string
	// Exclude holds filepath.Match patterns matched against base names.
	// Excluded directories are skipped entirely.
	Exclude []string
}

func (s Source) excluded(name string) bool {
	for _, pattern := range s.Exclude {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Copier copies boot payloads.
type Copier struct {
	fs           afero.Fs
	exec         executor.Executor
	logger       *logrus.Logger
	progressFunc ProgressFunc
}

// New creates a copier working on fs; exec runs the legacy pipeline.
func New(fs afero.Fs, exec executor.Executor) *Copier {
	return &Copier{fs: fs, exec: exec, logger: logrus.New()}
}

// SetProgressFunc sets a callback for progress updates.
func (c *Copier) SetProgressFunc(fn ProgressFunc) {
	c.progressFunc = fn
}

// SetLogger sets a custom logger.
func (c *Copier) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// SuppressLogs disables all log output from the copier.
func (c *Copier) SuppressLogs() {
	c.logger.SetOutput(io.Discard)
}

// CopyOptions configures a copy.
type CopyOptions struct {
	// MaxFileSize rejects single files above this size (default: 4GB).
	MaxFileSize int64
	// Timeout bounds the whole copy (default: 30 minutes).
	Timeout time.Duration
}

// DefaultOptions returns default copy options.
func DefaultOptions() CopyOptions {
	return CopyOptions{
		MaxFileSize: 4 * 1024 * 1024 * 1024,
		Timeout:     30 * time.Minute,
	}
}

// CopyResult summarizes a copy.
type CopyResult struct {
	FilesCopied    int
	SymlinksCopied int
	BytesCopied    int64
	Duration       time.Duration
}

// Copy copies every source tree into destDir. Later sources overwrite files
// of earlier ones.
func (c *Copier) Copy(ctx context.Context, sources []Source, destDir string, opts CopyOptions) (*CopyResult, error) {
	startTime := time.Now()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	if err := c.fs.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	result := &CopyResult{}
	for _, src := range sources {
		logger := c.logger.WithFields(logrus.Fields{"source": src.Root, "dest": destDir})
		logger.Info("copying boot payload")
		if err := c.copyTree(ctx, src, destDir, opts, result); err != nil {
			return nil, err
		}
	}
	result.Duration = time.Since(startTime)

	c.logger.WithFields(logrus.Fields{
		"files":    result.FilesCopied,
		"symlinks": result.SymlinksCopied,
		"bytes":    result.BytesCopied,
		"duration": result.Duration,
	}).Info("boot payload copied")
	if c.progressFunc != nil {
		c.progressFunc(result.FilesCopied, result.BytesCopied, "")
	}
	return result, nil
}

func (c *Copier) copyTree(ctx context.Context, src Source, destDir string, opts CopyOptions, result *CopyResult) error {
	root := filepath.Clean(src.Root)
	return afero.Walk(c.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("copy cancelled: %w", ctx.Err())
		default:
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel != "." && src.excluded(info.Name()) {
			c.logger.WithField("path", rel).Debug("excluded from boot copy")
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(destDir, rel)

		switch {
		case info.IsDir():
			return c.fs.MkdirAll(target, info.Mode().Perm()|0o700)

		case info.Mode()&os.ModeSymlink != 0:
			if err := c.copySymlink(root, path, target); err != nil {
				return fmt.Errorf("failed to copy symlink %s: %w", rel, err)
			}
			result.SymlinksCopied++

		case info.Mode().IsRegular():
			if opts.MaxFileSize > 0 && info.Size() > opts.MaxFileSize {
				return fmt.Errorf("file %s exceeds size limit: %d bytes", rel, info.Size())
			}
			n, err := c.copyFile(path, target, info.Mode().Perm())
			if err != nil {
				return fmt.Errorf("failed to copy %s: %w", rel, err)
			}
			result.FilesCopied++
			result.BytesCopied += n
			if c.progressFunc != nil && result.FilesCopied%100 == 0 {
				c.progressFunc(result.FilesCopied, result.BytesCopied, rel)
			}

		default:
			c.logger.WithFields(logrus.Fields{
				"path": rel,
				"mode": info.Mode().String(),
			}).Warn("skipping unsupported file type")
		}
		return nil
	})
}

func (c *Copier) copyFile(src, dst string, perm os.FileMode) (int64, error) {
	in, err := c.fs.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := c.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create parent directory: %w", err)
	}
	out, err := c.fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, err
	}
	return n, out.Close()
}

// copySymlink recreates a symlink. Relative targets must stay inside root.
func (c *Copier) copySymlink(root, src, dst string) error {
	reader, ok := c.fs.(afero.LinkReader)
	if !ok {
		return fmt.Errorf("filesystem does not support symlinks")
	}
	linker, ok := c.fs.(afero.Linker)
	if !ok {
		return fmt.Errorf("filesystem does not support symlinks")
	}
	target, err := reader.ReadlinkIfPossible(src)
	if err != nil {
		return err
	}
	if err := validateSymlinkTarget(root, src, target); err != nil {
		return err
	}
	c.fs.Remove(dst)
	return linker.SymlinkIfPossible(target, dst)
}

func validateSymlinkTarget(root, linkPath, target string) error {
	if filepath.IsAbs(target) {
		return nil
	}
	clean := filepath.Clean(filepath.Join(filepath.Dir(linkPath), target))
	root = filepath.Clean(root)
	if clean != root && !strings.HasPrefix(clean, root+string(os.PathSeparator)) {
		return fmt.Errorf("symlink target escapes source tree: %s -> %s", linkPath, target)
	}
	return nil
}

// LegacyScript returns the shell pipeline copying a legacy boot medium.
// Both paths are shell quoted.
func LegacyScript(systemPath, destDir string) string {
	return fmt.Sprintf("cd %s\nfind . -not -name '%s' | cpio -pvdum %s\n",
		shellquote.Join(systemPath), SquashfsPatterns[0], shellquote.Join(destDir))
}

// CopyLegacy copies systemPath into destDir with find and cpio.
func (c *Copier) CopyLegacy(ctx context.Context, systemPath, destDir string) error {
	if err := c.fs.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	res, err := c.exec.Run(ctx, executor.Script(LegacyScript(systemPath, destDir)), nil)
	if err != nil {
		return fmt.Errorf("failed to run boot copy: %w", err)
	}
	if res.ExitCode != 0 {
		return executor.NewToolError("cpio", res)
	}
	return nil
}

// VerifyLayout checks that destDir holds a bootable payload: a syslinux or
// isolinux directory, or a GRUB configuration. Missing kernel files are only
// logged.
func (c *Copier) VerifyLayout(destDir string) error {
	logger := c.logger.WithField("dest", destDir)
	found := ""
	for _, dir := range []string{"syslinux", "isolinux", "boot/grub"} {
		if ok, _ := afero.DirExists(c.fs, filepath.Join(destDir, dir)); ok {
			found = dir
			break
		}
	}
	if found == "" {
		return fmt.Errorf("no boot loader directory under %s", destDir)
	}
	logger = logger.WithField("bootloader", found)

	for _, f := range []string{"live/vmlinuz", "live/initrd.img"} {
		if ok, _ := afero.Exists(c.fs, filepath.Join(destDir, f)); !ok {
			logger.WithField("file", f).Warn("expected boot file not found")
		}
	}
	logger.Debug("boot payload layout verified")
	return nil
}
