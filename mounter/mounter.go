// Package mounter performs mount and unmount operations on the host.
//
// Two transports satisfy partition.Transport:
//   - Client runs mount(8) and umount(8) and reads the kernel mount table.
//   - UDisks talks to the UDisks2 system service over D-Bus, the way the
//     desktop mounts removable media.
//
// Client additionally mounts squashfs images through loop devices and
// composes union filesystems, which UDisks does not offer.
//
// # Usage Example
//
//	client := mounter.New(executor.New())
//	client.SetLogger(logger)
//
//	path, err := client.Mount(ctx, "sdb2", "auto", nil)
//	if err != nil {
//		return err
//	}
//	defer client.Unmount(ctx, "sdb2", nil)
//
// # Error Handling
//
//   - MountError: mount(8) exited with a non-zero status
//   - BusyError: the target is held open by some process
//
// Check them with IsMountError and IsBusyError. partition.Partition retries
// busy unmounts; Client never retries on its own.
package mounter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/lernstick/dlcopy/executor"
	"github.com/moby/sys/mountinfo"
	"github.com/sirupsen/logrus"
)

// DefaultMountRoot is where Client mounts partitions.
const DefaultMountRoot = "/media/dlcopy"

// Client mounts through mount(8) and umount(8).
type Client struct {
	exec      executor.Executor
	logger    *logrus.Logger
	mu        sync.Mutex // serialize mount table changes per process
	mountRoot string
	table     func(mountinfo.FilterFunc) ([]*mountinfo.Info, error)
}

// New creates a client running commands through exec.
func New(exec executor.Executor) *Client {
	return &Client{
		exec:      exec,
		logger:    logrus.New(),
		mountRoot: DefaultMountRoot,
		table:     mountinfo.GetMounts,
	}
}

// SetLogger sets a custom logger for the client.
func (c *Client) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// SuppressLogs disables all log output from the client.
func (c *Client) SuppressLogs() {
	c.logger.SetOutput(io.Discard)
}

// SetMountRoot changes the directory partitions are mounted under.
func (c *Client) SetMountRoot(dir string) {
	c.mountRoot = dir
}

// MountPaths implements partition.Transport.
func (c *Client) MountPaths(ctx context.Context, device string) ([]string, error) {
	if err := validateDeviceName(device); err != nil {
		return nil, err
	}
	source := "/dev/" + device
	entries, err := c.table(func(i *mountinfo.Info) (skip, stop bool) {
		return i.Source != source, false
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.Mountpoint)
	}
	return paths, nil
}

// Mount implements partition.Transport. The partition is mounted on
// <mount root>/<device>.
func (c *Client) Mount(ctx context.Context, device, fstype string, options []string) (string, error) {
	if err := validateDeviceName(device); err != nil {
		return "", err
	}
	mountPoint := filepath.Join(c.mountRoot, device)
	args := []string{"-t", fstype}
	if len(options) > 0 {
		args = append(args, "-o", strings.Join(options, ","))
	}
	args = append(args, "/dev/"+device, mountPoint)
	if err := c.mount(ctx, mountPoint, args); err != nil {
		return "", err
	}
	return mountPoint, nil
}

// Unmount implements partition.Transport.
func (c *Client) Unmount(ctx context.Context, device string, options []string) error {
	if err := validateDeviceName(device); err != nil {
		return err
	}
	args := append(append([]string(nil), options...), "/dev/"+device)
	if err := c.umount(ctx, "/dev/"+device, args); err != nil {
		return err
	}
	// Best effort: drop the mount point Mount created.
	os.Remove(filepath.Join(c.mountRoot, device))
	return nil
}

// MountLoop mounts a squashfs image read-only on target.
func (c *Client) MountLoop(ctx context.Context, image, target string) error {
	return c.mount(ctx, target, []string{"-t", "squashfs", "-o", "loop,ro", image, target})
}

// MountUnion mounts a union filesystem of type fstype ("aufs" or
// "overlay") with the given option string on target.
func (c *Client) MountUnion(ctx context.Context, fstype, options, target string) error {
	source := "none"
	if fstype == "overlay" {
		source = "overlay"
	}
	return c.mount(ctx, target, []string{"-t", fstype, "-o", options, source, target})
}

// UnmountPath unmounts whatever is mounted on path. A path that is not a
// mount point is left alone.
func (c *Client) UnmountPath(ctx context.Context, path string) error {
	mounted, err := c.IsMounted(path)
	if err != nil {
		c.logger.WithError(err).WithField("mount_path", path).Warn("failed to check mount status, unmounting anyway")
	} else if !mounted {
		c.logger.WithField("mount_path", path).Debug("not mounted, skipping unmount")
		return nil
	}
	return c.umount(ctx, path, []string{path})
}

// IsMounted reports whether path is a mount point.
func (c *Client) IsMounted(path string) (bool, error) {
	entries, err := c.table(mountinfo.SingleEntryFilter(filepath.Clean(path)))
	if err != nil {
		return false, fmt.Errorf("failed to read mount table: %w", err)
	}
	return len(entries) > 0, nil
}

func (c *Client) mount(ctx context.Context, mountPoint string, args []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	logger := c.logger.WithField("mount_path", mountPoint)
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		logger.WithError(err).Error("failed to create mount point")
		return fmt.Errorf("failed to create mount point: %w", err)
	}

	res, err := c.exec.Run(ctx, executor.Command{Name: "mount", Args: args}, nil)
	if err != nil {
		logger.WithError(err).Error("failed to run mount")
		return fmt.Errorf("failed to run mount: %w", err)
	}
	if res.ExitCode != 0 {
		logger.WithFields(logrus.Fields{
			"exit_code": res.ExitCode,
			"output":    res.Output,
		}).Error("failed to mount")
		return &MountError{Target: mountPoint, ExitCode: res.ExitCode, Output: strings.TrimSpace(res.Output)}
	}
	logger.Debug("mounted")
	return nil
}

func (c *Client) umount(ctx context.Context, target string, args []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	logger := c.logger.WithField("mount_path", target)
	res, err := c.exec.Run(ctx, executor.Command{Name: "umount", Args: args}, nil)
	if err != nil {
		logger.WithError(err).Error("failed to run umount")
		return fmt.Errorf("failed to run umount: %w", err)
	}
	if res.ExitCode == 0 {
		logger.Debug("unmounted")
		return nil
	}
	output := strings.TrimSpace(res.Output)
	if strings.Contains(output, "not mounted") {
		logger.Debug("not mounted")
		return nil
	}
	if strings.Contains(output, "busy") {
		return &BusyError{Target: target, Output: output}
	}
	return fmt.Errorf("failed to unmount %s: exit code %d (output: %s)", target, res.ExitCode, output)
}

// deviceNameRegex matches kernel block device names such as sdb1, nvme0n1p2
// or mmcblk0p1.
var deviceNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

func validateDeviceName(name string) error {
	if name == "" {
		return fmt.Errorf("device name cannot be empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("device name too long: %d characters (max 255)", len(name))
	}
	if !deviceNameRegex.MatchString(name) || name == "." || name == ".." {
		return fmt.Errorf("device name contains invalid characters: %s", name)
	}
	return nil
}

// MountError is returned when mount(8) fails.
type MountError struct {
	Target   string
	ExitCode int
	Output   string
}

func (e *MountError) Error() string {
	return fmt.Sprintf("failed to mount %s: exit code %d (output: %s)", e.Target, e.ExitCode, e.Output)
}

// BusyError is returned when the unmount target is in use.
type BusyError struct {
	Target string
	Output string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s is busy (output: %s)", e.Target, e.Output)
}

// IsMountError checks if an error is a MountError.
func IsMountError(err error) bool {
	var me *MountError
	return errors.As(err, &me)
}

// IsBusyError checks if an error is a BusyError.
func IsBusyError(err error) bool {
	var be *BusyError
	return errors.As(err, &be)
}
