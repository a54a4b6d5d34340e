package mounter

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	udisksService        = "org.freedesktop.UDisks2"
	udisksBlockPrefix    = "/org/freedesktop/UDisks2/block_devices/"
	udisksFilesystem     = "org.freedesktop.UDisks2.Filesystem"
	udisksMountPointsKey = udisksFilesystem + ".MountPoints"
)

// UDisks is a partition.Transport backed by the UDisks2 service.
type UDisks struct {
	conn   *dbus.Conn
	logger *logrus.Logger
}

// NewUDisks connects to the system bus.
func NewUDisks() (*UDisks, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &UDisks{conn: conn, logger: logrus.New()}, nil
}

// SetLogger sets a custom logger for the transport.
func (u *UDisks) SetLogger(logger *logrus.Logger) {
	u.logger = logger
}

// SuppressLogs disables all log output from the transport.
func (u *UDisks) SuppressLogs() {
	u.logger.SetOutput(io.Discard)
}

func (u *UDisks) object(device string) dbus.BusObject {
	return u.conn.Object(udisksService, BlockObjectPath(device))
}

// MountPaths implements partition.Transport.
func (u *UDisks) MountPaths(ctx context.Context, device string) ([]string, error) {
	if err := validateDeviceName(device); err != nil {
		return nil, err
	}
	v, err := u.object(device).GetProperty(udisksMountPointsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount points of %s: %w", device, err)
	}
	raw, ok := v.Value().([][]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected mount points type %s for %s", v.Signature(), device)
	}
	return DecodeMountPoints(raw), nil
}

// Mount implements partition.Transport.
func (u *UDisks) Mount(ctx context.Context, device, fstype string, options []string) (string, error) {
	if err := validateDeviceName(device); err != nil {
		return "", err
	}
	opts := map[string]dbus.Variant{"fstype": dbus.MakeVariant(fstype)}
	if len(options) > 0 {
		opts["options"] = dbus.MakeVariant(strings.Join(options, ","))
	}
	logger := u.logger.WithField("device", device)
	logger.WithField("fstype", fstype).Debug("calling Filesystem.Mount")

	var path string
	if err := u.object(device).CallWithContext(ctx, udisksFilesystem+".Mount", 0, opts).Store(&path); err != nil {
		logger.WithError(err).Error("Filesystem.Mount failed")
		return "", fmt.Errorf("failed to mount %s: %w", device, err)
	}
	logger.WithField("mount_path", path).Debug("mounted")
	return path, nil
}

// Unmount implements partition.Transport.
func (u *UDisks) Unmount(ctx context.Context, device string, options []string) error {
	if err := validateDeviceName(device); err != nil {
		return err
	}
	opts := map[string]dbus.Variant{}
	for _, o := range options {
		if o == "force" {
			opts["force"] = dbus.MakeVariant(true)
		}
	}
	logger := u.logger.WithField("device", device)
	logger.Debug("calling Filesystem.Unmount")
	if err := u.object(device).CallWithContext(ctx, udisksFilesystem+".Unmount", 0, opts).Err; err != nil {
		if strings.Contains(err.Error(), "DeviceBusy") || strings.Contains(err.Error(), "busy") {
			return &BusyError{Target: "/dev/" + device, Output: err.Error()}
		}
		return fmt.Errorf("failed to unmount %s: %w", device, err)
	}
	return nil
}

// BlockObjectPath returns the UDisks2 object path of a block device.
// Characters outside [A-Za-z0-9] are escaped as _xx the way UDisks does.
func BlockObjectPath(device string) dbus.ObjectPath {
	var b strings.Builder
	b.WriteString(udisksBlockPrefix)
	for i := 0; i < len(device); i++ {
		ch := device[i]
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') {
			b.WriteByte(ch)
			continue
		}
		fmt.Fprintf(&b, "_%02x", ch)
	}
	return dbus.ObjectPath(b.String())
}

// DecodeMountPoints converts the NUL-terminated byte strings of the
// MountPoints property.
func DecodeMountPoints(raw [][]byte) []string {
	paths := make([]string, 0, len(raw))
	for _, r := range raw {
		p := strings.TrimRight(string(r), "\x00")
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}
