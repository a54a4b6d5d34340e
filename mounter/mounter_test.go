package mounter

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lernstick/dlcopy/executor"
	"github.com/moby/sys/mountinfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, exec executor.Executor, table []*mountinfo.Info) *Client {
	t.Helper()
	c := New(exec)
	c.SuppressLogs()
	c.SetMountRoot(t.TempDir())
	c.table = func(f mountinfo.FilterFunc) ([]*mountinfo.Info, error) {
		var out []*mountinfo.Info
		for _, info := range table {
			skip, stop := false, false
			if f != nil {
				skip, stop = f(info)
			}
			if !skip {
				out = append(out, info)
			}
			if stop {
				break
			}
		}
		return out, nil
	}
	return c
}

// TestMountPathsFiltersBySource verifies that only mounts of the device are listed.
func TestMountPathsFiltersBySource(t *testing.T) {
	c := newTestClient(t, executor.NewFake(), []*mountinfo.Info{
		{Mountpoint: "/", Source: "/dev/sda1"},
		{Mountpoint: "/live/cow", Source: "/dev/sdb2"},
		{Mountpoint: "/media/user/live-rw", Source: "/dev/sdb2"},
	})

	paths, err := c.MountPaths(context.Background(), "sdb2")
	require.NoError(t, err)
	assert.Equal(t, []string{"/live/cow", "/media/user/live-rw"}, paths)

	_, err = c.MountPaths(context.Background(), "../etc")
	assert.Error(t, err)
}

// TestMountBuildsCommand verifies the mount invocation and mount point.
func TestMountBuildsCommand(t *testing.T) {
	exec := executor.NewFake().Respond("mount", executor.Response{})
	c := newTestClient(t, exec, nil)

	path, err := c.Mount(context.Background(), "sdb2", "auto", []string{"ro", "noatime"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.mountRoot, "sdb2"), path)
	assert.DirExists(t, path)

	calls := exec.CallsTo("mount")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"-t", "auto", "-o", "ro,noatime", "/dev/sdb2", path}, calls[0].Args)
}

// TestMountFailure verifies that a non-zero exit becomes a MountError.
func TestMountFailure(t *testing.T) {
	exec := executor.NewFake().Respond("mount", executor.Response{
		Lines:    []string{"mount: /media/x: wrong fs type, bad option, bad superblock on /dev/sdb9"},
		ExitCode: 32,
	})
	c := newTestClient(t, exec, nil)

	_, err := c.Mount(context.Background(), "sdb9", "auto", nil)
	require.Error(t, err)
	assert.True(t, IsMountError(err))
	assert.False(t, IsBusyError(err))
}

// TestUnmountBusy verifies that a busy target is reported as BusyError and
// "not mounted" as success.
func TestUnmountBusy(t *testing.T) {
	exec := executor.NewFake().Respond("umount",
		executor.Response{Lines: []string{"umount: /media/stick: target is busy."}, ExitCode: 32},
		executor.Response{Lines: []string{"umount: /dev/sdc1: not mounted."}, ExitCode: 32},
	)
	c := newTestClient(t, exec, nil)

	err := c.Unmount(context.Background(), "sdc1", nil)
	assert.True(t, IsBusyError(err))

	assert.NoError(t, c.Unmount(context.Background(), "sdc1", nil))
}

// TestUnionAndLoopMounts verifies the union and loop mount invocations.
func TestUnionAndLoopMounts(t *testing.T) {
	exec := executor.NewFake().Respond("mount", executor.Response{})
	c := newTestClient(t, exec, nil)
	target := filepath.Join(t.TempDir(), "cow")

	require.NoError(t, c.MountUnion(context.Background(), "aufs", "br=/run/rw:/live/cow=ro+wh:/ro/fs", target))
	require.NoError(t, c.MountLoop(context.Background(), "/lib/live/mount/medium/live/filesystem.squashfs", target))

	calls := exec.CallsTo("mount")
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"-t", "aufs", "-o", "br=/run/rw:/live/cow=ro+wh:/ro/fs", "none", target}, calls[0].Args)
	assert.Equal(t, []string{"-t", "squashfs", "-o", "loop,ro", "/lib/live/mount/medium/live/filesystem.squashfs", target}, calls[1].Args)
}

// TestUnmountPathSkipsUnmounted verifies that a plain directory is not unmounted.
func TestUnmountPathSkipsUnmounted(t *testing.T) {
	exec := executor.NewFake()
	c := newTestClient(t, exec, []*mountinfo.Info{{Mountpoint: "/run/rw1", Source: "none"}})

	require.NoError(t, c.UnmountPath(context.Background(), "/run/cow1"))
	assert.Empty(t, exec.Calls())
}

// TestReleaseUnderDeepestFirst verifies stale mounts are unmounted children first.
func TestReleaseUnderDeepestFirst(t *testing.T) {
	exec := executor.NewFake().Respond("umount", executor.Response{})
	c := newTestClient(t, exec, []*mountinfo.Info{
		{Mountpoint: "/run/dlcopy", Source: "tmpfs"},
		{Mountpoint: "/run/dlcopy/cow123", Source: "none", FSType: "aufs"},
		{Mountpoint: "/run/dlcopy/squashfs1/filesystem.squashfs", Source: "/dev/loop3", FSType: "squashfs"},
		{Mountpoint: "/media/other", Source: "/dev/sdd1"},
	})

	released, err := c.ReleaseUnder(context.Background(), "/run/dlcopy")
	require.NoError(t, err)
	assert.Equal(t, 3, released)

	calls := exec.CallsTo("umount")
	require.Len(t, calls, 3)
	assert.Equal(t, "/run/dlcopy/squashfs1/filesystem.squashfs", calls[0].Args[0])
	assert.Equal(t, "/run/dlcopy", calls[2].Args[0])
}

// TestBlockObjectPath verifies UDisks object path escaping.
func TestBlockObjectPath(t *testing.T) {
	assert.Equal(t, "/org/freedesktop/UDisks2/block_devices/sdb1", string(BlockObjectPath("sdb1")))
	assert.Equal(t, "/org/freedesktop/UDisks2/block_devices/dm_2d0", string(BlockObjectPath("dm-0")))
}

// TestDecodeMountPoints verifies NUL trimming.
func TestDecodeMountPoints(t *testing.T) {
	got := DecodeMountPoints([][]byte{[]byte("/live/cow\x00"), []byte("\x00"), []byte("/media/x")})
	assert.Equal(t, []string{"/live/cow", "/media/x"}, got)
}
