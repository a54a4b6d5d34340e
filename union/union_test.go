package union

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/lernstick/dlcopy"
	"github.com/lernstick/dlcopy/partition"
	"github.com/magiconair/properties"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMounter keeps a set of mounted targets.
type fakeMounter struct {
	mu           sync.Mutex
	mounted      map[string]string
	unionOptions string
	unionType    string
	loopErr      error
	unionErr     error
	unmountErr   map[string]error
}

func newFakeMounter() *fakeMounter {
	return &fakeMounter{mounted: make(map[string]string), unmountErr: make(map[string]error)}
}

func (m *fakeMounter) MountLoop(ctx context.Context, image, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loopErr != nil && strings.HasSuffix(image, "/filesystem.squashfs") {
		return m.loopErr
	}
	m.mounted[target] = image
	return nil
}

func (m *fakeMounter) MountUnion(ctx context.Context, fstype, options, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unionErr != nil {
		return m.unionErr
	}
	m.unionType = fstype
	m.unionOptions = options
	m.mounted[target] = fstype
	return nil
}

func (m *fakeMounter) UnmountPath(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unmountErr[path]; err != nil {
		return err
	}
	delete(m.mounted, path)
	return nil
}

func (m *fakeMounter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mounted)
}

// fakeData is a persistence partition that mounts at a fixed path.
type fakeData struct {
	path           string
	alreadyMounted bool
	acquireErr     error
	acquired       int
	released       int
}

func (d *fakeData) Acquire(ctx context.Context) (*partition.MountInfo, error) {
	if d.acquireErr != nil {
		return nil, d.acquireErr
	}
	d.acquired++
	return &partition.MountInfo{Path: d.path, AlreadyMounted: d.alreadyMounted}, nil
}

func (d *fakeData) Release(ctx context.Context, info *partition.MountInfo) bool {
	if !info.AlreadyMounted {
		d.released++
	}
	return true
}

func (d *fakeData) DevicePath() string { return "/dev/sdb2" }

// recordingTracker counts outstanding resources.
type recordingTracker struct {
	live map[string]dlcopy.Resource
}

func (r *recordingTracker) Track(res dlcopy.Resource)   { r.live[res.Key()] = res }
func (r *recordingTracker) Release(res dlcopy.Resource) { delete(r.live, res.Key()) }

func newSystem(t *testing.T, fs afero.Fs) string {
	t.Helper()
	require.NoError(t, fs.MkdirAll("/run", 0o755))
	require.NoError(t, fs.MkdirAll("/medium/live", 0o755))
	for _, name := range []string{"filesystem.squashfs", "filesystem2.squashfs"} {
		require.NoError(t, afero.WriteFile(fs, filepath.Join("/medium/live", name), []byte("img"), 0o644))
	}
	return "/medium"
}

func newComposer(fs afero.Fs, m Mounter) (*Composer, *recordingTracker) {
	c := New(fs, m)
	c.SuppressLogs()
	tracker := &recordingTracker{live: make(map[string]dlcopy.Resource)}
	c.SetTracker(tracker)
	return c, tracker
}

// scratchDirs lists what is left below the run directory.
func scratchDirs(t *testing.T, fs afero.Fs) []string {
	t.Helper()
	entries, err := afero.ReadDir(fs, "/run")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// TestComposeAndCleanup checks the branch order of the union and that
// cleanup leaves no mounts and no scratch directories.
func TestComposeAndCleanup(t *testing.T) {
	fs := afero.NewMemMapFs()
	system := newSystem(t, fs)
	m := newFakeMounter()
	c, tracker := newComposer(fs, m)
	data := &fakeData{path: "/media/dlcopy/sdb2"}

	view, err := c.Compose(context.Background(), system, data, DefaultOptions())
	require.NoError(t, err)

	require.Len(t, view.Layers.Layers, 2)
	assert.Equal(t, BranchSpec(view.RWDir, "/media/dlcopy/sdb2", view.Layers.Paths()), m.unionOptions)
	assert.True(t, strings.HasPrefix(m.unionOptions, "br="+view.RWDir+":/media/dlcopy/sdb2=ro+wh:"))
	assert.Equal(t, TypeAufs, m.unionType)
	assert.Equal(t, 3, m.count())
	assert.Len(t, scratchDirs(t, fs), 3)
	assert.NotEmpty(t, tracker.live)

	require.NoError(t, view.Cleanup(context.Background()))
	assert.Zero(t, m.count())
	assert.Empty(t, scratchDirs(t, fs))
	assert.Equal(t, 1, data.released)
	assert.Empty(t, tracker.live)

	// a second cleanup is a no-op
	require.NoError(t, view.Cleanup(context.Background()))
	assert.Equal(t, 1, data.released)
}

// TestCleanupKeepsForeignDataMount checks that a persistence partition that
// was mounted before the run stays mounted.
func TestCleanupKeepsForeignDataMount(t *testing.T) {
	fs := afero.NewMemMapFs()
	system := newSystem(t, fs)
	m := newFakeMounter()
	c, _ := newComposer(fs, m)
	data := &fakeData{path: partition.ActivePersistenceMountPath, alreadyMounted: true}

	view, err := c.Compose(context.Background(), system, data, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, view.Cleanup(context.Background()))
	assert.Equal(t, 1, data.acquired)
	assert.Zero(t, data.released)
}

// TestComposeFailureCleansUp injects failures at each step and checks that
// nothing stays mounted or on disk.
func TestComposeFailureCleansUp(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *fakeMounter, d *fakeData)
	}{
		{"layer mount", func(m *fakeMounter, d *fakeData) { m.loopErr = errors.New("loop device exhausted") }},
		{"data partition", func(m *fakeMounter, d *fakeData) { d.acquireErr = errors.New("no such device") }},
		{"union mount", func(m *fakeMounter, d *fakeData) { m.unionErr = errors.New("unknown filesystem type 'aufs'") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			system := newSystem(t, fs)
			m := newFakeMounter()
			c, tracker := newComposer(fs, m)
			data := &fakeData{path: "/media/dlcopy/sdb2"}
			tt.setup(m, data)

			view, err := c.Compose(context.Background(), system, data, DefaultOptions())
			require.Error(t, err)
			assert.Nil(t, view)
			assert.Zero(t, m.count())
			assert.Empty(t, scratchDirs(t, fs))
			assert.Equal(t, data.acquired, data.released)
			assert.Empty(t, tracker.live)
		})
	}
}

// TestCleanupContinuesAfterFailure checks that a layer that cannot be
// unmounted does not stop the rest of the teardown, and that its
// directory is kept.
func TestCleanupContinuesAfterFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	system := newSystem(t, fs)
	m := newFakeMounter()
	c, _ := newComposer(fs, m)
	data := &fakeData{path: "/media/dlcopy/sdb2"}

	view, err := c.Compose(context.Background(), system, data, DefaultOptions())
	require.NoError(t, err)
	stuck := view.Layers.Layers[0].MountPoint
	m.unmountErr[stuck] = errors.New("target is busy")

	err = view.Cleanup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target is busy")
	assert.Equal(t, 1, m.count())
	assert.Equal(t, 1, data.released)
	exists, _ := afero.DirExists(fs, view.Layers.Parent)
	assert.True(t, exists)
	assert.Len(t, scratchDirs(t, fs), 1)
}

// TestCleanupKeepsBranchesOfMountedUnion checks that the writable branch
// and the merged directory survive a failed union unmount.
func TestCleanupKeepsBranchesOfMountedUnion(t *testing.T) {
	fs := afero.NewMemMapFs()
	system := newSystem(t, fs)
	m := newFakeMounter()
	c, tracker := newComposer(fs, m)

	view, err := c.Compose(context.Background(), system, &fakeData{path: "/media/dlcopy/sdb2"}, DefaultOptions())
	require.NoError(t, err)
	m.unmountErr[view.MergedPath] = errors.New("target is busy")

	err = view.Cleanup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keeping "+view.RWDir+": still mounted")

	for _, dir := range []string{view.RWDir, view.MergedPath} {
		exists, _ := afero.DirExists(fs, dir)
		assert.True(t, exists, dir)
	}
	assert.Contains(t, tracker.live, dlcopy.Resource{Kind: dlcopy.ResourceDir, Path: view.RWDir}.Key())
}

// TestComposeOverlay checks the overlayfs layering.
func TestComposeOverlay(t *testing.T) {
	fs := afero.NewMemMapFs()
	system := newSystem(t, fs)
	require.NoError(t, fs.MkdirAll("/media/dlcopy/sdb2/rw", 0o755))
	m := newFakeMounter()
	c, _ := newComposer(fs, m)
	opts := DefaultOptions()
	opts.Type = TypeOverlay

	view, err := c.Compose(context.Background(), system, &fakeData{path: "/media/dlcopy/sdb2"}, opts)
	require.NoError(t, err)
	defer view.Cleanup(context.Background())

	assert.Equal(t, TypeOverlay, m.unionType)
	assert.True(t, strings.HasPrefix(m.unionOptions, "lowerdir=/media/dlcopy/sdb2/rw:"))
	assert.Contains(t, m.unionOptions, "upperdir="+filepath.Join(view.RWDir, "upper"))
}

// TestComposeAppliesEdits checks the welcome flags and host key removal in
// the merged tree.
func TestComposeAppliesEdits(t *testing.T) {
	fs := afero.NewMemMapFs()
	system := newSystem(t, fs)
	m := newFakeMounter()
	c, _ := newComposer(fs, m)

	// The fake mounter does not merge trees, so seed the merged directory
	// from a mount hook.
	hooked := &seedingMounter{fakeMounter: m, fs: fs}
	c.mounter = hooked
	opts := DefaultOptions()
	opts.AutoStartInstaller = true

	view, err := c.Compose(context.Background(), system, &fakeData{path: "/data"}, opts)
	require.NoError(t, err)
	defer view.Cleanup(context.Background())

	keys, err := afero.Glob(fs, filepath.Join(view.MergedPath, SSHHostKeyPattern))
	require.NoError(t, err)
	assert.Empty(t, keys)

	data, err := afero.ReadFile(fs, filepath.Join(view.MergedPath, WelcomePropertiesPath))
	require.NoError(t, err)
	props, err := properties.LoadString(string(data))
	require.NoError(t, err)
	assert.False(t, props.GetBool(KeyShowNotUsedInfo, true))
	assert.True(t, props.GetBool(KeyAutoStartInstaller, false))
}

type seedingMounter struct {
	*fakeMounter
	fs afero.Fs
}

func (s *seedingMounter) MountUnion(ctx context.Context, fstype, options, target string) error {
	if err := s.fakeMounter.MountUnion(ctx, fstype, options, target); err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Join(target, "etc/ssh"), 0o755); err != nil {
		return err
	}
	for _, key := range []string{"ssh_host_rsa_key", "ssh_host_rsa_key.pub", "ssh_host_ed25519_key"} {
		if err := afero.WriteFile(s.fs, filepath.Join(target, "etc/ssh", key), []byte("key"), 0o600); err != nil {
			return err
		}
	}
	return afero.WriteFile(s.fs, filepath.Join(target, WelcomePropertiesPath), []byte("ShowNotUsedInfo=true\n"), 0o644)
}

// TestEditWelcome checks that existing keys are kept and the header is
// written.
func TestEditWelcome(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := filepath.Join("/root", WelcomePropertiesPath)
	require.NoError(t, fs.MkdirAll("/root/etc", 0o755))
	require.NoError(t, afero.WriteFile(fs, path, []byte("# old\nShowNotUsedInfo=true\nLocale=de_CH\n"), 0o600))

	require.NoError(t, EditWelcome(fs, "/root", false, true))

	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "#lernstick Welcome properties\n"))
	props, err := properties.LoadString(string(data))
	require.NoError(t, err)
	assert.Equal(t, "de_CH", props.GetString("Locale", ""))
	assert.Equal(t, "false", props.GetString(KeyShowNotUsedInfo, ""))
	assert.Equal(t, "true", props.GetString(KeyAutoStartInstaller, ""))

	info, err := fs.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, "-rw-------", info.Mode().Perm().String())
}

// TestEditWelcomeMissingFile checks that a missing file is reported and not
// created.
func TestEditWelcomeMissingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.Error(t, EditWelcome(fs, "/root", true, false))
	exists, _ := afero.Exists(fs, filepath.Join("/root", WelcomePropertiesPath))
	assert.False(t, exists)
}

// TestListImagesOrder checks that both filesystem.module and the lexical
// fallback yield the highest priority image first.
func TestListImagesOrder(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/live", 0o755))
	for _, name := range []string{"b.squashfs", "a.squashfs", "filesystem.packages"} {
		require.NoError(t, afero.WriteFile(fs, "/live/"+name, nil, 0o644))
	}
	images, err := ListImages(fs, "/live")
	require.NoError(t, err)
	assert.Equal(t, []string{"/live/b.squashfs", "/live/a.squashfs"}, images)

	require.NoError(t, afero.WriteFile(fs, "/live/"+ModuleFile, []byte("b.squashfs\n\na.squashfs\n"), 0o644))
	images, err = ListImages(fs, "/live")
	require.NoError(t, err)
	assert.Equal(t, []string{"/live/a.squashfs", "/live/b.squashfs"}, images)

	_, err = ListImages(afero.NewMemMapFs(), "/live")
	assert.Error(t, err)
}

// TestUpdateImageShadowsBase checks that an update image sorting after the
// base image outranks it in the aufs branch list, right below the data
// partition.
func TestUpdateImageShadowsBase(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/run", 0o755))
	require.NoError(t, fs.MkdirAll("/medium/live", 0o755))
	for _, name := range []string{"filesystem.squashfs", "zz-update.squashfs"} {
		require.NoError(t, afero.WriteFile(fs, filepath.Join("/medium/live", name), []byte("img"), 0o644))
	}
	m := newFakeMounter()
	c, _ := newComposer(fs, m)

	view, err := c.Compose(context.Background(), "/medium", &fakeData{path: "/data"}, DefaultOptions())
	require.NoError(t, err)
	defer view.Cleanup(context.Background())

	require.Len(t, view.Layers.Layers, 2)
	update := view.Layers.Layers[0].MountPoint
	base := view.Layers.Layers[1].MountPoint
	assert.Equal(t, "/medium/live/zz-update.squashfs", view.Layers.Layers[0].Image)
	assert.Equal(t, "br="+view.RWDir+":/data=ro+wh:"+update+":"+base, m.unionOptions)
}

// TestBranchSpec checks the aufs option string.
func TestBranchSpec(t *testing.T) {
	got := BranchSpec("/run/rw1", "/media/data", []string{"/run/sq/a", "/run/sq/b"})
	assert.Equal(t, "br=/run/rw1:/media/data=ro+wh:/run/sq/a:/run/sq/b", got)
	assert.Equal(t, "lowerdir=/d:/a,upperdir=/u,workdir=/w", OverlayOptions("/u", "/w", "/d", []string{"/a"}))
}
