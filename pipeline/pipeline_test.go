package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kballard/go-shellquote"
	"github.com/lernstick/dlcopy"
	"github.com/lernstick/dlcopy/bootcopy"
	"github.com/lernstick/dlcopy/database"
	"github.com/lernstick/dlcopy/executor"
	"github.com/lernstick/dlcopy/journal"
	"github.com/lernstick/dlcopy/metrics"
	"github.com/lernstick/dlcopy/partition"
	"github.com/lernstick/dlcopy/s3"
	"github.com/lernstick/dlcopy/safeguards"
	"github.com/lernstick/dlcopy/source"
	"github.com/lernstick/dlcopy/squashfs"
	"github.com/lernstick/dlcopy/union"
	"github.com/lernstick/dlcopy/xorriso"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeMounter tracks loop and union mounts by target.
type fakeMounter struct {
	mu      sync.Mutex
	mounted map[string]string
}

func (m *fakeMounter) MountLoop(ctx context.Context, image, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mounted[target] = image
	return nil
}

func (m *fakeMounter) MountUnion(ctx context.Context, fstype, options, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mounted[target] = fstype
	return nil
}

func (m *fakeMounter) UnmountPath(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mounted, path)
	return nil
}

func (m *fakeMounter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mounted)
}

// fakeTransport mounts partitions below a fixed directory.
type fakeTransport struct {
	mu      sync.Mutex
	root    string
	mounts  map[string]string
	mounted int
}

func (f *fakeTransport) MountPaths(ctx context.Context, device string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.mounts[device]; ok {
		return []string{p}, nil
	}
	return nil, nil
}

func (f *fakeTransport) Mount(ctx context.Context, device, fstype string, options []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := filepath.Join(f.root, device)
	f.mounts[device] = p
	f.mounted++
	return p, nil
}

func (f *fakeTransport) Unmount(ctx context.Context, device string, options []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.mounts, device)
	return nil
}

type fakeUploader struct {
	progress s3.ProgressFunc
	keys     []string
}

func (u *fakeUploader) SetProgressFunc(fn s3.ProgressFunc) { u.progress = fn }

func (u *fakeUploader) UploadISO(ctx context.Context, localPath, key string) (*s3.UploadResult, error) {
	if u.progress != nil {
		u.progress(50, 100, 0)
		u.progress(100, 100, 0)
	}
	u.keys = append(u.keys, key)
	return &s3.UploadResult{Key: key, SizeBytes: 100}, nil
}

type fakeHistory struct {
	started  []*database.Build
	statuses map[string]string
	uploads  map[string]string
}

func (h *fakeHistory) StartBuild(ctx context.Context, b *database.Build) error {
	h.started = append(h.started, b)
	return nil
}

func (h *fakeHistory) FinishBuild(ctx context.Context, runID, status, errMsg string, isoSize int64) error {
	h.statuses[runID] = status
	return nil
}

func (h *fakeHistory) SetUploadKey(ctx context.Context, runID, key string) error {
	h.uploads[runID] = key
	return nil
}

type harness struct {
	t         *testing.T
	base      string
	fs        afero.Fs
	exec      *executor.Fake
	mounter   *fakeMounter
	transport *fakeTransport
	journal   *journal.Store
	deps      Dependencies
	req       Request
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// lastWord returns the last shell word of a script.
func lastWord(script string) string {
	words, err := shellquote.Split(script)
	if err != nil || len(words) == 0 {
		return ""
	}
	return words[len(words)-1]
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// newHarness builds a legacy live system with two squashfs images and a
// persistence partition, and fakes for every external tool.
func newHarness(t *testing.T) *harness {
	base := t.TempDir()
	fs := afero.NewOsFs()
	system := filepath.Join(base, "medium")
	writeFile(t, filepath.Join(system, "live", "filesystem.squashfs"), "base")
	writeFile(t, filepath.Join(system, "live", "filesystem2.squashfs"), "extra")
	require.NoError(t, os.MkdirAll(filepath.Join(base, "run"), 0o755))

	fake := executor.NewFake()
	fake.Handle("/bin/sh", func(cmd executor.Command) executor.Response {
		dest := lastWord(cmd.Args[1])
		writeFile(t, filepath.Join(dest, "syslinux", "syslinux.cfg"), "label live\n  append boot=live quiet\n")
		writeFile(t, filepath.Join(dest, "syslinux", "syslinux.bin"), "bin")
		writeFile(t, filepath.Join(dest, "syslinux", "stdmenu.cfg"), "menu syslinux\n")
		writeFile(t, filepath.Join(dest, "live", "vmlinuz"), "kernel")
		writeFile(t, filepath.Join(dest, "live", "initrd.img"), "initrd")
		return executor.Response{}
	})
	fake.Respond(squashfs.Tool, executor.Response{Lines: []string{
		"[=====          ]  500/1000  50%",
		"[===============] 1000/1000 100%",
	}})
	fake.Handle(xorriso.Tool, func(cmd executor.Command) executor.Response {
		writeFile(t, argAfter(cmd.Args, "-dev"), "ISO")
		return executor.Response{Lines: []string{
			"xorriso : UPDATE : Writing:      2048s   12.5% fifo 100% buf  50%",
			"xorriso : UPDATE : Writing:      8192s   55.0% fifo 100% buf  50%",
		}}
	})

	transport := &fakeTransport{root: filepath.Join(base, "media"), mounts: map[string]string{}}
	data := partition.New(
		partition.Info{Device: "sdb2", Parent: "sdb", IDLabel: partition.PersistenceLabel},
		partition.Options{},
		partition.Dependencies{Transport: transport, Executor: fake, Fs: fs, Logger: quietLogger()},
	)

	store, err := journal.Open(filepath.Join(base, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mounter := &fakeMounter{mounted: map[string]string{}}
	logger := quietLogger()
	copier := bootcopy.New(fs, fake)
	copier.SetLogger(logger)
	composer := union.New(fs, mounter)
	composer.SetLogger(logger)
	compressor := squashfs.New(fake, fs)
	compressor.SetLogger(logger)
	author := xorriso.New(fake)
	author.SetLogger(logger)

	req := DefaultRequest()
	req.TmpDirectory = filepath.Join(base, "tmp")
	req.RunDirectory = filepath.Join(base, "run")

	return &harness{
		t:         t,
		base:      base,
		fs:        fs,
		exec:      fake,
		mounter:   mounter,
		transport: transport,
		journal:   store,
		req:       req,
		deps: Dependencies{
			Fs:         fs,
			Source:     source.NewRunning(source.Debian8, system, data, nil),
			Copier:     copier,
			Composer:   composer,
			Compressor: compressor,
			Author:     author,
			Journal:    store,
			Logger:     logger,
		},
	}
}

func (h *harness) run() (*dlcopy.Result, []dlcopy.ProgressEvent) {
	job := New(h.deps).Start(context.Background(), h.req)
	var events []dlcopy.ProgressEvent
	for ev := range job.Events() {
		events = append(events, ev)
	}
	return job.Wait(), events
}

func (h *harness) entries(dir string) []string {
	list, err := os.ReadDir(filepath.Join(h.base, dir))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(h.t, err)
	var names []string
	for _, e := range list {
		names = append(names, e.Name())
	}
	return names
}

// A full rebuild produces the image and leaves no mounts or scratch
// directories behind.
func TestRunCreatesImage(t *testing.T) {
	h := newHarness(t)
	result, events := h.run()
	require.True(t, result.Success, result.Error())

	assert.Equal(t, dlcopy.StageDone, result.Stage)
	assert.FileExists(t, result.ISOPath)
	assert.Equal(t, ISOName, filepath.Base(result.ISOPath))

	build := filepath.Join(filepath.Dir(result.ISOPath), BuildDir)
	assert.FileExists(t, filepath.Join(build, "md5sum.txt"))
	assert.FileExists(t, filepath.Join(build, "isolinux", "isolinux.bin"))
	assert.NoDirExists(t, filepath.Join(build, "syslinux"))
	cfg, err := os.ReadFile(filepath.Join(build, "isolinux", "isolinux.cfg"))
	require.NoError(t, err)
	assert.Contains(t, string(cfg), "boot=live quiet persistence")

	assert.Zero(t, h.mounter.count(), "union and layers unmounted")
	assert.Empty(t, h.transport.mounts, "data partition released")
	assert.Empty(t, h.entries("run"), "scratch directories removed")

	runs, err := h.journal.Runs()
	require.NoError(t, err)
	assert.Empty(t, runs)

	var messages []string
	var percents []int
	for _, ev := range events {
		if ev.HasPercent() {
			percents = append(percents, ev.Percent)
		} else {
			messages = append(messages, ev.Message)
		}
	}
	assert.Equal(t, []string{
		MsgCopyingFiles,
		MsgMountingPartitions,
		squashfs.ProgressLabel,
		MsgUpdatingChecksums,
		xorriso.ProgressLabel,
	}, messages)
	assert.Contains(t, percents, 50)
	assert.Contains(t, percents, 55)
}

// A failing compressor fails the run, but the union, the layers and the
// data partition are still released and the run directory removed.
func TestCompressorFailureCleansUp(t *testing.T) {
	h := newHarness(t)
	h.exec = executor.NewFake()
	fake := h.exec
	fake.Handle("/bin/sh", func(cmd executor.Command) executor.Response {
		writeFile(t, filepath.Join(lastWord(cmd.Args[1]), "syslinux", "syslinux.cfg"), "")
		return executor.Response{}
	})
	fake.Respond(squashfs.Tool, executor.Response{Lines: []string{"FATAL ERROR: no space"}, ExitCode: 1})
	h.deps.Copier = bootcopy.New(h.fs, fake)
	h.deps.Copier.SuppressLogs()
	h.deps.Compressor = squashfs.New(fake, h.fs)
	h.deps.Compressor.SuppressLogs()

	result, _ := h.run()
	require.False(t, result.Success)
	assert.True(t, executor.IsToolError(result.Err))
	assert.Equal(t, dlcopy.StageCompressFilesystem, result.Stage)
	assert.Empty(t, result.ISOPath)

	assert.Zero(t, h.mounter.count())
	assert.Empty(t, h.transport.mounts)
	assert.Equal(t, 1, h.transport.mounted)
	assert.Empty(t, h.entries("run"))
	assert.Empty(t, h.entries("tmp"), "failed run directory removed")
	assert.Empty(t, fake.CallsTo(xorriso.Tool))

	runs, err := h.journal.Runs()
	require.NoError(t, err)
	assert.Empty(t, runs, "nothing left for gc")
}

// Boot-only media skip the union and the compressor.
func TestRunBootOnly(t *testing.T) {
	h := newHarness(t)
	h.req.OnlyBootMedium = true
	h.req.DataPartitionMode = dlcopy.NotUsed

	result, _ := h.run()
	require.True(t, result.Success, result.Error())
	assert.Empty(t, h.exec.CallsTo(squashfs.Tool))
	assert.Zero(t, h.transport.mounted)

	cfg, err := os.ReadFile(filepath.Join(filepath.Dir(result.ISOPath), BuildDir, "isolinux", "isolinux.cfg"))
	require.NoError(t, err)
	assert.NotContains(t, string(cfg), "persistence")
}

// Full rebuilds need a persistence partition.
func TestRunWithoutDataPartition(t *testing.T) {
	h := newHarness(t)
	h.deps.Source = source.NewRunning(source.Debian8, h.deps.Source.SystemPath(), nil, nil)

	result, _ := h.run()
	require.False(t, result.Success)
	assert.True(t, errors.Is(result.Err, ErrNoDataPartition))
	assert.Equal(t, dlcopy.StageMountLayers, result.Stage)
	assert.Empty(t, h.entries("tmp"))
}

// A panicking stage becomes a failed result and the run is still cleaned up.
func TestRunRecoversPanic(t *testing.T) {
	h := newHarness(t)
	h.deps.Copier = nil

	result, _ := h.run()
	require.False(t, result.Success)
	assert.True(t, safeguards.IsPanicError(result.Err))
	assert.Equal(t, dlcopy.StageCopyBoot, result.Stage)
	assert.Empty(t, h.entries("tmp"))
}

// Uploads report progress and are recorded in the history.
func TestRunUploads(t *testing.T) {
	h := newHarness(t)
	uploader := &fakeUploader{}
	history := &fakeHistory{statuses: map[string]string{}, uploads: map[string]string{}}
	collector := metrics.New()
	h.deps.Uploader = uploader
	h.deps.History = history
	h.deps.Metrics = collector
	h.req.Upload = true
	h.req.UploadPrefix = "isos"
	h.req.ISOLabel = "Exam 2026"

	result, events := h.run()
	require.True(t, result.Success, result.Error())

	require.Len(t, uploader.keys, 1)
	assert.Equal(t, dlcopy.UploadKey("isos", "Exam 2026", result.RunID), uploader.keys[0])
	assert.Equal(t, uploader.keys[0], result.UploadKey)
	assert.Equal(t, uploader.keys[0], history.uploads[result.RunID])
	assert.Equal(t, database.BuildStatusSucceeded, history.statuses[result.RunID])
	require.Len(t, history.started, 1)
	assert.Equal(t, "Exam 2026", history.started[0].Label)

	var uploadPercents []int
	for _, ev := range events {
		if ev.Stage == dlcopy.StageUpload && ev.HasPercent() {
			uploadPercents = append(uploadPercents, ev.Percent)
		}
	}
	assert.Equal(t, []int{50, 100}, uploadPercents)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.Builds.WithLabelValues("succeeded")))
	assert.Equal(t, float64(3), testutil.ToFloat64(collector.LastISOSize))
}

// Failed runs can keep their tree for inspection; it then leaves the
// journal like any settled root.
func TestKeepFailedTree(t *testing.T) {
	h := newHarness(t)
	h.deps.Source = source.NewRunning(source.Debian8, h.deps.Source.SystemPath(), nil, nil)
	h.req.KeepFailedTree = true

	result, _ := h.run()
	require.False(t, result.Success)
	assert.Len(t, h.entries("tmp"), 1)

	runs, err := h.journal.Runs()
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRequestValidate(t *testing.T) {
	req := DefaultRequest()
	assert.NoError(t, req.Validate())

	req.UnionType = "unionfs"
	assert.Error(t, req.Validate())
	req.OnlyBootMedium = true
	assert.NoError(t, req.Validate())

	assert.Error(t, Request{}.Validate())
}
