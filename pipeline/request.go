package pipeline

import (
	"fmt"
	"os"

	"github.com/lernstick/dlcopy"
	"github.com/lernstick/dlcopy/squashfs"
	"github.com/lernstick/dlcopy/union"
)

// Layout of a run below Request.TmpDirectory.
const (
	RootPrefix = "Lernstick-ISO"
	BuildDir   = "build"
	ISOName    = "Lernstick.iso"
)

// Request describes one rebuild.
type Request struct {
	// TmpDirectory receives the run root <TmpDirectory>/Lernstick-ISO*.
	TmpDirectory string
	// RunDirectory holds the union scratch directories.
	RunDirectory string
	// OnlyBootMedium skips union composition and compression. The image
	// then boots the system of the medium it is started from.
	OnlyBootMedium    bool
	DataPartitionMode dlcopy.DataPartitionMode
	// ISOLabel becomes the application id of the image.
	ISOLabel string

	ShowNotUsedInfo    bool
	AutoStartInstaller bool

	UnionType   string
	Compression string
	Processors  int

	// Upload sends the finished image to object storage below UploadPrefix.
	Upload       bool
	UploadPrefix string

	// RemoveBuildTree deletes <root>/build once the image exists.
	RemoveBuildTree bool
	// KeepFailedTree keeps the run root of a failed run for inspection.
	KeepFailedTree bool
}

// DefaultRequest returns a read-write rebuild in the system temporary
// directory.
func DefaultRequest() Request {
	return Request{
		TmpDirectory:      os.TempDir(),
		RunDirectory:      union.DefaultRunDir,
		DataPartitionMode: dlcopy.ReadWrite,
		UnionType:         union.TypeAufs,
		Compression:       squashfs.DefaultCompression,
	}
}

// Validate checks the request for values a run cannot start with.
func (r Request) Validate() error {
	if r.TmpDirectory == "" {
		return fmt.Errorf("no temporary directory given")
	}
	if r.OnlyBootMedium {
		return nil
	}
	switch r.UnionType {
	case "", union.TypeAufs, union.TypeOverlay:
	default:
		return fmt.Errorf("unknown union type %q", r.UnionType)
	}
	return nil
}

func (r Request) unionOptions() union.Options {
	opts := union.DefaultOptions()
	if r.RunDirectory != "" {
		opts.RunDir = r.RunDirectory
	}
	if r.UnionType != "" {
		opts.Type = r.UnionType
	}
	opts.ShowNotUsedInfo = r.ShowNotUsedInfo
	opts.AutoStartInstaller = r.AutoStartInstaller
	return opts
}

func (r Request) squashfsOptions() squashfs.Options {
	opts := squashfs.DefaultOptions()
	if r.Compression != "" {
		opts.Compression = r.Compression
	}
	opts.Processors = r.Processors
	return opts
}
