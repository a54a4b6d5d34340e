package safeguards

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// BuildTools are needed for a full rebuild.
var BuildTools = []string{"mksquashfs", "xorriso", "cpio", "find", "fuser", "du", "mount", "umount"}

// BootMediumTools are needed when only the boot medium is built.
var BootMediumTools = []string{"xorriso", "cpio", "find", "mount", "umount"}

// PreflightError reports a failed precondition of a rebuild.
type PreflightError struct {
	Check  string
	Reason string
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("preflight check %s failed: %s", e.Check, e.Reason)
}

// IsPreflightError reports whether err wraps a PreflightError.
func IsPreflightError(err error) bool {
	var pe *PreflightError
	return errors.As(err, &pe)
}

// PreflightOptions select the checks to run.
type PreflightOptions struct {
	Tools []string
	// TmpDir must have at least MinFreeBytes available.
	TmpDir       string
	MinFreeBytes uint64
	RequireRoot  bool
}

// Preflight checks the host before a rebuild.
type Preflight struct {
	LookPath func(string) (string, error)
	// FreeBytes returns the space available to unprivileged users below a
	// path.
	FreeBytes func(string) (uint64, error)
	Geteuid   func() int
	logger    logrus.FieldLogger
}

// NewPreflight returns checks against the host.
func NewPreflight(logger logrus.FieldLogger) *Preflight {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Preflight{
		LookPath:  exec.LookPath,
		FreeBytes: statfsFree,
		Geteuid:   os.Geteuid,
		logger:    logger.WithField("component", "preflight"),
	}
}

func statfsFree(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// CheckAll runs every check and returns all failures.
func (p *Preflight) CheckAll(ctx context.Context, opts PreflightOptions) error {
	var result *multierror.Error

	if opts.RequireRoot && p.Geteuid() != 0 {
		result = multierror.Append(result, &PreflightError{Check: "root", Reason: "mounting partitions requires root privileges"})
	}

	for _, tool := range opts.Tools {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := p.LookPath(tool); err != nil {
			result = multierror.Append(result, &PreflightError{Check: "tool", Reason: fmt.Sprintf("%s not found in PATH", tool)})
		}
	}

	if opts.TmpDir != "" {
		free, err := p.FreeBytes(opts.TmpDir)
		switch {
		case err != nil:
			result = multierror.Append(result, &PreflightError{Check: "free_space", Reason: fmt.Sprintf("cannot stat %s: %v", opts.TmpDir, err)})
		case free < opts.MinFreeBytes:
			result = multierror.Append(result, &PreflightError{
				Check:  "free_space",
				Reason: fmt.Sprintf("%s has %d bytes free, need %d", opts.TmpDir, free, opts.MinFreeBytes),
			})
		default:
			p.logger.WithFields(logrus.Fields{
				"tmp_dir":    opts.TmpDir,
				"free_bytes": free,
			}).Debug("free space ok")
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		p.logger.WithError(err).Warn("preflight checks failed")
		return err
	}
	return nil
}
