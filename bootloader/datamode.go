package bootloader

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/lernstick/dlcopy"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	liveBootParameter       = "boot=live"
	persistenceParameter    = "persistence"
	persistenceReadOnlyFlag = "persistence-read-only"
)

// ConfigGlobs match the boot menu files below a build tree.
var ConfigGlobs = []string{"syslinux/*.cfg", "isolinux/*.cfg", "boot/grub/*.cfg"}

// SetDataPartitionMode rewrites every live kernel command line below
// buildDir for mode and returns the number of files changed. Applying the
// same mode twice changes nothing.
func SetDataPartitionMode(fs afero.Fs, buildDir string, mode dlcopy.DataPartitionMode, logger logrus.FieldLogger) (int, error) {
	var files []string
	for _, pattern := range ConfigGlobs {
		matches, err := afero.Glob(fs, filepath.Join(buildDir, pattern))
		if err != nil {
			return 0, fmt.Errorf("failed to list %s: %w", pattern, err)
		}
		files = append(files, matches...)
	}

	changed := 0
	for _, path := range files {
		info, err := fs.Stat(path)
		if err != nil {
			return changed, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return changed, fmt.Errorf("failed to read %s: %w", path, err)
		}
		updated := RewriteKernelLines(string(data), mode)
		if updated == string(data) {
			continue
		}
		if err := afero.WriteFile(fs, path, []byte(updated), info.Mode().Perm()); err != nil {
			return changed, fmt.Errorf("failed to write %s: %w", path, err)
		}
		changed++
	}
	logger.WithFields(logrus.Fields{
		"mode":    mode.String(),
		"files":   len(files),
		"changed": changed,
	}).Info("data partition mode applied")
	return changed, nil
}

// RewriteKernelLines applies mode to every line of config that boots the
// live system.
func RewriteKernelLines(config string, mode dlcopy.DataPartitionMode) string {
	lines := strings.Split(config, "\n")
	for i, line := range lines {
		if strings.Contains(line, liveBootParameter) {
			lines[i] = rewriteKernelLine(line, mode)
		}
	}
	return strings.Join(lines, "\n")
}

func rewriteKernelLine(line string, mode dlcopy.DataPartitionMode) string {
	trimmed := strings.TrimLeft(line, " \t")
	indent := line[:len(line)-len(trimmed)]
	cr := strings.HasSuffix(trimmed, "\r")

	var tokens []string
	for _, tok := range strings.Fields(trimmed) {
		if tok == persistenceParameter || tok == persistenceReadOnlyFlag {
			continue
		}
		tokens = append(tokens, tok)
	}
	switch mode {
	case dlcopy.ReadWrite:
		tokens = append(tokens, persistenceParameter)
	case dlcopy.ReadOnly:
		tokens = append(tokens, persistenceParameter, persistenceReadOnlyFlag)
	}

	out := indent + strings.Join(tokens, " ")
	if cr {
		out += "\r"
	}
	return out
}
