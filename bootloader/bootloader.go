// Package bootloader adapts the boot configuration copied from the running
// system to an ISO image.
//
// A medium installed on a USB stick boots with syslinux, an ISO boots with
// isolinux. Relocate renames the loader directory, binary and menu file
// and rewrites the menu files that name the loader. SetDataPartitionMode
// rewrites the kernel command lines so the image uses the persistence
// partition the way the user asked for.
package bootloader

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	SyslinuxDir = "syslinux"
	IsolinuxDir = "isolinux"
)

var syslinuxPattern = regexp.MustCompile("syslinux")

// RewrittenFiles are the isolinux menu files that name the loader.
var RewrittenFiles = []string{"exithelp.cfg", "stdmenu.cfg", "isolinux.cfg"}

// Relocate turns the syslinux setup below buildDir into an isolinux setup.
// It reports false if there is no syslinux directory. Missing optional files
// are logged and skipped; any I/O error is returned.
func Relocate(fs afero.Fs, buildDir string, logger logrus.FieldLogger) (bool, error) {
	syslinux := filepath.Join(buildDir, SyslinuxDir)
	if ok, err := afero.DirExists(fs, syslinux); err != nil {
		return false, fmt.Errorf("failed to check %s: %w", syslinux, err)
	} else if !ok {
		logger.WithField("path", syslinux).Debug("no syslinux directory, nothing to relocate")
		return false, nil
	}

	isolinux := filepath.Join(buildDir, IsolinuxDir)
	if err := fs.Rename(syslinux, isolinux); err != nil {
		return false, fmt.Errorf("failed to rename %s: %w", syslinux, err)
	}

	renames := [][2]string{
		{"syslinux.bin", "isolinux.bin"},
		{"syslinux.cfg", "isolinux.cfg"},
	}
	for _, r := range renames {
		from, to := filepath.Join(isolinux, r[0]), filepath.Join(isolinux, r[1])
		if ok, _ := afero.Exists(fs, from); !ok {
			logger.WithField("path", from).Warn("file missing, not renamed")
			continue
		}
		if err := fs.Rename(from, to); err != nil {
			return false, fmt.Errorf("failed to rename %s: %w", from, err)
		}
	}

	for _, name := range RewrittenFiles {
		path := filepath.Join(isolinux, name)
		changed, err := ReplaceText(fs, path, syslinuxPattern, IsolinuxDir)
		if os.IsNotExist(err) {
			logger.WithField("path", path).Warn("file missing, not rewritten")
			continue
		}
		if err != nil {
			return false, err
		}
		logger.WithFields(logrus.Fields{
			"path":    path,
			"changed": changed,
		}).Debug("rewrote loader name")
	}
	return true, nil
}

// ReplaceText replaces every match of pattern in the file at path. The file
// is only written if its content changes. Errors reading the file are
// returned unwrapped so callers can test them with os.IsNotExist.
func ReplaceText(fs afero.Fs, path string, pattern *regexp.Regexp, replacement string) (bool, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return false, err
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return false, err
	}
	replaced := pattern.ReplaceAll(data, []byte(replacement))
	if string(replaced) == string(data) {
		return false, nil
	}
	if err := afero.WriteFile(fs, path, replaced, info.Mode().Perm()); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}
