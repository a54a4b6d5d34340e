package union

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/magiconair/properties"
	"github.com/spf13/afero"
)

const (
	// WelcomePropertiesPath holds the settings of the welcome dialog,
	// relative to the system root.
	WelcomePropertiesPath = "etc/lernstickWelcome"
	welcomeComment        = "lernstick Welcome properties"

	KeyShowNotUsedInfo    = "ShowNotUsedInfo"
	KeyAutoStartInstaller = "AutoStartInstaller"
)

// EditWelcome sets the welcome dialog flags in the system tree at root.
// A missing properties file is reported as an error and left missing.
func EditWelcome(fs afero.Fs, root string, showNotUsedInfo, autoStartInstaller bool) error {
	path := filepath.Join(root, WelcomePropertiesPath)
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	loader := &properties.Loader{Encoding: properties.ISO_8859_1, DisableExpansion: true}
	props, err := loader.LoadBytes(data)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if _, _, err := props.Set(KeyShowNotUsedInfo, strconv.FormatBool(showNotUsedInfo)); err != nil {
		return err
	}
	if _, _, err := props.Set(KeyAutoStartInstaller, strconv.FormatBool(autoStartInstaller)); err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.WriteString("#" + welcomeComment + "\n")
	if _, err := props.Write(&buf, properties.ISO_8859_1); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	mode := os.FileMode(0o644)
	if info, err := fs.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := afero.WriteFile(fs, path, buf.Bytes(), mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// SSHHostKeyPattern matches the host keys below a system root.
const SSHHostKeyPattern = "etc/ssh/ssh_host_*"

// RemoveSSHHostKeys deletes the SSH host keys of the system tree at root so
// every rebuilt image generates its own. It returns the number removed.
func RemoveSSHHostKeys(fs afero.Fs, root string) (int, error) {
	keys, err := afero.Glob(fs, filepath.Join(root, SSHHostKeyPattern))
	if err != nil {
		return 0, fmt.Errorf("failed to list ssh host keys: %w", err)
	}
	removed := 0
	for _, key := range keys {
		if err := fs.Remove(key); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", key, err)
		}
		removed++
	}
	return removed, nil
}
