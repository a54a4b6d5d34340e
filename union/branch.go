package union

import (
	"fmt"
	"strings"
)

const (
	// TypeAufs composes with aufs branches. Persistence partitions written
	// by aufs store deletions as .wh. files, which only aufs honours.
	TypeAufs = "aufs"
	// TypeOverlay composes with overlayfs for persistence partitions
	// written by overlay-based live systems.
	TypeOverlay = "overlay"
)

// BranchSpec builds the aufs mount option listing, highest priority first,
// the writable scratch layer, the persistence layer read-only with
// whiteouts honoured, and the read-only system layers.
func BranchSpec(rwDir, dataPath string, roPaths []string) string {
	var b strings.Builder
	b.WriteString("br=")
	b.WriteString(rwDir)
	b.WriteString(":")
	b.WriteString(dataPath)
	b.WriteString("=ro+wh")
	for _, p := range roPaths {
		b.WriteString(":")
		b.WriteString(p)
	}
	return b.String()
}

// OverlayOptions builds the overlayfs mount options for the same layering.
// Lower directories are listed highest priority first.
func OverlayOptions(upperDir, workDir, dataPath string, roPaths []string) string {
	lower := append([]string{dataPath}, roPaths...)
	return fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", strings.Join(lower, ":"), upperDir, workDir)
}
