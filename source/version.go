package source

import "github.com/spf13/afero"

// LiveVersion is a Debian live-boot generation. Each generation mounts the
// boot medium at a different place and ships the syslinux MBR elsewhere.
type LiveVersion struct {
	Name           string
	LiveSystemPath string
	MBRPath        string
}

var (
	Debian6 = LiveVersion{Name: "DEBIAN_6", LiveSystemPath: "/live/image", MBRPath: "/usr/lib/syslinux/mbr.bin"}
	Debian7 = LiveVersion{Name: "DEBIAN_7", LiveSystemPath: "/lib/live/mount/medium", MBRPath: "/usr/lib/syslinux/mbr.bin"}
	Debian8 = LiveVersion{Name: "DEBIAN_8", LiveSystemPath: "/lib/live/mount/medium", MBRPath: "/usr/lib/syslinux/mbr/mbr.bin"}
)

// LiveVersions lists the known generations in detection order.
var LiveVersions = []LiveVersion{Debian6, Debian7, Debian8}

// DetectLiveVersion returns the first generation whose system path and MBR
// both exist, and false if the host is not a known live system.
func DetectLiveVersion(fs afero.Fs) (LiveVersion, bool) {
	for _, v := range LiveVersions {
		if exists(fs, v.LiveSystemPath) && exists(fs, v.MBRPath) {
			return v, true
		}
	}
	return LiveVersion{}, false
}

func exists(fs afero.Fs, path string) bool {
	ok, err := afero.Exists(fs, path)
	return err == nil && ok
}
