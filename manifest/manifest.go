// Package manifest writes the md5 checksum list of a live medium.
//
// The list is read by the integrity-check boot parameter and by
// `md5sum -c md5sum.txt`, so the header and line format are fixed:
//
//	<header>
//
//	<md5 hex>  ./<path relative to the medium root>
//
// Paths are sorted bytewise, which makes the file identical across runs
// over the same tree.
package manifest

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/benbjohnson/immutable"
	"github.com/spf13/afero"
)

// FileName is the manifest name at the medium root.
const FileName = "md5sum.txt"

// Header is written verbatim at the top of the manifest.
const Header = "This file contains the list of md5 checksums of all files on this medium.\n" +
	"\n" +
	"You can verify them automatically with the 'integrity-check' boot parameter,\n" +
	"or, manually with: 'md5sum -c md5sum.txt'."

// Excluded are the files whose checksum changes when the image is
// authored: the boot binaries are patched with the boot catalog location.
// The manifest itself is excluded too.
var Excluded = map[string]bool{
	"./isolinux/isolinux.bin":     true,
	"./boot/grub/stage2_eltorito": true,
	"./" + FileName:               true,
}

// Entry is one manifest line.
type Entry struct {
	Path string
	Sum  string
}

// String renders the entry in md5sum format.
func (e Entry) String() string {
	return e.Sum + "  " + e.Path
}

// Collect returns the regular files below root that belong in the manifest,
// keyed by manifest path.
func Collect(fs afero.Fs, root string) (*immutable.SortedMap[string, string], error) {
	files := immutable.NewSortedMap[string, string](nil)
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := "./" + filepath.ToSlash(rel)
		if Excluded[key] {
			return nil
		}
		files = files.Set(key, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return files, nil
}

// Build checksums every file Collect finds, in manifest order.
func Build(fs afero.Fs, root string) ([]Entry, error) {
	files, err := Collect(fs, root)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, files.Len())
	itr := files.Iterator()
	for !itr.Done() {
		key, path, _ := itr.Next()
		sum, err := fileSum(fs, path)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Path: key, Sum: sum})
	}
	return entries, nil
}

func fileSum(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Render returns the manifest content for entries.
func Render(entries []Entry) []byte {
	var buf bytes.Buffer
	buf.WriteString(Header)
	buf.WriteString("\n\n")
	for _, e := range entries {
		buf.WriteString(e.String())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Write replaces the manifest of the medium tree at root and returns the
// number of files listed.
func Write(fs afero.Fs, root string) (int, error) {
	entries, err := Build(fs, root)
	if err != nil {
		return 0, err
	}
	path := filepath.Join(root, FileName)
	if err := afero.WriteFile(fs, path, Render(entries), 0o644); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return len(entries), nil
}
