package tui

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// UploadRow is one uploaded image.
type UploadRow struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// UploadLabel returns the label part of an upload key
// <prefix>/<label>/<run id>.iso.
func UploadLabel(key string) string {
	dir := path.Dir(key)
	if dir == "." {
		return ""
	}
	return path.Base(dir)
}

// UploadRunID returns the run ID an upload key was derived from.
func UploadRunID(key string) string {
	return strings.TrimSuffix(path.Base(key), ".iso")
}

// UploadStats summarizes uploads per label.
type UploadStats struct {
	Label  string
	Count  int
	Bytes  int64
	Newest time.Time
}

// SummarizeUploads groups uploads by label, largest first.
func SummarizeUploads(uploads []UploadRow) []UploadStats {
	byLabel := map[string]*UploadStats{}
	for _, u := range uploads {
		label := UploadLabel(u.Key)
		st := byLabel[label]
		if st == nil {
			st = &UploadStats{Label: label}
			byLabel[label] = st
		}
		st.Count++
		st.Bytes += u.Size
		if u.LastModified.After(st.Newest) {
			st.Newest = u.LastModified
		}
	}
	out := make([]UploadStats, 0, len(byLabel))
	for _, st := range byLabel {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bytes != out[j].Bytes {
			return out[i].Bytes > out[j].Bytes
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// RenderUploadsTable renders uploaded images, newest first, followed by a
// per-label summary.
func RenderUploadsTable(uploads []UploadRow) string {
	sorted := append([]UploadRow(nil), uploads...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LastModified.After(sorted[j].LastModified)
	})

	columns := []Column{
		{Title: "", Width: 2},
		{Title: "LABEL", Width: 16},
		{Title: "RUN ID", Width: 30},
		{Title: "SIZE", Width: 10},
		{Title: "UPLOADED", Width: 20},
	}
	rows := make([][]string, 0, len(sorted))
	statuses := make([]string, 0, len(sorted))
	var total int64
	for _, u := range sorted {
		rows = append(rows, []string{UploadLabel(u.Key), UploadRunID(u.Key), FormatBytes(u.Size), u.LastModified.Format("2006-01-02 15:04:05")})
		statuses = append(statuses, "done")
		total += u.Size
	}
	styles := DefaultStyles()
	out := renderRows(styles, "Uploaded Images", columns, rows, statuses, "No uploads found", "images")
	if len(sorted) == 0 {
		return out
	}

	var summary [][]string
	for _, st := range SummarizeUploads(sorted) {
		summary = append(summary, []string{st.Label, fmt.Sprint(st.Count), FormatBytes(st.Bytes), st.Newest.Format("2006-01-02")})
	}
	return out + fmt.Sprintf("%s %s\n\n", styles.Muted.Render("Stored:"), FormatBytes(total)) +
		RenderSimple([]string{"LABEL", "IMAGES", "BYTES", "NEWEST"}, summary, styles)
}
