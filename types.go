package dlcopy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Stage identifies one step of an ISO rebuild. Stages run strictly in
// declaration order; each depends on the filesystem state left by the
// previous one.
type Stage int

const (
	StagePrepare Stage = iota
	StageCopyBoot
	StageMountLayers
	StageCompressFilesystem
	StageDataPartitionMode
	StageRelocateBootloader
	StageChecksums
	StageCreateImage
	StageUpload
	StageCleanup
	StageDone
)

var stageNames = map[Stage]string{
	StagePrepare:            "Prepare",
	StageCopyBoot:           "CopyBoot",
	StageMountLayers:        "MountLayers",
	StageCompressFilesystem: "CompressFilesystem",
	StageDataPartitionMode:  "DataPartitionMode",
	StageRelocateBootloader: "RelocateBootloader",
	StageChecksums:          "Checksums",
	StageCreateImage:        "CreateImage",
	StageUpload:             "Upload",
	StageCleanup:            "Cleanup",
	StageDone:               "Done",
}

// String returns the CamelCase stage name. Log fields and metric labels use
// the snake_case form of this name.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// DataPartitionMode selects how the rebuilt medium uses its persistence
// partition at boot.
type DataPartitionMode int

const (
	ReadWrite DataPartitionMode = iota
	ReadOnly
	NotUsed
)

// String returns the command-line spelling of the mode.
func (m DataPartitionMode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case NotUsed:
		return "not-used"
	default:
		return "read-write"
	}
}

// ParseDataPartitionMode accepts the command-line spellings and the enum
// names used in older configuration files.
func ParseDataPartitionMode(s string) (DataPartitionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "read-write", "readwrite", "rw":
		return ReadWrite, nil
	case "read-only", "readonly", "ro":
		return ReadOnly, nil
	case "not-used", "notused", "none":
		return NotUsed, nil
	}
	return ReadWrite, fmt.Errorf("unknown data partition mode %q", s)
}

// MarshalText implements encoding.TextMarshaler so the mode round-trips
// through TOML and JSON as its command-line spelling.
func (m DataPartitionMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *DataPartitionMode) UnmarshalText(text []byte) error {
	parsed, err := ParseDataPartitionMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ProgressEvent is one update for the UI progress collaborator.
// Percent is -1 for message-only updates.
type ProgressEvent struct {
	Stage   Stage
	Message string
	Percent int
}

// HasPercent reports whether the event carries a percentage.
func (e ProgressEvent) HasPercent() bool {
	return e.Percent >= 0
}

// Message returns a message-only event.
func Message(stage Stage, text string) ProgressEvent {
	return ProgressEvent{Stage: stage, Message: text, Percent: -1}
}

// Percent returns an event carrying a percentage, clamped to 0..100.
func Percent(stage Stage, text string, percent int) ProgressEvent {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return ProgressEvent{Stage: stage, Message: text, Percent: percent}
}

// Emit sends ev on events unless events is nil.
func Emit(events chan<- ProgressEvent, ev ProgressEvent) {
	if events != nil {
		events <- ev
	}
}

// ResourceKind distinguishes the scratch resources a run creates.
type ResourceKind string

const (
	ResourceMount ResourceKind = "mount"
	ResourceDir   ResourceKind = "dir"
)

// Resource is a temporary mount point or directory owned by a run.
type Resource struct {
	Kind ResourceKind `json:"kind"`
	Path string       `json:"path"`
	// Owner names the component that created the resource, e.g. "union".
	Owner     string    `json:"owner,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Key returns the identity used to deduplicate resources. A directory and a
// mount on the same path are distinct resources.
func (r Resource) Key() string {
	return string(r.Kind) + ":" + r.Path
}

// Marshal serializes the resource for the run journal.
func (r Resource) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalResource parses a journaled resource.
func UnmarshalResource(data []byte) (Resource, error) {
	var r Resource
	err := json.Unmarshal(data, &r)
	return r, err
}

// Result is the terminal outcome of a rebuild.
type Result struct {
	RunID    string        `json:"run_id"`
	ISOPath  string        `json:"iso_path,omitempty"`
	Success  bool          `json:"success"`
	Stage    Stage         `json:"stage"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
	// UploadKey is set when the image was uploaded to object storage.
	UploadKey string `json:"upload_key,omitempty"`
}

// Error returns the failure text, or an empty string on success.
func (r *Result) Error() string {
	if r == nil || r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
