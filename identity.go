package dlcopy

import (
	"crypto/rand"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewRunID returns a lexically sortable identifier for one rebuild.
//
// Run IDs key the crash journal, the build history and uploaded object
// names, so sorting them by string orders runs by start time.
func NewRunID() string {
	return NewRunIDAt(time.Now())
}

// NewRunIDAt returns a run ID with the given timestamp component.
func NewRunIDAt(t time.Time) string {
	return "run_" + strings.ToLower(ulid.MustNew(ulid.Timestamp(t), rand.Reader).String())
}

// RunTime extracts the timestamp embedded in a run ID.
func RunTime(runID string) (time.Time, error) {
	id, err := ulid.ParseStrict(strings.ToUpper(strings.TrimPrefix(runID, "run_")))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid run id %q: %w", runID, err)
	}
	return ulid.Time(id.Time()), nil
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// UploadKey derives the object key an ISO is uploaded under:
// <prefix>/<label>/<run id>.iso, with the label reduced to safe characters
// and "lernstick" used when it is empty.
func UploadKey(prefix, label, runID string) string {
	label = strings.Trim(unsafeKeyChars.ReplaceAllString(label, "-"), "-")
	if label == "" {
		label = "lernstick"
	}
	return strings.TrimPrefix(path.Join(prefix, label, runID+".iso"), "/")
}
