package dlcopy

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRunIDSortsByTime verifies that run IDs created later sort after earlier ones.
func TestRunIDSortsByTime(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	first := NewRunIDAt(base)
	second := NewRunIDAt(base.Add(time.Second))

	assert.True(t, strings.HasPrefix(first, "run_"))
	assert.Less(t, first, second)
}

// TestRunTimeRoundTrip verifies that the timestamp can be recovered from a run ID.
func TestRunTimeRoundTrip(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	got, err := RunTime(NewRunIDAt(base))
	require.NoError(t, err)
	assert.True(t, got.Equal(base), "got %v want %v", got, base)

	_, err = RunTime("run_not-a-ulid")
	assert.Error(t, err)
}

// TestUploadKey verifies label sanitizing and the default label.
func TestUploadKey(t *testing.T) {
	assert.Equal(t, "isos/Lernstick-Exam/run_x.iso", UploadKey("isos", "Lernstick Exam", "run_x"))
	assert.Equal(t, "lernstick/run_x.iso", UploadKey("", "", "run_x"))
	assert.Equal(t, "a/b/v1.2/run_x.iso", UploadKey("a/b/", "/v1.2/", "run_x"))
}

// TestParseDataPartitionMode verifies the accepted spellings.
func TestParseDataPartitionMode(t *testing.T) {
	cases := map[string]DataPartitionMode{
		"":           ReadWrite,
		"read-write": ReadWrite,
		"ReadOnly":   ReadOnly,
		"read-only":  ReadOnly,
		"not-used":   NotUsed,
		"NotUsed":    NotUsed,
	}
	for in, want := range cases {
		got, err := ParseDataPartitionMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDataPartitionMode("sometimes")
	assert.Error(t, err)
}

// TestPercentClamps verifies progress events never leave the 0..100 range.
func TestPercentClamps(t *testing.T) {
	assert.Equal(t, 100, Percent(StageCreateImage, "", 130).Percent)
	assert.Equal(t, 0, Percent(StageCreateImage, "", -4).Percent)
	assert.False(t, Message(StageCopyBoot, "Copying files").HasPercent())
}
