package progress

import (
	"io"
	"testing"

	"github.com/lernstick/dlcopy"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseSquashfs checks the recomputed percentage and rejected lines.
func TestParseSquashfs(t *testing.T) {
	cases := []struct {
		line    string
		percent int
		ok      bool
	}{
		{"[====      ]  50000/100000  18%", 50, true},
		{"[==========================================] 100000/100000 100%", 100, true},
		{"[=====|       ] 1/3  33%", 33, true},
		{"[=====|       ] 0/0  0%", 0, false},
		{"garbage", 0, false},
		{"Parallel mksquashfs: Using 8 processors", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		percent, ok, err := ParseSquashfs(tc.line)
		require.NoError(t, err, tc.line)
		assert.Equal(t, tc.ok, ok, tc.line)
		if tc.ok {
			assert.Equal(t, tc.percent, percent, tc.line)
		}
	}
}

// TestParseXorriso checks that the integer part of the first percentage is used.
func TestParseXorriso(t *testing.T) {
	percent, ok, err := ParseXorriso("xorriso : UPDATE : Writing: 234234s 31.5% fifo 23% buf 50% 12.7xD")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 31, percent)

	_, ok, err = ParseXorriso("xorriso : UPDATE : 1234 files added in 1 seconds")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = ParseXorriso("garbage")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestParseXorrisoNonNumeric verifies that a non-numeric match is an error
// and not a progress value.
func TestParseXorrisoNonNumeric(t *testing.T) {
	_, ok, err := ParseXorriso("state: abc.def% fifo 1% buf 2% x")
	assert.False(t, ok)
	assert.Error(t, err)
}

// TestPumpEmitsOnChange verifies that repeated percentages are collapsed and
// that bad lines never stop the pump.
func TestPumpEmitsOnChange(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	lines := make(chan string, 8)
	events := make(chan dlcopy.ProgressEvent, 8)
	for _, l := range []string{
		"xorriso : UPDATE : Writing: 1s 10.1% fifo 1% buf 2% 1xD",
		"xorriso : UPDATE : Writing: 2s 10.9% fifo 1% buf 2% 1xD",
		"junk: abc.d% fifo 1% buf 2% x",
		"xorriso : UPDATE : Writing: 3s 55.0% fifo 1% buf 2% 1xD",
	} {
		lines <- l
	}
	close(lines)

	Pump(lines, ParseXorriso, dlcopy.StageCreateImage, "Creating image", events, logger)
	close(events)

	var got []dlcopy.ProgressEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, 10, got[0].Percent)
	assert.Equal(t, "Creating image: 55%", got[1].Message)
	assert.Equal(t, dlcopy.StageCreateImage, got[1].Stage)
}
