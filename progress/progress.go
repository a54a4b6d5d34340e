// Package progress turns external tool output into percentages.
//
// Two grammars are understood. mksquashfs draws a bar followed by
// "done/total percent%"; the percentage is recomputed from done and total
// because the printed value lags behind at the end of a run. xorriso reports
// "Writing: ... 31.5% fifo 23% buf 50% ..."; only the integer part of the
// first percentage is used. Lines that match neither grammar are ignored.
package progress

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lernstick/dlcopy"
	"github.com/sirupsen/logrus"
)

var (
	squashfsPattern = regexp.MustCompile(`^\[.* (.*)/(.*) .*$`)
	xorrisoPattern  = regexp.MustCompile(`^.* (.*)\..*% .*%.*%.*$`)
)

// Parser extracts a percentage from one output line. ok is false for lines
// that carry no progress; err is set for lines that look like progress but
// hold no number.
type Parser func(line string) (percent int, ok bool, err error)

// ParseSquashfs parses one line of mksquashfs output.
func ParseSquashfs(line string) (int, bool, error) {
	m := squashfsPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false, nil
	}
	done, err := strconv.ParseInt(strings.TrimSpace(m[1]), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("could not parse done count %q: %w", m[1], err)
	}
	total, err := strconv.ParseInt(strings.TrimSpace(m[2]), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("could not parse total count %q: %w", m[2], err)
	}
	if total <= 0 || done < 0 {
		return 0, false, nil
	}
	return clamp(int(done * 100 / total)), true, nil
}

// ParseXorriso parses one line of xorriso output.
func ParseXorriso(line string) (int, bool, error) {
	m := xorrisoPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false, nil
	}
	percent, err := strconv.Atoi(strings.TrimSpace(m[1]))
	if err != nil {
		return 0, false, fmt.Errorf("could not parse progress %q: %w", m[1], err)
	}
	return clamp(percent), true, nil
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Pump reads lines until the channel is closed and emits a progress event for
// every change in percentage. Parse errors are logged at warning level and
// otherwise ignored. The message is formatted as "<label>: <n>%".
func Pump(lines <-chan string, parse Parser, stage dlcopy.Stage, label string, events chan<- dlcopy.ProgressEvent, logger logrus.FieldLogger) {
	last := -1
	for line := range lines {
		percent, ok, err := parse(line)
		if err != nil {
			logger.WithError(err).WithField("line", line).Warn("could not parse progress line")
			continue
		}
		if !ok || percent == last {
			continue
		}
		last = percent
		dlcopy.Emit(events, dlcopy.Percent(stage, fmt.Sprintf("%s: %d%%", label, percent), percent))
	}
}
