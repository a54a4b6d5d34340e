package s3

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// progressReader reports how much of an upload body has been read. The SDK
// may rewind the body to sign or retry a request, so it seeks too; a rewind
// restarts the count. It is not safe for concurrent use.
type progressReader struct {
	r            io.ReadSeeker
	logger       logrus.FieldLogger
	progressFunc ProgressFunc
	total        int64
	read         int64
	started      time.Time
	lastLog      time.Time
	interval     time.Duration
}

func newProgressReader(r io.ReadSeeker, logger logrus.FieldLogger, progressFunc ProgressFunc, total int64, interval time.Duration) *progressReader {
	return &progressReader{r: r, logger: logger, progressFunc: progressFunc, total: total, started: time.Now(), interval: interval}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		now := time.Now()
		if p.lastLog.IsZero() || now.Sub(p.lastLog) >= p.interval {
			p.report(now)
			p.lastLog = now
		}
	}
	return n, err
}

func (p *progressReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := p.r.Seek(offset, whence)
	if err == nil {
		p.read = pos
	}
	return pos, err
}

func (p *progressReader) report(now time.Time) {
	percent := float64(0)
	if p.total > 0 {
		percent = (float64(p.read) / float64(p.total)) * 100
	}
	elapsed := now.Sub(p.started).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(p.read) / elapsed
	}
	eta := "unknown"
	if p.total > 0 && rate > 0 {
		remaining := float64(p.total-p.read) / rate
		eta = time.Duration(remaining * float64(time.Second)).Truncate(time.Second).String()
	}
	p.logger.WithFields(logrus.Fields{
		"sent":     humanBytes(p.read),
		"total":    humanBytes(p.total),
		"percent":  fmt.Sprintf("%.1f", percent),
		"avg_rate": humanBytes(int64(rate)) + "/s",
		"eta":      eta,
	}).Info("upload progress")

	if p.progressFunc != nil {
		p.progressFunc(p.read, p.total, rate)
	}
}

// HumanBytes formats a byte count with binary units.
func HumanBytes(b int64) string {
	return humanBytes(b)
}

func humanBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GiB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MiB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KiB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
