// Package executor runs external tools for the rebuild stages.
//
// Every stage receives an Executor instead of spawning processes itself, so
// tests can substitute a Fake that replays canned output. Output is delivered
// line by line while the process runs; the compressor redraws its progress
// bar with carriage returns, so both '\n' and '\r' end a line.
//
// # Usage Example
//
//	exec := executor.New()
//	exec.SetLogger(logger)
//
//	lines := make(chan string, 64)
//	go func() {
//		for line := range lines {
//			fmt.Println(line)
//		}
//	}()
//	res, err := exec.Run(ctx, executor.Command{Name: "mksquashfs", Args: args}, lines)
//	if err != nil {
//		return err // the process could not be run at all
//	}
//	if res.ExitCode != 0 {
//		return executor.NewToolError("mksquashfs", res)
//	}
//
// Run closes the lines channel before it returns, so a consumer can range
// over it and knows it has seen every line once the range ends.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// maxCapturedOutput bounds Result.Output; older output is dropped first.
const maxCapturedOutput = 256 * 1024

// Command describes one external process.
type Command struct {
	Name string
	Args []string
	// Dir is the working directory. Empty means the current directory.
	Dir string
	Env []string
}

// Script returns a command running script with /bin/sh.
func Script(script string) Command {
	return Command{Name: "/bin/sh", Args: []string{"-c", script}}
}

// String renders the command for logs and error messages.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result is the outcome of a process that was started.
type Result struct {
	ExitCode int
	// Output holds the merged stdout and stderr lines, newline separated.
	Output   string
	Duration time.Duration
}

// Lines splits Output into lines, dropping empty ones.
func (r *Result) Lines() []string {
	var out []string
	for _, l := range strings.Split(r.Output, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

// Executor runs external commands.
//
// Run returns an error only if the process could not be started or waited
// for; a non-zero exit status is reported through Result.ExitCode. If lines
// is not nil every output line is sent on it while the process runs, and the
// channel is closed before Run returns.
type Executor interface {
	Run(ctx context.Context, cmd Command, lines chan<- string) (*Result, error)
}

// ToolError reports an external tool that exited with a non-zero status.
type ToolError struct {
	Tool     string
	ExitCode int
	Output   string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s failed with exit code %d (output: %s)", e.Tool, e.ExitCode, tail(e.Output, 2048))
}

// NewToolError builds a ToolError from a finished command.
func NewToolError(tool string, res *Result) *ToolError {
	return &ToolError{Tool: tool, ExitCode: res.ExitCode, Output: res.Output}
}

// IsToolError reports whether err wraps a ToolError.
func IsToolError(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}

// Local runs commands on the host.
type Local struct {
	logger *logrus.Logger
}

// New creates a host executor.
func New() *Local {
	return &Local{logger: logrus.New()}
}

// SetLogger sets a custom logger for the executor.
func (l *Local) SetLogger(logger *logrus.Logger) {
	l.logger = logger
}

// SuppressLogs disables all log output from the executor.
func (l *Local) SuppressLogs() {
	l.logger.SetOutput(io.Discard)
}

// Run implements Executor.
func (l *Local) Run(ctx context.Context, c Command, lines chan<- string) (*Result, error) {
	if lines != nil {
		defer close(lines)
	}
	logger := l.logger.WithField("command", c.Name)
	logger.WithFields(logrus.Fields{
		"args": c.Args,
		"dir":  c.Dir,
	}).Debug("executing command")

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	startTime := time.Now()
	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		logger.WithError(err).Error("failed to start command")
		return nil, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}

	captured := &boundedBuffer{limit: maxCapturedOutput}
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		scanner.Split(ScanLines)
		for scanner.Scan() {
			line := scanner.Text()
			captured.WriteLine(line)
			if lines != nil {
				lines <- line
			}
		}
		// Drain so the child never blocks on a full pipe.
		io.Copy(io.Discard, pr)
	}()

	waitErr := cmd.Wait()
	pw.Close()
	<-scanDone
	duration := time.Since(startTime)

	res := &Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Output:   captured.String(),
		Duration: duration,
	}

	logger.WithFields(logrus.Fields{
		"duration_ms": duration.Milliseconds(),
		"exit_code":   res.ExitCode,
		"output":      tail(res.Output, 4096),
		"timed_out":   ctx.Err() != nil,
	}).Debug("command completed")

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && ctx.Err() == nil {
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, fmt.Errorf("%s interrupted: %w", c.Name, ctxErr)
		}
		return res, fmt.Errorf("failed to wait for %s: %w", c.Name, waitErr)
	}
	return res, nil
}

// ScanLines is a bufio.SplitFunc that ends a line at '\n' or '\r'. Empty
// lines, such as the one between "\r\n", are skipped.
func ScanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && (data[start] == '\n' || data[start] == '\r') {
		start++
	}
	if i := bytes.IndexAny(data[start:], "\r\n"); i >= 0 {
		return start + i + 1, data[start : start+i], nil
	}
	if atEOF && start < len(data) {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}

type boundedBuffer struct {
	limit int
	buf   []byte
}

func (b *boundedBuffer) WriteLine(line string) {
	b.buf = append(b.buf, line...)
	b.buf = append(b.buf, '\n')
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
}

func (b *boundedBuffer) String() string {
	return string(b.buf)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
