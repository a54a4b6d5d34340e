package progress

import (
	"context"

	"github.com/lernstick/dlcopy"
	"github.com/lernstick/dlcopy/executor"
	"github.com/sirupsen/logrus"
)

// Run executes cmd and pumps its output through parse while it runs. It
// returns once the process has exited and every line has been parsed, so no
// progress event of this command is emitted after Run returns.
func Run(ctx context.Context, exec executor.Executor, cmd executor.Command, parse Parser, stage dlcopy.Stage, label string, events chan<- dlcopy.ProgressEvent, logger logrus.FieldLogger) (*executor.Result, error) {
	lines := make(chan string, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Pump(lines, parse, stage, label, events, logger)
	}()
	res, err := exec.Run(ctx, cmd, lines)
	<-done
	return res, err
}
