package partition

import (
	"context"
	"errors"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/lernstick/dlcopy/executor"
	"github.com/sirupsen/logrus"
)

// MaxUnmountRounds bounds the unmount attempts of one Unmount call.
const MaxUnmountRounds = 10

// UnmountState is a state of the unmount machine.
type UnmountState int

const (
	// Checking starts a round by asking whether the device is still mounted.
	// A previous round that timed out may in fact have succeeded.
	Checking UnmountState = iota
	// Unmounting issues the unmount call.
	Unmounting
	// RecoveringBusy polls fuser until nobody holds the device.
	RecoveringBusy
	Succeeded
	Failed
)

func (s UnmountState) String() string {
	switch s {
	case Checking:
		return "Checking"
	case Unmounting:
		return "Unmounting"
	case RecoveringBusy:
		return "RecoveringBusy"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	}
	return "Unknown"
}

// UnmountReport describes one Unmount call.
type UnmountReport struct {
	Succeeded bool
	// Rounds counts the rounds started, at most MaxUnmountRounds.
	Rounds int
	// Attempts counts the unmount calls issued to the transport.
	Attempts int
	// States lists every state entered, in order.
	States  []UnmountState
	LastErr error
}

var errDeviceBusy = errors.New("device is busy")

// Unmount unmounts the partition, retrying busy devices. It returns false
// only after MaxUnmountRounds failed rounds. An unmounted partition is a
// success without any transport call.
func (p *Partition) Unmount(ctx context.Context) bool {
	return p.UnmountWithReport(ctx).Succeeded
}

// UnmountWithReport is Unmount with the full state history.
//
// The busy polling between rounds waits on a timer and ignores ctx. It ends
// when fuser reports no holders, when fuser itself cannot run, or after
// BusyPollLimit queries if a limit is configured.
func (p *Partition) UnmountWithReport(ctx context.Context) *UnmountReport {
	logger := p.logger()
	report := &UnmountReport{}
	state := Checking
	for {
		report.States = append(report.States, state)
		switch state {
		case Checking:
			if report.Rounds >= MaxUnmountRounds {
				state = Failed
				continue
			}
			report.Rounds++
			mounted, err := p.IsMounted(ctx)
			switch {
			case err != nil:
				logger.WithError(err).WithField("round", report.Rounds).Warn("could not query mount state")
				report.LastErr = err
				state = Checking
			case mounted:
				state = Unmounting
			default:
				logger.Infof("%s was NOT mounted", p.DevicePath())
				state = Succeeded
			}

		case Unmounting:
			logger.Infof("%s is mounted, calling umount...", p.DevicePath())
			report.Attempts++
			if err := p.deps.Transport.Unmount(ctx, p.info.Device, nil); err != nil {
				logger.WithError(err).WithField("round", report.Rounds).Warn("umount failed")
				report.LastErr = err
				state = RecoveringBusy
				continue
			}
			state = Succeeded

		case RecoveringBusy:
			p.waitWhileBusy(ctx, logger)
			state = Checking

		case Succeeded:
			report.Succeeded = true
			p.observeUnmount(report)
			return report

		case Failed:
			logger.WithError(report.LastErr).Errorf("Could not umount %s", p.DevicePath())
			p.observeUnmount(report)
			return report
		}
	}
}

func (p *Partition) observeUnmount(r *UnmountReport) {
	if p.deps.Observer != nil {
		p.deps.Observer.UnmountFinished(p.info.Device, r.Rounds, r.Succeeded)
	}
}

// waitWhileBusy queries fuser at a fixed interval as long as some process
// holds the device open, logging the holders each time.
func (p *Partition) waitWhileBusy(ctx context.Context, logger logrus.FieldLogger) {
	if p.deps.Executor == nil {
		return
	}
	query := func() error {
		res, err := p.deps.Executor.Run(ctx, executor.Command{
			Name: "fuser",
			Args: []string{"-m", p.DevicePath()},
		}, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if res.ExitCode != 0 {
			return nil
		}
		logger.WithField("holders", strings.TrimSpace(res.Output)).Info("device is still in use")
		if p.deps.Observer != nil {
			p.deps.Observer.BusyPoll(p.info.Device)
		}
		return errDeviceBusy
	}

	var policy backoff.BackOff = backoff.NewConstantBackOff(p.opts.BusyPollInterval)
	if p.opts.BusyPollLimit > 0 {
		policy = backoff.WithMaxRetries(policy, p.opts.BusyPollLimit)
	}
	if err := backoff.RetryNotifyWithTimer(query, policy, nil, p.deps.Timer); err != nil {
		logger.WithError(err).Warn("stopped waiting for device holders")
	}
}
