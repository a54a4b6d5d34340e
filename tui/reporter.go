package tui

import (
	"github.com/lernstick/dlcopy"
)

// Reporter shows the progress of a rebuild to the user.
type Reporter interface {
	// ShowProgressMessage shows text without a percentage.
	ShowProgressMessage(stage dlcopy.Stage, text string)
	// ShowProgress shows text with a percentage from 0 to 100.
	ShowProgress(stage dlcopy.Stage, text string, percent int)
	// PipelineFinished is called once with the terminal result.
	PipelineFinished(result *dlcopy.Result)
}

// Relay forwards events to r until events is closed.
func Relay(events <-chan dlcopy.ProgressEvent, r Reporter) {
	for ev := range events {
		debugLog("relay: stage=%s percent=%d message=%q", ev.Stage, ev.Percent, ev.Message)
		if ev.HasPercent() {
			r.ShowProgress(ev.Stage, ev.Message, ev.Percent)
		} else {
			r.ShowProgressMessage(ev.Stage, ev.Message)
		}
	}
}

// Job is a running rebuild as seen by a reporter.
type Job interface {
	Events() <-chan dlcopy.ProgressEvent
	Wait() *dlcopy.Result
}

// Follow relays the events of job to r, reports the result and returns it.
func Follow(job Job, r Reporter) *dlcopy.Result {
	Relay(job.Events(), r)
	result := job.Wait()
	r.PipelineFinished(result)
	return result
}
