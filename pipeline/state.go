package pipeline

import (
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/lernstick/dlcopy"
	"github.com/lernstick/dlcopy/union"
)

// RunState is everything one run has created. Only the pipeline goroutine
// mutates it; Resources hands out snapshots that stay valid while the run
// goes on.
type RunState struct {
	RunID   string
	Request Request
	Started time.Time

	// RootDir is the run root, BuildDir the tree the image is made of.
	RootDir  string
	BuildDir string
	ISOPath  string
	ISOSize  int64

	// Stage is the stage running, or the one that failed.
	Stage     dlcopy.Stage
	UploadKey string
	TraceID   string

	view      *union.View
	resources *immutable.List[dlcopy.Resource]
}

func newRunState(runID string, req Request) *RunState {
	return &RunState{
		RunID:     runID,
		Request:   req,
		Started:   time.Now(),
		resources: immutable.NewList[dlcopy.Resource](),
	}
}

// Resources returns the scratch resources the run currently holds, oldest
// first.
func (s *RunState) Resources() []dlcopy.Resource {
	out := make([]dlcopy.Resource, 0, s.resources.Len())
	itr := s.resources.Iterator()
	for !itr.Done() {
		_, r := itr.Next()
		out = append(out, r)
	}
	return out
}

func (s *RunState) hold(r dlcopy.Resource) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	s.resources = s.resources.Append(r)
}

func (s *RunState) drop(r dlcopy.Resource) {
	b := immutable.NewListBuilder[dlcopy.Resource]()
	itr := s.resources.Iterator()
	for !itr.Done() {
		_, held := itr.Next()
		if held.Key() != r.Key() {
			b.Append(held)
		}
	}
	s.resources = b.List()
}

// stateTracker records resources in the run state and forwards them to the
// crash journal.
type stateTracker struct {
	state *RunState
	next  union.Tracker
}

func (t *stateTracker) Track(r dlcopy.Resource) {
	t.state.hold(r)
	if t.next != nil {
		t.next.Track(r)
	}
}

func (t *stateTracker) Release(r dlcopy.Resource) {
	t.state.drop(r)
	if t.next != nil {
		t.next.Release(r)
	}
}
