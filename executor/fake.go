package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Response is a canned outcome for a Fake.
type Response struct {
	Lines    []string
	ExitCode int
	// Err is returned instead of a result, as if the process could not start.
	Err error
}

// Fake is an Executor that never spawns processes. Responses are registered
// per command name and replayed in order; the last response for a name
// repeats once the queue is exhausted.
type Fake struct {
	mu       sync.Mutex
	queues   map[string][]Response
	handlers map[string]func(Command) Response
	calls    []Command
}

// NewFake returns an empty Fake. Commands without a registered response fail
// with an error so tests notice unexpected invocations.
func NewFake() *Fake {
	return &Fake{
		queues:   make(map[string][]Response),
		handlers: make(map[string]func(Command) Response),
	}
}

// Respond queues responses for commands named name.
func (f *Fake) Respond(name string, responses ...Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[name] = append(f.queues[name], responses...)
	return f
}

// Handle computes the response for commands named name with fn. Handlers
// take precedence over queued responses.
func (f *Fake) Handle(name string, fn func(Command) Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = fn
	return f
}

// Calls returns the commands run so far.
func (f *Fake) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.calls...)
}

// CallsTo returns the commands named name run so far.
func (f *Fake) CallsTo(name string) []Command {
	var out []Command
	for _, c := range f.Calls() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Run implements Executor.
func (f *Fake) Run(ctx context.Context, cmd Command, lines chan<- string) (*Result, error) {
	if lines != nil {
		defer close(lines)
	}
	resp, err := f.next(cmd)
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	for _, l := range resp.Lines {
		if lines != nil {
			select {
			case lines <- l:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	out := strings.Join(resp.Lines, "\n")
	if out != "" {
		out += "\n"
	}
	return &Result{ExitCode: resp.ExitCode, Output: out}, nil
}

func (f *Fake) next(cmd Command) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)

	if fn, ok := f.handlers[cmd.Name]; ok {
		f.mu.Unlock()
		resp := fn(cmd)
		f.mu.Lock()
		return resp, nil
	}
	queue := f.queues[cmd.Name]
	if len(queue) == 0 {
		return Response{}, fmt.Errorf("fake executor: no response registered for %q", cmd.String())
	}
	resp := queue[0]
	if len(queue) > 1 {
		f.queues[cmd.Name] = queue[1:]
	}
	return resp, nil
}
