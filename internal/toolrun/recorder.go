package toolrun

import (
	"context"
	"sync"
)

// Recorder is a Runner that records invocations instead of executing them.
// Handle, when set, decides each call's result and may create the files the
// real tool would have written.
type Recorder struct {
	Handle func(cmd Command) error
	// Respond supplies stdout for Output calls.
	Respond func(cmd Command) ([]byte, error)

	mu    sync.Mutex
	calls []Command
}

func (r *Recorder) Run(_ context.Context, cmd Command) error {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()
	if r.Handle != nil {
		return r.Handle(cmd)
	}
	return nil
}

func (r *Recorder) Output(_ context.Context, cmd Command) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()
	if r.Respond != nil {
		return r.Respond(cmd)
	}
	return nil, nil
}

// Calls returns a copy of the recorded commands.
func (r *Recorder) Calls() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.calls...)
}

// Names returns the tool names in call order.
func (r *Recorder) Names() []string {
	var out []string
	for _, c := range r.Calls() {
		out = append(out, c.Name)
	}
	return out
}
