package steering

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type postCall struct {
	ChannelID string
	Text      string
	Handle    string
}

type editCall struct {
	ChannelID string
	Handle    string
	Text      string
}

// fakeMessenger records posts and edits and hands out msg-N handles.
type fakeMessenger struct {
	mu      sync.Mutex
	posts   []postCall
	edits   []editCall
	postErr error
	next    int
}

func (m *fakeMessenger) Post(_ context.Context, channelID, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postErr != nil {
		return "", m.postErr
	}
	m.next++
	handle := fmt.Sprintf("msg-%d", m.next)
	m.posts = append(m.posts, postCall{ChannelID: channelID, Text: text, Handle: handle})
	return handle, nil
}

func (m *fakeMessenger) Edit(_ context.Context, channelID, handle, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, editCall{ChannelID: channelID, Handle: handle, Text: text})
	return nil
}

func (m *fakeMessenger) Posts() []postCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]postCall(nil), m.posts...)
}

func (m *fakeMessenger) Edits() []editCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]editCall(nil), m.edits...)
}

// EditsContaining returns the edits to handle whose text contains substr.
func (m *fakeMessenger) EditsContaining(handle, substr string) []editCall {
	var out []editCall
	for _, e := range m.Edits() {
		if e.Handle == handle && strings.Contains(e.Text, substr) {
			out = append(out, e)
		}
	}
	return out
}

type execCall struct {
	ActorID string
	Prompt  string
}

// fakeExecutor records calls. When gate is set each call blocks until the
// gate is closed; started is signalled as each call begins.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []execCall
	result  bool
	err     error
	panics  bool
	gate    chan struct{}
	started chan struct{}
}

func newFakeExecutor(result bool) *fakeExecutor {
	return &fakeExecutor{result: result}
}

func (x *fakeExecutor) Execute(ctx context.Context, actorID, prompt string) (bool, error) {
	x.mu.Lock()
	x.calls = append(x.calls, execCall{ActorID: actorID, Prompt: prompt})
	gate, started := x.gate, x.started
	result, err, panics := x.result, x.err, x.panics
	x.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if panics {
		panic("executor exploded")
	}
	return result, err
}

func (x *fakeExecutor) Calls() []execCall {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]execCall(nil), x.calls...)
}

func (x *fakeExecutor) CallCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.calls)
}

// strictSource fails the test if it is ever consulted.
type strictSource struct {
	t interface{ Errorf(string, ...interface{}) }
}

func (s strictSource) Score(actorID string) float64 {
	s.t.Errorf("sovereignty source consulted for %s", actorID)
	return 1
}
