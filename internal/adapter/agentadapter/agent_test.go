package agentadapter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/eventlog"
)

// scriptClient replays a fixed event sequence per turn and records requests.
type scriptClient struct {
	mu       sync.Mutex
	requests []Request
	turns    [][]StreamEvent
	err      error
}

func (c *scriptClient) Stream(_ context.Context, req Request) (<-chan StreamEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.requests = append(c.requests, req)

	var turn []StreamEvent
	if len(c.turns) > 0 {
		turn = c.turns[0]
		c.turns = c.turns[1:]
	}
	ch := make(chan StreamEvent, len(turn))
	for _, ev := range turn {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (c *scriptClient) recorded() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, len(c.requests))
	copy(out, c.requests)
	return out
}

type captureSink struct {
	mu        sync.Mutex
	emissions []adapter.Emission
	states    []adapter.ActivityState
}

func (s *captureSink) Emit(em adapter.Emission) {
	s.mu.Lock()
	s.emissions = append(s.emissions, em)
	s.mu.Unlock()
}

func (s *captureSink) EmitActivity(state adapter.ActivityState) {
	s.mu.Lock()
	s.states = append(s.states, state)
	s.mu.Unlock()
}

func (s *captureSink) byType(typ eventlog.Type) []adapter.Emission {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []adapter.Emission
	for _, em := range s.emissions {
		if em.Type == typ {
			out = append(out, em)
		}
	}
	return out
}

func startAgent(t *testing.T, client Client, sink adapter.Sink) adapter.Handle {
	t.Helper()
	a := NewWithClient(client, "test-model")
	h, err := a.Start(context.Background(), adapter.StartSpec{SessionID: "s1"}, sink)
	require.NoError(t, err)
	return h
}

func TestAgentTurnStreamsText(t *testing.T) {
	client := &scriptClient{turns: [][]StreamEvent{{
		{Type: "text", Text: "Hello"},
		{Type: "text", Text: " world"},
		{Type: "done", Text: "Hello world"},
	}}}
	sink := &captureSink{}
	h := startAgent(t, client, sink)

	require.NoError(t, h.Write([]byte("hi there\n")))

	require.Eventually(t, func() bool {
		return len(sink.byType(eventlog.TypeStdout)) == 2
	}, 5*time.Second, 10*time.Millisecond)

	var io eventlog.IOPayload
	require.NoError(t, json.Unmarshal(sink.byType(eventlog.TypeStdout)[0].Payload, &io))
	assert.Equal(t, []byte("Hello"), io.Data)

	reqs := client.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, "test-model", reqs[0].Model)
	require.Len(t, reqs[0].Messages, 1)
	assert.Equal(t, "hi there", reqs[0].Messages[0].Text, "trailing newline stripped")

	sink.mu.Lock()
	states := append([]adapter.ActivityState(nil), sink.states...)
	sink.mu.Unlock()
	assert.Equal(t, adapter.ActivityProcessing, states[0])
	assert.Contains(t, states, adapter.ActivityStreaming)
	assert.Equal(t, adapter.ActivityIdle, states[len(states)-1])
}

func TestAgentKeepsHistoryAcrossTurns(t *testing.T) {
	client := &scriptClient{turns: [][]StreamEvent{
		{{Type: "text", Text: "one"}, {Type: "done", Text: "one"}},
		{{Type: "text", Text: "two"}, {Type: "done", Text: "two"}},
	}}
	sink := &captureSink{}
	h := startAgent(t, client, sink)

	require.NoError(t, h.Write([]byte("first")))
	require.Eventually(t, func() bool { return len(client.recorded()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, h.Write([]byte("second")))
	require.Eventually(t, func() bool { return len(client.recorded()) == 2 }, 5*time.Second, 10*time.Millisecond)

	second := client.recorded()[1]
	require.Len(t, second.Messages, 3)
	assert.Equal(t, RoleUser, second.Messages[0].Role)
	assert.Equal(t, RoleAssistant, second.Messages[1].Role)
	assert.Equal(t, "one", second.Messages[1].Text)
	assert.Equal(t, "second", second.Messages[2].Text)
}

func TestAgentEmitsToolActivity(t *testing.T) {
	client := &scriptClient{turns: [][]StreamEvent{{
		{Type: "tool_call_start", ToolName: "read_file", ToolInput: json.RawMessage(`{"path":"main.go"}`)},
		{Type: "done"},
	}}}
	sink := &captureSink{}
	h := startAgent(t, client, sink)

	require.NoError(t, h.Write([]byte("read the file")))

	require.Eventually(t, func() bool {
		return len(sink.byType(eventlog.TypeToolActivity)) == 2
	}, 5*time.Second, 10*time.Millisecond)

	var tp eventlog.ToolActivityPayload
	require.NoError(t, json.Unmarshal(sink.byType(eventlog.TypeToolActivity)[0].Payload, &tp))
	assert.Equal(t, "read_file", tp.Name)
	assert.Equal(t, "start", tp.Phase)
	assert.JSONEq(t, `{"path":"main.go"}`, string(tp.Detail), "tool input travels as the detail")
}

func TestAgentTurnErrorKeepsSessionAlive(t *testing.T) {
	client := &scriptClient{err: errors.New("api unavailable")}
	sink := &captureSink{}
	h := startAgent(t, client, sink)

	require.NoError(t, h.Write([]byte("hello")))

	require.Eventually(t, func() bool {
		return len(sink.byType(eventlog.TypeError)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	var ep eventlog.ErrorPayload
	require.NoError(t, json.Unmarshal(sink.byType(eventlog.TypeError)[0].Payload, &ep))
	assert.Contains(t, ep.Message, "api unavailable")
	assert.Empty(t, sink.byType(eventlog.TypeStatusChange), "session survives a failed turn")

	// A later prompt still works.
	client.mu.Lock()
	client.err = nil
	client.turns = [][]StreamEvent{{{Type: "text", Text: "ok"}, {Type: "done", Text: "ok"}}}
	client.mu.Unlock()

	require.NoError(t, h.Write([]byte("retry")))
	require.Eventually(t, func() bool {
		return len(sink.byType(eventlog.TypeStdout)) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAgentResizeUnsupported(t *testing.T) {
	h := startAgent(t, &scriptClient{}, &captureSink{})
	assert.Error(t, h.Resize(80, 24))
}

func TestAgentStopEmitsTerminal(t *testing.T) {
	sink := &captureSink{}
	h := startAgent(t, &scriptClient{}, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Stop(ctx))

	terminals := sink.byType(eventlog.TypeStatusChange)
	require.Len(t, terminals, 1)
	var sp eventlog.StatusPayload
	require.NoError(t, json.Unmarshal(terminals[0].Payload, &sp))
	assert.Equal(t, adapter.StatusStopped, sp.Status)

	assert.Error(t, h.Write([]byte("after stop")))
}

func TestStartRequiresModel(t *testing.T) {
	a := NewWithClient(&scriptClient{}, "")
	_, err := a.Start(context.Background(), adapter.StartSpec{SessionID: "s1"}, &captureSink{})
	assert.Error(t, err)
}
