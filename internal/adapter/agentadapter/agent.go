// Package agentadapter drives an AI coding agent session over the Anthropic
// Messages API. Each Write is one user prompt; the streamed reply is emitted
// as stdout events, with tool invocations surfaced as tool-activity events.
package agentadapter

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/eventlog"
	"github.com/fwdslsh/dispatch/internal/logger"
)

const (
	defaultMaxTokens = 4096
	inputQueueSize   = 16

	systemPrompt = "You are a coding assistant operating inside the user's workspace. Be concise."
)

// Adapter starts agent sessions.
type Adapter struct {
	// DefaultModel is used when the session options carry no "model" entry.
	DefaultModel string

	// client overrides the Anthropic-backed client; used by tests.
	client Client
}

// New creates an agent adapter with the given default model.
func New(defaultModel string) *Adapter {
	return &Adapter{DefaultModel: defaultModel}
}

// NewWithClient creates an agent adapter backed by a custom client.
func NewWithClient(client Client, defaultModel string) *Adapter {
	return &Adapter{DefaultModel: defaultModel, client: client}
}

// Start validates options and launches the turn loop.
func (a *Adapter) Start(_ context.Context, spec adapter.StartSpec, sink adapter.Sink) (adapter.Handle, error) {
	model := adapter.StringOption(spec.Options, "model", a.DefaultModel)
	if model == "" {
		return nil, fmt.Errorf("no agent model configured")
	}

	client := a.client
	if client == nil {
		apiKey := adapter.StringOption(spec.Options, "apiKey", os.Getenv("ANTHROPIC_API_KEY"))
		if apiKey == "" {
			return nil, fmt.Errorf("no Anthropic API key configured (set ANTHROPIC_API_KEY)")
		}
		client = newAnthropicClient(apiKey)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		sessionID: spec.SessionID,
		model:     model,
		maxTokens: adapter.IntOption(spec.Options, "maxTokens", defaultMaxTokens),
		client:    client,
		sink:      sink,
		input:     make(chan string, inputQueueSize),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go h.loop(ctx)

	logger.Debugf("[agent] session %s: started model %s", spec.SessionID, model)
	return h, nil
}

type handle struct {
	sessionID string
	model     string
	maxTokens int
	client    Client
	sink      adapter.Sink

	input  chan string
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
}

// loop serializes turns: one prompt in, one streamed reply out.
func (h *handle) loop(ctx context.Context) {
	defer close(h.done)

	var history []Message
	for {
		select {
		case <-ctx.Done():
			h.emitTerminal(adapter.StatusStopped, "")
			return
		case prompt, ok := <-h.input:
			if !ok {
				h.emitTerminal(adapter.StatusStopped, "")
				return
			}
			history = h.runTurn(ctx, history, prompt)
			if ctx.Err() != nil {
				h.emitTerminal(adapter.StatusStopped, "")
				return
			}
		}
	}
}

// runTurn streams one model reply and returns the updated history.
func (h *handle) runTurn(ctx context.Context, history []Message, prompt string) []Message {
	h.sink.EmitActivity(adapter.ActivityProcessing)

	history = append(history, Message{Role: RoleUser, Text: prompt})

	events, err := h.client.Stream(ctx, Request{
		Model:     h.model,
		System:    systemPrompt,
		MaxTokens: h.maxTokens,
		Messages:  history,
	})
	if err != nil {
		h.emitTurnError(err)
		return history
	}

	streaming := false
	for ev := range events {
		switch ev.Type {
		case "text":
			if !streaming {
				streaming = true
				h.sink.EmitActivity(adapter.ActivityStreaming)
			}
			h.sink.Emit(adapter.Emission{
				Type:    eventlog.TypeStdout,
				Payload: eventlog.MarshalPayload(eventlog.IOPayload{Data: []byte(ev.Text)}),
			})
		case "tool_call_start":
			// A tool request suspends the token stream; the session is
			// processing until the model resumes.
			streaming = false
			h.sink.EmitActivity(adapter.ActivityProcessing)
			h.sink.Emit(adapter.Emission{
				Type: eventlog.TypeToolActivity,
				Payload: eventlog.MarshalPayload(eventlog.ToolActivityPayload{
					Name:   ev.ToolName,
					Phase:  "start",
					Detail: ev.ToolInput,
				}),
			})
		case "error":
			h.emitTurnError(ev.Err)
			return history
		case "done":
			if ev.Text != "" {
				history = append(history, Message{Role: RoleAssistant, Text: ev.Text})
			}
			h.sink.Emit(adapter.Emission{
				Type: eventlog.TypeToolActivity,
				Payload: eventlog.MarshalPayload(eventlog.ToolActivityPayload{
					Name:  "turn",
					Phase: "end",
				}),
			})
		}
	}

	h.sink.EmitActivity(adapter.ActivityIdle)
	return history
}

// emitTurnError reports a failed turn without killing the session: the user
// can retry with another prompt.
func (h *handle) emitTurnError(err error) {
	if err == nil || err == context.Canceled {
		return
	}
	logger.Warnf("[agent] session %s: turn failed: %v", h.sessionID, err)
	h.sink.Emit(adapter.Emission{
		Type:    eventlog.TypeError,
		Payload: eventlog.MarshalPayload(eventlog.ErrorPayload{Message: err.Error()}),
	})
	h.sink.EmitActivity(adapter.ActivityIdle)
}

func (h *handle) emitTerminal(status, msg string) {
	h.sink.EmitActivity(adapter.ActivityIdle)
	h.sink.Emit(adapter.Emission{
		Type:    eventlog.TypeStatusChange,
		Payload: eventlog.MarshalPayload(eventlog.StatusPayload{Status: status, Error: msg}),
	})
}

// Write enqueues one user prompt. Trailing newlines from terminal-style
// clients are stripped.
func (h *handle) Write(p []byte) error {
	prompt := strings.TrimRight(string(p), "\r\n")
	if prompt == "" {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return fmt.Errorf("agent stopped")
	}
	select {
	case h.input <- prompt:
		return nil
	default:
		return fmt.Errorf("agent input queue full")
	}
}

// Resize is not meaningful for agent sessions.
func (h *handle) Resize(_, _ uint16) error {
	return fmt.Errorf("agent sessions have no terminal")
}

// Stop cancels any in-flight turn and waits for the loop to emit its
// terminal status.
func (h *handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.stopped {
		h.stopped = true
		h.cancel()
	}
	h.mu.Unlock()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
