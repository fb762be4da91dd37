package stream

import (
	"context"
	"errors"
	"sync"
)

// SentMessage records one SendMessage call for assertions.
type SentMessage struct {
	MinionID string
	Text     string
	Options  GenerationOptions
	Flags    DeliveryFlags
}

// StopCall records one StopStream call.
type StopCall struct {
	MinionID       string
	AbandonPartial bool
}

// MockEngine is a deterministic scripted engine for tests: deliveries are
// recorded, failures are scripted per minion, and stream-end events are
// emitted by the test itself.
type MockEngine struct {
	mu        sync.Mutex
	sent      []SentMessage
	stops     []StopCall
	streaming map[string]bool
	failSend  map[string]error
	failAll   error
	events    chan EndEvent
}

func NewMockEngine() *MockEngine {
	return &MockEngine{
		streaming: make(map[string]bool),
		failSend:  make(map[string]error),
		events:    make(chan EndEvent, 64),
	}
}

func (e *MockEngine) SendMessage(ctx context.Context, minionID, text string, opts GenerationOptions, flags DeliveryFlags) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err, ok := e.failSend[minionID]; ok {
		return err
	}
	if e.failAll != nil {
		return e.failAll
	}
	e.sent = append(e.sent, SentMessage{MinionID: minionID, Text: text, Options: opts, Flags: flags})
	e.streaming[minionID] = true
	return nil
}

func (e *MockEngine) StopStream(_ context.Context, minionID string, abandonPartial bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops = append(e.stops, StopCall{MinionID: minionID, AbandonPartial: abandonPartial})
	delete(e.streaming, minionID)
	return nil
}

func (e *MockEngine) IsStreaming(minionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streaming[minionID]
}

func (e *MockEngine) Events() <-chan EndEvent { return e.events }

// Emit injects a stream-end event and marks the minion idle, the way a real
// turn ends.
func (e *MockEngine) Emit(ev EndEvent) {
	e.mu.Lock()
	delete(e.streaming, ev.MinionID)
	e.mu.Unlock()
	e.events <- ev
}

// FailNextSend makes deliveries to minionID fail until cleared.
func (e *MockEngine) FailNextSend(minionID string, err error) {
	if err == nil {
		err = errors.New("send failed")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failSend[minionID] = err
}

// FailAllSends makes every delivery fail until cleared with a nil err, for
// rollback paths where the target id is not known up front.
func (e *MockEngine) FailAllSends(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failAll = err
}

func (e *MockEngine) ClearSendFailure(minionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.failSend, minionID)
}

// SetStreaming forces the idle/streaming flag, for auto-resume tests.
func (e *MockEngine) SetStreaming(minionID string, streaming bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if streaming {
		e.streaming[minionID] = true
	} else {
		delete(e.streaming, minionID)
	}
}

// Sent returns a snapshot of recorded deliveries.
func (e *MockEngine) Sent() []SentMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SentMessage, len(e.sent))
	copy(out, e.sent)
	return out
}

// SentTo returns the deliveries addressed to one minion.
func (e *MockEngine) SentTo(minionID string) []SentMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []SentMessage
	for _, m := range e.sent {
		if m.MinionID == minionID {
			out = append(out, m)
		}
	}
	return out
}

// Stops returns a snapshot of recorded StopStream calls, in call order.
func (e *MockEngine) Stops() []StopCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]StopCall, len(e.stops))
	copy(out, e.stops)
	return out
}
