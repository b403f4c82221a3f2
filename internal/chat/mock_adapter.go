package chat

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Op names an adapter call recorded by MockAdapter.
type Op string

const (
	OpText     Op = "text"
	OpPhoto    Op = "photo"
	OpVideo    Op = "video"
	OpActivity Op = "activity"
	OpEdit     Op = "edit"
)

// Delivery is one recorded adapter call.
type Delivery struct {
	Op       Op
	ChatID   string
	Text     string // text for OpText/OpEdit
	Data     []byte // payload for OpPhoto/OpVideo
	Opts     SendOptions
	Ref      MessageRef // returned ref for sends, target ref for edits
	Activity Activity
	At       time.Time
}

// MockAdapter implements Adapter for testing. It records every delivery and
// lets tests simulate inbound events and inject failures.
type MockAdapter struct {
	mu         sync.Mutex
	connected  bool
	closed     bool
	inbound    chan InboundEvent
	sent       []Delivery
	opErrs     map[Op]error
	chatErrs   map[string]error
	refCounter int
	notify     chan struct{}
}

// NewMockAdapter creates a MockAdapter with a buffered inbound channel.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound:  make(chan InboundEvent, 100),
		opErrs:   make(map[Op]error),
		chatErrs: make(map[string]error),
		notify:   make(chan struct{}, 1),
	}
}

// Connect marks the adapter as connected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound event channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan InboundEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// SendText records a text message.
func (m *MockAdapter) SendText(ctx context.Context, chatID, text string, opts SendOptions) (MessageRef, error) {
	return m.record(Delivery{Op: OpText, ChatID: chatID, Text: text, Opts: opts})
}

// SendPhoto records a photo upload.
func (m *MockAdapter) SendPhoto(ctx context.Context, chatID string, data []byte, opts SendOptions) (MessageRef, error) {
	return m.record(Delivery{Op: OpPhoto, ChatID: chatID, Data: data, Opts: opts})
}

// SendVideo records a video upload.
func (m *MockAdapter) SendVideo(ctx context.Context, chatID string, data []byte, opts SendOptions) (MessageRef, error) {
	return m.record(Delivery{Op: OpVideo, ChatID: chatID, Data: data, Opts: opts})
}

// IndicateActivity records an activity hint.
func (m *MockAdapter) IndicateActivity(ctx context.Context, chatID string, kind Activity) error {
	_, err := m.record(Delivery{Op: OpActivity, ChatID: chatID, Activity: kind})
	return err
}

// EditText records an edit of a previously sent message.
func (m *MockAdapter) EditText(ctx context.Context, chatID string, ref MessageRef, text string) error {
	_, err := m.record(Delivery{Op: OpEdit, ChatID: chatID, Ref: ref, Text: text})
	return err
}

// Close shuts down the mock adapter and closes the inbound channel.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

func (m *MockAdapter) record(d Delivery) (MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return "", fmt.Errorf("mock adapter: not connected")
	}
	if err := m.opErrs[d.Op]; err != nil {
		return "", err
	}
	if err := m.chatErrs[d.ChatID]; err != nil {
		return "", err
	}
	if d.Op == OpText || d.Op == OpPhoto || d.Op == OpVideo {
		m.refCounter++
		d.Ref = MessageRef(fmt.Sprintf("msg-%d", m.refCounter))
	}
	d.At = time.Now()
	m.sent = append(m.sent, d)
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return d.Ref, nil
}

// --- Test helpers ---

// SimulateInbound sends an event into the inbound channel as if it came from
// the chat platform. Safe to call from any goroutine.
func (m *MockAdapter) SimulateInbound(evt InboundEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	m.inbound <- evt
}

// FailOp makes every call of the given kind return err. A nil err clears it.
func (m *MockAdapter) FailOp(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.opErrs, op)
		return
	}
	m.opErrs[op] = err
}

// FailChat makes every call targeting chatID return err. A nil err clears it.
func (m *MockAdapter) FailChat(chatID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.chatErrs, chatID)
		return
	}
	m.chatErrs[chatID] = err
}

// AllSent returns a copy of all recorded deliveries.
func (m *MockAdapter) AllSent() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Delivery, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTo returns the deliveries addressed to chatID.
func (m *MockAdapter) SentTo(chatID string) []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Delivery
	for _, d := range m.sent {
		if d.ChatID == chatID {
			out = append(out, d)
		}
	}
	return out
}

// TextsTo returns the texts sent to chatID, edits excluded.
func (m *MockAdapter) TextsTo(chatID string) []string {
	var out []string
	for _, d := range m.SentTo(chatID) {
		if d.Op == OpText {
			out = append(out, d.Text)
		}
	}
	return out
}

// LastSent returns the most recent delivery.
func (m *MockAdapter) LastSent() (Delivery, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return Delivery{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// SentCount returns the number of recorded deliveries.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// Reset discards recorded deliveries.
func (m *MockAdapter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// WaitFor polls until cond holds for the recorded deliveries or timeout
// elapses. It reports whether cond was met.
func (m *MockAdapter) WaitFor(timeout time.Duration, cond func([]Delivery) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if cond(m.AllSent()) {
			return true
		}
		select {
		case <-m.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline.C:
			return cond(m.AllSent())
		}
	}
}
