package bot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/parlor/internal/chat"
	"github.com/zulandar/parlor/internal/persona"
	"github.com/zulandar/parlor/internal/reply"
	"github.com/zulandar/parlor/internal/session"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeCatalog is an in-memory Catalog whose contents tests may change.
type fakeCatalog struct {
	mu        sync.Mutex
	names     []string
	configs   map[string]persona.Config
	qa        map[string][]persona.QAPair
	media     map[string][]persona.MediaItem
	files     map[string][]byte
	noProfile map[string]bool
}

func newFakeCatalog(names ...string) *fakeCatalog {
	return &fakeCatalog{
		names:     names,
		configs:   make(map[string]persona.Config),
		qa:        make(map[string][]persona.QAPair),
		media:     make(map[string][]persona.MediaItem),
		files:     make(map[string][]byte),
		noProfile: make(map[string]bool),
	}
}

func (c *fakeCatalog) setNames(names ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = names
}

func (c *fakeCatalog) List() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.names...)
}

func (c *fakeCatalog) Config(name string) persona.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.configs[name]
	if !ok {
		return persona.Config{Tone: persona.DefaultTone, Emojis: []string{persona.DefaultEmoji}}
	}
	return cfg
}

func (c *fakeCatalog) QAPairs(name string) []persona.QAPair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qa[name]
}

func (c *fakeCatalog) MediaIndex(name string) []persona.MediaItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.media[name]
}

func (c *fakeCatalog) ProfileImage(name string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.noProfile[name] {
		return nil, fmt.Errorf("no profile for %s", name)
	}
	return []byte("jpeg:" + name), nil
}

func (c *fakeCatalog) ReadMedia(item persona.MediaItem) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.files[item.File]
	if !ok {
		return nil, fmt.Errorf("missing %s", item.File)
	}
	return data, nil
}

// zeroRand always picks the first option and adds no jitter.
type zeroRand struct{}

func (zeroRand) Intn(int) int { return 0 }

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// sleepRecorder records requested pauses without waiting.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delays)
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const (
	testAnalytics = "analytics"
	testPromoURL  = "https://example.com/signup"
)

// testEnv wires a Manager to a mock adapter, an in-memory store, and a fake
// catalog with personas "ava", "bea", "cleo".
type testEnv struct {
	mgr     *Manager
	adapter *chat.MockAdapter
	store   *session.Store
	catalog *fakeCatalog
	clock   *fakeClock
	sleeps  *sleepRecorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	adapter := chat.NewMockAdapter()
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	selector, err := reply.NewSelector(reply.SelectorOpts{
		Denylist:     reply.DefaultDenylist,
		PromoEvery:   reply.DefaultPromoEvery,
		PromoBaseURL: testPromoURL,
		Rand:         zeroRand{},
	})
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	env := &testEnv{
		adapter: adapter,
		store:   session.NewStore(session.StoreOpts{}),
		catalog: newFakeCatalog("ava", "bea", "cleo"),
		clock:   &fakeClock{now: t0},
		sleeps:  &sleepRecorder{},
	}
	env.mgr, err = NewManager(ManagerOpts{
		Store:         env.store,
		Catalog:       env.catalog,
		Selector:      selector,
		Adapter:       adapter,
		AnalyticsChat: testAnalytics,
		Rand:          zeroRand{},
		Now:           env.clock.Now,
		Sleep:         env.sleeps.Sleep,
		Connect:       ConnectTiming{Tick: 5 * time.Millisecond, Min: 20 * time.Millisecond, Spread: -1},
		Out:           io.Discard,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(env.mgr.Wait)
	return env
}

func msg(chatID, text string) chat.InboundEvent {
	return chat.InboundEvent{Kind: chat.EventMessage, ChatID: chatID, UserID: "u-" + chatID, UserName: "Sam", Text: text}
}

func callback(chatID, data string) chat.InboundEvent {
	return chat.InboundEvent{Kind: chat.EventCallback, ChatID: chatID, UserID: "u-" + chatID, UserName: "Sam", Data: data}
}

// mustGet returns the stored session or fails the test.
func (e *testEnv) mustGet(t *testing.T, chatID string) session.Session {
	t.Helper()
	s, ok := e.store.Get(chatID)
	if !ok {
		t.Fatalf("no session for %s", chatID)
	}
	return s
}

// bindTo starts chatID and binds it to name, then clears recorded output.
func (e *testEnv) bindTo(t *testing.T, chatID, name string) {
	t.Helper()
	ctx := context.Background()
	e.mgr.HandleStart(ctx, msg(chatID, "/start"))
	e.mgr.HandleCallback(ctx, callback(chatID, CallbackChatPrefix+name))
	e.mgr.Wait()
	e.adapter.Reset()
}
