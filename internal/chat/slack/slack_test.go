package slack

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/parlor/internal/chat"
)

// Compile-time interface compliance checks.
var _ chat.Adapter = (*Adapter)(nil)
var _ chat.BotUserIDer = (*Adapter)(nil)

// --- Mock Slack client ---

type mockSlackClient struct {
	mu        sync.Mutex
	authResp  *slackapi.AuthTestResponse
	authErr   error
	posted    []postedMessage
	postErrs  []error // consumed one per post call
	updates   []postedMessage
	uploads   []uploadedFile
	users     map[string]*slackapi.User
	userCalls int
}

type postedMessage struct {
	channelID string
	ts        string
	values    map[string]string
}

type uploadedFile struct {
	params slackapi.UploadFileV2Parameters
	body   string
}

func newMockSlackClient() *mockSlackClient {
	return &mockSlackClient{
		authResp: &slackapi.AuthTestResponse{UserID: "U_BOT_123"},
		users:    make(map[string]*slackapi.User),
	}
}

func flatten(channelID string, options []slackapi.MsgOption) map[string]string {
	_, values, _ := slackapi.UnsafeApplyMsgOptions("", channelID, "", options...)
	out := make(map[string]string)
	for k := range values {
		out[k] = values.Get(k)
	}
	return out
}

func (m *mockSlackClient) AuthTest() (*slackapi.AuthTestResponse, error) {
	return m.authResp, m.authErr
}

func (m *mockSlackClient) PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.postErrs) > 0 {
		err := m.postErrs[0]
		m.postErrs = m.postErrs[1:]
		if err != nil {
			return "", "", err
		}
	}
	ts := fmt.Sprintf("1700000000.%06d", len(m.posted)+1)
	m.posted = append(m.posted, postedMessage{channelID: channelID, ts: ts, values: flatten(channelID, options)})
	return channelID, ts, nil
}

func (m *mockSlackClient) UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, postedMessage{channelID: channelID, ts: timestamp, values: flatten(channelID, options)})
	return channelID, timestamp, "", nil
}

func (m *mockSlackClient) UploadFileV2Context(ctx context.Context, params slackapi.UploadFileV2Parameters) (*slackapi.FileSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, _ := io.ReadAll(params.Reader)
	m.uploads = append(m.uploads, uploadedFile{params: params, body: string(body)})
	return &slackapi.FileSummary{ID: "F1", Title: params.Title}, nil
}

func (m *mockSlackClient) GetUserInfo(userID string) (*slackapi.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userCalls++
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user not found: %s", userID)
}

// --- Mock Socket Mode client ---

type mockSocketClient struct {
	events chan socketmode.Event
	acked  []socketmode.Request
	mu     sync.Mutex
	done   chan struct{}
}

func newMockSocketClient() *mockSocketClient {
	return &mockSocketClient{
		events: make(chan socketmode.Event, 100),
		done:   make(chan struct{}),
	}
}

func (m *mockSocketClient) Run() error {
	<-m.done
	return nil
}

func (m *mockSocketClient) EventsChan() chan socketmode.Event {
	return m.events
}

func (m *mockSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, req)
}

func (m *mockSocketClient) ackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked)
}

// --- Helper to create a connected adapter ---

func newTestAdapter(t *testing.T) (*Adapter, *mockSlackClient, *mockSocketClient) {
	t.Helper()
	client := newMockSlackClient()
	client.users["U_ALICE"] = &slackapi.User{ID: "U_ALICE", RealName: "Alice Liddell", Profile: slackapi.UserProfile{DisplayName: "alice"}}
	socket := newMockSocketClient()

	a, err := New(AdapterOpts{Client: client, Socket: socket})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		close(socket.done)
		a.Close()
	})
	return a, client, socket
}

func receive(t *testing.T, ch <-chan chat.InboundEvent) chat.InboundEvent {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound event")
	}
	return chat.InboundEvent{}
}

func TestNew_RequiresTokens(t *testing.T) {
	if _, err := New(AdapterOpts{AppToken: "xapp"}); err == nil {
		t.Error("expected error without bot token")
	}
	if _, err := New(AdapterOpts{BotToken: "xoxb"}); err == nil {
		t.Error("expected error without app token")
	}
}

func TestConnect_CapturesBotUserID(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if a.BotUserID() != "U_BOT_123" {
		t.Errorf("BotUserID = %q, want U_BOT_123", a.BotUserID())
	}
}

func TestConnect_AuthError(t *testing.T) {
	client := newMockSlackClient()
	client.authErr = fmt.Errorf("invalid_auth")
	a, _ := New(AdapterOpts{Client: client, Socket: newMockSocketClient()})
	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("expected auth error")
	}
}

func TestListen_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: newMockSocketClient()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Fatal("expected error before Connect")
	}
}

func TestListen_ReceivesMessages(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	socket.events <- socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type: slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{
				Data: &slackevents.MessageEvent{
					User:      "U_ALICE",
					Channel:   "D1",
					Text:      "/start",
					TimeStamp: "1700000000.000001",
				},
			},
		},
		Request: &socketmode.Request{EnvelopeID: "env-1"},
	}

	evt := receive(t, ch)
	if evt.Kind != chat.EventMessage || evt.ChatID != "D1" || evt.Text != "/start" {
		t.Errorf("event = %+v", evt)
	}
	if evt.UserName != "alice" {
		t.Errorf("UserName = %q, want alice", evt.UserName)
	}
	if evt.Timestamp.Unix() != 1700000000 {
		t.Errorf("Timestamp = %v", evt.Timestamp)
	}
	if socket.ackedCount() != 1 {
		t.Errorf("acked = %d, want 1", socket.ackedCount())
	}
}

func TestListen_FiltersBotAndSubtypes(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())

	for _, ev := range []*slackevents.MessageEvent{
		{User: "U_BOT_123", Channel: "D1", Text: "self"},
		{User: "U_X", BotID: "B1", Channel: "D1", Text: "bot"},
		{User: "U_ALICE", SubType: "message_changed", Channel: "D1", Text: "edit"},
		{User: "U_ALICE", Channel: "D1", Text: "real"},
	} {
		socket.events <- socketmode.Event{
			Type: socketmode.EventTypeEventsAPI,
			Data: slackevents.EventsAPIEvent{
				Type:       slackevents.CallbackEvent,
				InnerEvent: slackevents.EventsAPIInnerEvent{Data: ev},
			},
		}
	}

	if evt := receive(t, ch); evt.Text != "real" {
		t.Errorf("first delivered event = %q, want real", evt.Text)
	}
}

func TestListen_BlockActions(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())

	cb := slackapi.InteractionCallback{
		Type:      slackapi.InteractionTypeBlockActions,
		User:      slackapi.User{ID: "U_ALICE", Name: "alice.l"},
		Container: slackapi.Container{ChannelID: "D1", MessageTs: "1700000000.000009"},
		ActionCallback: slackapi.ActionCallbacks{BlockActions: []*slackapi.BlockAction{
			{ActionID: "parlor_1_0", Value: ""}, // link button
			{ActionID: "parlor_0_1", Value: "next", ActionTs: "1700000001.000000"},
		}},
	}
	socket.events <- socketmode.Event{
		Type:    socketmode.EventTypeInteractive,
		Data:    cb,
		Request: &socketmode.Request{EnvelopeID: "env-2"},
	}

	evt := receive(t, ch)
	if evt.Kind != chat.EventCallback || evt.Data != "next" {
		t.Errorf("event = %+v", evt)
	}
	if evt.ChatID != "D1" || evt.MessageRef != "1700000000.000009" {
		t.Errorf("chat/ref = %s/%s", evt.ChatID, evt.MessageRef)
	}
	if evt.UserName != "alice" {
		t.Errorf("UserName = %q, want alice", evt.UserName)
	}
	if socket.ackedCount() != 1 {
		t.Errorf("acked = %d, want 1", socket.ackedCount())
	}
}

func TestSendText_Plain(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	ref, err := a.SendText(context.Background(), "D1", "hello world", chat.SendOptions{})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if ref != "1700000000.000001" {
		t.Errorf("ref = %q", ref)
	}
	got := client.posted[0]
	if got.values["text"] != "hello world" {
		t.Errorf("text = %q", got.values["text"])
	}
	if _, ok := got.values["blocks"]; ok {
		t.Error("plain message should not carry blocks")
	}
}

func TestSendText_ButtonsAndMarkdown(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	_, err := a.SendText(context.Background(), "D1", "👉 [Click here](https://example.com/mia) now", chat.SendOptions{
		Markdown: true,
		Buttons: [][]chat.Button{
			{{Label: "🌟 Connect Now", URL: "https://example.com/mia"}},
		},
	})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	got := client.posted[0]
	if !strings.Contains(got.values["text"], "<https://example.com/mia|Click here>") {
		t.Errorf("text = %q, want slack link", got.values["text"])
	}
	blocks := got.values["blocks"]
	if !strings.Contains(blocks, `"type":"actions"`) || !strings.Contains(blocks, `"url":"https://example.com/mia"`) {
		t.Errorf("blocks = %s", blocks)
	}
}

func TestSendText_RetriesOnRateLimit(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.postErrs = []error{&slackapi.RateLimitedError{RetryAfter: time.Millisecond}}
	if _, err := a.SendText(context.Background(), "D1", "hi", chat.SendOptions{}); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if len(client.posted) != 1 {
		t.Errorf("posted = %d, want 1", len(client.posted))
	}
}

func TestSendText_NoChannel(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if _, err := a.SendText(context.Background(), "", "hi", chat.SendOptions{}); err == nil {
		t.Fatal("expected error for empty channel")
	}
}

func TestSendPhoto_Uploads(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	ref, err := a.SendPhoto(context.Background(), "D1", []byte("JPEG"), chat.SendOptions{Caption: "Chat with mia"})
	if err != nil {
		t.Fatalf("SendPhoto: %v", err)
	}
	if ref != "F1" {
		t.Errorf("ref = %q, want F1", ref)
	}
	up := client.uploads[0]
	if up.params.Channel != "D1" || up.params.Filename != "photo.jpg" || up.params.FileSize != 4 {
		t.Errorf("params = %+v", up.params)
	}
	if up.params.InitialComment != "Chat with mia" || up.body != "JPEG" {
		t.Errorf("caption/body = %q/%q", up.params.InitialComment, up.body)
	}
}

func TestSendPhoto_ButtonsPostedAfterUpload(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	ref, err := a.SendPhoto(context.Background(), "D1", []byte("JPEG"), chat.SendOptions{
		Caption:  "Chat with mia",
		FileName: "profile.jpg",
		Buttons: [][]chat.Button{
			{{Label: "⬅️ Back", Data: "prev"}, {Label: "➡️ Next", Data: "next"}},
			{{Label: "💬 Chat with mia", Data: "chat_mia"}},
		},
	})
	if err != nil {
		t.Fatalf("SendPhoto: %v", err)
	}
	if len(client.uploads) != 1 || len(client.posted) != 1 {
		t.Fatalf("uploads = %d, posted = %d, want 1 and 1", len(client.uploads), len(client.posted))
	}
	if c := client.uploads[0].params.InitialComment; c != "" {
		t.Errorf("InitialComment = %q, want empty when buttons follow", c)
	}
	msg := client.posted[0]
	if msg.channelID != "D1" || msg.values["text"] != "Chat with mia" {
		t.Errorf("follow-up = %+v", msg)
	}
	for _, v := range []string{`"value":"prev"`, `"value":"next"`, `"value":"chat_mia"`} {
		if !strings.Contains(msg.values["blocks"], v) {
			t.Errorf("blocks missing %s: %s", v, msg.values["blocks"])
		}
	}
	if string(ref) != msg.ts {
		t.Errorf("ref = %q, want follow-up ts %q", ref, msg.ts)
	}
}

func TestSendVideo_EmptyPayload(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if _, err := a.SendVideo(context.Background(), "D1", nil, chat.SendOptions{}); err == nil {
		t.Fatal("expected error for empty upload")
	}
}

func TestEditText(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	if err := a.EditText(context.Background(), "D1", "1700000000.000001", "✅ Connected"); err != nil {
		t.Fatalf("EditText: %v", err)
	}
	if len(client.updates) != 1 || client.updates[0].ts != "1700000000.000001" || client.updates[0].values["text"] != "✅ Connected" {
		t.Errorf("updates = %+v", client.updates)
	}
}

func TestIndicateActivity_NoOp(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	if err := a.IndicateActivity(context.Background(), "D1", chat.ActivityTyping); err != nil {
		t.Fatalf("IndicateActivity: %v", err)
	}
	if len(client.posted) != 0 {
		t.Error("activity must not post messages")
	}
}

func TestResolveUserName_Cached(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	a.resolveUserName("U_ALICE")
	a.resolveUserName("U_ALICE")
	if client.userCalls != 1 {
		t.Errorf("GetUserInfo calls = %d, want 1", client.userCalls)
	}
	if got := a.resolveUserName("U_NOBODY"); got != "U_NOBODY" {
		t.Errorf("unknown user name = %q, want id fallback", got)
	}
}

func TestToMrkdwn(t *testing.T) {
	in := "🎉 *Hi Ana!* Go [Sign up now](https://x.test/mia) and [here](https://y.test)"
	want := "🎉 *Hi Ana!* Go <https://x.test/mia|Sign up now> and <https://y.test|here>"
	if got := toMrkdwn(in); got != want {
		t.Errorf("toMrkdwn = %q, want %q", got, want)
	}
}

func TestParseSlackTimestamp(t *testing.T) {
	if got := parseSlackTimestamp("1700000000.123456"); got.Unix() != 1700000000 {
		t.Errorf("parse = %v", got)
	}
	if got := parseSlackTimestamp(""); !got.IsZero() {
		t.Errorf("parse empty = %v, want zero", got)
	}
}

func TestClose_Idempotent(t *testing.T) {
	client := newMockSlackClient()
	socket := newMockSocketClient()
	a, _ := New(AdapterOpts{Client: client, Socket: socket})
	a.Connect(context.Background())
	ch, _ := a.Listen(context.Background())

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("inbound channel should be closed")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("double Close: %v", err)
	}
	close(socket.done)
}
