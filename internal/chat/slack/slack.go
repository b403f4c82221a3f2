// Package slack implements the chat Adapter for Slack using Socket Mode.
package slack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/parlor/internal/chat"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
	UploadFileV2Context(ctx context.Context, params slackapi.UploadFileV2Parameters) (*slackapi.FileSummary, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements chat.Adapter for Slack Socket Mode. Chat ids are Slack
// conversation ids; message refs are message timestamps.
type Adapter struct {
	client       slackClient
	socket       socketClient
	botUserID    string
	appToken     string
	botToken     string
	mu           sync.Mutex
	connected    bool
	closed       bool
	inbound      chan chat.InboundEvent
	inboundMu    sync.RWMutex
	done         chan struct{}
	cancelFunc   context.CancelFunc
	names        map[string]string // user id -> display name
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxReconnect int
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken string // xapp-... Slack app-level token for Socket Mode
	BotToken string // xoxb-... Slack bot token
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}

	a := &Adapter{
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		inbound:      make(chan chat.InboundEvent, 100),
		done:         make(chan struct{}),
		names:        make(map[string]string),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}
	if opts.Client != nil {
		a.client = opts.Client
	}
	if opts.Socket != nil {
		a.socket = opts.Socket
	}
	return a, nil
}

// Connect authenticates against the Web API and prepares Socket Mode.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		if a.socket == nil {
			a.socket = &realSocketClient{client: socketmode.New(api)}
		}
	}

	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID

	a.connected = true
	return nil
}

// Listen starts the Socket Mode event pump and returns the inbound event
// channel. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan chat.InboundEvent, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel
	a.mu.Unlock()

	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)

	return a.inbound, nil
}

// SendText posts a message. Buttons are rendered as Block Kit action rows.
func (a *Adapter) SendText(ctx context.Context, chatID, text string, opts chat.SendOptions) (chat.MessageRef, error) {
	if err := a.checkConnected(); err != nil {
		return "", err
	}
	if chatID == "" {
		return "", fmt.Errorf("slack: no channel specified")
	}
	if opts.Markdown {
		text = toMrkdwn(text)
	}

	var ts string
	err := retryOnRateLimit(ctx, func() error {
		var postErr error
		_, ts, postErr = a.client.PostMessageContext(ctx, chatID, buildMessageOptions(text, opts)...)
		return postErr
	})
	if err != nil {
		return "", fmt.Errorf("slack: post message: %w", err)
	}
	return chat.MessageRef(ts), nil
}

// SendPhoto uploads an image into the conversation. Buttons are posted in a
// follow-up message whose timestamp is returned.
func (a *Adapter) SendPhoto(ctx context.Context, chatID string, data []byte, opts chat.SendOptions) (chat.MessageRef, error) {
	return a.upload(ctx, chatID, data, opts, "photo.jpg")
}

// SendVideo uploads a video into the conversation.
func (a *Adapter) SendVideo(ctx context.Context, chatID string, data []byte, opts chat.SendOptions) (chat.MessageRef, error) {
	return a.upload(ctx, chatID, data, opts, "video.mp4")
}

// IndicateActivity is a no-op: Slack bots have no typing indicator API.
func (a *Adapter) IndicateActivity(ctx context.Context, chatID string, kind chat.Activity) error {
	return a.checkConnected()
}

// EditText replaces the text of a bot message identified by its timestamp.
func (a *Adapter) EditText(ctx context.Context, chatID string, ref chat.MessageRef, text string) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	err := retryOnRateLimit(ctx, func() error {
		_, _, _, updErr := a.client.UpdateMessageContext(ctx, chatID, string(ref), slackapi.MsgOptionText(text, false))
		return updErr
	})
	if err != nil {
		return fmt.Errorf("slack: update message: %w", err)
	}
	return nil
}

// Close shuts down the adapter and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	a.mu.Unlock()

	close(a.done)
	a.inboundMu.Lock()
	close(a.inbound)
	a.inboundMu.Unlock()
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) checkConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("slack: not connected")
	}
	return nil
}

func (a *Adapter) upload(ctx context.Context, chatID string, data []byte, opts chat.SendOptions, defaultName string) (chat.MessageRef, error) {
	if err := a.checkConnected(); err != nil {
		return "", err
	}
	if chatID == "" {
		return "", fmt.Errorf("slack: no channel specified")
	}
	if len(data) == 0 {
		return "", fmt.Errorf("slack: empty upload")
	}
	name := opts.FileName
	if name == "" {
		name = defaultName
	}

	// File comments cannot carry blocks, so a captioned upload with buttons
	// is followed by a message holding the caption and the action rows.
	comment := opts.Caption
	if len(opts.Buttons) > 0 {
		comment = ""
	}

	var summary *slackapi.FileSummary
	err := retryOnRateLimit(ctx, func() error {
		var upErr error
		summary, upErr = a.client.UploadFileV2Context(ctx, slackapi.UploadFileV2Parameters{
			Reader:         bytes.NewReader(data),
			FileSize:       len(data),
			Filename:       name,
			Title:          name,
			InitialComment: comment,
			Channel:        chatID,
		})
		return upErr
	})
	if err != nil {
		return "", fmt.Errorf("slack: upload %s: %w", name, err)
	}

	if len(opts.Buttons) > 0 {
		text := opts.Caption
		if text == "" {
			text = name
		}
		return a.SendText(ctx, chatID, text, chat.SendOptions{Buttons: opts.Buttons, Markdown: opts.Markdown})
	}
	if summary == nil {
		return "", nil
	}
	return chat.MessageRef(summary.ID), nil
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run() returns an error (e.g., reconnection failure).
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		log.Printf("slack: socket mode disconnected (attempt %d/%d): %v, reconnecting in %v",
			attempt+1, a.maxReconnect, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: socket mode exhausted %d reconnection attempts, giving up", a.maxReconnect)
}

// pumpEvents reads Socket Mode events and converts them to InboundEvents.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleEventsAPI(eventsAPIEvent)

	case socketmode.EventTypeInteractive:
		callback, ok := evt.Data.(slackapi.InteractionCallback)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleInteraction(callback)

	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to Socket Mode...")

	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)

	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

// handleEventsAPI processes Events API callbacks.
func (a *Adapter) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	if ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
		a.handleMessage(ev)
	}
}

// handleMessage converts a Slack message event to an InboundEvent.
func (a *Adapter) handleMessage(ev *slackevents.MessageEvent) {
	if ev.User == a.BotUserID() {
		return
	}
	// Bot messages and subtypes (edits, deletes, joins) are not user input.
	if ev.BotID != "" || ev.SubType != "" {
		return
	}

	a.emit(chat.InboundEvent{
		Platform:  "slack",
		Kind:      chat.EventMessage,
		ChatID:    ev.Channel,
		UserID:    ev.User,
		UserName:  a.resolveUserName(ev.User),
		Text:      ev.Text,
		Timestamp: parseSlackTimestamp(ev.TimeStamp),
	})
}

// handleInteraction converts block button presses to callback events. Link
// buttons carry no value and are ignored.
func (a *Adapter) handleInteraction(cb slackapi.InteractionCallback) {
	if cb.Type != slackapi.InteractionTypeBlockActions {
		return
	}
	chatID := cb.Channel.ID
	if chatID == "" {
		chatID = cb.Container.ChannelID
	}
	ref := cb.Container.MessageTs
	if ref == "" {
		ref = cb.Message.Timestamp
	}
	name := a.resolveUserName(cb.User.ID)
	if name == cb.User.ID && cb.User.Name != "" {
		name = cb.User.Name
	}

	for _, action := range cb.ActionCallback.BlockActions {
		if action == nil || action.Value == "" {
			continue
		}
		a.emit(chat.InboundEvent{
			Platform:   "slack",
			Kind:       chat.EventCallback,
			ChatID:     chatID,
			UserID:     cb.User.ID,
			UserName:   name,
			Data:       action.Value,
			MessageRef: chat.MessageRef(ref),
			Timestamp:  parseSlackTimestamp(action.ActionTs),
		})
	}
}

// emit delivers evt unless the adapter is closing.
func (a *Adapter) emit(evt chat.InboundEvent) {
	a.inboundMu.RLock()
	defer a.inboundMu.RUnlock()
	select {
	case <-a.done:
		return
	default:
	}
	select {
	case <-a.done:
	case a.inbound <- evt:
	}
}

// resolveUserName looks up a user's display name, caching hits. Falls back
// to the user ID.
func (a *Adapter) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	a.mu.Lock()
	name, ok := a.names[userID]
	a.mu.Unlock()
	if ok {
		return name
	}

	user, err := a.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	name = user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	if name == "" {
		name = userID
	}
	a.mu.Lock()
	a.names[userID] = name
	a.mu.Unlock()
	return name
}

// buildMessageOptions translates text and options into Slack MsgOptions.
// Without buttons the message is plain text; with buttons it becomes a
// section block followed by one actions block per row.
func buildMessageOptions(text string, opts chat.SendOptions) []slackapi.MsgOption {
	options := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if len(opts.Buttons) == 0 {
		return options
	}

	blocks := []slackapi.Block{
		slackapi.NewSectionBlock(slackapi.NewTextBlockObject(slackapi.MarkdownType, text, false, false), nil, nil),
	}
	for i, row := range opts.Buttons {
		var elems []slackapi.BlockElement
		for j, b := range row {
			label := slackapi.NewTextBlockObject(slackapi.PlainTextType, b.Label, true, false)
			btn := slackapi.NewButtonBlockElement(fmt.Sprintf("parlor_%d_%d", i, j), b.Data, label)
			if b.URL != "" {
				btn = btn.WithURL(b.URL)
			}
			elems = append(elems, btn)
		}
		if len(elems) > 0 {
			blocks = append(blocks, slackapi.NewActionBlock(fmt.Sprintf("parlor_row_%d", i), elems...))
		}
	}
	return append(options, slackapi.MsgOptionBlocks(blocks...))
}

var mdLink = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)

// toMrkdwn rewrites Markdown links into Slack's <url|label> form. Single
// asterisk bold already matches Slack's syntax.
func toMrkdwn(text string) string {
	return mdLink.ReplaceAllString(text, "<$2|$1>")
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// parseSlackTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
