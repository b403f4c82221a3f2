// Package discord implements the chat Adapter for Discord using the Gateway WebSocket.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/parlor/internal/chat"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// maxButtonsPerRow is Discord's limit for one action row.
	maxButtonsPerRow = 5
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageEdit(channelID, messageID, content, options...)
}
func (r *realSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelTyping(channelID, options...)
}
func (r *realSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	return r.s.InteractionRespond(interaction, resp, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Adapter implements chat.Adapter for Discord via the Gateway WebSocket.
// Chat ids are Discord channel ids (DM channels included).
type Adapter struct {
	sess        session
	botToken    string
	botUserID   string
	mu          sync.Mutex
	connected   bool
	closed      bool
	inbound     chan chat.InboundEvent
	inboundMu   sync.RWMutex
	done        chan struct{}
	removers    []func()
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string // Discord bot token
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}

	a := &Adapter{
		botToken:    opts.BotToken,
		inbound:     make(chan chat.InboundEvent, 100),
		done:        make(chan struct{}),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}
	if opts.Session != nil {
		a.sess = opts.Session
	}
	return a, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// Listen registers message and interaction handlers and returns the inbound
// event channel. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan chat.InboundEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}

	a.removers = append(a.removers,
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.handleMessage(m)
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
			a.handleInteraction(ctx, i)
		}),
	)
	return a.inbound, nil
}

// SendText posts a message, with buttons rendered as component rows.
func (a *Adapter) SendText(ctx context.Context, chatID, text string, opts chat.SendOptions) (chat.MessageRef, error) {
	return a.send(ctx, chatID, &discordgo.MessageSend{
		Content:    text,
		Components: buildComponents(opts.Buttons),
	})
}

// SendPhoto uploads an image with an optional caption.
func (a *Adapter) SendPhoto(ctx context.Context, chatID string, data []byte, opts chat.SendOptions) (chat.MessageRef, error) {
	return a.sendFile(ctx, chatID, data, opts, "photo.jpg")
}

// SendVideo uploads a video with an optional caption.
func (a *Adapter) SendVideo(ctx context.Context, chatID string, data []byte, opts chat.SendOptions) (chat.MessageRef, error) {
	return a.sendFile(ctx, chatID, data, opts, "video.mp4")
}

// IndicateActivity triggers the typing indicator. Discord has no distinct
// upload indicator, so every activity kind maps to typing.
func (a *Adapter) IndicateActivity(ctx context.Context, chatID string, kind chat.Activity) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	err := a.retryOnRateLimit(ctx, func() error {
		return a.sess.ChannelTyping(chatID)
	})
	if err != nil {
		return fmt.Errorf("discord: typing: %w", err)
	}
	return nil
}

// EditText replaces the content of a bot message.
func (a *Adapter) EditText(ctx context.Context, chatID string, ref chat.MessageRef, text string) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	err := a.retryOnRateLimit(ctx, func() error {
		_, editErr := a.sess.ChannelMessageEdit(chatID, string(ref), text)
		return editErr
	})
	if err != nil {
		return fmt.Errorf("discord: edit message: %w", err)
	}
	return nil
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	for _, remove := range a.removers {
		remove()
	}
	a.removers = nil
	sess := a.sess
	a.mu.Unlock()

	close(a.done)
	a.inboundMu.Lock()
	close(a.inbound)
	a.inboundMu.Unlock()

	if sess != nil {
		return sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after Ready).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) checkConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("discord: not connected")
	}
	return nil
}

func (a *Adapter) sendFile(ctx context.Context, chatID string, data []byte, opts chat.SendOptions, defaultName string) (chat.MessageRef, error) {
	name := opts.FileName
	if name == "" {
		name = defaultName
	}
	return a.send(ctx, chatID, &discordgo.MessageSend{
		Content:    opts.Caption,
		Components: buildComponents(opts.Buttons),
		Files: []*discordgo.File{{
			Name:   name,
			Reader: bytes.NewReader(data),
		}},
	})
}

func (a *Adapter) send(ctx context.Context, chatID string, data *discordgo.MessageSend) (chat.MessageRef, error) {
	if err := a.checkConnected(); err != nil {
		return "", err
	}
	if chatID == "" {
		return "", fmt.Errorf("discord: no channel specified")
	}

	var msg *discordgo.Message
	err := a.retryOnRateLimit(ctx, func() error {
		// Readers are consumed by a failed attempt.
		for _, f := range data.Files {
			if r, ok := f.Reader.(*bytes.Reader); ok {
				r.Seek(0, io.SeekStart)
			}
		}
		var sendErr error
		msg, sendErr = a.sess.ChannelMessageSendComplex(chatID, data)
		return sendErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: send message: %w", err)
	}
	if msg == nil {
		return "", nil
	}
	return chat.MessageRef(msg.ID), nil
}

// handleMessage converts a Discord message event to an InboundEvent.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	if m.Author.ID == a.BotUserID() || m.Author.Bot {
		return
	}

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)
	a.emit(chat.InboundEvent{
		Platform:  "discord",
		Kind:      chat.EventMessage,
		ChatID:    m.ChannelID,
		UserID:    m.Author.ID,
		UserName:  displayName(m.Author),
		Text:      m.Content,
		Timestamp: ts,
	})
}

// handleInteraction acknowledges a button press and converts it to a
// callback event. The ack is a deferred update so the clicked message stays
// as it is.
func (a *Adapter) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	if i.Interaction == nil || i.Type != discordgo.InteractionMessageComponent {
		return
	}

	err := a.retryOnRateLimit(ctx, func() error {
		return a.sess.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredMessageUpdate,
		})
	})
	if err != nil {
		log.Printf("discord: ack interaction: %v", err)
	}

	user := i.User
	if i.Member != nil && i.Member.User != nil {
		user = i.Member.User
	}
	evt := chat.InboundEvent{
		Platform:  "discord",
		Kind:      chat.EventCallback,
		ChatID:    i.ChannelID,
		Data:      i.MessageComponentData().CustomID,
		Timestamp: time.Now(),
	}
	if user != nil {
		evt.UserID = user.ID
		evt.UserName = displayName(user)
	}
	if i.Message != nil {
		evt.MessageRef = chat.MessageRef(i.Message.ID)
	}
	a.emit(evt)
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

func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// buildComponents renders button rows as Discord action rows. Callback
// buttons use the token as custom id; link buttons carry the URL.
func buildComponents(rows [][]chat.Button) []discordgo.MessageComponent {
	var out []discordgo.MessageComponent
	for _, row := range rows {
		var buttons []discordgo.MessageComponent
		for _, b := range row {
			if len(buttons) == maxButtonsPerRow {
				break
			}
			btn := discordgo.Button{Label: b.Label}
			if b.URL != "" {
				btn.Style = discordgo.LinkButton
				btn.URL = b.URL
			} else {
				btn.Style = discordgo.PrimaryButton
				btn.CustomID = b.Data
			}
			buttons = append(buttons, btn)
		}
		if len(buttons) > 0 {
			out = append(out, discordgo.ActionsRow{Components: buttons})
		}
	}
	return out
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
