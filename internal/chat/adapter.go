// Package chat defines the transport boundary between parlor and the chat
// platforms (Discord, Slack). Platform packages implement Adapter.
package chat

import (
	"context"
	"time"
)

// Adapter is the interface that platform-specific implementations must
// satisfy. Each adapter owns one platform connection.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound events from the platform. The
	// channel is closed when the adapter is closed. Listen must only be
	// called after Connect.
	Listen(ctx context.Context) (<-chan InboundEvent, error)

	// SendText posts a text message and returns a reference usable with EditText.
	SendText(ctx context.Context, chatID, text string, opts SendOptions) (MessageRef, error)

	// SendPhoto uploads an image.
	SendPhoto(ctx context.Context, chatID string, data []byte, opts SendOptions) (MessageRef, error)

	// SendVideo uploads a video.
	SendVideo(ctx context.Context, chatID string, data []byte, opts SendOptions) (MessageRef, error)

	// IndicateActivity shows a transient "typing" or "uploading" hint.
	// Platforms without such a hint treat this as a no-op.
	IndicateActivity(ctx context.Context, chatID string, kind Activity) error

	// EditText replaces the text of a message previously sent by the bot.
	EditText(ctx context.Context, chatID string, ref MessageRef, text string) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID.
type BotUserIDer interface {
	BotUserID() string
}

// MessageRef identifies a sent message within its chat.
type MessageRef string

// EventKind distinguishes inbound event types.
type EventKind int

const (
	// EventMessage is a text message typed by the user (commands included).
	EventMessage EventKind = iota
	// EventCallback is a button press carrying callback data.
	EventCallback
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventCallback:
		return "callback"
	default:
		return "unknown"
	}
}

// InboundEvent represents an event received from the chat platform.
type InboundEvent struct {
	Platform   string     // e.g. "slack", "discord"
	Kind       EventKind  // message or callback
	ChatID     string     // conversation the event belongs to
	UserID     string     // platform-specific user identifier
	UserName   string     // human-readable display name
	Text       string     // message text (EventMessage)
	Data       string     // callback token (EventCallback)
	MessageRef MessageRef // message carrying the pressed button (EventCallback)
	Timestamp  time.Time  // when the event happened
}

// Activity is the kind of transient hint shown by IndicateActivity.
type Activity string

const (
	ActivityTyping      Activity = "typing"
	ActivityUploadPhoto Activity = "upload_photo"
	ActivityUploadVideo Activity = "upload_video"
)

// Button is an inline control. Exactly one of Data (callback token) or URL
// (external link) is set.
type Button struct {
	Label string
	Data  string
	URL   string
}

// SendOptions tune a send call. The zero value sends plain content.
type SendOptions struct {
	Caption  string     // photo/video caption
	Markdown bool       // render Text as Markdown
	FileName string     // upload name; adapters pick a default when empty
	Buttons  [][]Button // rows of inline controls
}
