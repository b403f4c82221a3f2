// Package bot runs the conversation: it moves each chat through browsing,
// binding, and messaging, delivers replies, and expires idle sessions.
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/parlor/internal/chat"
	"github.com/zulandar/parlor/internal/persona"
	"github.com/zulandar/parlor/internal/reply"
	"github.com/zulandar/parlor/internal/session"
)

// ErrEmptyCatalog is returned by Navigate when there is nothing to page through.
var ErrEmptyCatalog = errors.New("bot: persona catalog is empty")

// User-facing texts.
const (
	StartPromptText  = "Use /start to begin."
	NoPersonasText   = "No models available now."
	ExpiredText      = "⏳ Session expired. Use /start to begin again."
	unknownUserName  = "Unknown User"
	cardCaptionFmt   = "Chat with %s"
	chatButtonFmt    = "💬 Chat with %s"
	backButtonLabel  = "⬅️ Back"
	nextButtonLabel  = "➡️ Next"
	analyticsBindFmt = "📊 User %s (%s) started chatting with %s."
)

// Callback tokens carried by card buttons.
const (
	CallbackPrev       = "prev"
	CallbackNext       = "next"
	CallbackChatPrefix = "chat_"
)

// Catalog is the read-only persona source the manager pages through.
// persona.DirCatalog satisfies it.
type Catalog interface {
	List() []string
	Config(name string) persona.Config
	QAPairs(name string) []persona.QAPair
	MediaIndex(name string) []persona.MediaItem
	ProfileImage(name string) ([]byte, error)
	ReadMedia(item persona.MediaItem) ([]byte, error)
}

// Navigate moves index by step within a catalog of size entries, wrapping
// in both directions.
func Navigate(index, step, size int) (int, error) {
	if size <= 0 {
		return 0, ErrEmptyCatalog
	}
	return ((index+step)%size + size) % size, nil
}

// Manager applies inbound events to the session store and delivers the
// resulting output. Calls for one chat must not overlap; the Router
// guarantees that.
type Manager struct {
	store         *session.Store
	catalog       Catalog
	selector      *reply.Selector
	adapter       chat.Adapter
	analyticsChat string
	rnd           reply.Rand
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
	connect       ConnectTiming
	out           io.Writer

	animMu  sync.Mutex
	anims   map[string]*animation
	animSeq uint64
	animWG  sync.WaitGroup
}

// ManagerOpts holds parameters for creating a Manager.
type ManagerOpts struct {
	Store         *session.Store
	Catalog       Catalog
	Selector      *reply.Selector
	Adapter       chat.Adapter
	AnalyticsChat string                                          // optional; empty disables analytics
	Rand          reply.Rand                                      // optional; must be safe for concurrent use
	Now           func() time.Time                                // optional; defaults to time.Now
	Sleep         func(ctx context.Context, d time.Duration) error // optional; defaults to a context-aware wait
	Connect       ConnectTiming                                   // optional; zero fields take defaults
	Out           io.Writer                                       // defaults to os.Stdout
}

// NewManager creates a Manager.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("bot: manager: store is required")
	}
	if opts.Catalog == nil {
		return nil, fmt.Errorf("bot: manager: catalog is required")
	}
	if opts.Selector == nil {
		return nil, fmt.Errorf("bot: manager: selector is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("bot: manager: adapter is required")
	}
	m := &Manager{
		store:         opts.Store,
		catalog:       opts.Catalog,
		selector:      opts.Selector,
		adapter:       opts.Adapter,
		analyticsChat: opts.AnalyticsChat,
		rnd:           opts.Rand,
		now:           opts.Now,
		sleep:         opts.Sleep,
		connect:       opts.Connect.withDefaults(),
		out:           opts.Out,
		anims:         make(map[string]*animation),
	}
	if m.rnd == nil {
		m.rnd = reply.DefaultRand
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.sleep == nil {
		m.sleep = sleepContext
	}
	if m.out == nil {
		m.out = os.Stdout
	}
	return m, nil
}

// Touch refreshes activity for an event that has no other effect.
func (m *Manager) Touch(ctx context.Context, evt chat.InboundEvent) {
	if _, err := m.store.Update(evt.ChatID, func(s *session.Session) error {
		s.Touch(evt.UserName, m.now())
		return nil
	}); err != nil {
		log.Printf("bot: touch %s: %v", evt.ChatID, err)
	}
}

// HandleStart resets the chat to the first catalog card.
func (m *Manager) HandleStart(ctx context.Context, evt chat.InboundEvent) {
	if _, err := m.store.Update(evt.ChatID, func(s *session.Session) error {
		s.Touch(evt.UserName, m.now())
		s.State = session.Browsing{}
		return nil
	}); err != nil {
		log.Printf("bot: start %s: %v", evt.ChatID, err)
		return
	}
	m.StopConnecting(evt.ChatID)
	m.showCard(ctx, evt.ChatID, m.catalog.List(), 0)
}

// HandleCallback applies a button press: paging, binding, or nothing.
func (m *Manager) HandleCallback(ctx context.Context, evt chat.InboundEvent) {
	data := strings.TrimSpace(evt.Data)
	switch {
	case data == CallbackPrev:
		m.navigate(ctx, evt, -1)
	case data == CallbackNext:
		m.navigate(ctx, evt, 1)
	case strings.HasPrefix(data, CallbackChatPrefix):
		m.bind(ctx, evt, strings.TrimPrefix(data, CallbackChatPrefix))
	default:
		m.Touch(ctx, evt)
	}
}

// navigate moves the card by step. A bound chat keeps its persona and pages
// from the persona's current catalog position. A chat bound to a persona
// that has left the catalog falls back to browsing.
func (m *Manager) navigate(ctx context.Context, evt chat.InboundEvent, step int) {
	names := m.catalog.List()
	var index int
	var unbound bool
	if _, err := m.store.Update(evt.ChatID, func(s *session.Session) error {
		s.Touch(evt.UserName, m.now())
		stale := staleBinding(*s, names)
		idx, err := Navigate(currentIndex(*s, names), step, len(names))
		if err != nil {
			if stale {
				s.State = session.Browsing{}
				unbound = true
			}
			return nil
		}
		index = idx
		if !s.IsBound() || stale {
			unbound = stale
			s.State = session.Browsing{Index: idx}
		}
		return nil
	}); err != nil {
		log.Printf("bot: navigate %s: %v", evt.ChatID, err)
		return
	}
	if unbound {
		m.StopConnecting(evt.ChatID)
		log.Printf("bot: navigate %s: bound persona left the catalog, browsing again", evt.ChatID)
	}
	m.showCard(ctx, evt.ChatID, names, index)
}

// staleBinding reports whether s is bound to a persona missing from names.
func staleBinding(s session.Session, names []string) bool {
	p, ok := s.Persona()
	return ok && !contains(names, p)
}

// currentIndex is the card position a session pages from.
func currentIndex(s session.Session, names []string) int {
	switch st := s.State.(type) {
	case session.Browsing:
		return st.Index
	case session.Bound:
		for i, n := range names {
			if n == st.Persona {
				return i
			}
		}
	}
	return 0
}

// showCard sends the persona card at index, or the empty-catalog notice.
func (m *Manager) showCard(ctx context.Context, chatID string, names []string, index int) {
	if len(names) == 0 {
		m.sendText(ctx, chatID, NoPersonasText, chat.SendOptions{})
		return
	}
	name := names[index%len(names)]
	opts := chat.SendOptions{
		Caption:  fmt.Sprintf(cardCaptionFmt, name),
		FileName: persona.ProfileFile,
		Buttons: [][]chat.Button{
			{
				{Label: backButtonLabel, Data: CallbackPrev},
				{Label: nextButtonLabel, Data: CallbackNext},
			},
			{
				{Label: fmt.Sprintf(chatButtonFmt, name), Data: CallbackChatPrefix + name},
			},
		},
	}

	img, err := m.catalog.ProfileImage(name)
	if err != nil {
		log.Printf("bot: profile image for %s: %v", name, err)
		m.sendText(ctx, chatID, opts.Caption, chat.SendOptions{Buttons: opts.Buttons})
		return
	}
	if _, err := m.adapter.SendPhoto(ctx, chatID, img, opts); err != nil {
		log.Printf("bot: send card %s to %s: %v", name, chatID, err)
	}
}

// bind starts a fresh conversation with name. A name no longer in the
// catalog only refreshes activity and shows the first card again.
func (m *Manager) bind(ctx context.Context, evt chat.InboundEvent, name string) {
	names := m.catalog.List()
	if !contains(names, name) {
		m.Touch(ctx, evt)
		log.Printf("bot: bind %s: %q is not in the catalog", evt.ChatID, name)
		m.showCard(ctx, evt.ChatID, names, 0)
		return
	}

	sess, err := m.store.Update(evt.ChatID, func(s *session.Session) error {
		s.Touch(evt.UserName, m.now())
		s.Bind(name)
		return nil
	})
	if err != nil {
		log.Printf("bot: bind %s: %v", evt.ChatID, err)
		return
	}
	fmt.Fprintf(m.out, "bot: %s bound to %s\n", evt.ChatID, name)

	emojis := m.catalog.Config(name).Emojis
	emoji := persona.DefaultEmoji
	if len(emojis) > 0 {
		emoji = emojis[m.rnd.Intn(len(emojis))]
	}
	m.startConnecting(ctx, evt.ChatID, name, emoji)

	m.notifyAnalytics(ctx, fmt.Sprintf(analyticsBindFmt, displayName(sess.UserName), evt.ChatID, name))
}

// HandleText answers a free-text message. Unbound chats, and chats bound to
// a persona that has left the catalog, get the start prompt. Filtered text
// is kept in history but not counted.
func (m *Manager) HandleText(ctx context.Context, evt chat.InboundEvent) {
	text := evt.Text
	filtered := m.selector.Filtered(text)
	names := m.catalog.List()

	var unbound bool
	sess, err := m.store.Update(evt.ChatID, func(s *session.Session) error {
		s.Touch(evt.UserName, m.now())
		if staleBinding(*s, names) {
			s.State = session.Browsing{}
			unbound = true
			return nil
		}
		b, ok := s.State.(session.Bound)
		if !ok {
			return nil
		}
		b.History = append(b.History, text)
		if !filtered {
			b.MessageCount++
		}
		s.State = b
		return nil
	})
	if err != nil {
		log.Printf("bot: message %s: %v", evt.ChatID, err)
		return
	}

	if unbound {
		m.StopConnecting(evt.ChatID)
		log.Printf("bot: message %s: bound persona left the catalog, browsing again", evt.ChatID)
	}
	bound, ok := sess.State.(session.Bound)
	if !ok {
		m.sendText(ctx, evt.ChatID, StartPromptText, chat.SendOptions{})
		return
	}

	actions := m.selector.Select(reply.Input{
		Persona:      bound.Persona,
		QA:           m.catalog.QAPairs(bound.Persona),
		Media:        m.catalog.MediaIndex(bound.Persona),
		Text:         text,
		UserName:     sess.UserName,
		MessageCount: bound.MessageCount,
	})
	m.deliver(ctx, evt.ChatID, actions)
}

// deliver executes actions in order. Failures are logged and never stop
// later actions; a cancelled context does.
func (m *Manager) deliver(ctx context.Context, chatID string, actions []reply.Action) {
	for _, a := range actions {
		if ctx.Err() != nil {
			return
		}
		switch a.Kind {
		case reply.KindTyping:
			if err := m.adapter.IndicateActivity(ctx, chatID, chat.ActivityTyping); err != nil {
				log.Printf("bot: typing in %s: %v", chatID, err)
			}
			if err := m.sleep(ctx, a.Delay); err != nil {
				return
			}
		case reply.KindText:
			opts := chat.SendOptions{Markdown: a.Markdown}
			if a.Link != nil {
				opts.Buttons = [][]chat.Button{{{Label: a.Link.Label, URL: a.Link.URL}}}
			}
			m.sendText(ctx, chatID, a.Text, opts)
		case reply.KindPhoto, reply.KindVideo:
			m.sendMedia(ctx, chatID, a)
		}
	}
}

// sendMedia uploads one media item, replacing it with a notice on failure.
func (m *Manager) sendMedia(ctx context.Context, chatID string, a reply.Action) {
	activity, send := chat.ActivityUploadPhoto, m.adapter.SendPhoto
	if a.Kind == reply.KindVideo {
		activity, send = chat.ActivityUploadVideo, m.adapter.SendVideo
	}
	if err := m.adapter.IndicateActivity(ctx, chatID, activity); err != nil {
		log.Printf("bot: %s in %s: %v", activity, chatID, err)
	}

	data, err := m.catalog.ReadMedia(a.Media)
	if err == nil {
		_, err = send(ctx, chatID, data, chat.SendOptions{FileName: a.Media.File})
	}
	if err != nil {
		log.Printf("bot: send media %s to %s: %v", a.Media.File, chatID, err)
		m.sendText(ctx, chatID, reply.MediaFailureText, chat.SendOptions{})
	}
}

func (m *Manager) sendText(ctx context.Context, chatID, text string, opts chat.SendOptions) {
	if _, err := m.adapter.SendText(ctx, chatID, text, opts); err != nil {
		log.Printf("bot: send to %s: %v", chatID, err)
	}
}

// notifyAnalytics posts text to the analytics channel, if one is set.
func (m *Manager) notifyAnalytics(ctx context.Context, text string) {
	if m.analyticsChat == "" {
		return
	}
	if _, err := m.adapter.SendText(ctx, m.analyticsChat, text, chat.SendOptions{}); err != nil {
		log.Printf("bot: analytics: %v", err)
	}
}

// Wait blocks until every connecting animation has finished.
func (m *Manager) Wait() {
	m.animWG.Wait()
}

func displayName(name string) string {
	if strings.TrimSpace(name) == "" {
		return unknownUserName
	}
	return name
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
