package bot

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/zulandar/parlor/internal/chat"
)

// startCommand resets a chat to the first persona card.
const startCommand = "/start"

// Router classifies inbound events and hands them to the Manager. Events
// for one chat run in arrival order on that chat's lane; different chats
// run in parallel.
type Router struct {
	mgr       *Manager
	botUserID string
	out       io.Writer

	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

// lane is the pending work of one chat. running is true while a goroutine
// is draining it.
type lane struct {
	queue   []chat.InboundEvent
	running bool
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Manager   *Manager
	BotUserID string    // bot's user ID for self-message filtering
	Out       io.Writer // defaults to os.Stdout
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Manager == nil {
		return nil, fmt.Errorf("bot: router: manager is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Router{
		mgr:       opts.Manager,
		botUserID: opts.BotUserID,
		out:       out,
		lanes:     make(map[string]*lane),
	}, nil
}

// Handle queues evt on its chat's lane and returns without waiting.
func (r *Router) Handle(ctx context.Context, evt chat.InboundEvent) {
	if r.botUserID != "" && evt.UserID == r.botUserID {
		return
	}
	if evt.ChatID == "" {
		log.Printf("bot: router: dropping %s event without chat id", evt.Kind)
		return
	}

	r.mu.Lock()
	l, ok := r.lanes[evt.ChatID]
	if !ok {
		l = &lane{}
		r.lanes[evt.ChatID] = l
	}
	l.queue = append(l.queue, evt)
	if !l.running {
		l.running = true
		r.wg.Add(1)
		go r.drain(ctx, evt.ChatID, l)
	}
	r.mu.Unlock()
}

// drain runs queued events for one chat until the lane is empty.
func (r *Router) drain(ctx context.Context, chatID string, l *lane) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			delete(r.lanes, chatID)
			r.mu.Unlock()
			return
		}
		evt := l.queue[0]
		l.queue = l.queue[1:]
		r.mu.Unlock()

		r.dispatch(ctx, evt)
	}
}

// dispatch routes a single event. A panic is logged and confined to the event.
//  1. Button press → callback handler
//  2. "/start" → reset to the first card
//  3. Other command or empty text → activity refresh only
//  4. Everything else → free-text handler
func (r *Router) dispatch(ctx context.Context, evt chat.InboundEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("bot: router: panic handling %s in %s: %v\n%s", evt.Kind, evt.ChatID, rec, debug.Stack())
		}
	}()

	if evt.Kind == chat.EventCallback {
		fmt.Fprintf(r.out, "bot: router: recv [chat=%s user=%s] callback %q\n", evt.ChatID, evt.UserName, evt.Data)
		r.mgr.HandleCallback(ctx, evt)
		return
	}

	text := strings.TrimSpace(evt.Text)
	fmt.Fprintf(r.out, "bot: router: recv [chat=%s user=%s] %q\n", evt.ChatID, evt.UserName, truncate(text, 80))
	switch {
	case isStart(text):
		r.mgr.HandleStart(ctx, evt)
	case text == "" || strings.HasPrefix(text, "/"):
		r.mgr.Touch(ctx, evt)
	default:
		r.mgr.HandleText(ctx, evt)
	}
}

// Wait blocks until every lane has drained.
func (r *Router) Wait() {
	r.wg.Wait()
}

// Pending returns the number of queued events not yet started.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.lanes {
		n += len(l.queue)
	}
	return n
}

// isStart reports whether text is the start command, optionally addressed
// to a bot ("/start@name") or followed by arguments.
func isStart(text string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	cmd := strings.ToLower(fields[0])
	return cmd == startCommand || strings.HasPrefix(cmd, startCommand+"@")
}

// truncate shortens s to at most max runes, appending "..." if truncated.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
