package bot

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/zulandar/parlor/internal/chat"
	"github.com/zulandar/parlor/internal/session"
)

// Sweeper removes sessions that have been idle longer than the timeout.
type Sweeper struct {
	store         *session.Store
	adapter       chat.Adapter
	analyticsChat string
	timeout       time.Duration
	interval      time.Duration
	cronExpr      string
	onExpired     func(chatID string)
	now           func() time.Time
	out           io.Writer
}

// SweeperOpts holds parameters for creating a Sweeper.
type SweeperOpts struct {
	Store         *session.Store
	Adapter       chat.Adapter
	AnalyticsChat string              // optional; empty skips summaries
	Timeout       time.Duration       // idle period before expiry
	Interval      time.Duration       // fixed period between sweeps
	Cron          string              // optional 5-field schedule; replaces Interval
	OnExpired     func(chatID string) // optional; called after each removal
	Now           func() time.Time    // optional; defaults to time.Now
	Out           io.Writer           // defaults to os.Stdout
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Expired  int // sessions removed
	Notified int // expiry notices delivered
	Failed   int // deliveries that failed
}

// NewSweeper creates a Sweeper.
func NewSweeper(opts SweeperOpts) (*Sweeper, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("bot: sweeper: store is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("bot: sweeper: adapter is required")
	}
	if opts.Timeout <= 0 {
		return nil, fmt.Errorf("bot: sweeper: timeout must be positive")
	}
	if opts.Cron != "" {
		if _, err := cronParser.Parse(opts.Cron); err != nil {
			return nil, fmt.Errorf("bot: sweeper: parse cron %q: %w", opts.Cron, err)
		}
	} else if opts.Interval <= 0 {
		return nil, fmt.Errorf("bot: sweeper: interval must be positive")
	}
	s := &Sweeper{
		store:         opts.Store,
		adapter:       opts.Adapter,
		analyticsChat: opts.AnalyticsChat,
		timeout:       opts.Timeout,
		interval:      opts.Interval,
		cronExpr:      opts.Cron,
		onExpired:     opts.OnExpired,
		now:           opts.Now,
		out:           opts.Out,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.out == nil {
		s.out = os.Stdout
	}
	return s, nil
}

// Run sweeps on the configured schedule until ctx is cancelled. The first
// sweep happens one period after start.
func (s *Sweeper) Run(ctx context.Context) {
	var ticker *time.Ticker
	var timer *time.Timer
	if s.cronExpr != "" {
		if d := nextCronDuration(s.cronExpr, s.now()); d > 0 {
			timer = time.NewTimer(d)
		}
	} else {
		ticker = time.NewTicker(s.interval)
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickerChan(ticker):
			s.safeSweep(ctx)
		case <-timerChan(timer):
			s.safeSweep(ctx)
			if d := nextCronDuration(s.cronExpr, s.now()); d > 0 {
				timer.Reset(d)
			}
		}
	}
}

// safeSweep keeps a panicking sweep from killing the schedule.
func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("bot: sweep panic: %v", r)
		}
	}()
	res := s.Sweep(ctx)
	if res.Expired > 0 {
		fmt.Fprintf(s.out, "bot: sweep expired %d session(s), %d notice(s), %d failure(s)\n",
			res.Expired, res.Notified, res.Failed)
	}
}

// Sweep removes every session idle longer than the timeout. Each removal is
// conditional on the session still being expired, so activity that lands
// mid-sweep keeps its session. Bound chats get an expiry notice and, when
// they sent anything, a summary goes to the analytics channel. Delivery
// failures never prevent removal.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := s.now()
	expired := func(cur session.Session) bool { return cur.Expired(now, s.timeout) }

	for _, sess := range s.store.All() {
		if !expired(sess) {
			continue
		}
		removed, ok := s.store.RemoveIf(sess.ChatID, expired)
		if !ok {
			continue
		}
		res.Expired++
		if s.onExpired != nil {
			s.onExpired(removed.ChatID)
		}
		s.notify(ctx, removed, &res)
	}
	return res
}

// notify tells a bound chat its session ended and reports the conversation.
func (s *Sweeper) notify(ctx context.Context, sess session.Session, res *SweepResult) {
	bound, ok := sess.State.(session.Bound)
	if !ok {
		return
	}
	if _, err := s.adapter.SendText(ctx, sess.ChatID, ExpiredText, chat.SendOptions{}); err != nil {
		log.Printf("bot: expiry notice to %s: %v", sess.ChatID, err)
		res.Failed++
	} else {
		res.Notified++
	}

	if s.analyticsChat == "" || len(bound.History) == 0 {
		return
	}
	if _, err := s.adapter.SendText(ctx, s.analyticsChat, Summary(sess), chat.SendOptions{}); err != nil {
		log.Printf("bot: session summary for %s: %v", sess.ChatID, err)
		res.Failed++
	}
}

// Summary renders the analytics report for an ended session.
func Summary(sess session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Session ended for %s (%s):\n", displayName(sess.UserName), sess.ChatID)
	if bound, ok := sess.State.(session.Bound); ok {
		fmt.Fprintf(&b, "Model: %s\nQuestions:\n", bound.Persona)
		for i, q := range bound.History {
			if i > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "%d. %s", i+1, q)
		}
	}
	return b.String()
}
