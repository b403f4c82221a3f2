package bot

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/zulandar/parlor/internal/chat"
	"github.com/zulandar/parlor/internal/config"
	"github.com/zulandar/parlor/internal/reply"
	"github.com/zulandar/parlor/internal/session"
)

// Daemon is the main parlor process. It connects to a chat platform via an
// Adapter, pumps inbound events through the Router, and runs the expiry
// sweep alongside.
type Daemon struct {
	cfg      *config.Config
	adapter  chat.Adapter
	store    *session.Store
	catalog  Catalog
	selector *reply.Selector
	rnd      reply.Rand
	connect  ConnectTiming
	out      io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Config   *config.Config
	Adapter  chat.Adapter
	Store    *session.Store
	Catalog  Catalog
	Selector *reply.Selector // optional; built from Config when nil
	Rand     reply.Rand      // optional; defaults to reply.DefaultRand
	Connect  ConnectTiming   // optional; zero fields take defaults
	Out      io.Writer       // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bot: config is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("bot: adapter is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("bot: store is required")
	}
	if opts.Catalog == nil {
		return nil, fmt.Errorf("bot: catalog is required")
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = reply.DefaultRand
	}
	selector := opts.Selector
	if selector == nil {
		var err error
		selector, err = reply.NewSelector(reply.SelectorOpts{
			Denylist:     opts.Config.Moderation.Denylist,
			PromoEvery:   opts.Config.Promo.Every,
			PromoBaseURL: opts.Config.Promo.BaseURL,
			PromoLabel:   opts.Config.Promo.ButtonLabel,
			Rand:         rnd,
		})
		if err != nil {
			return nil, fmt.Errorf("bot: build selector: %w", err)
		}
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Daemon{
		cfg:      opts.Config,
		adapter:  opts.Adapter,
		store:    opts.Store,
		catalog:  opts.Catalog,
		selector: selector,
		rnd:      rnd,
		connect:  opts.Connect,
		out:      &lockedWriter{w: out},
	}, nil
}

// Run starts the daemon. It connects the adapter, builds the manager,
// router, and sweeper, and blocks until the context is cancelled or the
// adapter stops delivering events. On shutdown it closes the adapter, waits
// for in-flight events, and flushes the session store.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Parlor connecting to %s...\n", d.cfg.Platform)
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("bot: connect: %w", err)
	}

	var botUserID string
	if bui, ok := d.adapter.(chat.BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}

	mgr, err := NewManager(ManagerOpts{
		Store:         d.store,
		Catalog:       d.catalog,
		Selector:      d.selector,
		Adapter:       d.adapter,
		AnalyticsChat: d.cfg.AnalyticsChannel,
		Rand:          d.rnd,
		Connect:       d.connect,
		Out:           d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("bot: build manager: %w", err)
	}

	router, err := NewRouter(RouterOpts{
		Manager:   mgr,
		BotUserID: botUserID,
		Out:       d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("bot: build router: %w", err)
	}

	sweeper, err := NewSweeper(SweeperOpts{
		Store:         d.store,
		Adapter:       d.adapter,
		AnalyticsChat: d.cfg.AnalyticsChannel,
		Timeout:       d.cfg.Sessions.Timeout(),
		Interval:      d.cfg.Sessions.SweepInterval(),
		Cron:          d.cfg.Sessions.SweepCron,
		OnExpired:     mgr.StopConnecting,
		Out:           d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("bot: build sweeper: %w", err)
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("bot: listen: %w", err)
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(sweepCtx)
	}()

	fmt.Fprintf(d.out, "Parlor online (%d persona(s), %d session(s) restored)\n",
		len(d.catalog.List()), d.store.Len())

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Parlor shutting down...\n")
			d.shutdown(router, mgr, stopSweep, sweepDone)
			fmt.Fprintf(d.out, "Parlor stopped\n")
			return nil

		case evt, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Parlor inbound channel closed\n")
				d.shutdown(router, mgr, stopSweep, sweepDone)
				return nil
			}
			router.Handle(ctx, evt)
		}
	}
}

// shutdown stops background work and persists the final state.
func (d *Daemon) shutdown(router *Router, mgr *Manager, stopSweep context.CancelFunc, sweepDone <-chan struct{}) {
	stopSweep()
	<-sweepDone
	if err := d.adapter.Close(); err != nil {
		log.Printf("bot: close adapter: %v", err)
	}
	waitTimeout(router.Wait, 10*time.Second)
	waitTimeout(mgr.Wait, 10*time.Second)
	if err := d.store.Flush(); err != nil {
		log.Printf("bot: flush sessions: %v", err)
	}
}

// waitTimeout runs wait and gives up after timeout.
func waitTimeout(wait func(), timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		log.Printf("bot: gave up waiting after %v", timeout)
	}
}

// lockedWriter serializes writes from concurrent lanes.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
