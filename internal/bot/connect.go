package bot

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zulandar/parlor/internal/chat"
)

const (
	connectingFmt = "🔗 Connecting with %s%s %s"
	connectedFmt  = "✅ Connected with %s!\n💬 Ask her anything! %s"
)

// ConnectTiming shapes the connecting animation shown after a bind. The
// final edit lands after Min plus a random share of Spread.
type ConnectTiming struct {
	Tick   time.Duration // between dot edits (default 500ms)
	Min    time.Duration // shortest animation (default 2.5s)
	Spread time.Duration // random extra length (default 2.5s, negative for none)
}

func (c ConnectTiming) withDefaults() ConnectTiming {
	if c.Tick <= 0 {
		c.Tick = 500 * time.Millisecond
	}
	if c.Min <= 0 {
		c.Min = 2500 * time.Millisecond
	}
	if c.Spread < 0 {
		c.Spread = 0
	} else if c.Spread == 0 {
		c.Spread = 2500 * time.Millisecond
	}
	return c
}

// animation is one running connecting sequence.
type animation struct {
	id     uint64
	cancel context.CancelFunc
}

// startConnecting posts the connecting message and animates it in the
// background. A newer bind in the same chat cancels the older animation.
func (m *Manager) startConnecting(ctx context.Context, chatID, name, emoji string) {
	ref, err := m.adapter.SendText(ctx, chatID, fmt.Sprintf("🔗 Connecting with %s%s", name, emoji), chat.SendOptions{})
	if err != nil {
		log.Printf("bot: connecting message to %s: %v", chatID, err)
		return
	}

	total := m.connect.Min
	if ms := int(m.connect.Spread / time.Millisecond); ms > 0 {
		total += time.Duration(m.rnd.Intn(ms)) * time.Millisecond
	}

	actx, cancel := context.WithCancel(ctx)
	m.animMu.Lock()
	if prev, ok := m.anims[chatID]; ok {
		prev.cancel()
	}
	m.animSeq++
	a := &animation{id: m.animSeq, cancel: cancel}
	m.anims[chatID] = a
	m.animWG.Add(1)
	m.animMu.Unlock()

	go func() {
		defer m.animWG.Done()
		defer m.finishAnimation(chatID, a)
		m.animate(actx, chatID, ref, name, emoji, total)
	}()
}

// animate edits ref with cycling dots until the deadline, then with the
// connected text. Cancellation stops it without the final edit.
func (m *Manager) animate(ctx context.Context, chatID string, ref chat.MessageRef, name, emoji string, total time.Duration) {
	ticker := time.NewTicker(m.connect.Tick)
	defer ticker.Stop()
	deadline := time.NewTimer(total)
	defer deadline.Stop()

	dots := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dots = (dots + 1) % 4
			text := fmt.Sprintf(connectingFmt, name, strings.Repeat(".", dots), emoji)
			if err := m.adapter.EditText(ctx, chatID, ref, text); err != nil {
				log.Printf("bot: connecting edit in %s: %v", chatID, err)
			}
		case <-deadline.C:
			if err := m.adapter.EditText(ctx, chatID, ref, fmt.Sprintf(connectedFmt, name, emoji)); err != nil {
				log.Printf("bot: connected edit in %s: %v", chatID, err)
			}
			return
		}
	}
}

// finishAnimation forgets a, unless a newer animation replaced it.
func (m *Manager) finishAnimation(chatID string, a *animation) {
	a.cancel()
	m.animMu.Lock()
	defer m.animMu.Unlock()
	if cur, ok := m.anims[chatID]; ok && cur.id == a.id {
		delete(m.anims, chatID)
	}
}

// StopConnecting cancels the animation running in chatID, if any.
func (m *Manager) StopConnecting(chatID string) {
	m.animMu.Lock()
	defer m.animMu.Unlock()
	if a, ok := m.anims[chatID]; ok {
		a.cancel()
		delete(m.anims, chatID)
	}
}

// connecting reports whether an animation is running in chatID.
func (m *Manager) connecting(chatID string) bool {
	m.animMu.Lock()
	defer m.animMu.Unlock()
	_, ok := m.anims[chatID]
	return ok
}
