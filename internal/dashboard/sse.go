package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/parlor/internal/session"
)

// statsEvent summarizes the session store for SSE clients.
type statsEvent struct {
	Sessions  int            `json:"sessions"`
	Bound     int            `json:"bound"`
	Browsing  int            `json:"browsing"`
	ByPersona map[string]int `json:"by_persona"`
	At        string         `json:"at"`
}

// handleSSE streams a stats event on connect and then every interval
// while the counts change.
func handleSSE(src SessionSource, interval time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		last := buildStats(src.All())
		writeSSE(c.Writer, "stats", last)
		c.Writer.Flush()

		ctx := c.Request.Context()
		ticker := time.NewTicker(interval)
		heartbeat := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				cur := buildStats(src.All())
				if sameCounts(cur, last) {
					continue
				}
				last = cur
				writeSSE(c.Writer, "stats", cur)
				c.Writer.Flush()
			}
		}
	}
}

func buildStats(all []session.Session) statsEvent {
	ev := statsEvent{
		Sessions:  len(all),
		ByPersona: make(map[string]int),
		At:        time.Now().UTC().Format(time.RFC3339),
	}
	for _, s := range all {
		if p, ok := s.Persona(); ok {
			ev.Bound++
			ev.ByPersona[p]++
		} else {
			ev.Browsing++
		}
	}
	return ev
}

func sameCounts(a, b statsEvent) bool {
	if a.Sessions != b.Sessions || a.Bound != b.Bound || a.Browsing != b.Browsing || len(a.ByPersona) != len(b.ByPersona) {
		return false
	}
	for k, v := range a.ByPersona {
		if b.ByPersona[k] != v {
			return false
		}
	}
	return true
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
