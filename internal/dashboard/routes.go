package dashboard

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/parlor/internal/session"
)

// sessionView is the JSON shape of one session.
type sessionView struct {
	ChatID       string     `json:"chat_id"`
	UserName     string     `json:"user_name,omitempty"`
	State        string     `json:"state"`
	Persona      string     `json:"persona,omitempty"`
	BrowseIndex  *int       `json:"browse_index,omitempty"`
	MessageCount int        `json:"message_count"`
	HistoryLen   int        `json:"history_len"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// personaView is the JSON shape of one catalog entry.
type personaView struct {
	Name    string   `json:"name"`
	Tone    string   `json:"tone"`
	Emojis  []string `json:"emojis"`
	QACount int      `json:"qa_count"`
	Media   int      `json:"media_count"`
}

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", handleHealth())
	router.GET("/api/sessions", handleSessions(opts.Sessions))
	router.GET("/api/personas", handlePersonas(opts.Personas))
	router.GET("/api/events", handleSSE(opts.Sessions, opts.StatsInterval))
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleSessions(src SessionSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := c.Query("state")
		all := src.All()
		views := make([]sessionView, 0, len(all))
		for _, s := range all {
			v := viewSession(s)
			if filter != "" && v.State != filter {
				continue
			}
			views = append(views, v)
		}
		c.JSON(http.StatusOK, gin.H{
			"count":    len(views),
			"sessions": views,
		})
	}
}

func handlePersonas(src PersonaSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		names := src.List()
		views := make([]personaView, 0, len(names))
		for _, name := range names {
			cfg := src.Config(name)
			views = append(views, personaView{
				Name:    name,
				Tone:    cfg.Tone,
				Emojis:  cfg.Emojis,
				QACount: len(src.QAPairs(name)),
				Media:   len(src.MediaIndex(name)),
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"count":    len(views),
			"personas": views,
		})
	}
}

func viewSession(s session.Session) sessionView {
	v := sessionView{ChatID: s.ChatID, UserName: s.UserName}
	if !s.LastActivity.IsZero() {
		ts := s.LastActivity.UTC()
		v.LastActivity = &ts
	}
	switch st := s.State.(type) {
	case session.Bound:
		v.State = "bound"
		v.Persona = st.Persona
		v.MessageCount = st.MessageCount
		v.HistoryLen = len(st.History)
	case session.Browsing:
		v.State = "browsing"
		idx := st.Index
		v.BrowseIndex = &idx
	default:
		v.State = "browsing"
	}
	return v
}
