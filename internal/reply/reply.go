// Package reply decides how a persona answers a chat message. Selection is a
// pure function of its inputs and an injectable randomness source; delivery
// is left to the caller.
package reply

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/zulandar/parlor/internal/persona"
)

// User-facing texts.
const (
	RejectText       = "🚫 Let's keep the chat respectful."
	MediaFailureText = "❌ Could not send media."
)

// Typing delay bounds.
const (
	typingBase     = 1000 * time.Millisecond
	typingPerWord  = 200 * time.Millisecond
	typingJitterMs = 100
	typingMax      = 5000 * time.Millisecond
)

// Defaults for promo substitution.
const (
	defaultPromoUser    = "Friend"
	defaultPromoPersona = "me"
	DefaultPromoLabel   = "🌟 Connect Now"
	DefaultPromoEvery   = 4
)

// DefaultDenylist is the built-in moderation list.
var DefaultDenylist = []string{"badword1", "badword2", "idiot"}

// fallbackPhrases is sent when a message matches no answer and no media.
var fallbackPhrases = []string{
	"I'm not sure about that 😅",
	"Can you ask it another way? 🤔",
	"That's an interesting one! 🤓",
	"Hmm... I’ll get back to you on that!",
}

// promoTemplates take the user name, the persona, and the signup link, in
// that order. Persona may appear more than once so the arguments are indexed.
var promoTemplates = []string{
	"🎉 *Hi %[1]s!* Want to connect with %[2]s directly?\n\n👉 [Click here](%[3]s) to create a free account and send your username here!",
	"💬 *Hey %[1]s!* Did you know you can chat directly with %[2]s?\n\n✨ [Sign up now](%[3]s) and share your username with me!",
	"✨ *Exclusive Access Alert!* Hi %[1]s, join %[2]s now!\n\n🌟 [Create an account](%[3]s) and let me know your username!",
	"🌟 *Take our chat to the next level!* Hi %[1]s, create a free account to connect with %[2]s.\n\n🔗 [Sign up here](%[3]s) and send your username!",
}

// Rand is the randomness source for phrase, template, and jitter selection.
type Rand interface {
	// Intn returns a value in [0, n). n is always positive.
	Intn(n int) int
}

type globalRand struct{}

func (globalRand) Intn(n int) int { return rand.Intn(n) }

// DefaultRand is backed by the math/rand global source.
var DefaultRand Rand = globalRand{}

// Kind identifies an action.
type Kind int

const (
	// KindTyping asks the caller to show an activity indicator and pause.
	KindTyping Kind = iota
	// KindText sends Text.
	KindText
	// KindPhoto sends Media as a photo.
	KindPhoto
	// KindVideo sends Media as a video.
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindTyping:
		return "typing"
	case KindText:
		return "text"
	case KindPhoto:
		return "photo"
	case KindVideo:
		return "video"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Link is a call-to-action button pointing at an external URL.
type Link struct {
	Label string
	URL   string
}

// Action is one step of a reply, executed in order.
type Action struct {
	Kind     Kind
	Text     string
	Delay    time.Duration     // KindTyping only
	Media    persona.MediaItem // KindPhoto and KindVideo only
	Markdown bool
	Link     *Link
	Promo    bool
}

// Input is everything a reply depends on. MessageCount is the bound session's
// count after the current message was counted.
type Input struct {
	Persona      string
	QA           []persona.QAPair
	Media        []persona.MediaItem
	Text         string
	UserName     string
	MessageCount int
}

// Selector turns an inbound message into an ordered list of actions.
type Selector struct {
	denylist     []string
	promoEvery   int
	promoBaseURL string
	promoLabel   string
	rnd          Rand
}

// SelectorOpts holds parameters for creating a Selector.
type SelectorOpts struct {
	Denylist     []string // terms matched case-insensitively as substrings
	PromoEvery   int      // promo on every Nth counted message; 0 disables
	PromoBaseURL string   // signup link prefix; the persona name is appended
	PromoLabel   string   // button label (default DefaultPromoLabel)
	Rand         Rand     // optional; defaults to DefaultRand
}

// NewSelector creates a Selector.
func NewSelector(opts SelectorOpts) (*Selector, error) {
	if opts.PromoEvery < 0 {
		return nil, fmt.Errorf("reply: promo interval must not be negative")
	}
	if opts.PromoEvery > 0 && opts.PromoBaseURL == "" {
		return nil, fmt.Errorf("reply: promo base URL is required when promos are enabled")
	}
	s := &Selector{
		promoEvery:   opts.PromoEvery,
		promoBaseURL: strings.TrimRight(opts.PromoBaseURL, "/"),
		promoLabel:   opts.PromoLabel,
		rnd:          opts.Rand,
	}
	for _, term := range opts.Denylist {
		if term = strings.ToLower(strings.TrimSpace(term)); term != "" {
			s.denylist = append(s.denylist, term)
		}
	}
	if s.promoLabel == "" {
		s.promoLabel = DefaultPromoLabel
	}
	if s.rnd == nil {
		s.rnd = DefaultRand
	}
	return s, nil
}

// Filtered reports whether text contains a denylisted term.
func (s *Selector) Filtered(text string) bool {
	lower := strings.ToLower(text)
	for _, term := range s.denylist {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// Select returns the actions answering in.Text. A filtered message yields
// only the rejection notice. Otherwise the scripted answer comes first, then
// one media action per matching word, then a fallback phrase if neither
// matched, then the promo when the count is due. Fallback and promo may both
// appear.
func (s *Selector) Select(in Input) []Action {
	if s.Filtered(in.Text) {
		return []Action{{Kind: KindText, Text: RejectText}}
	}

	var actions []Action
	answer, answered := FindAnswer(in.QA, in.Text)
	if answered {
		actions = append(actions, s.typed(Action{Kind: KindText, Text: answer})...)
	}

	media := MatchMedia(in.Media, in.Text)
	for _, item := range media {
		kind := KindPhoto
		if item.Kind() == persona.MediaVideo {
			kind = KindVideo
		}
		actions = append(actions, Action{Kind: kind, Media: item})
	}

	if !answered && len(media) == 0 {
		phrase := fallbackPhrases[s.rnd.Intn(len(fallbackPhrases))]
		actions = append(actions, s.typed(Action{Kind: KindText, Text: phrase})...)
	}

	if s.PromoDue(in.MessageCount) {
		actions = append(actions, s.typed(s.promo(in.UserName, in.Persona))...)
	}
	return actions
}

// PromoDue reports whether the promo fires at this message count.
func (s *Selector) PromoDue(count int) bool {
	return s.promoEvery > 0 && count > 0 && count%s.promoEvery == 0
}

func (s *Selector) promo(userName, personaName string) Action {
	if userName == "" {
		userName = defaultPromoUser
	}
	if personaName == "" {
		personaName = defaultPromoPersona
	}
	url := s.promoBaseURL + "/" + personaName
	tmpl := promoTemplates[s.rnd.Intn(len(promoTemplates))]
	return Action{
		Kind:     KindText,
		Text:     fmt.Sprintf(tmpl, userName, personaName, url),
		Markdown: true,
		Link:     &Link{Label: s.promoLabel, URL: url},
		Promo:    true,
	}
}

// typed prefixes a text action with its typing pause.
func (s *Selector) typed(a Action) []Action {
	return []Action{
		{Kind: KindTyping, Delay: TypingDelay(a.Text, s.rnd)},
		a,
	}
}

// FindAnswer returns the answer of the first pair whose question occurs in
// text, ignoring case. Earlier pairs win even when a later question is a
// longer match. Empty questions never match.
func FindAnswer(pairs []persona.QAPair, text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, p := range pairs {
		if p.Question == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p.Question)) {
			return p.Answer, true
		}
	}
	return "", false
}

// MatchMedia returns one item per whitespace-separated word of text that has
// a matching keyword, in word order. For each word the first item with a
// playable extension wins. The same item may appear more than once.
func MatchMedia(items []persona.MediaItem, text string) []persona.MediaItem {
	if len(items) == 0 {
		return nil
	}
	var out []persona.MediaItem
	for _, word := range strings.Fields(strings.ToLower(text)) {
		for _, item := range items {
			if !item.HasKeyword(word) || item.Kind() == persona.MediaUnknown {
				continue
			}
			out = append(out, item)
			break
		}
	}
	return out
}

// TypingDelay sizes the pause before sending text: one second plus 200-300ms
// per word, capped at five seconds.
func TypingDelay(text string, r Rand) time.Duration {
	words := len(strings.Fields(text))
	if words == 0 {
		words = 1
	}
	perWord := typingPerWord + time.Duration(r.Intn(typingJitterMs))*time.Millisecond
	d := typingBase + time.Duration(words)*perWord
	if d > typingMax {
		d = typingMax
	}
	return d
}
