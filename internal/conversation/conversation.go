package conversation

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// ErrEmptyConversation is returned when a conversation yields no exportable messages.
var ErrEmptyConversation = errors.New("conversation has no exportable messages")

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
	RoleUnknown   Role = "unknown"
)

// ParseRole maps a raw author role onto a known Role.
func ParseRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleUser:
		return RoleUser
	case RoleAssistant:
		return RoleAssistant
	case RoleSystem:
		return RoleSystem
	case RoleTool:
		return RoleTool
	default:
		return RoleUnknown
	}
}

// Descriptor identifies one conversation in a batch.
type Descriptor struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	CreateTime *time.Time `json:"create_time,omitempty"`
	UpdateTime *time.Time `json:"update_time,omitempty"`
}

// Message is one turn of a retrieved conversation.
type Message struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Text      string     `json:"text"`
	RichBody  string     `json:"rich_body,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

var (
	tagRe       = regexp.MustCompile(`(?s)<[^>]*>`)
	mediaTagRe  = regexp.MustCompile(`(?i)<(img|video|audio|svg|iframe)\b`)
	entityRe    = regexp.MustCompile(`&nbsp;|&#160;`)
	whitespaces = regexp.MustCompile(`\s+`)
)

// MeaningfulBody reports whether an HTML body carries media or visible text.
func MeaningfulBody(body string) bool {
	if strings.TrimSpace(body) == "" {
		return false
	}
	return mediaTagRe.MatchString(body) || BodyHasText(body)
}

// BodyHasText reports whether an HTML body has visible text once tags are
// stripped.
func BodyHasText(body string) bool {
	text := entityRe.ReplaceAllString(tagRe.ReplaceAllString(body, " "), " ")
	return strings.TrimSpace(text) != ""
}

// Exportable reports whether the message has text or a meaningful rich body.
func (m Message) Exportable() bool {
	return strings.TrimSpace(m.Text) != "" || MeaningfulBody(m.RichBody)
}

// CountExportable returns the number of exportable messages.
func CountExportable(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if m.Exportable() {
			n++
		}
	}
	return n
}

// NormalizeTitle collapses whitespace and falls back to a placeholder.
func NormalizeTitle(title string) string {
	t := strings.TrimSpace(whitespaces.ReplaceAllString(title, " "))
	if t == "" {
		return "Untitled conversation"
	}
	return t
}

var (
	minPlausible = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	plausibleMax = 7 * 24 * time.Hour
)

// Plausible reports whether t is a believable conversation timestamp.
func Plausible(t time.Time, now time.Time) bool {
	return !t.Before(minPlausible) && !t.After(now.Add(plausibleMax))
}

// StartTime picks the earliest plausible timestamp among the messages and the
// descriptor, or now when none is known.
func StartTime(d Descriptor, msgs []Message, now time.Time) time.Time {
	var best time.Time
	consider := func(t *time.Time) {
		if t == nil || !Plausible(*t, now) {
			return
		}
		if best.IsZero() || t.Before(best) {
			best = *t
		}
	}
	for _, m := range msgs {
		consider(m.Timestamp)
	}
	consider(d.CreateTime)
	if best.IsZero() {
		consider(d.UpdateTime)
	}
	if best.IsZero() {
		return now
	}
	return best
}
