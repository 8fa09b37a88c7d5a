package dom

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/MikeSquared-Agency/threadexport/internal/conversation"
	"github.com/MikeSquared-Agency/threadexport/internal/payload"
)

const (
	turnSelector    = "article[data-testid^='conversation-turn-'], article[data-turn-id]"
	roleSelector    = "[data-message-author-role]"
	linkSelector    = "a[href*='/c/']"
	loadingSelector = "[aria-busy='true'], [data-testid*='loading'], [data-testid*='spinner'], .result-streaming"
)

func parse(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return doc, nil
}

// ParseMessages returns the messages visible in a thread snapshot, in
// document order.
func ParseMessages(html string) ([]conversation.Message, error) {
	doc, err := parse(html)
	if err != nil {
		return nil, err
	}

	var out []conversation.Message
	turns := doc.Find(turnSelector)
	if turns.Length() == 0 {
		doc.Find(roleSelector).Each(func(i int, s *goquery.Selection) {
			if m, ok := readMessage(s, nil, i, 0); ok {
				out = append(out, m)
			}
		})
		return out, nil
	}

	turns.Each(func(ti int, turn *goquery.Selection) {
		nodes := turn.Find(roleSelector)
		if nodes.Length() == 0 && turn.Is(roleSelector) {
			nodes = turn
		}
		nodes.Each(func(li int, s *goquery.Selection) {
			if m, ok := readMessage(s, turn, ti, li); ok {
				out = append(out, m)
			}
		})
	})
	return out, nil
}

func readMessage(s, turn *goquery.Selection, turnIndex, localIndex int) (conversation.Message, bool) {
	id := strings.TrimSpace(s.AttrOr("data-message-id", ""))
	if id == "" && turn != nil {
		if turnID := strings.TrimSpace(turn.AttrOr("data-turn-id", "")); turnID != "" {
			id = turnID
			if localIndex > 0 {
				id = fmt.Sprintf("%s-%d", turnID, localIndex)
			}
		}
	}
	if id == "" {
		id = fmt.Sprintf("dom-%d-%d", turnIndex, localIndex)
	}

	var text, rich string
	if md := s.Find(".markdown").First(); md.Length() > 0 {
		text = strings.TrimSpace(md.Text())
		rich, _ = md.Html()
		rich = strings.TrimSpace(rich)
	}
	if text == "" {
		if pre := s.Find(".whitespace-pre-wrap").First(); pre.Length() > 0 {
			text = strings.TrimSpace(pre.Text())
		}
	}
	if text == "" {
		text = strings.TrimSpace(s.Text())
	}

	m := conversation.Message{
		ID:       id,
		Role:     conversation.ParseRole(s.AttrOr("data-message-author-role", "")),
		Text:     text,
		RichBody: rich,
	}
	scope := s
	if turn != nil {
		scope = turn
	}
	if dt, ok := scope.Find("time[datetime]").First().Attr("datetime"); ok {
		m.Timestamp = payload.ParseTimestamp(dt)
	}
	if !m.Exportable() {
		return conversation.Message{}, false
	}
	return m, true
}

// ConversationLinks returns the distinct conversation links in a snapshot.
func ConversationLinks(html string) ([]conversation.Descriptor, error) {
	doc, err := parse(html)
	if err != nil {
		return nil, err
	}
	var out []conversation.Descriptor
	seen := make(map[string]bool)
	doc.Find(linkSelector).Each(func(_ int, a *goquery.Selection) {
		id := payload.ConversationIDFromLink(a.AttrOr("href", ""))
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		title := strings.TrimSpace(a.AttrOr("title", ""))
		if title == "" {
			title = strings.TrimSpace(a.AttrOr("aria-label", ""))
		}
		if title == "" {
			title = strings.Join(strings.Fields(a.Text()), " ")
		}
		out = append(out, conversation.Descriptor{ID: id, Title: title})
	})
	return out, nil
}

// Loading reports whether a snapshot shows a loading indicator.
func Loading(html string) (bool, error) {
	doc, err := parse(html)
	if err != nil {
		return false, err
	}
	return doc.Find(loadingSelector).Length() > 0, nil
}
