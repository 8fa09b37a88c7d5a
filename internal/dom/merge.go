package dom

import (
	"sync"

	"github.com/MikeSquared-Agency/threadexport/internal/conversation"
)

// Merge combines two observations of the same message. The longer text wins;
// a meaningful body beats one that is not, otherwise the longer body wins and
// ties keep the current one; the first known timestamp is kept.
func Merge(current, incoming conversation.Message) conversation.Message {
	out := current
	if len(incoming.Text) > len(current.Text) {
		out.Text = incoming.Text
	}
	out.RichBody = preferredBody(current.RichBody, incoming.RichBody)
	if out.Timestamp == nil {
		out.Timestamp = incoming.Timestamp
	}
	if out.Role == "" || out.Role == conversation.RoleUnknown {
		out.Role = incoming.Role
	}
	return out
}

func preferredBody(current, incoming string) string {
	cm, im := conversation.MeaningfulBody(current), conversation.MeaningfulBody(incoming)
	switch {
	case cm && !im:
		return current
	case im && !cm:
		return incoming
	case len(incoming) > len(current):
		return incoming
	default:
		return current
	}
}

// Accumulator merges repeated snapshot observations into one ordered list.
// Messages keep the order in which they were first seen.
type Accumulator struct {
	mu    sync.Mutex
	order []string
	byID  map[string]conversation.Message
}

func NewAccumulator() *Accumulator {
	return &Accumulator{byID: make(map[string]conversation.Message)}
}

// Add merges observations and returns the number of distinct messages.
func (a *Accumulator) Add(msgs []conversation.Message) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range msgs {
		if existing, ok := a.byID[m.ID]; ok {
			a.byID[m.ID] = Merge(existing, m)
			continue
		}
		a.order = append(a.order, m.ID)
		a.byID[m.ID] = m
	}
	return len(a.order)
}

// Len returns the number of distinct messages seen.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.order)
}

// Messages returns the merged messages in first-seen order.
func (a *Accumulator) Messages() []conversation.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]conversation.Message, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.byID[id])
	}
	return out
}
