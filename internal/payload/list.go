package payload

import (
	"strings"

	"github.com/MikeSquared-Agency/threadexport/internal/conversation"
)

var (
	itemPaths = []string{
		"items", "conversations", "results",
		"data.items", "data.conversations", "data.results",
		"data.conversations.items", "conversations.items",
	}
	totalPaths   = []string{"total", "count", "data.total", "data.count", "meta.total", "data.conversations.total"}
	hasMorePaths = []string{
		"has_more", "hasMore", "data.has_more", "data.hasMore",
		"meta.has_more", "meta.hasMore", "data.conversations.has_more", "data.conversations.hasMore",
	}
	nextOffsetPaths = []string{
		"next_offset", "nextOffset", "data.next_offset", "data.nextOffset",
		"meta.next_offset", "meta.nextOffset", "data.conversations.next_offset", "data.conversations.nextOffset",
	}
)

// ListPage is one normalized page of the conversation listing.
type ListPage struct {
	Items      []conversation.Descriptor
	Total      *int
	HasMore    bool
	NextOffset int
}

// RawItems returns the first non-empty item array of a listing payload. When
// every candidate is empty the last empty array found is returned, else nil.
func RawItems(v any) []any {
	if arr, ok := v.([]any); ok {
		return arr
	}
	var empty []any
	for _, p := range itemPaths {
		arr, ok := Lookup(v, p).([]any)
		if !ok {
			continue
		}
		if len(arr) > 0 {
			return arr
		}
		empty = arr
	}
	return empty
}

// ParseListPage normalizes a listing payload fetched at offset with limit.
func ParseListPage(v any, offset, limit int) ListPage {
	var page ListPage
	for _, raw := range RawItems(v) {
		if d, ok := NormalizeItem(raw); ok {
			page.Items = append(page.Items, d)
		}
	}
	rawCount := len(RawItems(v))

	for _, p := range totalPaths {
		if n, ok := asInt(Lookup(v, p)); ok && n >= 0 {
			page.Total = &n
			break
		}
	}

	hasMoreKnown := false
	for _, p := range hasMorePaths {
		if b, ok := asBool(Lookup(v, p)); ok {
			page.HasMore = b
			hasMoreKnown = true
			break
		}
	}
	if !hasMoreKnown {
		if page.Total != nil {
			page.HasMore = offset+rawCount < *page.Total
		} else {
			page.HasMore = rawCount >= limit && rawCount > 0
		}
	}

	page.NextOffset = offset + max(rawCount, limit)
	for _, p := range nextOffsetPaths {
		if n, ok := asInt(Lookup(v, p)); ok && n > offset {
			page.NextOffset = n
			break
		}
	}
	return page
}

// NormalizeItem turns one raw listing entry into a descriptor. Entries
// without a usable id are rejected.
func NormalizeItem(raw any) (conversation.Descriptor, bool) {
	obj := asObject(raw)
	if obj == nil {
		return conversation.Descriptor{}, false
	}
	for _, nested := range []string{"conversation", "node", "record"} {
		if inner := asObject(obj[nested]); inner != nil {
			merged := make(map[string]any, len(obj)+len(inner))
			for k, v := range obj {
				merged[k] = v
			}
			for k, v := range inner {
				merged[k] = v
			}
			obj = merged
			break
		}
	}

	id := firstString(obj, "conversation_id", "conversationId")
	if id == "" {
		for _, k := range []string{"href", "url", "link"} {
			if linked := ConversationIDFromLink(asString(obj[k])); linked != "" {
				id = linked
				break
			}
		}
	}
	if id == "" {
		id = firstString(obj, "id", "thread_id", "uuid")
	}
	if id == "" {
		return conversation.Descriptor{}, false
	}

	d := conversation.Descriptor{
		ID:    id,
		Title: strings.TrimSpace(firstString(obj, "title", "name")),
	}
	for _, k := range []string{"create_time", "createTime", "created_at"} {
		if t := ParseTimestamp(obj[k]); t != nil {
			d.CreateTime = t
			break
		}
	}
	for _, k := range []string{"update_time", "updateTime", "updated_at"} {
		if t := ParseTimestamp(obj[k]); t != nil {
			d.UpdateTime = t
			break
		}
	}
	return d, true
}
