package payload

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/threadexport/internal/conversation"
)

// Detail is the normalized content of a conversation detail payload.
type Detail struct {
	Title    string
	Messages []conversation.Message
}

// ExtractDetail walks the message tree of a conversation detail payload.
// The active branch is followed from current_node up through parent links;
// without a current node every node is used, ordered by timestamp.
func ExtractDetail(v any) Detail {
	root := asObject(v)
	if root == nil {
		return Detail{}
	}
	if inner := asObject(root["conversation"]); inner != nil && root["mapping"] == nil {
		root = inner
	}
	d := Detail{Title: strings.TrimSpace(firstString(root, "title", "name"))}

	mapping := asObject(root["mapping"])
	if mapping == nil {
		d.Messages = flatMessages(root)
		return d
	}

	nodes := activeBranch(mapping, firstString(root, "current_node", "currentNode"))
	if len(nodes) == 0 {
		nodes = allByTimestamp(mapping)
	}

	seen := make(map[string]bool)
	for _, node := range nodes {
		msg, ok := nodeMessage(node)
		if !ok || seen[msg.ID] {
			continue
		}
		seen[msg.ID] = true
		d.Messages = append(d.Messages, msg)
	}
	return d
}

func activeBranch(mapping map[string]any, current string) []map[string]any {
	if current == "" {
		return nil
	}
	var chain []map[string]any
	visited := make(map[string]bool)
	for id := current; id != "" && !visited[id]; {
		visited[id] = true
		node := asObject(mapping[id])
		if node == nil {
			break
		}
		chain = append(chain, node)
		id = asString(node["parent"])
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

func allByTimestamp(mapping map[string]any) []map[string]any {
	type entry struct {
		key  string
		node map[string]any
		ts   *time.Time
	}
	entries := make([]entry, 0, len(mapping))
	for k, raw := range mapping {
		node := asObject(raw)
		if node == nil {
			continue
		}
		entries = append(entries, entry{key: k, node: node, ts: ParseTimestamp(Lookup(node, "message.create_time"))})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].ts, entries[j].ts
		switch {
		case a != nil && b != nil:
			if !a.Equal(*b) {
				return a.Before(*b)
			}
		case a != nil:
			return true
		case b != nil:
			return false
		}
		return entries[i].key < entries[j].key
	})
	out := make([]map[string]any, len(entries))
	for i, e := range entries {
		out[i] = e.node
	}
	return out
}

// flatMessages handles payloads that carry a plain messages array.
func flatMessages(root map[string]any) []conversation.Message {
	arr, _ := root["messages"].([]any)
	var out []conversation.Message
	seen := make(map[string]bool)
	for i, raw := range arr {
		obj := asObject(raw)
		if obj == nil {
			continue
		}
		msg, ok := messageFromObject(obj, fmt.Sprintf("msg-%d", i))
		if !ok || seen[msg.ID] {
			continue
		}
		seen[msg.ID] = true
		out = append(out, msg)
	}
	return out
}

func nodeMessage(node map[string]any) (conversation.Message, bool) {
	obj := asObject(node["message"])
	if obj == nil {
		return conversation.Message{}, false
	}
	return messageFromObject(obj, asString(node["id"]))
}

func messageFromObject(obj map[string]any, fallbackID string) (conversation.Message, bool) {
	role := asString(Lookup(obj, "author.role"))
	if role == "" {
		role = asString(obj["role"])
	}
	text, images := flattenContent(obj["content"])
	if strings.TrimSpace(text) == "" {
		text = strings.TrimSpace(asString(obj["text"]))
	}
	if strings.TrimSpace(text) == "" && len(images) == 0 {
		return conversation.Message{}, false
	}

	id := firstString(obj, "id")
	if id == "" {
		id = fallbackID
	}
	ts := ParseTimestamp(obj["create_time"])
	if ts == nil {
		ts = ParseTimestamp(obj["timestamp"])
	}
	return conversation.Message{
		ID:        id,
		Role:      conversation.ParseRole(role),
		Text:      text,
		RichBody:  imageFigures(images),
		Timestamp: ts,
	}, true
}

// flattenContent joins the textual parts of a message content object and
// collects image references.
func flattenContent(content any) (string, []string) {
	obj := asObject(content)
	if obj == nil {
		if s, ok := content.(string); ok {
			return strings.TrimSpace(s), nil
		}
		return "", nil
	}
	var texts, images []string
	if parts, ok := obj["parts"].([]any); ok {
		for _, p := range parts {
			flattenPart(p, &texts, &images)
		}
	}
	if len(texts) == 0 {
		if s := strings.TrimSpace(asString(obj["text"])); s != "" {
			texts = append(texts, s)
		}
	}
	return strings.TrimSpace(strings.Join(texts, "\n\n")), images
}

func flattenPart(p any, texts, images *[]string) {
	switch v := p.(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			*texts = append(*texts, s)
		}
	case []any:
		for _, inner := range v {
			flattenPart(inner, texts, images)
		}
	case map[string]any:
		ct := strings.ToLower(asString(v["content_type"]))
		switch {
		case strings.Contains(ct, "image"):
			if ref := firstString(v, "url", "image_url", "asset_pointer"); ref != "" {
				*images = append(*images, ref)
			}
			return
		case strings.Contains(ct, "audio") || strings.Contains(ct, "voice"):
			*texts = append(*texts, "[Audio]")
			return
		}
		if ref := asString(Lookup(v, "image_url.url")); ref != "" {
			*images = append(*images, ref)
			return
		}
		for _, k := range []string{"text", "content"} {
			if s, ok := v[k].(string); ok && strings.TrimSpace(s) != "" {
				*texts = append(*texts, strings.TrimSpace(s))
				return
			}
		}
		if parts, ok := v["parts"].([]any); ok {
			for _, inner := range parts {
				flattenPart(inner, texts, images)
			}
		}
	}
}

func imageFigures(refs []string) string {
	if len(refs) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, ref := range refs {
		fmt.Fprintf(&sb, `<figure><img src="%s" alt="image"></figure>`, html.EscapeString(ref))
	}
	return sb.String()
}
