package payload

import (
	"testing"

	"github.com/MikeSquared-Agency/threadexport/internal/conversation"
)

func mustDecode(t *testing.T, s string) any {
	t.Helper()
	v, err := Decode([]byte(s))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestParseListPage_Shapes(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantIDs   []string
		wantTotal int
		wantMore  bool
	}{
		{
			name:      "items with total",
			body:      `{"items":[{"id":"abcdefgh1","title":"One"},{"id":"abcdefgh2"}],"total":5}`,
			wantIDs:   []string{"abcdefgh1", "abcdefgh2"},
			wantTotal: 5,
			wantMore:  true,
		},
		{
			name:      "nested data.conversations.items",
			body:      `{"data":{"conversations":{"items":[{"conversation":{"conversation_id":"nested001"}}],"total":1}}}`,
			wantIDs:   []string{"nested001"},
			wantTotal: 1,
			wantMore:  false,
		},
		{
			name:      "bare array",
			body:      `[{"href":"/c/linkid0001"},{"url":"https://chat.example.com/c/linkid0002/"}]`,
			wantIDs:   []string{"linkid0001", "linkid0002"},
			wantTotal: -1,
			wantMore:  true,
		},
		{
			name:      "empty items before nested data.items",
			body:      `{"items":[],"data":{"items":[{"id":"abc12345"}]}}`,
			wantIDs:   []string{"abc12345"},
			wantTotal: -1,
			wantMore:  false,
		},
		{
			name:      "all candidates empty",
			body:      `{"items":[],"conversations":[],"total":0}`,
			wantIDs:   nil,
			wantTotal: 0,
			wantMore:  false,
		},
		{
			name:      "explicit has_more",
			body:      `{"conversations":[{"uuid":"u-00000001"}],"has_more":false}`,
			wantIDs:   []string{"u-00000001"},
			wantTotal: -1,
			wantMore:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := ParseListPage(mustDecode(t, tt.body), 0, 2)
			if len(page.Items) != len(tt.wantIDs) {
				t.Fatalf("expected %d items, got %d", len(tt.wantIDs), len(page.Items))
			}
			for i, id := range tt.wantIDs {
				if page.Items[i].ID != id {
					t.Errorf("item %d: expected %q, got %q", i, id, page.Items[i].ID)
				}
			}
			if tt.wantTotal < 0 && page.Total != nil {
				t.Errorf("expected unknown total, got %d", *page.Total)
			}
			if tt.wantTotal >= 0 && (page.Total == nil || *page.Total != tt.wantTotal) {
				t.Errorf("expected total %d, got %v", tt.wantTotal, page.Total)
			}
			if page.HasMore != tt.wantMore {
				t.Errorf("expected has_more %v, got %v", tt.wantMore, page.HasMore)
			}
		})
	}
}

func TestParseListPage_NextOffset(t *testing.T) {
	page := ParseListPage(mustDecode(t, `{"items":[{"id":"a1234567"}]}`), 28, 28)
	if page.NextOffset != 56 {
		t.Errorf("expected next offset 56, got %d", page.NextOffset)
	}
	page = ParseListPage(mustDecode(t, `{"items":[],"next_offset":90}`), 28, 28)
	if page.NextOffset != 90 {
		t.Errorf("expected next offset 90, got %d", page.NextOffset)
	}
}

func TestParseListPage_UnknownShape(t *testing.T) {
	page := ParseListPage(mustDecode(t, `{"weird":true}`), 0, 28)
	if len(page.Items) != 0 || page.HasMore {
		t.Errorf("expected empty page, got %+v", page)
	}
	page = ParseListPage(nil, 0, 28)
	if len(page.Items) != 0 {
		t.Errorf("expected empty page for nil payload")
	}
}

func TestNormalizeItem_Timestamps(t *testing.T) {
	d, ok := NormalizeItem(mustDecode(t, `{"id":"abc12345","name":" Named ","create_time":1700000000,"update_time":"2024-03-01T10:00:00Z"}`))
	if !ok {
		t.Fatal("expected item to normalize")
	}
	if d.Title != "Named" {
		t.Errorf("expected title Named, got %q", d.Title)
	}
	if d.CreateTime == nil || d.CreateTime.Unix() != 1700000000 {
		t.Errorf("unexpected create time %v", d.CreateTime)
	}
	if d.UpdateTime == nil || d.UpdateTime.Year() != 2024 {
		t.Errorf("unexpected update time %v", d.UpdateTime)
	}
	if _, ok := NormalizeItem(mustDecode(t, `{"title":"no id"}`)); ok {
		t.Error("expected item without id to be rejected")
	}
}

func TestParseTimestamp_Units(t *testing.T) {
	sec := ParseTimestamp(float64(1700000000))
	ms := ParseTimestamp(float64(1700000000000))
	if sec == nil || ms == nil || !sec.Equal(*ms) {
		t.Errorf("seconds and milliseconds should agree: %v vs %v", sec, ms)
	}
	if ParseTimestamp("not a date") != nil {
		t.Error("expected nil for garbage")
	}
	if ParseTimestamp(float64(-5)) != nil {
		t.Error("expected nil for negative")
	}
}

func TestConversationIDFromLink(t *testing.T) {
	cases := map[string]string{
		"/c/abcdefgh":                   "abcdefgh",
		"/c/abc-def_123/":               "abc-def_123",
		"https://host/c/abcdefgh12?x=1": "abcdefgh12",
		"/c/short":                      "",
		"/g/abcdefghij":                 "",
		"":                              "",
		"https://host/c/abcdefgh/extra": "",
	}
	for in, want := range cases {
		if got := ConversationIDFromLink(in); got != want {
			t.Errorf("ConversationIDFromLink(%q) = %q, want %q", in, got, want)
		}
	}
}

const treePayload = `{
  "title": "Tree",
  "current_node": "n3",
  "mapping": {
    "root": {"id": "root", "message": null, "parent": null},
    "n1": {"id": "n1", "parent": "root", "message": {"id": "m1", "author": {"role": "user"}, "create_time": 1700000000, "content": {"content_type": "text", "parts": ["Hello"]}}},
    "n2": {"id": "n2", "parent": "n1", "message": {"id": "m2", "author": {"role": "assistant"}, "content": {"content_type": "multimodal_text", "parts": [{"text": "Hi"}, {"content_type": "image_asset_pointer", "asset_pointer": "file://img"}]}}},
    "alt": {"id": "alt", "parent": "n1", "message": {"id": "mx", "author": {"role": "assistant"}, "content": {"parts": ["abandoned branch"]}}},
    "n3": {"id": "n3", "parent": "n2", "message": {"id": "m3", "author": {"role": "tool"}, "content": {"parts": [{"content_type": "audio_transcription"}]}}}
  }
}`

func TestExtractDetail_ActiveBranch(t *testing.T) {
	d := ExtractDetail(mustDecode(t, treePayload))
	if d.Title != "Tree" {
		t.Errorf("expected title Tree, got %q", d.Title)
	}
	if len(d.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(d.Messages))
	}
	want := []struct {
		id   string
		role conversation.Role
		text string
	}{
		{"m1", conversation.RoleUser, "Hello"},
		{"m2", conversation.RoleAssistant, "Hi"},
		{"m3", conversation.RoleTool, "[Audio]"},
	}
	for i, w := range want {
		m := d.Messages[i]
		if m.ID != w.id || m.Role != w.role || m.Text != w.text {
			t.Errorf("message %d: got %+v", i, m)
		}
	}
	if d.Messages[1].RichBody == "" {
		t.Error("expected image figure in rich body")
	}
}

func TestExtractDetail_CycleSafe(t *testing.T) {
	body := `{"current_node":"a","mapping":{
		"a":{"id":"a","parent":"b","message":{"id":"ma","author":{"role":"user"},"content":{"parts":["A"]}}},
		"b":{"id":"b","parent":"a","message":{"id":"mb","author":{"role":"assistant"},"content":{"parts":["B"]}}}}}`
	d := ExtractDetail(mustDecode(t, body))
	if len(d.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(d.Messages))
	}
	if d.Messages[0].ID != "mb" {
		t.Errorf("expected chronological order starting at mb, got %s", d.Messages[0].ID)
	}
}

func TestExtractDetail_NoCurrentNodeSortsByTime(t *testing.T) {
	body := `{"mapping":{
		"x":{"id":"x","message":{"id":"late","author":{"role":"user"},"create_time":1700000500,"content":{"parts":["late"]}}},
		"y":{"id":"y","message":{"id":"none","author":{"role":"user"},"content":{"parts":["undated"]}}},
		"z":{"id":"z","message":{"id":"early","author":{"role":"user"},"create_time":1700000100,"content":{"parts":["early"]}}}}}`
	d := ExtractDetail(mustDecode(t, body))
	got := []string{}
	for _, m := range d.Messages {
		got = append(got, m.ID)
	}
	want := []string{"early", "late", "none"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestExtractDetail_SkipsEmptyAndDuplicates(t *testing.T) {
	body := `{"messages":[
		{"id":"1","role":"user","content":"hey"},
		{"id":"1","role":"user","content":"dup"},
		{"id":"2","role":"assistant","content":{"parts":[]}},
		{"id":"3","role":"assistant","text":"fallback text"}]}`
	d := ExtractDetail(mustDecode(t, body))
	if len(d.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d: %+v", len(d.Messages), d.Messages)
	}
	if d.Messages[1].Text != "fallback text" {
		t.Errorf("expected fallback text, got %q", d.Messages[1].Text)
	}
}

func TestExtractDetail_Garbage(t *testing.T) {
	for _, v := range []any{nil, "str", []any{1, 2}, map[string]any{"mapping": "nope"}} {
		d := ExtractDetail(v)
		if len(d.Messages) != 0 {
			t.Errorf("expected no messages for %v", v)
		}
	}
}
