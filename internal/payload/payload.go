// Package payload extracts descriptors and messages from loosely shaped
// conversation API responses. Every function here is total: unknown shapes
// produce empty results, never errors or panics.
package payload

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Decode parses a JSON body into an untyped tree.
func Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

// Lookup walks a dotted path through nested objects.
func Lookup(v any, path string) any {
	cur := v
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = obj[key]
		if !ok {
			return nil
		}
	}
	return cur
}

func asObject(v any) map[string]any {
	obj, _ := v.(map[string]any)
	return obj
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		if s == math.Trunc(s) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func asBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(b) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

// firstString returns the first non-empty trimmed string among keys of obj.
func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := strings.TrimSpace(asString(obj[k])); s != "" {
			return s
		}
	}
	return ""
}

// ParseTimestamp converts epoch seconds, epoch milliseconds, or a date string
// into a time. Values below 1e12 are seconds.
func ParseTimestamp(v any) *time.Time {
	var t time.Time
	switch x := v.(type) {
	case float64:
		if x <= 0 || math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		if x < 1e12 {
			t = time.UnixMilli(int64(x * 1000)).UTC()
		} else {
			t = time.UnixMilli(int64(x)).UTC()
		}
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return ParseTimestamp(f)
		}
		parsed, ok := parseDate(s)
		if !ok {
			return nil
		}
		t = parsed.UTC()
	default:
		return nil
	}
	return &t
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

var linkIDRe = regexp.MustCompile(`^/c/([0-9a-zA-Z_-]{8,})/?$`)

// ConversationIDFromLink extracts a conversation id from a "/c/<id>" link,
// absolute or relative. Returns "" when the link does not match.
func ConversationIDFromLink(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if i := strings.Index(href, "://"); i >= 0 {
		rest := href[i+3:]
		slash := strings.Index(rest, "/")
		if slash < 0 {
			return ""
		}
		href = rest[slash:]
	}
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	m := linkIDRe.FindStringSubmatch(href)
	if m == nil {
		return ""
	}
	return m[1]
}
