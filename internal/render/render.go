// Package render turns conversations into self-contained HTML documents.
package render

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/MikeSquared-Agency/threadexport/internal/conversation"
)

// Document is everything needed to render one export file.
type Document struct {
	Title          string
	ConversationID string
	SourceTag      string
	Account        string
	StartedAt      time.Time
	ExportedAt     time.Time
	Messages       []conversation.Message
}

type HTMLRenderer struct {
	md   goldmark.Markdown
	page *template.Template
}

func NewHTMLRenderer() *HTMLRenderer {
	return &HTMLRenderer{
		md:   goldmark.New(goldmark.WithExtensions(extension.GFM)),
		page: template.Must(template.New("page").Funcs(template.FuncMap{"roleLabel": roleLabel}).Parse(pageTemplate)),
	}
}

type messageView struct {
	Role      string
	RoleLabel string
	Timestamp string
	Body      template.HTML
}

type pageView struct {
	Title          string
	ConversationID string
	SourceTag      string
	Account        string
	StartedAt      string
	ExportedAt     string
	Messages       []messageView
}

// Render produces the HTML bytes for doc.
func (r *HTMLRenderer) Render(ctx context.Context, doc Document) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	view := pageView{
		Title:          conversation.NormalizeTitle(doc.Title),
		ConversationID: doc.ConversationID,
		SourceTag:      doc.SourceTag,
		Account:        doc.Account,
		StartedAt:      formatTime(doc.StartedAt),
		ExportedAt:     formatTime(doc.ExportedAt),
	}
	for _, m := range doc.Messages {
		body, err := r.body(m)
		if err != nil {
			return nil, fmt.Errorf("render message %s: %w", m.ID, err)
		}
		mv := messageView{Role: string(m.Role), Body: body}
		if m.Timestamp != nil {
			mv.Timestamp = formatTime(*m.Timestamp)
		}
		view.Messages = append(view.Messages, mv)
	}

	var buf bytes.Buffer
	if err := r.page.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("execute template: %w", err)
	}
	return buf.Bytes(), nil
}

// body prefers the captured rich body; plain text goes through markdown,
// which escapes any raw HTML in it.
func (r *HTMLRenderer) body(m conversation.Message) (template.HTML, error) {
	var sb strings.Builder
	if strings.TrimSpace(m.Text) != "" && !conversation.BodyHasText(m.RichBody) {
		var buf bytes.Buffer
		if err := r.md.Convert([]byte(m.Text), &buf); err != nil {
			return "", err
		}
		sb.Write(buf.Bytes())
	}
	if conversation.MeaningfulBody(m.RichBody) {
		sb.WriteString(m.RichBody)
	}
	return template.HTML(sb.String()), nil
}

func roleLabel(role string) string {
	switch conversation.Role(role) {
	case conversation.RoleUser:
		return "You"
	case conversation.RoleAssistant:
		return "Assistant"
	case conversation.RoleSystem:
		return "System"
	case conversation.RoleTool:
		return "Tool"
	default:
		return "Message"
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

const pageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,-apple-system,Segoe UI,sans-serif;max-width:860px;margin:2rem auto;padding:0 1rem;color:#1f2328;background:#fff}
header{border-bottom:1px solid #d0d7de;margin-bottom:1.5rem;padding-bottom:.75rem}
header dl{display:grid;grid-template-columns:max-content 1fr;gap:.2rem 1rem;font-size:.85rem;color:#57606a;margin:.5rem 0 0}
.msg{border:1px solid #d0d7de;border-radius:8px;padding:.75rem 1rem;margin:0 0 1rem}
.msg.user{background:#f6f8fa}
.msg .meta{font-size:.8rem;color:#57606a;margin-bottom:.4rem}
.msg img{max-width:100%}
pre{overflow-x:auto;background:#f6f8fa;padding:.75rem;border-radius:6px}
</style>
</head>
<body>
<header>
<h1>{{.Title}}</h1>
<dl>
{{- if .ConversationID}}<dt>Conversation</dt><dd>{{.ConversationID}}</dd>{{end}}
{{- if .Account}}<dt>Account</dt><dd>{{.Account}}</dd>{{end}}
{{- if .StartedAt}}<dt>Started</dt><dd>{{.StartedAt}}</dd>{{end}}
{{- if .ExportedAt}}<dt>Exported</dt><dd>{{.ExportedAt}}</dd>{{end}}
{{- if .SourceTag}}<dt>Source</dt><dd>{{.SourceTag}}</dd>{{end}}
</dl>
</header>
<main>
{{- range .Messages}}
<section class="msg {{.Role}}">
<div class="meta"><strong>{{roleLabel .Role}}</strong>{{if .Timestamp}} &middot; {{.Timestamp}}{{end}}</div>
<div class="body">{{.Body}}</div>
</section>
{{- end}}
</main>
</body>
</html>
`
