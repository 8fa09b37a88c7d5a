package batch

import (
	"context"
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/threadexport/internal/conversation"
	"github.com/MikeSquared-Agency/threadexport/internal/render"
	"github.com/MikeSquared-Agency/threadexport/internal/sink"
)

// FailureReport renders the failures of st as a document with one system
// message per entry.
func FailureReport(st *State, account string) render.Document {
	msgs := make([]conversation.Message, 0, len(st.Failures)+1)
	msgs = append(msgs, conversation.Message{
		ID:   "summary",
		Role: conversation.RoleSystem,
		Text: fmt.Sprintf("Run %s: %d conversations, %d exported, %d failed, %d skipped.",
			st.RunID, len(st.Items), st.SuccessCount, st.FailureCount, st.SkippedCount),
	})
	for i, f := range st.Failures {
		var sb strings.Builder
		fmt.Fprintf(&sb, "**#%d** %s (`%s`)\n\n", f.Position, conversation.NormalizeTitle(f.Title), f.ID)
		fmt.Fprintf(&sb, "- Kind: %s\n- Reason: %s\n- Detail: %s\n", f.Kind, f.ReasonCode, f.ReasonDetail)
		if f.Error != "" {
			fmt.Fprintf(&sb, "- Error: `%s`\n", strings.ReplaceAll(f.Error, "`", "'"))
		}
		ts := f.At
		msgs = append(msgs, conversation.Message{
			ID:        fmt.Sprintf("failure-%d", i),
			Role:      conversation.RoleSystem,
			Text:      sb.String(),
			Timestamp: &ts,
		})
	}
	return render.Document{
		Title:      "Batch failure report",
		SourceTag:  "failure-report",
		Account:    account,
		StartedAt:  st.CreatedAt,
		ExportedAt: st.UpdatedAt,
		Messages:   msgs,
	}
}

func (o *Orchestrator) writeFailureReport(ctx context.Context, st *State) (string, error) {
	ctx = context.WithoutCancel(ctx)
	data, err := o.deps.Renderer.Render(ctx, FailureReport(st, st.Options.AccountName))
	if err != nil {
		return "", fmt.Errorf("render failure report: %w", err)
	}
	folder := AccountFolder(o.cfg.RootFolder, st.Options.AccountName)
	return o.deps.Sink.Save(ctx, data, FailureReportName(o.now()), folder, sink.Uniquify)
}
