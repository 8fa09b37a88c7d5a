// Package debuglog keeps the per-batch diagnostic trail: events go into the
// checkpoint's bounded ring and out to the event bus, and the ring is
// periodically written next to the exports as an HTML document.
package debuglog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/threadexport/internal/batch"
	"github.com/MikeSquared-Agency/threadexport/internal/conversation"
	"github.com/MikeSquared-Agency/threadexport/internal/render"
	"github.com/MikeSquared-Agency/threadexport/internal/sink"
)

// Publisher forwards events to a bus. Optional.
type Publisher interface {
	PublishDebug(runID string, ev batch.DebugEvent) error
}

type Config struct {
	RootFolder   string
	Interval     time.Duration
	ItemStep     int
	FlushTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		RootFolder:   "Chat Export",
		Interval:     45 * time.Second,
		ItemStep:     20,
		FlushTimeout: 15 * time.Second,
	}
}

type Logger struct {
	renderer batch.Renderer
	sink     batch.Sink
	pub      Publisher
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func New(renderer batch.Renderer, s batch.Sink, pub Publisher, cfg Config, logger *slog.Logger) *Logger {
	return &Logger{renderer: renderer, sink: s, pub: pub, cfg: cfg, logger: logger, now: time.Now}
}

// Record stamps ev and keeps it in st when the batch has debug logging on.
func (l *Logger) Record(st *batch.State, ev batch.DebugEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = l.now().UTC()
	}
	if st.Options.DebugLogEnabled {
		st.AppendDebug(ev)
	}
	if l.pub != nil {
		if err := l.pub.PublishDebug(st.RunID, ev); err != nil {
			l.logger.Warn("publish debug event failed", "code", ev.Code, "error", err)
		}
	}
}

// due reports whether a non-forced flush should write now.
func (l *Logger) due(st *batch.State, now time.Time) bool {
	if st.LastDebugFlushAt.IsZero() {
		return true
	}
	if now.Sub(st.LastDebugFlushAt) >= l.cfg.Interval {
		return true
	}
	return st.Processed()-st.LastDebugFlushProgress >= l.cfg.ItemStep
}

// Flush writes the debug document when forced or due. Failures are logged.
func (l *Logger) Flush(ctx context.Context, st *batch.State, trigger string, force bool) {
	if !st.Options.DebugLogEnabled || st.Options.DebugLogFilename == "" {
		return
	}
	now := l.now()
	if !force && !l.due(st, now) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.FlushTimeout)
	defer cancel()

	data, err := l.renderer.Render(ctx, Document(st, trigger, now))
	if err != nil {
		l.logger.Warn("debug log render failed", "error", err)
		return
	}
	folder := batch.AccountFolder(l.cfg.RootFolder, st.Options.AccountName)
	path, err := l.sink.Save(ctx, data, st.Options.DebugLogFilename, folder, sink.Overwrite)
	if err != nil {
		l.logger.Warn("debug log save failed", "error", err)
		return
	}
	st.LastDebugFlushAt = now.UTC()
	st.LastDebugFlushProgress = st.Processed()
	l.logger.Debug("debug log flushed", "path", path, "trigger", trigger, "events", len(st.DebugEvents))
}

// Document renders the state and its event ring as a readable document.
func Document(st *batch.State, trigger string, now time.Time) render.Document {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Run** `%s`  \n", st.RunID)
	fmt.Fprintf(&sb, "**Status** %s", st.Status)
	if st.PauseReason != batch.PauseNone {
		fmt.Fprintf(&sb, " (%s)", st.PauseReason)
	}
	fmt.Fprintf(&sb, "  \n**Trigger** %s  \n", trigger)
	fmt.Fprintf(&sb, "**Progress** %d/%d processed, next index %d  \n", st.Processed(), len(st.Items), st.NextIndex)
	fmt.Fprintf(&sb, "**Outcome** %d exported, %d failed, %d skipped\n", st.SuccessCount, st.FailureCount, st.SkippedCount)

	msgs := []conversation.Message{{ID: "debug-summary", Role: conversation.RoleSystem, Text: sb.String()}}
	for _, ev := range st.DebugEvents {
		at := ev.At
		msgs = append(msgs, conversation.Message{
			ID:        ev.ID,
			Role:      conversation.RoleSystem,
			Text:      eventText(ev),
			Timestamp: &at,
		})
	}
	return render.Document{
		Title:          "Batch debug log",
		ConversationID: st.RunID,
		SourceTag:      "debug-log",
		Account:        st.Options.AccountName,
		StartedAt:      st.CreatedAt,
		ExportedAt:     now,
		Messages:       msgs,
	}
}

func eventText(ev batch.DebugEvent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "`%s` **%s** %s", strings.ToUpper(ev.Level), ev.Code, ev.Message)
	if ev.Position > 0 {
		fmt.Fprintf(&sb, "  \n#%d", ev.Position)
		if ev.ConversationID != "" {
			fmt.Fprintf(&sb, " `%s`", ev.ConversationID)
		}
		if ev.Title != "" {
			fmt.Fprintf(&sb, " %s", ev.Title)
		}
	}
	if ev.ReasonCode != "" {
		fmt.Fprintf(&sb, "  \n%s: %s", ev.ReasonCode, ev.ReasonDetail)
	}
	if ev.Error != "" {
		fmt.Fprintf(&sb, "\n\n```\n%s\n```", ev.Error)
	}
	return sb.String()
}

var _ batch.DebugLogger = (*Logger)(nil)
