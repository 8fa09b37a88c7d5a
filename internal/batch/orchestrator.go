// Package batch runs resumable export batches: it collects the work list,
// retrieves and saves every conversation in order, records failures without
// stopping, and checkpoints after every item so an interrupted run can
// continue where it left off.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/threadexport/internal/collector"
	"github.com/MikeSquared-Agency/threadexport/internal/conversation"
	"github.com/MikeSquared-Agency/threadexport/internal/render"
	"github.com/MikeSquared-Agency/threadexport/internal/retriever"
	"github.com/MikeSquared-Agency/threadexport/internal/sink"
)

var (
	ErrAlreadyRunning   = errors.New("a batch is already running")
	ErrCheckpointExists = errors.New("an unfinished batch exists; resume it or start with replace")
	ErrNoCheckpoint     = errors.New("no resumable batch")
	ErrNoItems          = errors.New("no conversations to export")
)

type Collector interface {
	Collect(ctx context.Context, target int) (collector.Result, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, d conversation.Descriptor) (*retriever.Result, error)
}

type Gate interface {
	Wait(ctx context.Context) (bool, error)
}

// Store persists the single batch checkpoint. Load returns nil when absent.
type Store interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, st *State) error
	Clear(ctx context.Context) error
}

type Renderer interface {
	Render(ctx context.Context, doc render.Document) ([]byte, error)
}

type Sink interface {
	Save(ctx context.Context, data []byte, filename, folder string, policy sink.ConflictPolicy) (string, error)
}

// DebugLogger records lifecycle events into the state and periodically
// writes them out.
type DebugLogger interface {
	Record(st *State, ev DebugEvent)
	Flush(ctx context.Context, st *State, trigger string, force bool)
}

// Notifier is told when a batch stops, for any reason.
type Notifier interface {
	BatchFinished(ctx context.Context, st Status)
}

type Config struct {
	RootFolder  string
	ItemTimeout time.Duration
	ItemDelay   time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		RootFolder:  "Chat Export",
		ItemTimeout: 600 * time.Second,
		ItemDelay:   600 * time.Millisecond,
	}
}

// Deps groups the collaborators of an Orchestrator. Debug and Notifier may
// be nil.
type Deps struct {
	Collector Collector
	Retriever Retriever
	Gate      Gate
	Store     Store
	Renderer  Renderer
	Sink      Sink
	Debug     DebugLogger
	Notifier  Notifier
}

// StartRequest describes a fresh batch.
type StartRequest struct {
	Count   int     `json:"count"`
	Options Options `json:"options"`
	Replace bool    `json:"replace"`
}

// Status is the observable summary of the batch.
type Status struct {
	RunID          string      `json:"run_id,omitempty"`
	Status         RunStatus   `json:"status"`
	Running        bool        `json:"running"`
	PauseReason    PauseReason `json:"pause_reason,omitempty"`
	NextIndex      int         `json:"next_index"`
	TotalCount     int         `json:"total_count"`
	SuccessCount   int         `json:"success_count"`
	FailureCount   int         `json:"failure_count"`
	SkippedCount   int         `json:"skipped_count"`
	CurrentMessage string      `json:"current_message,omitempty"`
}

func statusOf(st *State) Status {
	if st == nil {
		return Status{Status: StatusIdle}
	}
	return Status{
		RunID:        st.RunID,
		Status:       st.Status,
		PauseReason:  st.PauseReason,
		NextIndex:    st.NextIndex,
		TotalCount:   len(st.Items),
		SuccessCount: st.SuccessCount,
		FailureCount: st.FailureCount,
		SkippedCount: st.SkippedCount,
	}
}

type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	snapshot *State
	message  string
}

func New(deps Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger, now: time.Now}
}

// Status returns the in-memory status of the current or last batch.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := statusOf(o.snapshot)
	s.Running = o.running
	if o.running && s.Status == StatusIdle {
		s.Status = StatusRunning
	}
	s.CurrentMessage = o.message
	return s
}

// Inspect is Status, falling back to the persisted checkpoint when no batch
// has run in this process.
func (o *Orchestrator) Inspect(ctx context.Context) (Status, error) {
	s := o.Status()
	if s.Running || o.State() != nil {
		return s, nil
	}
	st, err := o.deps.Store.Load(ctx)
	if err != nil {
		return s, fmt.Errorf("load checkpoint: %w", err)
	}
	return statusOf(st), nil
}

// State returns a copy of the current batch state, or nil.
func (o *Orchestrator) State() *State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot.Clone()
}

func (o *Orchestrator) publish(st *State) {
	o.mu.Lock()
	o.snapshot = st.Clone()
	o.mu.Unlock()
}

func (o *Orchestrator) progress(msg string) {
	o.mu.Lock()
	o.message = msg
	o.mu.Unlock()
}

// Progress is a sink for status lines from collaborators.
func (o *Orchestrator) Progress(msg string) { o.progress(msg) }

// begin claims the single run slot and derives the run context.
func (o *Orchestrator) begin(ctx context.Context) (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil, ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.cancel = cancel
	o.done = make(chan struct{})
	o.message = ""
	return runCtx, nil
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancel()
	o.running = false
	o.cancel = nil
	close(o.done)
}

// Wait blocks until the in-flight batch, if any, has stopped.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Start launches a fresh batch in the background.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) error {
	runCtx, err := o.begin(ctx)
	if err != nil {
		return err
	}
	if err := o.checkFresh(runCtx, req.Replace); err != nil {
		o.end()
		return err
	}
	go func() {
		defer o.end()
		if err := o.runFresh(runCtx, req); err != nil {
			o.logger.Error("batch failed", "error", err)
		}
	}()
	return nil
}

// Run executes a fresh batch and returns when it stops.
func (o *Orchestrator) Run(ctx context.Context, req StartRequest) error {
	runCtx, err := o.begin(ctx)
	if err != nil {
		return err
	}
	defer o.end()
	if err := o.checkFresh(runCtx, req.Replace); err != nil {
		return err
	}
	return o.runFresh(runCtx, req)
}

// Resume continues the persisted batch in the background.
func (o *Orchestrator) Resume(ctx context.Context) error {
	runCtx, err := o.begin(ctx)
	if err != nil {
		return err
	}
	st, err := o.loadResumable(runCtx)
	if err != nil {
		o.end()
		return err
	}
	go func() {
		defer o.end()
		if err := o.resume(runCtx, st); err != nil {
			o.logger.Error("batch failed", "error", err)
		}
	}()
	return nil
}

// RunResume continues the persisted batch and returns when it stops.
func (o *Orchestrator) RunResume(ctx context.Context) error {
	runCtx, err := o.begin(ctx)
	if err != nil {
		return err
	}
	defer o.end()
	st, err := o.loadResumable(runCtx)
	if err != nil {
		return err
	}
	return o.resume(runCtx, st)
}

// Cancel stops the running batch. With nothing running, a resumable
// checkpoint is marked paused. Returns false when there is nothing to stop.
func (o *Orchestrator) Cancel(ctx context.Context) bool {
	o.mu.Lock()
	if o.running {
		o.cancel()
		o.mu.Unlock()
		return true
	}
	o.mu.Unlock()

	st, err := o.deps.Store.Load(ctx)
	if err != nil {
		o.logger.Warn("cancel: load checkpoint failed", "error", err)
		return false
	}
	if !st.Resumable() {
		return false
	}
	if st.Status != StatusPaused {
		st.Status = StatusPaused
		st.PauseReason = PauseCancelled
	}
	if err := o.save(ctx, st); err != nil {
		o.logger.Warn("cancel: save checkpoint failed", "error", err)
		return false
	}
	o.publish(st)
	return true
}

func (o *Orchestrator) checkFresh(ctx context.Context, replace bool) error {
	existing, err := o.deps.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if existing.Resumable() && !replace {
		return ErrCheckpointExists
	}
	return nil
}

func (o *Orchestrator) loadResumable(ctx context.Context) (*State, error) {
	st, err := o.deps.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if !st.Resumable() {
		return nil, ErrNoCheckpoint
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return st, nil
}

func (o *Orchestrator) save(ctx context.Context, st *State) error {
	st.UpdatedAt = o.now().UTC()
	if err := o.deps.Store.Save(context.WithoutCancel(ctx), st.Clone()); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (o *Orchestrator) runFresh(ctx context.Context, req StartRequest) error {
	o.progress("Collecting conversations...")
	res, err := o.deps.Collector.Collect(ctx, req.Count)
	if err != nil {
		return fmt.Errorf("collect conversations: %w", err)
	}
	if len(res.Items) == 0 {
		return ErrNoItems
	}

	now := o.now().UTC()
	opts := req.Options
	if opts.FolderGranularity == "" {
		opts.FolderGranularity = FolderByYear
	}
	if opts.DebugLogEnabled && opts.DebugLogFilename == "" {
		opts.DebugLogFilename = DebugLogName(now)
	}
	items := make([]conversation.Descriptor, len(res.Items))
	for i, d := range res.Items {
		items[i] = cloneDescriptor(d)
	}
	st := &State{
		Version:        StateVersion,
		RunID:          uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
		Status:         StatusRunning,
		RequestedCount: req.Count,
		Options:        opts,
		Items:          items,
	}
	if err := st.Validate(); err != nil {
		return err
	}
	if err := o.deps.Store.Clear(ctx); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	if err := o.save(ctx, st); err != nil {
		return err
	}
	o.publish(st)
	o.logger.Info("batch started", "run_id", st.RunID, "items", len(items), "requested", req.Count)
	o.record(st, DebugEvent{Level: "info", Code: "batch_started", Message: fmt.Sprintf("Batch started with %d conversations", len(items))})
	return o.loop(ctx, st)
}

func (o *Orchestrator) resume(ctx context.Context, st *State) error {
	st.Status = StatusRunning
	st.PauseReason = PauseNone
	if err := o.save(ctx, st); err != nil {
		return err
	}
	o.publish(st)
	o.logger.Info("batch resumed", "run_id", st.RunID, "next_index", st.NextIndex, "items", len(st.Items))
	o.record(st, DebugEvent{Level: "info", Code: "batch_resumed", Message: fmt.Sprintf("Batch resumed at %d/%d", st.NextIndex+1, len(st.Items))})
	return o.loop(ctx, st)
}

func (o *Orchestrator) record(st *State, ev DebugEvent) {
	if o.deps.Debug != nil {
		o.deps.Debug.Record(st, ev)
	}
}

func (o *Orchestrator) flush(ctx context.Context, st *State, trigger string, force bool) {
	if o.deps.Debug != nil {
		o.deps.Debug.Flush(context.WithoutCancel(ctx), st, trigger, force)
	}
}

func (o *Orchestrator) notify(ctx context.Context, st *State) {
	if o.deps.Notifier != nil {
		o.deps.Notifier.BatchFinished(context.WithoutCancel(ctx), statusOf(st))
	}
}

// loop processes items from st.NextIndex until the list is done, the run is
// cancelled, or the host stays hidden too long.
func (o *Orchestrator) loop(ctx context.Context, st *State) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("batch crashed", "panic", r, "stack", string(debug.Stack()))
			err = o.pause(ctx, st, PauseCrashed, "batch_crashed", fmt.Sprintf("Batch crashed: %v", r))
			if err == nil {
				err = fmt.Errorf("batch crashed: %v", r)
			}
		}
	}()

	total := len(st.Items)
	cancelled := false
	for st.NextIndex < total {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		pos := st.NextIndex
		d := st.Items[pos]

		visible, gateErr := o.deps.Gate.Wait(ctx)
		if gateErr != nil {
			cancelled = true
			break
		}
		if !visible {
			return o.pause(ctx, st, PauseHidden, "batch_paused_hidden_tab", "Batch paused: the tab stayed hidden too long")
		}

		title := conversation.NormalizeTitle(d.Title)
		o.progress(fmt.Sprintf("Batch %d/%d | %d/%d completed: Loading %q...", pos+1, total, st.Processed(), total, title))
		o.record(st, DebugEvent{Level: "info", Code: "thread_started", Message: "Thread started", Position: pos + 1, ConversationID: d.ID, Title: title})

		outcome := o.process(ctx, st, pos, d)
		if outcome.cancelled {
			cancelled = true
			break
		}
		switch {
		case outcome.internal != nil:
			o.fail(st, pos, d, KindInternalIteration, outcome.internal, "internal_iteration_error")
		case outcome.err != nil:
			o.fail(st, pos, d, failureKind(outcome.err), outcome.err, "thread_failed")
		default:
			st.SuccessCount++
			o.logger.Info("conversation exported", "position", pos+1, "conversation_id", d.ID, "path", outcome.path, "source", outcome.source)
			o.record(st, DebugEvent{Level: "info", Code: "thread_exported", Message: "Exported via " + outcome.source, Position: pos + 1, ConversationID: d.ID, Title: title})
		}

		st.NextIndex++
		if err := o.save(ctx, st); err != nil {
			o.logger.Error("checkpoint save failed", "error", err)
		}
		o.publish(st)
		o.flush(ctx, st, "progress", false)

		if st.NextIndex < total && sleep(ctx, o.cfg.ItemDelay) != nil {
			cancelled = true
			break
		}
	}

	if cancelled && st.NextIndex < total {
		return o.pause(ctx, st, PauseCancelled, "batch_paused", "Batch paused by request")
	}
	return o.complete(ctx, st)
}

func (o *Orchestrator) fail(st *State, pos int, d conversation.Descriptor, kind FailureKind, err error, code string) {
	reason, detail := Classify(kind, err)
	if kind == KindNotFound {
		st.SkippedCount++
	} else {
		st.FailureCount++
	}
	st.AddFailure(FailureEntry{
		Position:     pos + 1,
		Kind:         kind,
		ReasonCode:   reason,
		ReasonDetail: detail,
		ID:           d.ID,
		Title:        d.Title,
		Error:        err.Error(),
		At:           o.now().UTC(),
	})
	o.logger.Warn("conversation failed", "position", pos+1, "conversation_id", d.ID, "kind", kind, "reason", reason, "error", err)
	o.record(st, DebugEvent{
		Level:          "warn",
		Code:           code,
		Message:        "Thread failed",
		Position:       pos + 1,
		ConversationID: d.ID,
		Title:          d.Title,
		ReasonCode:     reason,
		ReasonDetail:   detail,
		Error:          err.Error(),
	})
}

func (o *Orchestrator) pause(ctx context.Context, st *State, reason PauseReason, code, msg string) error {
	st.Status = StatusPaused
	st.PauseReason = reason
	level := "info"
	if reason != PauseCancelled {
		level = "warn"
	}
	o.record(st, DebugEvent{Level: level, Code: code, Message: msg, Position: st.NextIndex})
	err := o.save(ctx, st)
	o.publish(st)
	o.progress(msg)
	o.flush(ctx, st, string(reason), true)
	o.logger.Info("batch paused", "run_id", st.RunID, "reason", reason, "next_index", st.NextIndex)
	o.notify(ctx, st)
	return err
}

func (o *Orchestrator) complete(ctx context.Context, st *State) error {
	st.Status = StatusCompleted
	st.PauseReason = PauseNone
	if len(st.Failures) > 0 {
		if path, err := o.writeFailureReport(ctx, st); err != nil {
			o.logger.Warn("failure report could not be saved", "error", err)
		} else {
			o.logger.Info("failure report saved", "path", path)
		}
	}
	msg := fmt.Sprintf("Batch completed: %d exported, %d failed, %d skipped", st.SuccessCount, st.FailureCount, st.SkippedCount)
	o.record(st, DebugEvent{Level: "info", Code: "batch_completed", Message: msg})
	o.publish(st)
	o.progress(msg)
	o.flush(ctx, st, "completed", true)
	o.logger.Info("batch completed", "run_id", st.RunID, "success", st.SuccessCount, "failed", st.FailureCount, "skipped", st.SkippedCount)
	o.notify(ctx, st)
	if err := o.deps.Store.Clear(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}

type outcome struct {
	path      string
	source    string
	err       error
	internal  error
	cancelled bool
}

// process retrieves and saves one item. A cancelled run context yields
// cancelled; a panic is reported as internal.
func (o *Orchestrator) process(ctx context.Context, st *State, pos int, d conversation.Descriptor) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("item iteration panicked", "position", pos+1, "panic", r, "stack", string(debug.Stack()))
			out = outcome{internal: fmt.Errorf("internal_iteration_error: %v", r)}
		}
	}()

	itemCtx, cancel := context.WithTimeout(ctx, o.cfg.ItemTimeout)
	defer cancel()

	// A file that reached the sink counts even if cancellation landed after
	// the save; the loop pauses once the item is recorded.
	path, source, err := o.export(itemCtx, st, pos, d)
	if err == nil {
		return outcome{path: path, source: source}
	}
	if ctx.Err() != nil {
		return outcome{cancelled: true}
	}
	return outcome{err: err}
}

func (o *Orchestrator) export(ctx context.Context, st *State, pos int, d conversation.Descriptor) (string, string, error) {
	res, err := o.deps.Retriever.Retrieve(ctx, d)
	if err != nil {
		return "", "", err
	}
	if conversation.CountExportable(res.Messages) == 0 {
		return "", "", fmt.Errorf("%s: %w", d.ID, conversation.ErrEmptyConversation)
	}

	title := res.Title
	if title == "" {
		title = d.Title
	}
	title = conversation.NormalizeTitle(title)
	now := o.now()
	start := conversation.StartTime(d, res.Messages, now)
	folder := Folder(o.cfg.RootFolder, st.Options.AccountName, start, st.Options.FolderGranularity)
	name := Uniquify(FileName(start, pos+1, len(st.Items), title), func(n string) bool {
		return st.FilenameUsed(folder + "/" + n)
	})

	data, err := o.deps.Renderer.Render(ctx, render.Document{
		Title:          title,
		ConversationID: d.ID,
		SourceTag:      res.SourceTag,
		Account:        st.Options.AccountName,
		StartedAt:      start,
		ExportedAt:     now,
		Messages:       res.Messages,
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: render: %w", ErrExport, err)
	}
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	path, err := o.deps.Sink.Save(ctx, data, name, folder, sink.Uniquify)
	if err != nil {
		return "", "", fmt.Errorf("%w: save: %w", ErrExport, err)
	}
	st.UseFilename(folder + "/" + name)
	return path, res.SourceTag, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Notifiers fans a notification out to several receivers.
type Notifiers []Notifier

func (ns Notifiers) BatchFinished(ctx context.Context, st Status) {
	for _, n := range ns {
		n.BatchFinished(ctx, st)
	}
}
