package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/threadexport/internal/collector"
	"github.com/MikeSquared-Agency/threadexport/internal/conversation"
	"github.com/MikeSquared-Agency/threadexport/internal/remote"
	"github.com/MikeSquared-Agency/threadexport/internal/render"
	"github.com/MikeSquared-Agency/threadexport/internal/retriever"
	"github.com/MikeSquared-Agency/threadexport/internal/sink"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	mu    sync.Mutex
	st    *State
	saves int
}

func (m *memStore) Load(context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Clone(), nil
}

func (m *memStore) Save(_ context.Context, st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = st.Clone()
	m.saves++
	return nil
}

func (m *memStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = nil
	return nil
}

type listCollector struct {
	items []conversation.Descriptor
	err   error
}

func (c listCollector) Collect(_ context.Context, target int) (collector.Result, error) {
	if c.err != nil {
		return collector.Result{}, c.err
	}
	items := c.items
	if target > 0 && len(items) > target {
		items = items[:target]
	}
	return collector.Result{Items: items}, nil
}

// scriptRetriever answers per conversation id; block makes the call wait
// for cancellation after signalling started.
type scriptRetriever struct {
	mu      sync.Mutex
	errs    map[string]error
	panics  map[string]bool
	empty   map[string]bool
	block   string
	started chan string
	calls   []string
}

func (r *scriptRetriever) Retrieve(ctx context.Context, d conversation.Descriptor) (*retriever.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, d.ID)
	block := r.block == d.ID
	r.mu.Unlock()

	if block {
		if r.started != nil {
			r.started <- d.ID
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.panics[d.ID] {
		panic("boom")
	}
	if err := r.errs[d.ID]; err != nil {
		return nil, err
	}
	if r.empty[d.ID] {
		return &retriever.Result{SourceTag: retriever.SourceAPI}, nil
	}
	ts := time.Date(2024, 3, 10, 8, 30, 0, 0, time.UTC)
	return &retriever.Result{
		SourceTag: retriever.SourceAPI,
		Messages: []conversation.Message{
			{ID: d.ID + "-u", Role: conversation.RoleUser, Text: "question " + d.ID, Timestamp: &ts},
			{ID: d.ID + "-a", Role: conversation.RoleAssistant, Text: "answer " + d.ID},
		},
	}, nil
}

type fixedGate struct{ visible bool }

func (g fixedGate) Wait(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return g.visible, nil
}

type recordingDebug struct {
	mu      sync.Mutex
	codes   []string
	flushes int
}

func (d *recordingDebug) Record(st *State, ev DebugEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.codes = append(d.codes, ev.Code)
	st.AppendDebug(ev)
}

func (d *recordingDebug) Flush(context.Context, *State, string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushes++
}

func (d *recordingDebug) has(code string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.codes {
		if c == code {
			return true
		}
	}
	return false
}

type harness struct {
	orch  *Orchestrator
	store *memStore
	ret   *scriptRetriever
	debug *recordingDebug
	out   string
}

func items(n int) []conversation.Descriptor {
	out := make([]conversation.Descriptor, n)
	for i := range out {
		out[i] = conversation.Descriptor{ID: fmt.Sprintf("conv%05d", i+1), Title: fmt.Sprintf("Topic %d", i+1)}
	}
	return out
}

func newHarness(t *testing.T, descs []conversation.Descriptor, ret *scriptRetriever, gate Gate) *harness {
	t.Helper()
	out := t.TempDir()
	h := &harness{store: &memStore{}, ret: ret, debug: &recordingDebug{}, out: out}
	cfg := DefaultConfig()
	cfg.RootFolder = "Exports"
	cfg.ItemDelay = 0
	cfg.ItemTimeout = 5 * time.Second
	h.orch = New(Deps{
		Collector: listCollector{items: descs},
		Retriever: ret,
		Gate:      gate,
		Store:     h.store,
		Renderer:  render.NewHTMLRenderer(),
		Sink:      sink.NewFileSink(out),
		Debug:     h.debug,
	}, cfg, testLogger())
	return h
}

func (h *harness) exported(t *testing.T) []string {
	t.Helper()
	var files []string
	filepath.WalkDir(filepath.Join(h.out, "Exports"), func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			rel, _ := filepath.Rel(h.out, p)
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	sort.Strings(files)
	return files
}

var opts = Options{AccountName: "alice@example.com", FolderGranularity: FolderByYear}

func TestRun_NotFoundIsSkipped(t *testing.T) {
	ret := &scriptRetriever{errs: map[string]error{
		"conv00002": fmt.Errorf("fetch: %w", &remote.StatusError{Status: 404, Path: "/backend-api/conversation/conv00002", Via: "direct"}),
	}}
	h := newHarness(t, items(3), ret, fixedGate{visible: true})

	require.NoError(t, h.orch.Run(context.Background(), StartRequest{Count: 3, Options: opts}))

	st := h.orch.State()
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 3, st.NextIndex)
	assert.Equal(t, 2, st.SuccessCount)
	assert.Equal(t, 1, st.SkippedCount)
	assert.Equal(t, 0, st.FailureCount)
	require.Len(t, st.Failures, 1)
	assert.Equal(t, KindNotFound, st.Failures[0].Kind)
	assert.Equal(t, ReasonNotFound, st.Failures[0].ReasonCode)
	assert.Equal(t, 2, st.Failures[0].Position)

	loaded, _ := h.store.Load(context.Background())
	assert.Nil(t, loaded, "checkpoint must be cleared on completion")

	files := h.exported(t)
	require.Len(t, files, 3)
	assert.Equal(t, "Exports/alice@example.com/2024/2024-03-10_08-30-00_1_Topic_1.html", files[0])
	assert.Equal(t, "Exports/alice@example.com/2024/2024-03-10_08-30-00_3_Topic_3.html", files[1])
	assert.Contains(t, files[2], "Batch_Failure_Report_")
	assert.True(t, h.debug.has("batch_completed"))
}

func TestRun_CancelDuringItemPauses(t *testing.T) {
	ret := &scriptRetriever{block: "conv00002", started: make(chan string, 1)}
	h := newHarness(t, items(3), ret, fixedGate{visible: true})

	require.NoError(t, h.orch.Start(context.Background(), StartRequest{Count: 3, Options: opts}))
	<-ret.started
	assert.True(t, h.orch.Cancel(context.Background()))
	h.orch.Wait()

	st := h.orch.State()
	assert.Equal(t, StatusPaused, st.Status)
	assert.Equal(t, PauseCancelled, st.PauseReason)
	assert.Equal(t, 1, st.NextIndex)
	assert.Equal(t, 1, st.SuccessCount)
	assert.Equal(t, 0, st.FailureCount+st.SkippedCount)

	saved, _ := h.store.Load(context.Background())
	require.NotNil(t, saved)
	assert.Equal(t, StatusPaused, saved.Status)
	assert.Equal(t, 1, saved.NextIndex)
	assert.True(t, h.debug.has("batch_paused"))

	// Resuming finishes the remaining items exactly once.
	ret.mu.Lock()
	ret.block = ""
	ret.calls = nil
	ret.mu.Unlock()
	require.NoError(t, h.orch.RunResume(context.Background()))

	st = h.orch.State()
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 3, st.SuccessCount)
	assert.Equal(t, []string{"conv00002", "conv00003"}, ret.calls)
	assert.Len(t, h.exported(t), 3)
}

func mixedRetriever() *scriptRetriever {
	return &scriptRetriever{
		errs: map[string]error{
			"conv00002": fmt.Errorf("fetch: %w", &remote.StatusError{Status: 404, Path: "/backend-api/conversation/conv00002", Via: "direct"}),
			"conv00004": fmt.Errorf("fetch: %w", &remote.StatusError{Status: 500, Path: "/backend-api/conversation/conv00004", Via: "direct"}),
		},
		empty:   map[string]bool{"conv00005": true},
		started: make(chan string, 1),
	}
}

type failureSummary struct {
	Position int
	Kind     FailureKind
	Reason   ReasonCode
	ID       string
}

func summarize(fs []FailureEntry) []failureSummary {
	out := make([]failureSummary, len(fs))
	for i, f := range fs {
		out[i] = failureSummary{f.Position, f.Kind, f.ReasonCode, f.ID}
	}
	return out
}

// conversationFiles drops the failure report, whose name carries the
// wall-clock time of the run.
func conversationFiles(files []string) []string {
	var out []string
	for _, f := range files {
		if !strings.Contains(f, "Batch_Failure_Report_") {
			out = append(out, f)
		}
	}
	return out
}

// cancellingSink cancels the batch right after a file whose name contains
// match is written.
type cancellingSink struct {
	Sink
	match  string
	cancel func()
}

func (s cancellingSink) Save(ctx context.Context, data []byte, filename, folder string, policy sink.ConflictPolicy) (string, error) {
	path, err := s.Sink.Save(ctx, data, filename, folder, policy)
	if err == nil && strings.Contains(filename, s.match) {
		s.cancel()
	}
	return path, err
}

func TestRun_CancelAfterSaveCountsItem(t *testing.T) {
	h := newHarness(t, items(3), &scriptRetriever{}, fixedGate{visible: true})
	h.orch.deps.Sink = cancellingSink{
		Sink:   h.orch.deps.Sink,
		match:  "_2_Topic_2",
		cancel: func() { h.orch.Cancel(context.Background()) },
	}

	require.NoError(t, h.orch.Run(context.Background(), StartRequest{Count: 3, Options: opts}))

	st := h.orch.State()
	assert.Equal(t, StatusPaused, st.Status)
	assert.Equal(t, PauseCancelled, st.PauseReason)
	assert.Equal(t, 2, st.NextIndex)
	assert.Equal(t, 2, st.SuccessCount)
	assert.Len(t, st.UsedFilenames, 2)

	require.NoError(t, h.orch.RunResume(context.Background()))
	st = h.orch.State()
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 3, st.SuccessCount)
	assert.Equal(t, []string{"conv00001", "conv00002", "conv00003"}, h.ret.calls)
	assert.Equal(t, []string{
		"Exports/alice@example.com/2024/2024-03-10_08-30-00_1_Topic_1.html",
		"Exports/alice@example.com/2024/2024-03-10_08-30-00_2_Topic_2.html",
		"Exports/alice@example.com/2024/2024-03-10_08-30-00_3_Topic_3.html",
	}, h.exported(t))
}

func TestRun_CancelBeforeSaveWritesNothing(t *testing.T) {
	ret := &scriptRetriever{}
	h := newHarness(t, items(2), ret, fixedGate{visible: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := &State{Options: opts, Items: items(2)}

	_, _, err := h.orch.export(ctx, st, 0, st.Items[0])
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.exported(t))
	assert.Empty(t, st.UsedFilenames)
}

func TestRun_ResumeAtEveryItemMatchesUninterruptedRun(t *testing.T) {
	const n = 6
	descs := items(n)

	straight := newHarness(t, descs, mixedRetriever(), fixedGate{visible: true})
	require.NoError(t, straight.orch.Run(context.Background(), StartRequest{Count: n, Options: opts}))
	want := straight.orch.State()
	require.Equal(t, StatusCompleted, want.Status)
	require.Equal(t, 3, want.SuccessCount)
	require.Equal(t, 2, want.FailureCount)
	require.Equal(t, 1, want.SkippedCount)

	ret := mixedRetriever()
	h := newHarness(t, descs, ret, fixedGate{visible: true})
	for i, d := range descs {
		ret.mu.Lock()
		ret.block = d.ID
		ret.mu.Unlock()
		if i == 0 {
			require.NoError(t, h.orch.Start(context.Background(), StartRequest{Count: n, Options: opts}))
		} else {
			require.NoError(t, h.orch.Resume(context.Background()))
		}
		require.Equal(t, d.ID, <-ret.started)
		h.orch.Cancel(context.Background())
		h.orch.Wait()

		saved, err := h.store.Load(context.Background())
		require.NoError(t, err)
		require.NotNil(t, saved, "cancel at %s", d.ID)
		assert.Equal(t, StatusPaused, saved.Status)
		assert.Equal(t, PauseCancelled, saved.PauseReason)
		assert.Equal(t, i, saved.NextIndex, "cancel at %s", d.ID)
		assert.Equal(t, i, saved.Processed(), "cancel at %s", d.ID)
	}
	ret.mu.Lock()
	ret.block = ""
	ret.mu.Unlock()
	require.NoError(t, h.orch.RunResume(context.Background()))

	got := h.orch.State()
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, want.SuccessCount, got.SuccessCount)
	assert.Equal(t, want.FailureCount, got.FailureCount)
	assert.Equal(t, want.SkippedCount, got.SkippedCount)
	assert.Equal(t, summarize(want.Failures), summarize(got.Failures))
	assert.Equal(t, want.UsedFilenames, got.UsedFilenames)

	wantFiles, gotFiles := straight.exported(t), h.exported(t)
	assert.Equal(t, conversationFiles(wantFiles), conversationFiles(gotFiles))
	assert.Len(t, gotFiles, len(wantFiles))
}

// visibleGate reports visible for the first n waits and hidden afterwards.
type visibleGate struct {
	mu    sync.Mutex
	n     int
	waits int
}

func (g *visibleGate) Wait(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.waits++
	return g.waits <= g.n, nil
}

func TestRun_HiddenGatePauses(t *testing.T) {
	h := newHarness(t, items(2), &scriptRetriever{}, fixedGate{visible: false})
	require.NoError(t, h.orch.Run(context.Background(), StartRequest{Count: 2, Options: opts}))

	st := h.orch.State()
	assert.Equal(t, StatusPaused, st.Status)
	assert.Equal(t, PauseHidden, st.PauseReason)
	assert.Equal(t, 0, st.NextIndex)
	assert.True(t, h.debug.has("batch_paused_hidden_tab"))
	assert.Empty(t, h.ret.calls)
}

func TestRun_HiddenGatePausesMidBatch(t *testing.T) {
	h := newHarness(t, items(5), &scriptRetriever{}, &visibleGate{n: 2})
	require.NoError(t, h.orch.Run(context.Background(), StartRequest{Count: 5, Options: opts}))

	st := h.orch.State()
	assert.Equal(t, StatusPaused, st.Status)
	assert.Equal(t, PauseHidden, st.PauseReason)
	assert.Equal(t, 2, st.NextIndex)
	assert.Equal(t, 2, st.SuccessCount)
	assert.Equal(t, 0, st.FailureCount+st.SkippedCount)
	assert.Equal(t, []string{"conv00001", "conv00002"}, h.ret.calls)

	saved, err := h.store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, StatusPaused, saved.Status)
	assert.Equal(t, PauseHidden, saved.PauseReason)
	assert.Equal(t, 2, saved.NextIndex)
	assert.Equal(t, 2, saved.SuccessCount)
	assert.Equal(t, st.UsedFilenames, saved.UsedFilenames)
	assert.Len(t, h.exported(t), 2)
	assert.True(t, h.debug.has("batch_paused_hidden_tab"))
}

func TestRun_EmptyConversationFails(t *testing.T) {
	ret := &scriptRetriever{empty: map[string]bool{"conv00001": true}}
	h := newHarness(t, items(2), ret, fixedGate{visible: true})
	require.NoError(t, h.orch.Run(context.Background(), StartRequest{Options: opts}))

	st := h.orch.State()
	assert.Equal(t, 1, st.FailureCount)
	assert.Equal(t, 1, st.SuccessCount)
	require.Len(t, st.Failures, 1)
	assert.Equal(t, ReasonEmpty, st.Failures[0].ReasonCode)
	assert.Equal(t, KindError, st.Failures[0].Kind)
}

func TestRun_PanicIsInternalIterationError(t *testing.T) {
	ret := &scriptRetriever{panics: map[string]bool{"conv00001": true}}
	h := newHarness(t, items(2), ret, fixedGate{visible: true})
	require.NoError(t, h.orch.Run(context.Background(), StartRequest{Options: opts}))

	st := h.orch.State()
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 1, st.FailureCount)
	assert.Equal(t, 1, st.SuccessCount)
	assert.Equal(t, KindInternalIteration, st.Failures[0].Kind)
	assert.Equal(t, ReasonInternalBatch, st.Failures[0].ReasonCode)
	assert.True(t, h.debug.has("internal_iteration_error"))
}

func TestRun_DuplicateTitlesGetUniqueNames(t *testing.T) {
	descs := []conversation.Descriptor{
		{ID: "dupaaaaa1", Title: "Same"},
		{ID: "dupaaaaa2", Title: "Same"},
		{ID: "dupaaaaa3", Title: "Same"},
	}
	h := newHarness(t, descs, &scriptRetriever{}, fixedGate{visible: true})
	require.NoError(t, h.orch.Run(context.Background(), StartRequest{Options: opts}))

	files := h.exported(t)
	require.Len(t, files, 3)
	seen := map[string]bool{}
	for _, f := range files {
		assert.False(t, seen[f])
		seen[f] = true
	}
	assert.Len(t, h.orch.State().UsedFilenames, 3)
}

func TestStart_ExistingCheckpoint(t *testing.T) {
	h := newHarness(t, items(2), &scriptRetriever{}, fixedGate{visible: true})
	paused := &State{Version: StateVersion, Status: StatusPaused, Items: items(5), NextIndex: 2, SuccessCount: 2}
	require.NoError(t, h.store.Save(context.Background(), paused))

	err := h.orch.Run(context.Background(), StartRequest{Options: opts})
	assert.True(t, errors.Is(err, ErrCheckpointExists))

	require.NoError(t, h.orch.Run(context.Background(), StartRequest{Options: opts, Replace: true}))
	assert.Equal(t, 2, h.orch.State().SuccessCount)
}

func TestCancel_IdleCheckpoint(t *testing.T) {
	h := newHarness(t, items(2), &scriptRetriever{}, fixedGate{visible: true})
	assert.False(t, h.orch.Cancel(context.Background()), "nothing to cancel")

	running := &State{Version: StateVersion, Status: StatusRunning, Items: items(3), NextIndex: 1, SuccessCount: 1}
	require.NoError(t, h.store.Save(context.Background(), running))
	assert.True(t, h.orch.Cancel(context.Background()))

	saved, _ := h.store.Load(context.Background())
	assert.Equal(t, StatusPaused, saved.Status)
	assert.Equal(t, PauseCancelled, saved.PauseReason)
	assert.Equal(t, StatusPaused, h.orch.Status().Status)
}

func TestResume_NoCheckpoint(t *testing.T) {
	h := newHarness(t, items(1), &scriptRetriever{}, fixedGate{visible: true})
	assert.True(t, errors.Is(h.orch.RunResume(context.Background()), ErrNoCheckpoint))
}

func TestRun_CollectorError(t *testing.T) {
	h := newHarness(t, nil, &scriptRetriever{}, fixedGate{visible: true})
	h.orch.deps.Collector = listCollector{err: collector.ErrNoConversations}
	err := h.orch.Run(context.Background(), StartRequest{Options: opts})
	assert.True(t, errors.Is(err, collector.ErrNoConversations))
	st, _ := h.store.Load(context.Background())
	assert.Nil(t, st)
}

func TestStart_RejectsConcurrentRun(t *testing.T) {
	ret := &scriptRetriever{block: "conv00001", started: make(chan string, 1)}
	h := newHarness(t, items(2), ret, fixedGate{visible: true})
	require.NoError(t, h.orch.Start(context.Background(), StartRequest{Options: opts}))
	<-ret.started
	assert.True(t, errors.Is(h.orch.Start(context.Background(), StartRequest{Options: opts}), ErrAlreadyRunning))
	status := h.orch.Status()
	assert.True(t, status.Running)
	assert.Equal(t, 2, status.TotalCount)
	h.orch.Cancel(context.Background())
	h.orch.Wait()
}
