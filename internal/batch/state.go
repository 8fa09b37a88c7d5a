package batch

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MikeSquared-Agency/threadexport/internal/conversation"
)

const (
	StateVersion     = 1
	StateTTL         = 7 * 24 * time.Hour
	MaxFailures      = 5000
	MaxUsedFilenames = 20000
	MaxDebugEvents   = 1200
)

// RunStatus is the lifecycle position of a batch.
type RunStatus string

const (
	StatusIdle      RunStatus = "idle"
	StatusRunning   RunStatus = "running"
	StatusPaused    RunStatus = "paused"
	StatusCompleted RunStatus = "completed"
)

// PauseReason records why a batch stopped before completing.
type PauseReason string

const (
	PauseNone      PauseReason = ""
	PauseCancelled PauseReason = "user_cancelled"
	PauseHidden    PauseReason = "hidden_tab_timeout"
	PauseCrashed   PauseReason = "crashed"
)

// FolderGranularity selects the date depth of export folders.
type FolderGranularity string

const (
	FolderByYear  FolderGranularity = "year"
	FolderByMonth FolderGranularity = "month"
)

// FailureKind is the coarse outcome of a failed item.
type FailureKind string

const (
	KindNotFound          FailureKind = "not_found"
	KindInternalIteration FailureKind = "internal_iteration_error"
	KindError             FailureKind = "error"
)

type Options struct {
	AccountName       string            `json:"account_name"`
	FolderGranularity FolderGranularity `json:"folder_granularity"`
	DebugLogEnabled   bool              `json:"debug_log_enabled"`
	DebugLogFilename  string            `json:"debug_log_filename,omitempty"`
}

type FailureEntry struct {
	Position     int         `json:"position"`
	Kind         FailureKind `json:"kind"`
	ReasonCode   ReasonCode  `json:"reason_code"`
	ReasonDetail string      `json:"reason_detail"`
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Error        string      `json:"error"`
	At           time.Time   `json:"at"`
}

type DebugEvent struct {
	ID             string     `json:"id"`
	At             time.Time  `json:"at"`
	Level          string     `json:"level"`
	Code           string     `json:"code"`
	Message        string     `json:"message"`
	Position       int        `json:"position,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Title          string     `json:"title,omitempty"`
	ReasonCode     ReasonCode `json:"reason_code,omitempty"`
	ReasonDetail   string     `json:"reason_detail,omitempty"`
	Error          string     `json:"error,omitempty"`
	Trigger        string     `json:"trigger,omitempty"`
}

// State is the persisted record of one batch run. Only the orchestrator
// mutates it; everyone else works on clones.
type State struct {
	Version        int                       `json:"version"`
	RunID          string                    `json:"run_id"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
	Status         RunStatus                 `json:"status"`
	PauseReason    PauseReason               `json:"pause_reason,omitempty"`
	RequestedCount int                       `json:"requested_count"`
	NextIndex      int                       `json:"next_index"`
	SuccessCount   int                       `json:"success_count"`
	FailureCount   int                       `json:"failure_count"`
	SkippedCount   int                       `json:"skipped_count"`
	Failures       []FailureEntry            `json:"failures"`
	UsedFilenames  []string                  `json:"used_filenames"`
	DebugEvents    []DebugEvent              `json:"debug_events"`
	Options        Options                   `json:"options"`
	Items          []conversation.Descriptor `json:"items"`

	LastDebugFlushAt       time.Time `json:"last_debug_flush_at,omitempty"`
	LastDebugFlushProgress int       `json:"last_debug_flush_progress,omitempty"`

	used map[string]bool
}

var ErrInvalidState = errors.New("invalid batch state")

// Validate checks the structural invariants of a state record.
func (s *State) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
	}
	if s == nil {
		return invalid("nil state")
	}
	if s.Version != StateVersion {
		return invalid("version %d, want %d", s.Version, StateVersion)
	}
	switch s.Status {
	case StatusRunning, StatusPaused, StatusCompleted:
	default:
		return invalid("status %q", s.Status)
	}
	if len(s.Items) == 0 {
		return invalid("no items")
	}
	seen := make(map[string]bool, len(s.Items))
	for i, d := range s.Items {
		if d.ID == "" {
			return invalid("item %d has no id", i)
		}
		if seen[d.ID] {
			return invalid("duplicate item id %s", d.ID)
		}
		seen[d.ID] = true
	}
	if s.NextIndex < 0 || s.NextIndex > len(s.Items) {
		return invalid("next index %d out of range", s.NextIndex)
	}
	if s.SuccessCount < 0 || s.FailureCount < 0 || s.SkippedCount < 0 {
		return invalid("negative counter")
	}
	if s.Processed() > len(s.Items) {
		return invalid("processed %d exceeds %d items", s.Processed(), len(s.Items))
	}
	if s.Status == StatusCompleted && s.NextIndex != len(s.Items) {
		return invalid("completed at index %d of %d", s.NextIndex, len(s.Items))
	}
	return nil
}

// Processed is the number of items with a recorded outcome.
func (s *State) Processed() int {
	return s.SuccessCount + s.FailureCount + s.SkippedCount
}

// Resumable reports whether work remains.
func (s *State) Resumable() bool {
	return s != nil && (s.Status == StatusRunning || s.Status == StatusPaused) && s.NextIndex < len(s.Items)
}

// Expired reports whether the record is too old to resume.
func (s *State) Expired(now time.Time) bool {
	return now.Sub(s.UpdatedAt) > StateTTL
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Failures = slices.Clone(s.Failures)
	c.UsedFilenames = slices.Clone(s.UsedFilenames)
	c.DebugEvents = slices.Clone(s.DebugEvents)
	c.Items = make([]conversation.Descriptor, len(s.Items))
	for i, d := range s.Items {
		c.Items[i] = cloneDescriptor(d)
	}
	c.used = nil
	return &c
}

func cloneDescriptor(d conversation.Descriptor) conversation.Descriptor {
	if d.CreateTime != nil {
		t := *d.CreateTime
		d.CreateTime = &t
	}
	if d.UpdateTime != nil {
		t := *d.UpdateTime
		d.UpdateTime = &t
	}
	return d
}

// AddFailure appends an entry, keeping the newest MaxFailures.
func (s *State) AddFailure(e FailureEntry) {
	s.Failures = append(s.Failures, e)
	if n := len(s.Failures) - MaxFailures; n > 0 {
		s.Failures = slices.Delete(s.Failures, 0, n)
	}
}

// FilenameUsed reports whether path was already written by this batch.
func (s *State) FilenameUsed(path string) bool {
	if s.used == nil {
		s.used = make(map[string]bool, len(s.UsedFilenames))
		for _, p := range s.UsedFilenames {
			s.used[p] = true
		}
	}
	return s.used[path]
}

// UseFilename records path, keeping the newest MaxUsedFilenames.
func (s *State) UseFilename(path string) {
	if s.FilenameUsed(path) {
		return
	}
	s.UsedFilenames = append(s.UsedFilenames, path)
	s.used[path] = true
	if n := len(s.UsedFilenames) - MaxUsedFilenames; n > 0 {
		for _, p := range s.UsedFilenames[:n] {
			delete(s.used, p)
		}
		s.UsedFilenames = slices.Delete(s.UsedFilenames, 0, n)
	}
}

// AppendDebug adds an event to the bounded ring.
func (s *State) AppendDebug(ev DebugEvent) {
	s.DebugEvents = append(s.DebugEvents, ev)
	if n := len(s.DebugEvents) - MaxDebugEvents; n > 0 {
		s.DebugEvents = slices.Delete(s.DebugEvents, 0, n)
	}
}
