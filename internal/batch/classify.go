package batch

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/MikeSquared-Agency/threadexport/internal/conversation"
	"github.com/MikeSquared-Agency/threadexport/internal/remote"
	"github.com/MikeSquared-Agency/threadexport/internal/retriever"
)

// ReasonCode is the stable machine label of a failure.
type ReasonCode string

const (
	ReasonNotFound      ReasonCode = "thread_not_found"
	ReasonRateLimited   ReasonCode = "rate_limited"
	ReasonTimeout       ReasonCode = "timeout_or_abort"
	ReasonStorage       ReasonCode = "download_or_storage_error"
	ReasonEmpty         ReasonCode = "empty_or_unparsed_thread"
	ReasonNavigation    ReasonCode = "navigation_or_dom_fallback_error"
	ReasonInternalBatch ReasonCode = "internal_batch_iteration_error"
	ReasonUnknown       ReasonCode = "unknown_error"
)

var reasonDetails = map[ReasonCode]string{
	ReasonNotFound:      "Conversation was not found by endpoint (404), ID invalid, or unavailable in the current context.",
	ReasonRateLimited:   "Requests were rate-limited. Retry later with backoff.",
	ReasonTimeout:       "Response timed out or the request was aborted.",
	ReasonStorage:       "Error while creating or saving the export file.",
	ReasonEmpty:         "Conversation was read but contained no usable messages.",
	ReasonNavigation:    "Navigation to the conversation or the page fallback did not settle.",
	ReasonInternalBatch: "Internal error during batch iteration.",
	ReasonUnknown:       "Error could not be classified.",
}

// Detail returns the human explanation of a reason code.
func (r ReasonCode) Detail() string {
	if d, ok := reasonDetails[r]; ok {
		return d
	}
	return reasonDetails[ReasonUnknown]
}

// ErrExport wraps render and save failures of an export file.
var ErrExport = errors.New("export file could not be written")

// Classify maps a failure onto a reason code. Typed errors are matched
// first; message heuristics cover errors that crossed the page bridge as
// plain text.
func Classify(kind FailureKind, err error) (ReasonCode, string) {
	code := classify(kind, err)
	return code, code.Detail()
}

func classify(kind FailureKind, err error) ReasonCode {
	switch {
	case kind == KindNotFound:
		return ReasonNotFound
	case kind == KindInternalIteration:
		return ReasonInternalBatch
	case err == nil:
		return ReasonUnknown
	case errors.Is(err, remote.ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, remote.ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ReasonTimeout
	case errors.Is(err, ErrExport):
		return ReasonStorage
	case errors.Is(err, conversation.ErrEmptyConversation):
		return ReasonEmpty
	case errors.Is(err, retriever.ErrNavigation):
		return ReasonNavigation
	}
	var se *remote.StatusError
	if errors.As(err, &se) {
		return statusReason(se.Status)
	}

	msg := strings.ToLower(identifierRe.ReplaceAllString(err.Error(), " "))
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}
	switch {
	case has("404", "not found"):
		return ReasonNotFound
	case has("429", "rate limit", "too many requests"):
		return ReasonRateLimited
	case has("timeout", "timed out", "abort", "deadline exceeded"):
		return ReasonTimeout
	case has("download", "blob", "storage", "quota", "disk"):
		return ReasonStorage
	case has("empty", "no messages", "no exportable"):
		return ReasonEmpty
	case has("navigation", "dom fallback"):
		return ReasonNavigation
	case has("internal_iteration_error"):
		return ReasonInternalBatch
	}
	return ReasonUnknown
}

// identifierRe matches paths, URLs and id-like tokens so digits inside a
// conversation id never read as a status code.
var identifierRe = regexp.MustCompile(`\S*/\S*|[A-Za-z0-9_-]*(?:[0-9][A-Za-z0-9_-]*[A-Za-z_-]|[A-Za-z_-][A-Za-z0-9_-]*[0-9])[A-Za-z0-9_-]*|[0-9]{5,}`)

func statusReason(status int) ReasonCode {
	switch status {
	case 404:
		return ReasonNotFound
	case 429:
		return ReasonRateLimited
	case 408, 504:
		return ReasonTimeout
	}
	return ReasonUnknown
}

// failureKind picks the coarse kind for a retrieval or export error.
func failureKind(err error) FailureKind {
	if errors.Is(err, remote.ErrNotFound) {
		return KindNotFound
	}
	return KindError
}
