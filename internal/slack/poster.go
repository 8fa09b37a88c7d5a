package slack

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/MikeSquared-Agency/threadexport/internal/batch"
)

const defaultPostMessageURL = "https://slack.com/api/chat.postMessage"

type Poster struct {
	token   string
	channel string
	account string
	client  *http.Client
	logger  *slog.Logger
	apiURL  string
}

func NewPoster(token, channel, account string, logger *slog.Logger) *Poster {
	return &Poster{
		token:   token,
		channel: channel,
		account: account,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  defaultPostMessageURL,
		logger:  logger,
	}
}

// BatchFinished implements batch.Notifier. Errors are logged.
func (p *Poster) BatchFinished(ctx context.Context, st batch.Status) {
	ts, err := p.PostBatchSummary(ctx, st)
	if err != nil {
		p.logger.Warn("slack batch summary failed", "error", err)
		return
	}
	if st.Status == batch.StatusCompleted && st.FailureCount+st.SkippedCount > 0 {
		note := fmt.Sprintf("%d conversations were not exported. A failure report was saved in the %s folder.",
			st.FailureCount+st.SkippedCount, batch.SanitizeSegment(p.account))
		if err := p.PostThread(ctx, ts, note); err != nil {
			p.logger.Warn("slack thread reply failed", "error", err)
		}
	}
}

// PostBatchSummary posts the batch outcome and returns the message timestamp.
func (p *Poster) PostBatchSummary(ctx context.Context, st batch.Status) (string, error) {
	text := formatBatchMessage(st, p.account)

	body, err := json.Marshal(map[string]any{
		"channel": p.channel,
		"text":    text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": text,
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal slack payload: %w", err)
	}

	respBody, err := p.post(ctx, body)
	if err != nil {
		return "", err
	}

	var slackResp struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err != nil {
		return "", fmt.Errorf("parse slack response: %w", err)
	}
	if !slackResp.OK {
		return "", fmt.Errorf("slack error: %s", slackResp.Error)
	}

	p.logger.Info("posted batch summary to slack", "ts", slackResp.TS, "run_id", st.RunID)
	return slackResp.TS, nil
}

// PostThread posts a threaded reply to a message.
func (p *Poster) PostThread(ctx context.Context, threadTS, text string) error {
	body, err := json.Marshal(map[string]any{
		"channel":   p.channel,
		"thread_ts": threadTS,
		"text":      text,
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	_, err = p.post(ctx, body)
	return err
}

func (p *Poster) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return respBody, nil
}

func formatBatchMessage(st batch.Status, account string) string {
	var sb strings.Builder

	switch st.Status {
	case batch.StatusCompleted:
		sb.WriteString("*Chat export batch completed*\n")
	case batch.StatusPaused:
		fmt.Fprintf(&sb, "*Chat export batch paused* (%s)\n", pauseText(st.PauseReason))
	default:
		fmt.Fprintf(&sb, "*Chat export batch %s*\n", st.Status)
	}
	if account != "" {
		fmt.Fprintf(&sb, "*Account:* %s\n", account)
	}
	fmt.Fprintf(&sb, "*Progress:* %d/%d\n", st.NextIndex, st.TotalCount)
	fmt.Fprintf(&sb, "Exported: %d | Failed: %d | Skipped: %d", st.SuccessCount, st.FailureCount, st.SkippedCount)
	if st.Status == batch.StatusPaused {
		sb.WriteString("\n_Resume with `threadexport resume`._")
	}
	return sb.String()
}

func pauseText(r batch.PauseReason) string {
	switch r {
	case batch.PauseCancelled:
		return "cancelled by user"
	case batch.PauseHidden:
		return "page stayed hidden"
	case batch.PauseCrashed:
		return "crashed"
	}
	return string(r)
}

var _ batch.Notifier = (*Poster)(nil)
