package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MikeSquared-Agency/threadexport/internal/payload"
)

// retryState is shared between an attempt and the backoff that follows it.
type retryState struct {
	attempt     int
	rateLimited bool
}

// backoff grows exponentially from base; after a 429 it switches to the
// rate-limit schedule capped at RateLimitMax.
func (c *Client) backoff(st *retryState, base, spread time.Duration, attempts int) retry.Backoff {
	b := retry.BackoffFunc(func() (time.Duration, bool) {
		n := max(1, st.attempt)
		if st.rateLimited {
			d := min(c.cfg.RateLimitMax, c.cfg.RateLimitBase<<(n-1))
			return d + jitter(c.cfg.RateLimitJitter), false
		}
		return base<<(n-1) + jitter(spread), false
	})
	return retry.WithMaxRetries(uint64(max(0, attempts-1)), b)
}

// FetchConversation loads and decodes the detail payload for id. Each attempt
// walks every endpoint variant; when all of them answer 404 on a first pass
// the conversation is reported as ErrNotFound without further retries.
func (c *Client) FetchConversation(ctx context.Context, id string) (any, error) {
	ctx, span := c.tracer.Start(ctx, "remote.FetchConversation", trace.WithAttributes(attribute.String("conversation_id", id)))
	defer span.End()

	st := &retryState{}
	sawOther := false
	var body any
	err := retry.Do(ctx, c.backoff(st, c.cfg.RetryBase, c.cfg.RetryJitter, c.cfg.MaxAttempts), func(ctx context.Context) error {
		st.attempt++
		st.rateLimited = false
		if st.attempt > 1 {
			c.logger.Info("retrying conversation fetch", "conversation_id", id, "attempt", st.attempt)
		}

		var lastErr error
		all404 := true
		for _, path := range ConversationPaths(id) {
			resp, err := c.Get(ctx, path, c.cfg.ItemTimeout)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				lastErr, all404 = err, false
				break
			}
			if resp.OK() {
				v, err := payload.Decode(resp.Body)
				if err != nil {
					lastErr, all404 = fmt.Errorf("%s: %w", path, err), false
					break
				}
				body = v
				return nil
			}
			serr := &StatusError{Status: resp.Status, Path: path, Via: resp.Via}
			if resp.Status == 404 {
				lastErr = serr
				continue
			}
			lastErr, all404 = serr, false
			if resp.Status == 429 {
				st.rateLimited = true
			}
			break
		}

		if all404 && !sawOther {
			return fmt.Errorf("fetch %s: %w", id, lastErr)
		}
		sawOther = true
		return retry.RetryableError(fmt.Errorf("fetch %s: %w", id, lastErr))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return body, nil
}

// FetchListPage loads one page of the conversation listing. A page that
// parses but holds no items is returned once an attempt completes.
func (c *Client) FetchListPage(ctx context.Context, offset, limit int) (any, error) {
	ctx, span := c.tracer.Start(ctx, "remote.FetchListPage", trace.WithAttributes(attribute.Int("offset", offset)))
	defer span.End()

	st := &retryState{}
	var result, lastEmpty any
	err := retry.Do(ctx, c.backoff(st, c.cfg.RetryBase, c.cfg.ListJitter, c.cfg.ListAttempts), func(ctx context.Context) error {
		st.attempt++
		var lastErr error
		for _, path := range ListPaths(offset, limit, c.cfg.ProjectID) {
			resp, err := c.Get(ctx, path, c.cfg.ListTimeout)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				lastErr = err
				continue
			}
			if !resp.OK() {
				lastErr = &StatusError{Status: resp.Status, Path: path, Via: resp.Via}
				continue
			}
			v, err := payload.Decode(resp.Body)
			if err != nil {
				lastErr = fmt.Errorf("%s: %w", path, err)
				continue
			}
			if len(payload.ParseListPage(v, offset, limit).Items) > 0 {
				result = v
				return nil
			}
			lastEmpty = v
		}
		if lastEmpty != nil {
			result = lastEmpty
			return nil
		}
		if lastErr == nil {
			lastErr = errors.New("no listing endpoint answered")
		}
		return retry.RetryableError(fmt.Errorf("list conversations at offset %d: %w", offset, lastErr))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}
