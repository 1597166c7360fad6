// Package notion wraps the Notion API for the outreach lead queue.
package notion

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client is the slice of the Notion API the lead queue reads and writes.
type Client interface {
	QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
	UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error)
}

// ClientOption configures the Notion client.
type ClientOption func(*queueClient)

// WithRateLimit overrides the default 3 req/s. Zero or less disables throttling.
func WithRateLimit(rps float64) ClientOption {
	return func(c *queueClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
	}
}

// WithRetries sets how many times a throttled or conflicting call is
// repeated and the pause between attempts.
func WithRetries(n int, wait time.Duration) ClientOption {
	return func(c *queueClient) {
		c.retries = max(n, 0)
		c.retryWait = wait
	}
}

type queueClient struct {
	inner     *notionapi.Client
	limiter   *rate.Limiter
	retries   int
	retryWait time.Duration
}

// NewClient returns a Client authenticated with an integration token.
func NewClient(token string, opts ...ClientOption) Client {
	c := &queueClient{
		inner:     notionapi.NewClient(notionapi.Token(token)),
		limiter:   rate.NewLimiter(3, 1),
		retries:   2,
		retryWait: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *queueClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	var resp *notionapi.DatabaseQueryResponse
	err := c.call(ctx, func() error {
		var err error
		resp, err = c.inner.Database.Query(ctx, notionapi.DatabaseID(dbID), req)
		return err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "notion: query database %s", dbID)
	}
	return resp, nil
}

func (c *queueClient) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	var page *notionapi.Page
	err := c.call(ctx, func() error {
		var err error
		page, err = c.inner.Page.Update(ctx, notionapi.PageID(pageID), req)
		return err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "notion: update page %s", pageID)
	}
	return page, nil
}

// call runs fn under the limiter, repeating it while Notion reports a
// retryable status.
func (c *queueClient) call(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return eris.Wrap(err, "rate limit")
			}
		}
		err := fn()
		if err == nil || attempt >= c.retries || !Retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryWait):
		}
	}
}

// Retryable reports whether err is a Notion API error worth repeating:
// rate limiting, edit conflicts and server-side failures.
func Retryable(err error) bool {
	var apiErr *notionapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	switch {
	case apiErr.Status == http.StatusTooManyRequests, apiErr.Status == http.StatusConflict:
		return true
	case apiErr.Status >= http.StatusInternalServerError:
		return true
	}
	return false
}
