// Package slack is a hand-rolled client for the handful of Slack Web API
// methods the reconciliation engine needs. It hides pagination, rate
// limiting, and structured-text extraction behind a small surface so the
// engine only thinks in message timestamps.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL         = "https://slack.com/api"
	historyPageSize        = 100
	maxRateLimitRetries    = 3
	fallbackRetryDelay     = time.Second
	defaultMaxScanned      = 500
	defaultLookupCacheSize = 100
	defaultRatePerSec      = 1
)

// Options tunes a Client. Zero values fall back to defaults.
type Options struct {
	// BaseURL overrides the Slack API root, used by tests.
	BaseURL string
	// LookupCacheSize bounds the key -> message-ts LRU (default 100).
	LookupCacheSize int
	// RatePerSec paces outbound calls client-side (default 1/s, the
	// Slack tier-3 budget). Rate-limit responses are retried regardless.
	RatePerSec float64
	// HTTPClient overrides the transport, used by tests.
	HTTPClient *http.Client
}

// Client talks to the Slack Web API with rate-limit-aware retry on every
// call and an LRU cache short-circuiting repeated anchor scans.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	limiter *rate.Limiter
	lookups *lru.Cache[string, string]
	log     zerolog.Logger

	// sleep is swapped out by tests to observe retry waits.
	sleep func(context.Context, time.Duration) error
}

// NewClient builds a Client authenticating with the given bot token.
func NewClient(token string, logger zerolog.Logger, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.LookupCacheSize <= 0 {
		opts.LookupCacheSize = defaultLookupCacheSize
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = defaultRatePerSec
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	cache, _ := lru.New[string, string](opts.LookupCacheSize)

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   token,
		httpc:   httpc,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), 5),
		lookups: cache,
		log:     logger,
		sleep:   sleepCtx,
	}
}

// PostMessage creates a message in channel and returns its timestamp. A
// non-empty threadTS posts it as a threaded reply.
func (c *Client) PostMessage(ctx context.Context, channel, body, threadTS string) (string, error) {
	payload := map[string]any{
		"channel":      channel,
		"text":         body,
		"unfurl_links": false,
	}
	if threadTS != "" {
		payload["thread_ts"] = threadTS
	}
	api, err := c.callAPI(ctx, "chat.postMessage", nil, payload)
	if err != nil {
		return "", err
	}
	c.log.Debug().Str("channel", channel).Str("ts", api.TS).Str("thread_ts", threadTS).Msg("posted message")
	return api.TS, nil
}

// UpdateMessage edits an existing message in place and returns its
// timestamp.
func (c *Client) UpdateMessage(ctx context.Context, channel, ts, body string) (string, error) {
	payload := map[string]any{
		"channel": channel,
		"ts":      ts,
		"text":    body,
	}
	api, err := c.callAPI(ctx, "chat.update", nil, payload)
	if err != nil {
		return "", err
	}
	c.log.Debug().Str("channel", channel).Str("ts", api.TS).Msg("updated message")
	return api.TS, nil
}

// FindOptions tunes a FindByAnchor scan.
type FindOptions struct {
	// MaxScanned caps how many channel messages are inspected before the
	// scan gives up (default 500). The cap trades completeness for API
	// quota: an anchor older than the scan window is reported as absent.
	MaxScanned int
	// IncludeThreads also scans the replies of any scanned message that
	// has them; a match inside a thread resolves to the parent.
	IncludeThreads bool
}

// FindByAnchor scans channel history newest-first for the first message
// whose decoded text contains any of the given anchors, and returns its
// timestamp. key identifies the work item for the lookup cache: a cache
// hit skips the scan entirely. Returns ErrNotFound when the scan window
// is exhausted without a match.
func (c *Client) FindByAnchor(ctx context.Context, key, channel string, anchors []string, opts FindOptions) (string, error) {
	if ts, ok := c.lookups.Get(key); ok {
		c.log.Debug().Str("key", key).Str("ts", ts).Msg("anchor lookup cache hit")
		return ts, nil
	}

	maxScanned := opts.MaxScanned
	if maxScanned <= 0 {
		maxScanned = defaultMaxScanned
	}

	scanned := 0
	cursor := ""
	for {
		q := url.Values{
			"channel": {channel},
			"limit":   {strconv.Itoa(minInt(historyPageSize, maxScanned-scanned))},
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		api, err := c.callAPI(ctx, "conversations.history", q, nil)
		if err != nil {
			return "", err
		}

		for _, m := range api.Messages {
			scanned++
			if containsAny(decodedText(m), anchors) {
				c.lookups.Add(key, m.TS)
				c.log.Info().Str("key", key).Str("ts", m.TS).Int("scanned", scanned).Msg("recovered message by anchor")
				return m.TS, nil
			}
			if opts.IncludeThreads && m.ReplyCount > 0 {
				replies, err := c.listReplies(ctx, channel, m.TS)
				if err != nil {
					return "", err
				}
				for _, r := range replies {
					if r.TS == m.TS {
						continue
					}
					if containsAny(decodedText(r), anchors) {
						// Thread matches resolve to the parent.
						c.lookups.Add(key, m.TS)
						c.log.Info().Str("key", key).Str("ts", m.TS).Msg("recovered message by thread anchor")
						return m.TS, nil
					}
				}
			}
			if scanned >= maxScanned {
				c.log.Debug().Str("key", key).Int("scanned", scanned).Msg("anchor scan window exhausted")
				return "", ErrNotFound
			}
		}

		if !api.HasMore || api.ResponseMetadata.NextCursor == "" {
			return "", ErrNotFound
		}
		cursor = api.ResponseMetadata.NextCursor
	}
}

// FindReplyByFragment scans the replies of parentTS for the first one
// whose decoded text contains fragment, and returns that reply's own
// timestamp (never the parent's). Returns ErrNotFound when the thread has
// no matching reply.
func (c *Client) FindReplyByFragment(ctx context.Context, channel, parentTS, fragment string) (string, error) {
	replies, err := c.listReplies(ctx, channel, parentTS)
	if err != nil {
		return "", err
	}
	for _, r := range replies {
		if r.TS == parentTS {
			continue
		}
		if strings.Contains(decodedText(r), fragment) {
			return r.TS, nil
		}
	}
	return "", ErrNotFound
}

// ValidateChannel probes that the channel exists and is visible to the
// bot. It is a startup liveness check: failure is reported, not fatal.
func (c *Client) ValidateChannel(ctx context.Context, channel string) bool {
	_, err := c.callAPI(ctx, "conversations.info", url.Values{"channel": {channel}}, nil)
	if err != nil {
		c.log.Warn().Str("channel", channel).Err(err).Msg("channel validation failed")
		return false
	}
	return true
}

func (c *Client) listReplies(ctx context.Context, channel, parentTS string) ([]Message, error) {
	var all []Message
	cursor := ""
	for {
		q := url.Values{
			"channel": {channel},
			"ts":      {parentTS},
			"limit":   {strconv.Itoa(historyPageSize)},
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		api, err := c.callAPI(ctx, "conversations.replies", q, nil)
		if err != nil {
			return nil, err
		}
		all = append(all, api.Messages...)
		if !api.HasMore || api.ResponseMetadata.NextCursor == "" {
			return all, nil
		}
		cursor = api.ResponseMetadata.NextCursor
	}
}

type apiResponse struct {
	OK               bool      `json:"ok"`
	Error            string    `json:"error"`
	TS               string    `json:"ts"`
	Channel          string    `json:"channel"`
	HasMore          bool      `json:"has_more"`
	Messages         []Message `json:"messages"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// callAPI performs one Web API call with the rate-limit retry policy: a
// 429 response is retried after the transport-provided delay (1s when
// absent or malformed), at most maxRateLimitRetries times. Every other
// failure propagates immediately.
func (c *Client) callAPI(ctx context.Context, method string, q url.Values, payload any) (*apiResponse, error) {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Method: method, Err: err}
		}

		status, header, body, err := c.doRequest(ctx, method, q, payload)
		if err != nil {
			return nil, &TransportError{Method: method, Err: err}
		}

		if status == http.StatusTooManyRequests {
			if attempt >= maxRateLimitRetries {
				return nil, &TransportError{Method: method, StatusCode: status, APIError: "ratelimited"}
			}
			delay := retryDelay(header)
			c.log.Warn().Str("method", method).Dur("delay", delay).Int("attempt", attempt+1).Msg("rate limited, backing off")
			if err := c.sleep(ctx, delay); err != nil {
				return nil, &TransportError{Method: method, Err: err}
			}
			continue
		}

		var api apiResponse
		if err := json.Unmarshal(body, &api); err != nil {
			return nil, &TransportError{Method: method, StatusCode: status, Err: fmt.Errorf("decoding response: %w", err)}
		}
		if !api.OK {
			return nil, &TransportError{Method: method, StatusCode: status, APIError: api.Error}
		}
		return &api, nil
	}
}

func (c *Client) doRequest(ctx context.Context, method string, q url.Values, payload any) (int, http.Header, []byte, error) {
	endpoint := c.baseURL + "/" + method

	var req *http.Request
	var err error
	if payload != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			return 0, nil, nil, err
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
		if err == nil {
			req.Header.Set("Content-Type", "application/json; charset=utf-8")
		}
	} else {
		if len(q) > 0 {
			endpoint += "?" + q.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, body, nil
}

// retryDelay reads the transport-provided Retry-After, falling back to
// one second when it is absent or malformed.
func retryDelay(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return fallbackRetryDelay
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return fallbackRetryDelay
	}
	return time.Duration(secs) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
