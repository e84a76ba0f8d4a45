package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewrelay/internal/engine"
	"github.com/reviewrelay/internal/format"
)

type fakeAggregator struct {
	mu    sync.Mutex
	keys  []string
	state format.State
	err   error
}

func (f *fakeAggregator) Aggregate(_ context.Context, key string) (format.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return f.state, f.err
}

type fakeNotifier struct {
	mu            sync.Mutex
	notifications []engine.Notification
	comments      []engine.CommentEvent
}

func (f *fakeNotifier) Notify(_ context.Context, n engine.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, n)
}

func (f *fakeNotifier) ProcessComment(_ context.Context, ev engine.CommentEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, ev)
}

const testSecret = "s3cret"

func signBody(body string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, h http.Handler, event, body string, signed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "d-1")
	if signed {
		req.Header.Set("X-Hub-Signature-256", signBody(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newTestServer() (*Server, *fakeAggregator, *fakeNotifier) {
	agg := &fakeAggregator{state: format.State{Title: "t", URL: "u", Author: "alice"}}
	eng := &fakeNotifier{}
	return NewServer(0, testSecret, agg, eng, zerolog.Nop()), agg, eng
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	assert.Eventually(t, cond, time.Second, 5*time.Millisecond)
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s, agg, _ := newTestServer()
	rec := postWebhook(t, s.Handler(), "pull_request", `{"action":"opened"}`, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, agg.keys)
}

func TestWebhookPullRequestDispatches(t *testing.T) {
	s, _, eng := newTestServer()
	body := `{"action":"opened","repository":{"full_name":"acme/widgets"},"pull_request":{"number":7}}`
	rec := postWebhook(t, s.Handler(), "pull_request", body, true)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	waitFor(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.notifications) == 1
	})
	eng.mu.Lock()
	defer eng.mu.Unlock()
	assert.Equal(t, "acme/widgets#7", eng.notifications[0].Key)
	assert.Equal(t, engine.EventLifecycle, eng.notifications[0].Event)
}

func TestWebhookReviewSubmitted(t *testing.T) {
	s, _, eng := newTestServer()
	body := `{"action":"submitted","repository":{"full_name":"acme/widgets"},"pull_request":{"number":7}}`
	postWebhook(t, s.Handler(), "pull_request_review", body, true)

	waitFor(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.notifications) == 1 && eng.notifications[0].Event == engine.EventReviewSubmitted
	})
}

func TestWebhookPRCommentDispatchesSideChannel(t *testing.T) {
	s, _, eng := newTestServer()
	body := `{
		"action": "created",
		"repository": {"full_name": "acme/widgets"},
		"issue": {"number": 7, "pull_request": {}},
		"comment": {"id": 991, "body": "urgent!", "html_url": "https://github.com/acme/widgets/pull/7#issuecomment-991", "user": {"login": "bob"}}
	}`
	postWebhook(t, s.Handler(), "issue_comment", body, true)

	waitFor(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.comments) == 1
	})
	eng.mu.Lock()
	defer eng.mu.Unlock()
	require.Len(t, eng.notifications, 1)
	assert.Equal(t, engine.EventCommentCreated, eng.notifications[0].Event)
	assert.Equal(t, int64(991), eng.comments[0].CommentID)
	assert.Equal(t, "bob", eng.comments[0].Author)
}

func TestWebhookIssueCommentWithoutPRIgnored(t *testing.T) {
	s, agg, _ := newTestServer()
	body := `{"action":"created","repository":{"full_name":"acme/widgets"},"issue":{"number":7},"comment":{"id":1,"body":"x"}}`
	rec := postWebhook(t, s.Handler(), "issue_comment", body, true)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	time.Sleep(20 * time.Millisecond)
	agg.mu.Lock()
	defer agg.mu.Unlock()
	assert.Empty(t, agg.keys)
}

func TestWebhookCheckRunCompleted(t *testing.T) {
	s, _, eng := newTestServer()
	body := `{"action":"completed","repository":{"full_name":"acme/widgets"},"check_run":{"pull_requests":[{"number":7}]}}`
	postWebhook(t, s.Handler(), "check_run", body, true)

	waitFor(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.notifications) == 1 && eng.notifications[0].Event == engine.EventCheckCompleted
	})
}

func TestWebhookUnhandledEventAccepted(t *testing.T) {
	s, agg, _ := newTestServer()
	rec := postWebhook(t, s.Handler(), "star", `{"action":"created","repository":{"full_name":"acme/widgets"}}`, true)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, agg.keys)
}

func TestWebhookAggregationFailureSwallowed(t *testing.T) {
	s, agg, eng := newTestServer()
	agg.err = assert.AnError

	body := `{"action":"opened","repository":{"full_name":"acme/widgets"},"pull_request":{"number":7}}`
	rec := postWebhook(t, s.Handler(), "pull_request", body, true)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	waitFor(t, func() bool {
		agg.mu.Lock()
		defer agg.mu.Unlock()
		return len(agg.keys) == 1
	})
	eng.mu.Lock()
	defer eng.mu.Unlock()
	assert.Empty(t, eng.notifications, "failed aggregation must not reach the engine")
}

func TestMapEventReviewNonSubmittedIgnored(t *testing.T) {
	_, _, ok := mapEvent("pull_request_review", webhookPayload{Action: "edited"})
	assert.False(t, ok)
}
