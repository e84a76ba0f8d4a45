package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/reviewrelay/internal/correlation"
	"github.com/reviewrelay/internal/engine"
	"github.com/reviewrelay/internal/github"
	"github.com/reviewrelay/internal/webhookutils"
)

// webhookPayload is the union of the GitHub payload fields the dispatcher
// reads across the handled event types.
type webhookPayload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	PullRequest struct {
		Number int `json:"number"`
	} `json:"pull_request"`
	Issue struct {
		Number      int              `json:"number"`
		PullRequest *json.RawMessage `json:"pull_request"`
	} `json:"issue"`
	Comment struct {
		ID      int64  `json:"id"`
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
		User    struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
	CheckRun struct {
		PullRequests []struct {
			Number int `json:"number"`
		} `json:"pull_requests"`
	} `json:"check_run"`
}

func (s *Server) handleGitHubWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	sig := c.Request().Header.Get("X-Hub-Signature-256")
	if !webhookutils.VerifySignature(s.secret, body, sig) {
		s.log.Warn().Msg("webhook signature verification failed")
		return c.NoContent(http.StatusUnauthorized)
	}

	event, delivery := webhookutils.EventDelivery(c.Request().Header)
	log := s.log.With().Str("event", event).Str("delivery", delivery).Logger()

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Warn().Err(err).Msg("undecodable webhook payload")
		return c.NoContent(http.StatusBadRequest)
	}

	kind, numbers, ok := mapEvent(event, payload)
	if !ok {
		// Acknowledged and dropped; GitHub keeps delivering them.
		return c.NoContent(http.StatusAccepted)
	}

	owner, repo, ok := splitFullName(payload.Repository.FullName)
	if !ok {
		log.Warn().Str("repository", payload.Repository.FullName).Msg("missing repository name")
		return c.NoContent(http.StatusBadRequest)
	}

	for _, number := range numbers {
		key := correlation.Key(owner, repo, number)
		go s.dispatch(key, kind, payload)
	}
	return c.NoContent(http.StatusAccepted)
}

// dispatch aggregates upstream state and hands the notification to the
// engine. Aggregation failures abort the cycle here with a classified
// log line; the engine never sees a half-built state.
func (s *Server) dispatch(key string, kind engine.EventKind, payload webhookPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	log := s.log.With().Str("key", key).Str("event", string(kind)).Logger()

	state, err := s.agg.Aggregate(ctx, key)
	if err != nil {
		var aerr *github.AggregationError
		class := "internal"
		if errors.As(err, &aerr) {
			class = "aggregation"
		}
		log.Error().Err(err).Str("class", class).Msg("state aggregation failed")
		return
	}

	s.engine.Notify(ctx, engine.Notification{Key: key, State: state, Event: kind})

	if kind == engine.EventCommentCreated || kind == engine.EventCommentEdited || kind == engine.EventCommentDeleted {
		s.engine.ProcessComment(ctx, engine.CommentEvent{
			Key:       key,
			CommentID: payload.Comment.ID,
			Author:    payload.Comment.User.Login,
			Body:      payload.Comment.Body,
			URL:       payload.Comment.HTMLURL,
			State:     state,
			Deleted:   kind == engine.EventCommentDeleted,
		})
	}
}

// mapEvent translates a GitHub event name + payload into the engine's
// event kind and the affected pull request numbers.
func mapEvent(event string, p webhookPayload) (engine.EventKind, []int, bool) {
	switch event {
	case "pull_request":
		return engine.EventLifecycle, []int{p.PullRequest.Number}, p.PullRequest.Number > 0
	case "pull_request_review":
		if p.Action != "submitted" && p.Action != "dismissed" {
			return "", nil, false
		}
		return engine.EventReviewSubmitted, []int{p.PullRequest.Number}, p.PullRequest.Number > 0
	case "issue_comment":
		// Only comments on pull requests; plain issues have no record.
		if p.Issue.PullRequest == nil || p.Issue.Number == 0 {
			return "", nil, false
		}
		kind := engine.EventCommentCreated
		switch p.Action {
		case "edited":
			kind = engine.EventCommentEdited
		case "deleted":
			kind = engine.EventCommentDeleted
		}
		return kind, []int{p.Issue.Number}, true
	case "check_run":
		if p.Action != "completed" {
			return "", nil, false
		}
		var numbers []int
		for _, pr := range p.CheckRun.PullRequests {
			if pr.Number > 0 {
				numbers = append(numbers, pr.Number)
			}
		}
		return engine.EventCheckCompleted, numbers, len(numbers) > 0
	default:
		return "", nil, false
	}
}

func splitFullName(fullName string) (owner, repo string, ok bool) {
	owner, repo, found := strings.Cut(fullName, "/")
	if !found || owner == "" || repo == "" {
		return "", "", false
	}
	return owner, repo, true
}
