package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/reviewrelay/internal/correlation"
	"github.com/reviewrelay/internal/format"
	"github.com/reviewrelay/internal/slack"
)

// CommentEvent is a pull request comment notification for the keyword
// side-channel.
type CommentEvent struct {
	Key       string
	CommentID int64
	Author    string
	Body      string
	URL       string
	State     format.State
	Deleted   bool
}

// ProcessComment mirrors a keyword-matching comment into the work item's
// thread, with the same classify-log-swallow policy as Process.
func (e *Engine) ProcessComment(ctx context.Context, ev CommentEvent) {
	log := e.log.With().
		Str("key", ev.Key).
		Int64("comment_id", ev.CommentID).
		Logger()

	if err := e.mirrorComment(ctx, ev); err != nil {
		log.Error().Err(err).Str("class", classify(err)).Msg("keyword mirror failed")
		return
	}
}

func (e *Engine) mirrorComment(ctx context.Context, ev CommentEvent) error {
	// Deletions are never mirrored; the posted reply stays.
	if ev.Deleted {
		return nil
	}
	keyword, ok := e.matchKeyword(ev.Body)
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ckey := correlation.CommentKey(ev.Key, ev.CommentID)
	body := e.render.Comment(ev.Author, keyword, ev.Body, ev.URL)

	if crec, ok := e.comments.Get(ckey); ok {
		if _, err := e.msgr.UpdateMessage(ctx, crec.Channel, crec.ReplyTS, body); err != nil {
			return err
		}
		crec.LastBody = body
		e.comments.Set(ckey, crec)
		return nil
	}

	primary, err := e.requireBound(ctx, ev.Key, ev.State)
	if errors.Is(err, slack.ErrNotFound) {
		// No primary record and nothing in history: abort silently, the
		// side-channel never creates the primary pair itself.
		e.log.Debug().Str("key", ev.Key).Msg("keyword mirror skipped, no primary record")
		return nil
	}
	if err != nil {
		return err
	}

	// The comment's canonical URL is the dedup fragment: after a restart
	// an existing mirror reply is updated rather than duplicated.
	replyTS, err := e.msgr.FindReplyByFragment(ctx, primary.Channel, primary.SummaryTS, ev.URL)
	switch {
	case errors.Is(err, slack.ErrNotFound):
		replyTS, err = e.msgr.PostMessage(ctx, primary.Channel, body, primary.SummaryTS)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if _, err := e.msgr.UpdateMessage(ctx, primary.Channel, replyTS, body); err != nil {
			return err
		}
	}

	e.comments.Set(ckey, &correlation.CommentRecord{
		Channel:         primary.Channel,
		ParentSummaryTS: primary.SummaryTS,
		ReplyTS:         replyTS,
		LastBody:        body,
	})
	return nil
}

// requireBound returns the primary record for key, recovering it from
// history if the store has no entry. Unlike bind it never creates a new
// message pair: a recovery miss propagates as slack.ErrNotFound. Caller
// holds e.mu.
func (e *Engine) requireBound(ctx context.Context, key string, state format.State) (*correlation.Record, error) {
	if rec, ok := e.records.Get(key); ok {
		return rec, nil
	}

	anchors := format.Anchors(state.URL, key)
	opts := slack.FindOptions{MaxScanned: e.cfg.MaxScanned, IncludeThreads: true}
	summaryTS, err := e.msgr.FindByAnchor(ctx, key, e.cfg.Channel, anchors, opts)
	if err != nil {
		return nil, err
	}

	// Anchor found: complete the bind so the recovered pair is also
	// refreshed and recorded.
	summary := e.render.Summary(key, state)
	detail := e.render.Detail(state)
	return e.bindRecovered(ctx, key, summaryTS, summary, detail)
}

func (e *Engine) matchKeyword(body string) (string, bool) {
	lower := strings.ToLower(body)
	for _, kw := range e.cfg.Keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}
