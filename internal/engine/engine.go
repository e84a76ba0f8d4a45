// Package engine reconciles work-item state with the channel: at most one
// live summary/detail message pair per pull request, recovered from
// channel history after a restart. No state survives the process; every
// decision re-derives from the correlation store, the rendered bodies,
// and (on a store miss) the channel's own history.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/reviewrelay/internal/correlation"
	"github.com/reviewrelay/internal/format"
	"github.com/reviewrelay/internal/slack"
)

// Messenger is the messaging client surface the engine drives. Satisfied
// by *slack.Client.
type Messenger interface {
	PostMessage(ctx context.Context, channel, body, threadTS string) (string, error)
	UpdateMessage(ctx context.Context, channel, ts, body string) (string, error)
	FindByAnchor(ctx context.Context, key, channel string, anchors []string, opts slack.FindOptions) (string, error)
	FindReplyByFragment(ctx context.Context, channel, parentTS, fragment string) (string, error)
}

// Renderer renders message bodies. Satisfied by *format.Renderer. It must
// be deterministic: duplicate suppression compares rendered bodies
// byte-for-byte.
type Renderer interface {
	Summary(key string, s format.State) string
	Detail(s format.State) string
	Comment(author, keyword, body, url string) string
}

// Notification is one incoming change for a work item, carrying the
// already-aggregated state.
type Notification struct {
	Key   string
	State format.State
	Event EventKind
}

// Config tunes an Engine.
type Config struct {
	// Channel is the Slack channel all messages live in.
	Channel string
	// MaxScanned caps the recovery history scan (default 500).
	MaxScanned int
	// Debounce coalesces same-key notification bursts; zero disables.
	Debounce time.Duration
	// Keywords drive the comment side-channel, matched case-insensitively
	// as substrings.
	Keywords []string
	// StoreSize bounds both correlation stores (default 500).
	StoreSize int
}

// Engine is the reconciliation core. One cycle runs at a time; the lock
// is scoped to the engine rather than to individual keys, which keeps the
// stores consistent at acceptable contention for expected volumes.
type Engine struct {
	msgr   Messenger
	render Renderer
	cfg    Config
	log    zerolog.Logger

	records  *correlation.Store[*correlation.Record]
	comments *correlation.Store[*correlation.CommentRecord]

	mu sync.Mutex

	pmu     sync.Mutex
	pending map[string]*burst
}

// New builds an Engine. The logger is injected rather than read from any
// global registration.
func New(msgr Messenger, render Renderer, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		msgr:     msgr,
		render:   render,
		cfg:      cfg,
		log:      logger,
		records:  correlation.NewStore[*correlation.Record](cfg.StoreSize),
		comments: correlation.NewStore[*correlation.CommentRecord](cfg.StoreSize),
		pending:  make(map[string]*burst),
	}
}

type burst struct {
	timer  *time.Timer
	latest Notification
	forced bool
}

// Notify is the dispatcher entry point. With a debounce window, rapid
// same-key notifications collapse into a single reconciliation using the
// latest state; a forced event anywhere in the burst keeps the coalesced
// cycle forced.
func (e *Engine) Notify(ctx context.Context, n Notification) {
	if e.cfg.Debounce <= 0 {
		e.Process(ctx, n)
		return
	}

	e.pmu.Lock()
	defer e.pmu.Unlock()
	if b, ok := e.pending[n.Key]; ok {
		b.latest = n
		b.forced = b.forced || n.Event.ForcesRefresh()
		b.timer.Reset(e.cfg.Debounce)
		return
	}
	b := &burst{latest: n, forced: n.Event.ForcesRefresh()}
	b.timer = time.AfterFunc(e.cfg.Debounce, func() {
		e.pmu.Lock()
		latest, forced := b.latest, b.forced
		delete(e.pending, n.Key)
		e.pmu.Unlock()
		e.process(context.Background(), latest, forced)
	})
	e.pending[n.Key] = b
}

// Process runs one reconciliation cycle, classifying and swallowing any
// error: a failing cycle must never take down the dispatcher, and the
// next notification retries from the same state.
func (e *Engine) Process(ctx context.Context, n Notification) {
	e.process(ctx, n, n.Event.ForcesRefresh())
}

func (e *Engine) process(ctx context.Context, n Notification, forced bool) {
	log := e.log.With().
		Str("cycle", uuid.NewString()).
		Str("key", n.Key).
		Str("event", string(n.Event)).
		Logger()

	if err := e.reconcile(ctx, n, forced); err != nil {
		log.Error().Err(err).Str("class", classify(err)).Msg("reconciliation cycle failed")
		return
	}
	log.Debug().Msg("reconciliation cycle complete")
}

func (e *Engine) reconcile(ctx context.Context, n Notification, forced bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	summary := e.render.Summary(n.Key, n.State)
	detail := e.render.Detail(n.State)

	rec, ok := e.records.Get(n.Key)
	if !ok {
		_, err := e.bind(ctx, n.Key, n.State, summary, detail)
		return err
	}

	changedSummary := summary != rec.LastSummaryBody
	changedDetail := detail != rec.LastDetailBody
	if !changedSummary && !changedDetail && !forced {
		// Duplicate suppression: identical render, non-forced trigger.
		return nil
	}

	if changedSummary || forced {
		if _, err := e.msgr.UpdateMessage(ctx, rec.Channel, rec.SummaryTS, summary); err != nil {
			return err
		}
	}
	if changedDetail || forced {
		if _, err := e.msgr.UpdateMessage(ctx, rec.Channel, rec.DetailTS, detail); err != nil {
			return err
		}
	}

	// Mutate the record only after every transport call succeeded.
	rec.LastSummaryBody = summary
	rec.LastDetailBody = detail
	e.records.Set(n.Key, rec)
	return nil
}

// bind moves a key from Unknown to Bound: recover the prior message pair
// from channel history, or create a fresh one when nothing is found.
// Caller holds e.mu. The correlation record is written only on success.
func (e *Engine) bind(ctx context.Context, key string, state format.State, summary, detail string) (*correlation.Record, error) {
	anchors := format.Anchors(state.URL, key)
	opts := slack.FindOptions{MaxScanned: e.cfg.MaxScanned, IncludeThreads: true}

	summaryTS, err := e.msgr.FindByAnchor(ctx, key, e.cfg.Channel, anchors, opts)
	switch {
	case errors.Is(err, slack.ErrNotFound):
		// Cold start: no prior record in history.
		summaryTS, err = e.msgr.PostMessage(ctx, e.cfg.Channel, summary, "")
		if err != nil {
			return nil, err
		}
		detailTS, err := e.msgr.PostMessage(ctx, e.cfg.Channel, detail, summaryTS)
		if err != nil {
			return nil, err
		}
		rec := &correlation.Record{
			Channel:         e.cfg.Channel,
			SummaryTS:       summaryTS,
			DetailTS:        detailTS,
			LastSummaryBody: summary,
			LastDetailBody:  detail,
		}
		e.records.Set(key, rec)
		e.log.Info().Str("key", key).Str("summary_ts", summaryTS).Msg("created message pair")
		return rec, nil

	case err != nil:
		return nil, err
	}

	return e.bindRecovered(ctx, key, summaryTS, summary, detail)
}

// bindRecovered completes a bind against a summary message recovered from
// history: the detail reply is re-located by the fixed header fragment
// rather than re-posted blindly, then both bodies are pushed
// unconditionally because the outage window is unknown. Caller holds e.mu.
func (e *Engine) bindRecovered(ctx context.Context, key, summaryTS, summary, detail string) (*correlation.Record, error) {
	detailTS, err := e.msgr.FindReplyByFragment(ctx, e.cfg.Channel, summaryTS, format.DetailHeader)
	switch {
	case errors.Is(err, slack.ErrNotFound):
		detailTS, err = e.msgr.PostMessage(ctx, e.cfg.Channel, detail, summaryTS)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if _, err := e.msgr.UpdateMessage(ctx, e.cfg.Channel, detailTS, detail); err != nil {
			return nil, err
		}
	}
	if _, err := e.msgr.UpdateMessage(ctx, e.cfg.Channel, summaryTS, summary); err != nil {
		return nil, err
	}

	rec := &correlation.Record{
		Channel:         e.cfg.Channel,
		SummaryTS:       summaryTS,
		DetailTS:        detailTS,
		LastSummaryBody: summary,
		LastDetailBody:  detail,
	}
	e.records.Set(key, rec)
	e.log.Info().Str("key", key).Str("summary_ts", summaryTS).Msg("recovered message pair from history")
	return rec, nil
}

// Records exposes the primary correlation store size for observability.
func (e *Engine) Records() int { return e.records.Len() }
