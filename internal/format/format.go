// Package format renders Slack message bodies from aggregated pull
// request state. Rendering is pure and deterministic: the reconciliation
// engine compares rendered bodies byte-for-byte to suppress duplicate
// transport calls, so the same State must always produce the same string.
package format

import (
	"fmt"
	"sort"
	"strings"

	"github.com/reviewrelay/internal/identity"
)

// ReviewStatus is the resolved per-reviewer state: the last-seen review
// per reviewer wins, and a pending request with no review is pending.
type ReviewStatus string

const (
	ReviewApproved         ReviewStatus = "approved"
	ReviewChangesRequested ReviewStatus = "changes_requested"
	ReviewPending          ReviewStatus = "pending"
)

// CheckStatus is the resolved per-check state. Terminal success-like
// conclusions (including neutral/skipped no-ops) map to success.
type CheckStatus string

const (
	CheckSuccess CheckStatus = "success"
	CheckFailure CheckStatus = "failure"
	CheckPending CheckStatus = "pending"
)

// Reviewer is one reviewer's resolved status.
type Reviewer struct {
	Login  string
	Status ReviewStatus
}

// Check is one check run's resolved status.
type Check struct {
	Name   string
	Status CheckStatus
}

// State is the aggregated pull request state the renderer works from.
type State struct {
	Title     string
	URL       string
	Author    string
	Draft     bool
	Merged    bool
	Closed    bool
	Reviewers []Reviewer
	Checks    []Check
}

const (
	// DetailHeader is the fixed first line of every detail body. The
	// engine uses it as the thread-scan fragment when re-locating a
	// detail reply after a restart, so it must stay stable.
	DetailHeader = "Checks & reviews"

	// NoChecksSentinel is the detail body line rendered when a pull
	// request has no checks and no reviewers yet.
	NoChecksSentinel = "no checks reported"

	anchorParam = "rr"
)

// Anchor returns the recovery anchor for a work item: its canonical URL
// with a tracking query parameter carrying the work-item key. The format
// is append-only; messages already posted under it must stay findable.
func Anchor(prURL, key string) string {
	sep := "?"
	if strings.Contains(prURL, "?") {
		sep = "&"
	}
	return prURL + sep + anchorParam + "=" + escapeKey(key)
}

// LegacyAnchor returns the hidden-marker anchor format used before the
// URL tracking parameter. It is never embedded in new messages; the
// recovery scanner still recognizes it so history posted under the old
// format resolves during the migration window.
func LegacyAnchor(key string) string {
	return "[rr:" + key + "]"
}

// Anchors returns every anchor format the recovery scanner should accept
// for key, newest format first.
func Anchors(prURL, key string) []string {
	return []string{Anchor(prURL, key), LegacyAnchor(key)}
}

func escapeKey(key string) string {
	r := strings.NewReplacer("/", "%2F", "#", "%23")
	return r.Replace(key)
}

// Renderer renders summary and detail bodies. The identity map is fixed
// at construction so that rendering stays a pure function of State.
type Renderer struct {
	ids *identity.Map
}

// NewRenderer returns a Renderer resolving author/reviewer logins through
// ids.
func NewRenderer(ids *identity.Map) *Renderer {
	return &Renderer{ids: ids}
}

// Summary renders the one-line summary body for a work item. The anchor
// is embedded as the link target so channel history remains searchable by
// work-item key.
func (r *Renderer) Summary(key string, s State) string {
	var b strings.Builder
	b.WriteString(lifecycleEmoji(s))
	fmt.Fprintf(&b, " *<%s|%s>* by %s", Anchor(s.URL, key), s.Title, r.ids.Handle(s.Author))

	if counts := reviewCounts(s.Reviewers); counts != "" {
		b.WriteString(" · reviews: ")
		b.WriteString(counts)
	}
	if len(s.Checks) > 0 {
		passing := 0
		for _, c := range s.Checks {
			if c.Status == CheckSuccess {
				passing++
			}
		}
		fmt.Fprintf(&b, " · checks: %d/%d passing", passing, len(s.Checks))
	}
	return b.String()
}

// Detail renders the threaded breakdown body. It always begins with
// DetailHeader; an empty state renders NoChecksSentinel beneath it.
func (r *Renderer) Detail(s State) string {
	var b strings.Builder
	b.WriteString("*" + DetailHeader + "*")

	if len(s.Checks) == 0 && len(s.Reviewers) == 0 {
		b.WriteString("\n_" + NoChecksSentinel + "_")
		return b.String()
	}

	checks := append([]Check(nil), s.Checks...)
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	for _, c := range checks {
		fmt.Fprintf(&b, "\n%s %s", checkEmoji(c.Status), c.Name)
	}

	if len(s.Reviewers) > 0 {
		reviewers := append([]Reviewer(nil), s.Reviewers...)
		sort.Slice(reviewers, func(i, j int) bool { return reviewers[i].Login < reviewers[j].Login })
		b.WriteString("\n*Reviewers*")
		for _, rv := range reviewers {
			fmt.Fprintf(&b, "\n%s %s", reviewEmoji(rv.Status), r.ids.Handle(rv.Login))
		}
	}
	return b.String()
}

// Comment renders the thread reply mirroring a matched keyword comment.
// The comment's canonical URL is always embedded: it doubles as the
// dedup fragment when re-scanning the thread after a restart.
func (r *Renderer) Comment(author, keyword, body, url string) string {
	excerpt := strings.Join(strings.Fields(body), " ")
	if len(excerpt) > 200 {
		excerpt = excerpt[:200] + "…"
	}
	return fmt.Sprintf(":speech_balloon: %s mentioned *%s*\n> %s\n%s",
		r.ids.Handle(author), keyword, excerpt, url)
}

func lifecycleEmoji(s State) string {
	switch {
	case s.Merged:
		return ":tada:"
	case s.Closed:
		return ":no_entry_sign:"
	case s.Draft:
		return ":memo:"
	default:
		return ":arrows_counterclockwise:"
	}
}

func reviewCounts(reviewers []Reviewer) string {
	var approved, changes, pending int
	for _, r := range reviewers {
		switch r.Status {
		case ReviewApproved:
			approved++
		case ReviewChangesRequested:
			changes++
		default:
			pending++
		}
	}
	var parts []string
	if approved > 0 {
		parts = append(parts, fmt.Sprintf("%d approved", approved))
	}
	if changes > 0 {
		parts = append(parts, fmt.Sprintf("%d changes requested", changes))
	}
	if pending > 0 {
		parts = append(parts, fmt.Sprintf("%d pending", pending))
	}
	return strings.Join(parts, ", ")
}

func checkEmoji(s CheckStatus) string {
	switch s {
	case CheckSuccess:
		return ":white_check_mark:"
	case CheckFailure:
		return ":x:"
	default:
		return ":hourglass:"
	}
}

func reviewEmoji(s ReviewStatus) string {
	switch s {
	case ReviewApproved:
		return ":white_check_mark:"
	case ReviewChangesRequested:
		return ":no_entry:"
	default:
		return ":hourglass:"
	}
}
