package correlation

import "fmt"

// Key builds the stable work-item identity string for a pull request.
// It is used as the correlation store key and embedded in the summary
// message's recovery anchor, so its format must never change.
func Key(owner, repo string, number int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, number)
}

// CommentKey builds the store key for a mirrored keyword comment. Comment
// records live in their own store, keyed by the primary work-item key plus
// the comment's own id.
func CommentKey(itemKey string, commentID int64) string {
	return fmt.Sprintf("comment:%s:%d", itemKey, commentID)
}

// Record correlates a work item with its live summary/detail message pair.
// SummaryTS and DetailTS are opaque Slack message timestamps; DetailTS is
// always a threaded reply to SummaryTS. The last-rendered bodies back the
// engine's duplicate suppression.
type Record struct {
	Channel         string
	SummaryTS       string
	DetailTS        string
	LastSummaryBody string
	LastDetailBody  string
}

// CommentRecord correlates a matched keyword comment with the thread reply
// mirroring it. Its lifecycle is independent of the primary Record, but a
// reply is only ever created under an existing summary thread.
type CommentRecord struct {
	Channel         string
	ParentSummaryTS string
	ReplyTS         string
	LastBody        string
}
