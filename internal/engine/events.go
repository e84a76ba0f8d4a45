package engine

// EventKind classifies the notification that triggered a reconciliation.
type EventKind string

const (
	EventLifecycle       EventKind = "lifecycle"
	EventReviewSubmitted EventKind = "review_submitted"
	EventCheckCompleted  EventKind = "check_completed"
	EventCommentCreated  EventKind = "comment_created"
	EventCommentEdited   EventKind = "comment_edited"
	EventCommentDeleted  EventKind = "comment_deleted"
)

// ForcesRefresh reports whether the event mandates re-pushing both
// messages even when the rendered text is unchanged. Comment activity and
// review submissions are externally visible; the edit itself bumps the
// messages' recency.
func (k EventKind) ForcesRefresh() bool {
	switch k {
	case EventCommentCreated, EventCommentEdited, EventCommentDeleted, EventReviewSubmitted:
		return true
	}
	return false
}
