package engine

import (
	"errors"

	"github.com/reviewrelay/internal/slack"
)

// classify maps an error to its taxonomy class for logging. Collaborators
// return typed errors; no string inspection happens here.
func classify(err error) string {
	var terr *slack.TransportError
	switch {
	case errors.As(err, &terr):
		return "transport"
	case errors.Is(err, slack.ErrNotFound):
		return "recovery_miss"
	default:
		return "internal"
	}
}
