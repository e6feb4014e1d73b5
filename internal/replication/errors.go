package replication

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	// ErrInvalidLimit indicates a run was requested with a batch limit below one.
	ErrInvalidLimit = errors.New("replication: limit must be at least 1")
	// ErrDestinationUnavailable indicates that a live run cannot reach its destination.
	ErrDestinationUnavailable = errors.New("replication: destination unavailable")
	// ErrRunInProgress indicates that another run holds the run lease.
	ErrRunInProgress = errors.New("replication: run already in progress")
	// ErrUnroutableEvent indicates an event type with no registered route.
	ErrUnroutableEvent = errors.New("replication: unknown event_type")
	// ErrShapingFailed indicates that an event payload cannot be encoded for its destination.
	ErrShapingFailed = errors.New("replication: payload shaping failed")
)

const (
	maxErrorRunes    = 2000
	truncationMarker = "…(truncated)"
)

// BoundedError renders err for the sync ledger, capped at 2000 runes including the truncation marker.
func BoundedError(err error) string {
	if err == nil {
		return ""
	}
	message := strings.TrimSpace(err.Error())
	if utf8.RuneCountInString(message) <= maxErrorRunes {
		return message
	}
	keep := maxErrorRunes - utf8.RuneCountInString(truncationMarker)
	runes := []rune(message)
	return string(runes[:keep]) + truncationMarker
}
