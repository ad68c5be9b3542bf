package buffer

import (
	"context"
	"errors"
	"time"
)

// Entry is the pending, not yet dispatched text of one conversation.
type Entry struct {
	ConversationID string
	PendingText    string
	ExpiresAt      time.Time
	Attempts       int
}

// Expired reports whether the debounce window has closed at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// ErrUnavailable wraps every failure to reach the backing store.
var ErrUnavailable = errors.New("buffer: store unavailable")

// Store is the shared debounce buffer. Every mutating method is atomic per
// conversation id, so concurrent ingests never lose a fragment.
//
// ExpiresAt never moves backwards while an entry exists.
type Store interface {
	// UpsertAndExtend appends fragment (space separated) and pushes the expiry
	// to now+window. It returns the time left until the entry expires.
	UpsertAndExtend(ctx context.Context, conversationID, fragment string, window time.Duration) (time.Duration, error)

	ScanAll(ctx context.Context) (map[string]Entry, error)

	// Get returns the pending entry of one conversation, if any.
	Get(ctx context.Context, conversationID string) (Entry, bool, error)

	DeleteMany(ctx context.Context, conversationIDs []string) error

	// Claim removes and returns the given entries that are still expired at
	// now. Entries extended since they were scanned stay in the buffer.
	Claim(ctx context.Context, conversationIDs []string, now time.Time) (map[string]Entry, error)

	// Requeue puts back the text of a failed dispatch in front of anything
	// buffered meanwhile, recording the attempt count.
	Requeue(ctx context.Context, conversationID, text string, attempts int, delay time.Duration) error
}

func appendText(existing, fragment string) string {
	if existing == "" {
		return fragment
	}
	if fragment == "" {
		return existing
	}
	return existing + " " + fragment
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
