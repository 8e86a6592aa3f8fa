// Package eventstore defines the retention contract behind resumable event
// streams. A store keeps the messages written to a session's stream so a
// client that reconnects with a Last-Event-ID picks up what it missed.
package eventstore

import "context"

// Store retains outbound messages per session. Implementations are safe for
// concurrent use; the stateful transport appends from engine goroutines while
// replaying on reconnect goroutines.
type Store interface {
	// Append retains one message under the session's id and returns the event
	// id assigned to it. Event ids are opaque to callers but strictly ordered
	// within a session.
	Append(ctx context.Context, sessionID string, data []byte) (eventID string, err error)

	// ReplayAfter invokes fn in order for every retained event later than
	// lastEventID. A lastEventID from before the retained window replays the
	// whole window; an unknown session replays nothing. The first error from
	// fn stops the replay and is returned.
	ReplayAfter(ctx context.Context, sessionID string, lastEventID string, fn func(ctx context.Context, eventID string, data []byte) error) error

	// Drop discards everything retained for the session.
	Drop(ctx context.Context, sessionID string) error
}
