package mcphttp

import "errors"

var (
	// ErrSessionExists is returned when a generated session identifier is
	// already registered. The colliding initialize attempt fails rather than
	// silently replacing the live channel.
	ErrSessionExists = errors.New("session id already registered")

	// ErrChannelClosed is returned by channel operations raced against close.
	ErrChannelClosed = errors.New("channel closed")

	// ErrNoSubscriber is returned by MessageWriter.WriteMessage when a pushed
	// message has no live stream to land on and no event store to wait in.
	ErrNoSubscriber = errors.New("no stream subscriber for message")
)
