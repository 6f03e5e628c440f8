package chathub

import "errors"

// Errors surfaced to clients as the message of an `error` event.
var (
	ErrMalformed         = errors.New("malformed request")
	ErrNotIdentified     = errors.New("send user:join before this event")
	ErrAlreadyIdentified = errors.New("connection is already identified as another user")
	ErrUserMismatch      = errors.New("userId does not match this connection")
	ErrAlreadyInRoom     = errors.New("already in a room, leave it before requesting a new match")
	ErrTargetNotFound    = errors.New("target user not found")
	ErrUnknownEvent      = errors.New("unknown event type")
	ErrRateLimited       = errors.New("rate limit exceeded, slow down")
	ErrSessionReplaced   = errors.New("session replaced by a newer connection for the same user")
)
