package chathub

import "pairchat/backend/internal/models"

// Client is the interface for a live connection handle. It abstracts the transport so the
// hub can be driven by websockets in production and by channel-backed fakes in tests.
type Client interface {
	// GetConnID returns the unique identifier of this connection.
	GetConnID() string
	// GetUserID returns the user id bound when the connection was opened (from a guest
	// token), or "" when the client must identify itself with user:join.
	GetUserID() string

	// GetSendChannel returns the channel the hub writes outbound events to.
	// The hub never blocks on it: a full channel marks the client as too slow.
	GetSendChannel() chan<- models.Event

	// Run starts the client's read and write pumps.
	Run()
	// Close shuts down the outbound side. The hub calls it exactly once, after it has
	// forgotten the client.
	Close()
}

// Inbound is an event read from a client, or the reason it could not be read.
type Inbound struct {
	Client Client
	Event  models.Event
	Err    error
}
