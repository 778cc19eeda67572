// Package errors holds the typed error values shared across weft channels.
// A remote caller only ever observes the small fixed set of kinds defined
// here; internal failures never cross the wire with their original text.
package errors

import (
	"fmt"
	"time"
)

type Encoding struct {
	Reason string
}

func (e *Encoding) Error() string {
	return fmt.Sprintf("Message encoding failed: %s", e.Reason)
}

type Decoding struct {
	Reason string
}

func (e *Decoding) Error() string {
	return fmt.Sprintf("Message decoding failed: %s", e.Reason)
}

// Timeout rejects a single pending request whose response did not arrive in
// time. Other in-flight requests on the same channel are unaffected.
type Timeout struct {
	Token string
	After time.Duration
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("response timed out (token=%s, after=%s)", e.Token, e.After)
}

// Disconnected rejects every pending request when the underlying transport
// is lost or the channel is stopped.
type Disconnected struct {
	Reason string
}

func (e *Disconnected) Error() string {
	if e.Reason == "" {
		return "disconnected"
	}
	return fmt.Sprintf("disconnected: %s", e.Reason)
}

type RemoteClosed struct{}

func (e *RemoteClosed) Error() string {
	return "remote socket closed"
}

type AuthFailure struct{}

func (e *AuthFailure) Error() string {
	return "Authentication failure"
}

type Connect struct {
	URL string
	Err error
}

func (e *Connect) Error() string {
	return fmt.Sprintf("Failed to connect to %s: %v", e.URL, e.Err)
}

func (e *Connect) Unwrap() error {
	return e.Err
}

type AlreadyStarted struct {
	Address string
}

func (e *AlreadyStarted) Error() string {
	return fmt.Sprintf("Channel already started on %s", e.Address)
}

// TopicName flags a topic containing the reserved '{' character. This is a
// caller bug, not a runtime condition.
type TopicName struct {
	Name string
}

func (e *TopicName) Error() string {
	return fmt.Sprintf("Invalid topic name '%s': '{' is reserved", e.Name)
}

type UnknownTopic struct {
	Name string
}

func (e *UnknownTopic) Error() string {
	return fmt.Sprintf("Topic '%s' was never offered", e.Name)
}

// SendBacklog is returned by a transport write when the peer is not draining
// its queue. The server treats it as a connection-drop trigger.
type SendBacklog struct {
	Buffered int
}

func (e *SendBacklog) Error() string {
	return fmt.Sprintf("Send backlog exceeded, %d bytes queued", e.Buffered)
}

// ClientError is how a domain handler signals a problem with the request it
// was given. A non-fatal ClientError keeps the connection open after the
// response is sent; a fatal one drops it.
type ClientError struct {
	Message  string
	Response any
	KeepOpen bool
}

func (e *ClientError) Error() string {
	if e.Message == "" {
		return "client error"
	}
	return e.Message
}
