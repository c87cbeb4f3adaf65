// Package signalr implements the hub side of the SignalR wire protocol:
// HTTP negotiate, the JSON handshake, the json and messagepack codecs,
// per-connection read/write pumps with ping keepalive, invocation
// dispatch, and group broadcast. Hub packages plug in behaviour through
// method registration and the connect/disconnect callbacks.
package signalr

import (
	"fmt"
)

// MessageType is the packet kind tag shared by both codecs.
type MessageType int

const (
	MessageInvocation MessageType = 1
	MessageStreamItem MessageType = 2
	MessageCompletion MessageType = 3
	MessageStreamInv  MessageType = 4
	MessageCancelInv  MessageType = 5
	MessagePing       MessageType = 6
	MessageClose      MessageType = 7
)

// Packet is one decoded hub protocol message.
type Packet interface {
	isPacket()
}

// Argument is a lazily-decoded invocation argument or completion result.
// Decode unmarshals the raw wire bytes into v, which must be a pointer.
type Argument interface {
	Decode(v any) error
}

// Invocation is an inbound method call. An empty ID marks a
// fire-and-forget call that must not be answered with a Completion.
type Invocation struct {
	ID        string
	Target    string
	Arguments []Argument
	StreamIDs []string
}

// Completion answers a previous Invocation. Error and Result are
// mutually exclusive; Result is nil for void completions.
type Completion struct {
	ID     string
	Error  string
	Result Argument
}

// Ping is the keepalive packet. Both sides send it; neither answers it.
type Ping struct{}

// Close asks the peer to drop the connection.
type Close struct {
	Error          string
	AllowReconnect bool
}

func (*Invocation) isPacket() {}
func (*Completion) isPacket() {}
func (Ping) isPacket()        {}
func (*Close) isPacket()      {}

// HubError is an invocation rejection whose message is meant for the
// calling client. Handlers return it to fail a call without the generic
// server-error wrapping.
type HubError struct {
	Message string
}

func (e *HubError) Error() string {
	return e.Message
}

// Errorf builds a HubError with a formatted client-facing message.
func Errorf(format string, args ...any) *HubError {
	return &HubError{Message: fmt.Sprintf(format, args...)}
}

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}
