// Package transport implements the two mirai-api-http connection styles:
// an HTTP transport that pulls buffered events in batches and a websocket
// transport that receives a duplex stream of frames.
package transport

import (
	"context"
	"encoding/json"
)

// UnsolicitedSyncID tags frames that carry an event rather than a reply
const UnsolicitedSyncID = "-1"

// Handshake result codes
const (
	CodeOK         = 0
	CodeInvalidKey = 1
)

// Kind identifies the transport style
type Kind string

const (
	KindPoll   Kind = "http"
	KindStream Kind = "ws"
)

// Command is an outbound request to the gateway
type Command struct {
	Name       string          `json:"command"`
	SubCommand string          `json:"subCommand,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
}

// Frame is one message on the stream transport. Outbound frames carry a
// command; inbound frames carry Data.
type Frame struct {
	SyncID     string          `json:"syncId"`
	Command    string          `json:"command,omitempty"`
	SubCommand *string         `json:"subCommand"`
	Content    json.RawMessage `json:"content,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Unsolicited reports whether the frame carries an event
func (f *Frame) Unsolicited() bool {
	return f.SyncID == UnsolicitedSyncID
}

// HandshakeResponse is the gateway answer to a verify request
type HandshakeResponse struct {
	Code    int    `json:"code"`
	Session string `json:"session"`
	Msg     string `json:"msg,omitempty"`
}

// PollTransport pulls events in batches and issues commands as plain
// request/response calls.
type PollTransport interface {
	Verify(ctx context.Context, verifyKey string) (*HandshakeResponse, error)
	Bind(ctx context.Context, session string, qq int64) error
	Release(ctx context.Context, session string, qq int64) error
	FetchBatch(ctx context.Context, session string, count int) ([]json.RawMessage, error)
	Command(ctx context.Context, session string, cmd Command) (json.RawMessage, error)
	Close() error
}

// StreamTransport receives a duplex stream of frames. Connect performs the
// handshake: with an empty session it presents the verify key and returns
// the gateway's answer, otherwise it presents the session.
type StreamTransport interface {
	Connect(ctx context.Context, verifyKey, session string, qq int64) (*HandshakeResponse, error)
	ReceiveOne(ctx context.Context) (*Frame, error)
	Send(ctx context.Context, frame *Frame) error
	Close() error
}
