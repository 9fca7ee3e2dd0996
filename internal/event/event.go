// Package event decodes inbound gateway payloads into typed events.
//
// Every payload carries a "type" tag. Decode switches on that tag and
// produces one of the concrete event structs below; tags it does not know
// become an *Opaque that keeps the original bytes. Events are immutable
// once decoded and handlers receive them by reference.
package event

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind is the gateway's type tag for an inbound event
type Kind string

// Known event kinds
const (
	KindFriendMessage     Kind = "FriendMessage"
	KindGroupMessage      Kind = "GroupMessage"
	KindTempMessage       Kind = "TempMessage"
	KindGroupRecall       Kind = "GroupRecallEvent"
	KindMemberCardChange  Kind = "MemberCardChangeEvent"
	KindBotOnline         Kind = "BotOnlineEvent"
	KindBotRelogin        Kind = "BotReloginEvent"
	KindBotOfflineActive  Kind = "BotOfflineEventActive"
	KindBotOfflineForce   Kind = "BotOfflineEventForce"
	KindBotOfflineDropped Kind = "BotOfflineEventDropped"
)

// Event is a decoded inbound occurrence
type Event interface {
	// Kind returns the type tag the event arrived with
	Kind() Kind
	// Raw returns the payload the event was decoded from
	Raw() json.RawMessage
}

type envelope struct {
	kind Kind
	raw  json.RawMessage
}

func (e envelope) Kind() Kind           { return e.kind }
func (e envelope) Raw() json.RawMessage { return e.raw }

// Element is one entry of a message chain. The element hierarchy itself
// is not modelled; Type and the raw JSON are enough for routing.
type Element struct {
	Type string
	Data json.RawMessage
}

// Text returns the "text" field of a Plain element
func (el Element) Text() string {
	return gjson.GetBytes(el.Data, "text").String()
}

// Target returns the "target" field of an At element
func (el Element) Target() int64 {
	return gjson.GetBytes(el.Data, "target").Int()
}

// Message holds the fields shared by friend, group and temp messages
type Message struct {
	envelope
	ID    int64
	Time  int64
	Chain []Element

	Sender     int64
	SenderName string

	botID int64
}

// SenderID returns the QQ id of the sender
func (m *Message) SenderID() int64 { return m.Sender }

// Plain concatenates the text of every Plain element
func (m *Message) Plain() string {
	var sb strings.Builder
	for _, el := range m.Chain {
		if el.Type == "Plain" {
			sb.WriteString(el.Text())
		}
	}
	return sb.String()
}

// AtBot reports whether the message mentions the bot
func (m *Message) AtBot() bool {
	for _, el := range m.Chain {
		if el.Type == "At" && el.Target() == m.botID {
			return true
		}
	}
	return false
}

// FriendMessage is a direct message from a friend
type FriendMessage struct {
	Message
}

// GroupMessage is a message posted in a group
type GroupMessage struct {
	Message
	Group      int64
	GroupName  string
	Permission string
}

// TempMessage is a temporary session message started from a group
type TempMessage struct {
	Message
	Group     int64
	GroupName string
}

// GroupRecallEvent reports a message recalled in a group
type GroupRecallEvent struct {
	envelope
	MessageID          int64
	Author             int64
	Time               int64
	Group              int64
	GroupName          string
	Operator           int64
	OperatorName       string
	OperatorPermission string
}

// MemberCardChangeEvent reports a member's group card change
type MemberCardChangeEvent struct {
	envelope
	Origin             string
	Current            string
	Member             int64
	MemberName         string
	Group              int64
	GroupName          string
	Operator           int64
	OperatorName       string
	OperatorPermission string
}

// BotOnlineEvent covers BotOnlineEvent and BotReloginEvent
type BotOnlineEvent struct {
	envelope
	QQ int64
}

// BotOfflineEvent covers the three BotOfflineEvent* tags
type BotOfflineEvent struct {
	envelope
	QQ int64
}

// Opaque is any event whose tag has no dedicated type
type Opaque struct {
	envelope
}
