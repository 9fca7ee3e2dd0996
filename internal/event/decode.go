package event

import (
	"encoding/json"
	"fmt"

	"github.com/keepmind9/miraibot/internal/errs"
	"github.com/tidwall/gjson"
)

type wireGroup struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type wireMember struct {
	ID         int64     `json:"id"`
	MemberName string    `json:"memberName"`
	Nickname   string    `json:"nickname"`
	Permission string    `json:"permission"`
	Group      wireGroup `json:"group"`
}

type wireMessage struct {
	Sender       wireMember        `json:"sender"`
	MessageChain []json.RawMessage `json:"messageChain"`
}

type wireRecall struct {
	AuthorID  int64       `json:"authorId"`
	MessageID int64       `json:"messageId"`
	Time      int64       `json:"time"`
	Group     wireGroup   `json:"group"`
	Operator  *wireMember `json:"operator"`
}

type wireCardChange struct {
	Origin   string      `json:"origin"`
	Current  string      `json:"current"`
	Member   wireMember  `json:"member"`
	Operator *wireMember `json:"operator"`
}

type wireBot struct {
	QQ int64 `json:"qq"`
}

// Decode turns one event payload into a typed Event. botID is used by
// message helpers such as AtBot. Unknown tags yield an *Opaque; a payload
// that is not a JSON object with a "type" tag yields a ProtocolError.
func Decode(raw []byte, botID int64) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errs.NewProtocolError("decode-event", "invalid json", nil)
	}
	tag := gjson.GetBytes(raw, "type")
	if tag.Type != gjson.String || tag.Str == "" {
		return nil, errs.NewProtocolError("decode-event", "missing type tag", nil)
	}

	data := make(json.RawMessage, len(raw))
	copy(data, raw)
	env := envelope{kind: Kind(tag.Str), raw: data}

	switch env.kind {
	case KindFriendMessage:
		msg, w, err := decodeMessage(env, botID)
		if err != nil {
			return nil, err
		}
		msg.SenderName = w.Sender.Nickname
		return &FriendMessage{Message: msg}, nil

	case KindGroupMessage:
		msg, w, err := decodeMessage(env, botID)
		if err != nil {
			return nil, err
		}
		msg.SenderName = w.Sender.MemberName
		return &GroupMessage{
			Message:    msg,
			Group:      w.Sender.Group.ID,
			GroupName:  w.Sender.Group.Name,
			Permission: w.Sender.Permission,
		}, nil

	case KindTempMessage:
		msg, w, err := decodeMessage(env, botID)
		if err != nil {
			return nil, err
		}
		msg.SenderName = w.Sender.MemberName
		return &TempMessage{
			Message:   msg,
			Group:     w.Sender.Group.ID,
			GroupName: w.Sender.Group.Name,
		}, nil

	case KindGroupRecall:
		var w wireRecall
		if err := unmarshal(env, &w); err != nil {
			return nil, err
		}
		ev := &GroupRecallEvent{
			envelope:  env,
			MessageID: w.MessageID,
			Author:    w.AuthorID,
			Time:      w.Time,
			Group:     w.Group.ID,
			GroupName: w.Group.Name,
		}
		if w.Operator != nil {
			ev.Operator = w.Operator.ID
			ev.OperatorName = w.Operator.MemberName
			ev.OperatorPermission = w.Operator.Permission
		}
		return ev, nil

	case KindMemberCardChange:
		var w wireCardChange
		if err := unmarshal(env, &w); err != nil {
			return nil, err
		}
		ev := &MemberCardChangeEvent{
			envelope:   env,
			Origin:     w.Origin,
			Current:    w.Current,
			Member:     w.Member.ID,
			MemberName: w.Member.MemberName,
			Group:      w.Member.Group.ID,
			GroupName:  w.Member.Group.Name,
		}
		if w.Operator != nil {
			ev.Operator = w.Operator.ID
			ev.OperatorName = w.Operator.MemberName
			ev.OperatorPermission = w.Operator.Permission
		}
		return ev, nil

	case KindBotOnline, KindBotRelogin:
		var w wireBot
		if err := unmarshal(env, &w); err != nil {
			return nil, err
		}
		return &BotOnlineEvent{envelope: env, QQ: w.QQ}, nil

	case KindBotOfflineActive, KindBotOfflineForce, KindBotOfflineDropped:
		var w wireBot
		if err := unmarshal(env, &w); err != nil {
			return nil, err
		}
		return &BotOfflineEvent{envelope: env, QQ: w.QQ}, nil

	default:
		return &Opaque{envelope: env}, nil
	}
}

func unmarshal(env envelope, v interface{}) error {
	if err := json.Unmarshal(env.raw, v); err != nil {
		return errs.NewProtocolError("decode-event", fmt.Sprintf("bad %s payload", env.kind), err)
	}
	return nil
}

// decodeMessage fills the shared message fields. The first chain element
// is the Source element carrying the message id and timestamp.
func decodeMessage(env envelope, botID int64) (Message, wireMessage, error) {
	var w wireMessage
	if err := unmarshal(env, &w); err != nil {
		return Message{}, w, err
	}

	msg := Message{
		envelope: env,
		Sender:   w.Sender.ID,
		botID:    botID,
	}

	chain := w.MessageChain
	if len(chain) > 0 && gjson.GetBytes(chain[0], "type").Str == "Source" {
		msg.ID = gjson.GetBytes(chain[0], "id").Int()
		msg.Time = gjson.GetBytes(chain[0], "time").Int()
		chain = chain[1:]
	}

	msg.Chain = make([]Element, 0, len(chain))
	for _, el := range chain {
		msg.Chain = append(msg.Chain, Element{
			Type: gjson.GetBytes(el, "type").String(),
			Data: el,
		})
	}
	return msg, w, nil
}
