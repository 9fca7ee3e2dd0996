package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/keepmind9/miraibot/internal/event"
	"github.com/keepmind9/miraibot/internal/filter"
	"github.com/keepmind9/miraibot/internal/logger"
	"github.com/keepmind9/miraibot/internal/transport"
	"github.com/keepmind9/miraibot/pkg/constants"
	"github.com/sirupsen/logrus"
)

// commandSender issues gateway commands; *core.Runtime implements it
type commandSender interface {
	Send(ctx context.Context, cmd transport.Command) (json.RawMessage, error)
}

type plainElement struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messageContent struct {
	Target       int64          `json:"target"`
	MessageChain []plainElement `json:"messageChain"`
}

// textMessage builds a send command carrying a single Plain element
func textMessage(command string, target int64, text string) transport.Command {
	content, _ := json.Marshal(messageContent{
		Target:       target,
		MessageChain: []plainElement{{Type: "Plain", Text: text}},
	})
	return transport.Command{Name: command, Content: content}
}

// echoHandler repeats the text after the echo prefix back to where it came
// from
func echoHandler(sender commandSender) event.HandlerFunc {
	return func(ctx context.Context, ev event.Event) error {
		var cmd transport.Command
		switch e := ev.(type) {
		case *event.GroupMessage:
			text, ok := strings.CutPrefix(e.Plain(), constants.EchoPrefix)
			if !ok || strings.TrimSpace(text) == "" {
				return nil
			}
			cmd = textMessage("sendGroupMessage", e.Group, text)
		case *event.FriendMessage:
			text, ok := strings.CutPrefix(e.Plain(), constants.EchoPrefix)
			if !ok || strings.TrimSpace(text) == "" {
				return nil
			}
			cmd = textMessage("sendFriendMessage", e.Sender, text)
		default:
			return nil
		}

		ctx, cancel := context.WithTimeout(ctx, constants.ReplyTimeout)
		defer cancel()
		_, err := sender.Send(ctx, cmd)
		return err
	}
}

// logHandler records group activity at debug level
func logHandler(ctx context.Context, ev event.Event) error {
	log := logger.ForComponent("handler")
	switch e := ev.(type) {
	case *event.GroupMessage:
		log.WithFields(logrus.Fields{
			"group":  e.Group,
			"sender": e.Sender,
			"text":   e.Plain(),
			"at_bot": e.AtBot(),
		}).Debug("group-message")
	case *event.GroupRecallEvent:
		log.WithFields(logrus.Fields{
			"group":      e.Group,
			"author":     e.Author,
			"operator":   e.Operator,
			"message_id": e.MessageID,
		}).Debug("group-recall")
	}
	return nil
}

// controls implements the admin commands that mutate filter state from
// group chat. Controls run on the intake goroutine, so replies must not
// wait for the gateway.
type controls struct {
	isAdmin func(qq int64) bool
	reply   func(group int64, text string)
}

// asyncReply sends text to group in the background
func asyncReply(sender commandSender) func(group int64, text string) {
	return func(group int64, text string) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), constants.ReplyTimeout)
			defer cancel()
			if _, err := sender.Send(ctx, textMessage("sendGroupMessage", group, text)); err != nil {
				logger.ForComponent("controls").WithFields(logrus.Fields{
					"group": group,
					"error": err,
				}).Warn("control-reply-failed")
			}
		}()
	}
}

// parseControl splits an admin command into its arguments. It reports
// false when text is not addressed to prefix.
func parseControl(text, prefix string) ([]string, bool) {
	text = strings.TrimSpace(text)
	if text != prefix && !strings.HasPrefix(text, prefix+" ") {
		return nil, false
	}
	return strings.Fields(text[len(prefix):]), true
}

func (c *controls) authorized(ev *event.GroupMessage, command string) bool {
	if c.isAdmin(ev.Sender) {
		return true
	}
	logger.ForComponent("controls").WithFields(logrus.Fields{
		"group":   ev.Group,
		"sender":  ev.Sender,
		"command": command,
	}).Debug("control-not-authorized")
	return false
}

// switchControl handles
//
//	/switch [list] | /switch on|off <handler> | /switch all | /switch none
func (c *controls) switchControl(ev *event.GroupMessage, gs *filter.GroupSwitch) {
	args, ok := parseControl(ev.Plain(), constants.SwitchPrefix)
	if !ok || !c.authorized(ev, constants.SwitchPrefix) {
		return
	}

	reply, err := runSwitch(ev.Group, args, gs)
	if err != nil {
		logger.ForComponent("controls").WithFields(logrus.Fields{
			"group": ev.Group,
			"args":  args,
			"error": err,
		}).Error("group-switch-update-failed")
		reply = "failed to save group switch state"
	}
	c.reply(ev.Group, reply)
}

func runSwitch(group int64, args []string, gs *filter.GroupSwitch) (string, error) {
	if len(args) == 0 || args[0] == "list" {
		var sb strings.Builder
		fmt.Fprintf(&sb, "handlers in group %d:", group)
		for _, info := range gs.HandlersInfo(group) {
			state := "off"
			if info.Enabled {
				state = "on"
			}
			fmt.Fprintf(&sb, "\n[%s] %s", state, info.Name)
			if info.Help != "" {
				fmt.Fprintf(&sb, " - %s", info.Help)
			}
		}
		return sb.String(), nil
	}

	switch args[0] {
	case "all":
		return "all handlers enabled", gs.EnableAll(group)
	case "none":
		return "all handlers disabled", gs.DisableAll(group)
	case "on", "off":
		if len(args) != 2 {
			return fmt.Sprintf("usage: %s %s <handler>", constants.SwitchPrefix, args[0]), nil
		}
		name := args[1]
		var changed bool
		var err error
		if args[0] == "on" {
			changed, err = gs.Enable(group, name)
		} else {
			changed, err = gs.Disable(group, name)
		}
		if err != nil {
			return "", err
		}
		if !changed {
			return fmt.Sprintf("unknown handler %q", name), nil
		}
		return fmt.Sprintf("%s turned %s", name, args[0]), nil
	default:
		return fmt.Sprintf("usage: %s [list|all|none|on <handler>|off <handler>]", constants.SwitchPrefix), nil
	}
}

// blacklistControl handles
//
//	/blacklist [list] | /blacklist add|remove <qq> | /blacklist clear
func (c *controls) blacklistControl(ev *event.GroupMessage, bl *filter.Blacklist) {
	args, ok := parseControl(ev.Plain(), constants.BlacklistPrefix)
	if !ok || !c.authorized(ev, constants.BlacklistPrefix) {
		return
	}

	reply, err := runBlacklist(args, bl)
	if err != nil {
		logger.ForComponent("controls").WithFields(logrus.Fields{
			"group": ev.Group,
			"args":  args,
			"error": err,
		}).Error("blacklist-update-failed")
		reply = "failed to save blacklist"
	}
	c.reply(ev.Group, reply)
}

func runBlacklist(args []string, bl *filter.Blacklist) (string, error) {
	if len(args) == 0 || args[0] == "list" {
		list := bl.List()
		if len(list) == 0 {
			return "blacklist is empty", nil
		}
		return "blacklist: " + strings.Join(list, ", "), nil
	}

	switch args[0] {
	case "clear":
		return "blacklist cleared", bl.Clear()
	case "add", "remove":
		if len(args) != 2 {
			return fmt.Sprintf("usage: %s %s <qq>", constants.BlacklistPrefix, args[0]), nil
		}
		qq, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || qq <= 0 {
			return fmt.Sprintf("invalid qq %q", args[1]), nil
		}
		var changed bool
		if args[0] == "add" {
			changed, err = bl.Add(qq)
		} else {
			changed, err = bl.Remove(qq)
		}
		if err != nil {
			return "", err
		}
		switch {
		case args[0] == "add" && changed:
			return fmt.Sprintf("%d blacklisted", qq), nil
		case args[0] == "add":
			return fmt.Sprintf("%d is already blacklisted", qq), nil
		case changed:
			return fmt.Sprintf("%d removed from blacklist", qq), nil
		default:
			return fmt.Sprintf("%d is not blacklisted", qq), nil
		}
	default:
		return fmt.Sprintf("usage: %s [list|clear|add <qq>|remove <qq>]", constants.BlacklistPrefix), nil
	}
}
