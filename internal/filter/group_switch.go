package filter

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/keepmind9/miraibot/internal/event"
	"github.com/keepmind9/miraibot/internal/logger"
	"github.com/sirupsen/logrus"
)

// GroupSwitchControl runs for every group message seen by a GroupSwitch.
// Admin commands that toggle handlers are written as controls.
type GroupSwitchControl func(ev *event.GroupMessage, gs *GroupSwitch)

// HandlerInfo describes a handler known to a GroupSwitch
type HandlerInfo struct {
	Name    string `json:"name"`
	Help    string `json:"help,omitempty"`
	Enabled bool   `json:"enabled"`
}

// GroupSwitch enables handlers per group. Group messages and recall events
// only reach the handlers enabled for their group; a group with no entry
// has nothing enabled. Other event kinds pass through untouched.
//
// The persisted file maps group id to the enabled handler names:
//
//	{"888": ["echo", "weather"]}
type GroupSwitch struct {
	path string

	mu      sync.Mutex
	enabled atomic.Pointer[map[string][]string]
	known   atomic.Pointer[[]*event.Handler]

	controls []GroupSwitchControl
}

// NewGroupSwitch loads (or creates) the state file at path
func NewGroupSwitch(path string) (*GroupSwitch, error) {
	state := map[string][]string{}
	if err := loadState(path, &state); err != nil {
		return nil, err
	}

	gs := &GroupSwitch{path: path}
	gs.enabled.Store(&state)
	empty := []*event.Handler{}
	gs.known.Store(&empty)
	return gs, nil
}

// Name implements Filter
func (g *GroupSwitch) Name() string {
	return "GroupSwitchFilter"
}

// OnControl registers a control. Call it during setup only.
func (g *GroupSwitch) OnControl(fn GroupSwitchControl) {
	if fn != nil {
		g.controls = append(g.controls, fn)
	}
}

// Bind records the handlers that can be toggled: everything registered for
// group messages and group recall events.
func (g *GroupSwitch) Bind(registry map[event.Kind][]*event.Handler) {
	seen := make(map[string]bool)
	var known []*event.Handler
	for _, kind := range []event.Kind{event.KindGroupMessage, event.KindGroupRecall} {
		for _, h := range registry[kind] {
			if seen[h.Name] {
				continue
			}
			seen[h.Name] = true
			known = append(known, h)
		}
	}
	g.known.Store(&known)
}

// Sift implements Filter
func (g *GroupSwitch) Sift(handlers []*event.Handler, ev event.Event) []*event.Handler {
	var group int64
	switch e := ev.(type) {
	case *event.GroupMessage:
		group = e.Group
	case *event.GroupRecallEvent:
		group = e.Group
	default:
		return handlers
	}

	enabled := (*g.enabled.Load())[groupKey(group)]
	if len(enabled) == 0 {
		return nil
	}

	out := make([]*event.Handler, 0, len(handlers))
	for _, h := range handlers {
		if contains(enabled, h.Name) {
			out = append(out, h)
		}
	}
	return out
}

// OnEvent implements Observer by running the controls for group messages
func (g *GroupSwitch) OnEvent(ev event.Event) {
	gm, ok := ev.(*event.GroupMessage)
	if !ok {
		return
	}
	for _, control := range g.controls {
		control(gm, g)
	}
}

// IsKnown reports whether name can be toggled
func (g *GroupSwitch) IsKnown(name string) bool {
	for _, h := range *g.known.Load() {
		if h.Name == name {
			return true
		}
	}
	return false
}

// Enabled returns the handler names enabled for group
func (g *GroupSwitch) Enabled(group int64) []string {
	names := (*g.enabled.Load())[groupKey(group)]
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Enable turns on handler name for group. It returns false when the name
// is not a known handler.
func (g *GroupSwitch) Enable(group int64, name string) (bool, error) {
	if !g.IsKnown(name) {
		return false, nil
	}
	err := g.mutate(group, func(names []string) []string {
		if contains(names, name) {
			return names
		}
		return append(names, name)
	})
	return err == nil, err
}

// Disable turns off handler name for group. It returns false when the
// name is not a known handler.
func (g *GroupSwitch) Disable(group int64, name string) (bool, error) {
	if !g.IsKnown(name) {
		return false, nil
	}
	err := g.mutate(group, func(names []string) []string {
		out := make([]string, 0, len(names))
		for _, n := range names {
			if n != name {
				out = append(out, n)
			}
		}
		return out
	})
	return err == nil, err
}

// EnableAll turns on every known handler for group
func (g *GroupSwitch) EnableAll(group int64) error {
	known := *g.known.Load()
	return g.mutate(group, func([]string) []string {
		names := make([]string, 0, len(known))
		for _, h := range known {
			names = append(names, h.Name)
		}
		return names
	})
}

// DisableAll turns off every handler for group
func (g *GroupSwitch) DisableAll(group int64) error {
	return g.mutate(group, func([]string) []string {
		return []string{}
	})
}

// HandlersInfo lists the known handlers and whether each is enabled for
// group
func (g *GroupSwitch) HandlersInfo(group int64) []HandlerInfo {
	enabled := (*g.enabled.Load())[groupKey(group)]
	known := *g.known.Load()

	infos := make([]HandlerInfo, 0, len(known))
	for _, h := range known {
		infos = append(infos, HandlerInfo{
			Name:    h.Name,
			Help:    h.Help,
			Enabled: contains(enabled, h.Name),
		})
	}
	return infos
}

// mutate copies the current state, applies fn to one group's list,
// persists the result and only then publishes it to readers.
func (g *GroupSwitch) mutate(group int64, fn func([]string) []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	current := *g.enabled.Load()
	next := make(map[string][]string, len(current)+1)
	for k, v := range current {
		next[k] = v
	}

	key := groupKey(group)
	names := make([]string, len(current[key]))
	copy(names, current[key])
	next[key] = fn(names)

	if err := saveState(g.path, next); err != nil {
		logger.ForComponent("filter").WithFields(logrus.Fields{
			"filter": g.Name(),
			"group":  group,
			"error":  err,
		}).Error("failed-to-persist-filter-state")
		return err
	}
	g.enabled.Store(&next)
	return nil
}

func groupKey(group int64) string {
	return strconv.FormatInt(group, 10)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
