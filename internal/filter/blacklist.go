package filter

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/keepmind9/miraibot/internal/event"
	"github.com/keepmind9/miraibot/internal/logger"
	"github.com/sirupsen/logrus"
)

// BlacklistControl runs for every group message seen by a Blacklist
type BlacklistControl func(ev *event.GroupMessage, bl *Blacklist)

type blacklistFile struct {
	Blacklist []string `json:"blacklist"`
}

type blacklistSnapshot struct {
	list []string
	set  map[string]struct{}
}

// Blacklist drops every handler for friend, group and temp messages sent
// by a listed QQ id. The persisted file has the form
//
//	{"blacklist": ["123456"]}
type Blacklist struct {
	path string

	mu    sync.Mutex
	state atomic.Pointer[blacklistSnapshot]

	controls []BlacklistControl
}

// NewBlacklist loads (or creates) the state file at path
func NewBlacklist(path string) (*Blacklist, error) {
	file := blacklistFile{Blacklist: []string{}}
	if err := loadState(path, &file); err != nil {
		return nil, err
	}
	if file.Blacklist == nil {
		file.Blacklist = []string{}
		if err := saveState(path, file); err != nil {
			return nil, err
		}
	}

	bl := &Blacklist{path: path}
	bl.state.Store(newBlacklistSnapshot(file.Blacklist))
	return bl, nil
}

func newBlacklistSnapshot(list []string) *blacklistSnapshot {
	s := &blacklistSnapshot{list: list, set: make(map[string]struct{}, len(list))}
	for _, id := range list {
		s.set[id] = struct{}{}
	}
	return s
}

// Name implements Filter
func (b *Blacklist) Name() string {
	return "BlacklistFilter"
}

// OnControl registers a control. Call it during setup only.
func (b *Blacklist) OnControl(fn BlacklistControl) {
	if fn != nil {
		b.controls = append(b.controls, fn)
	}
}

// Sift implements Filter
func (b *Blacklist) Sift(handlers []*event.Handler, ev event.Event) []*event.Handler {
	var sender int64
	switch e := ev.(type) {
	case *event.FriendMessage:
		sender = e.Sender
	case *event.GroupMessage:
		sender = e.Sender
	case *event.TempMessage:
		sender = e.Sender
	default:
		return handlers
	}

	if b.Contains(sender) {
		return nil
	}
	return handlers
}

// OnEvent implements Observer by running the controls for group messages
func (b *Blacklist) OnEvent(ev event.Event) {
	gm, ok := ev.(*event.GroupMessage)
	if !ok {
		return
	}
	for _, control := range b.controls {
		control(gm, b)
	}
}

// Contains reports whether qq is blacklisted
func (b *Blacklist) Contains(qq int64) bool {
	_, ok := b.state.Load().set[strconv.FormatInt(qq, 10)]
	return ok
}

// List returns the blacklisted ids in insertion order
func (b *Blacklist) List() []string {
	list := b.state.Load().list
	out := make([]string, len(list))
	copy(out, list)
	return out
}

// Add blacklists qq. It returns false when qq was already listed.
func (b *Blacklist) Add(qq int64) (bool, error) {
	id := strconv.FormatInt(qq, 10)
	return b.mutate(func(list []string) ([]string, bool) {
		if contains(list, id) {
			return list, false
		}
		return append(list, id), true
	})
}

// Remove takes qq off the blacklist. It returns false when qq was not
// listed.
func (b *Blacklist) Remove(qq int64) (bool, error) {
	id := strconv.FormatInt(qq, 10)
	return b.mutate(func(list []string) ([]string, bool) {
		out := make([]string, 0, len(list))
		for _, v := range list {
			if v != id {
				out = append(out, v)
			}
		}
		return out, len(out) != len(list)
	})
}

// Clear empties the blacklist
func (b *Blacklist) Clear() error {
	_, err := b.mutate(func([]string) ([]string, bool) {
		return []string{}, true
	})
	return err
}

func (b *Blacklist) mutate(fn func([]string) ([]string, bool)) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.state.Load().list
	list := make([]string, len(current))
	copy(list, current)

	next, changed := fn(list)
	if !changed {
		return false, nil
	}

	if err := saveState(b.path, blacklistFile{Blacklist: next}); err != nil {
		logger.ForComponent("filter").WithFields(logrus.Fields{
			"filter": b.Name(),
			"error":  err,
		}).Error("failed-to-persist-filter-state")
		return false, err
	}
	b.state.Store(newBlacklistSnapshot(next))
	return true, nil
}
