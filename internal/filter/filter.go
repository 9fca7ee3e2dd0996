// Package filter implements the ordered filter chain applied to the handler
// set of every dispatched event.
//
// A filter narrows or reorders the handlers registered for an event's kind;
// it can never add one. Filters run in registration order and each one sees
// the output of the previous filter. Filters with persisted state keep it in
// a JSON file per instance.
package filter

import (
	"github.com/keepmind9/miraibot/internal/event"
	"github.com/keepmind9/miraibot/internal/logger"
	"github.com/sirupsen/logrus"
)

// Filter narrows the handler set for an event
type Filter interface {
	// Name identifies the filter in logs
	Name() string
	// Sift returns a subset of handlers, possibly reordered
	Sift(handlers []*event.Handler, ev event.Event) []*event.Handler
}

// Observer is implemented by filters that want to see every filtered event
type Observer interface {
	OnEvent(ev event.Event)
}

// Binder is implemented by filters that need the handler registry before
// the first event arrives
type Binder interface {
	Bind(registry map[event.Kind][]*event.Handler)
}

// Chain applies filters in registration order. It is built during setup
// and only read afterwards.
type Chain struct {
	filters []Filter
}

// NewChain creates a chain from filters, in order
func NewChain(filters ...Filter) *Chain {
	c := &Chain{}
	for _, f := range filters {
		c.Add(f)
	}
	return c
}

// Add appends a filter to the end of the chain
func (c *Chain) Add(f Filter) {
	if f != nil {
		c.filters = append(c.filters, f)
	}
}

// Len returns the number of filters
func (c *Chain) Len() int {
	return len(c.filters)
}

// Filters returns the filters in order
func (c *Chain) Filters() []Filter {
	out := make([]Filter, len(c.filters))
	copy(out, c.filters)
	return out
}

// Bind hands the registry to every filter that implements Binder
func (c *Chain) Bind(registry map[event.Kind][]*event.Handler) {
	for _, f := range c.filters {
		if b, ok := f.(Binder); ok {
			b.Bind(registry)
		}
	}
}

// Apply runs Sift and then OnEvent for each filter in order and returns
// the surviving handlers. The input slice is never modified.
func (c *Chain) Apply(handlers []*event.Handler, ev event.Event) []*event.Handler {
	current := make([]*event.Handler, len(handlers))
	copy(current, handlers)

	for _, f := range c.filters {
		sifted := f.Sift(current, ev)
		current = restrict(current, sifted, f.Name())
		if obs, ok := f.(Observer); ok {
			obs.OnEvent(ev)
		}
	}
	return current
}

// restrict keeps the entries of out that came from in, each at most as
// often as it appeared in in.
func restrict(in, out []*event.Handler, filterName string) []*event.Handler {
	if len(out) == 0 {
		return nil
	}

	budget := make(map[*event.Handler]int, len(in))
	for _, h := range in {
		budget[h]++
	}

	kept := make([]*event.Handler, 0, len(out))
	for _, h := range out {
		if budget[h] == 0 {
			name := "<nil>"
			if h != nil {
				name = h.Name
			}
			logger.ForComponent("filter").WithFields(logrus.Fields{
				"filter":  filterName,
				"handler": name,
			}).Warn("filter-added-handler-dropped")
			continue
		}
		budget[h]--
		kept = append(kept, h)
	}
	return kept
}
