package core

import (
	"context"
	"errors"

	"github.com/keepmind9/miraibot/internal/errs"
	"github.com/keepmind9/miraibot/internal/event"
	"github.com/keepmind9/miraibot/internal/filter"
	"github.com/keepmind9/miraibot/internal/logger"
	"github.com/keepmind9/miraibot/internal/pool"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// workItem is one event paired with the handlers that survived filtering
type workItem struct {
	handlers []*event.Handler
	ev       event.Event
}

// Dispatcher decodes inbound events, narrows the registered handlers
// through the filter chain and hands the result to the worker pool.
//
// Registration happens before Run and the registry is read-only
// afterwards, so lookups take no lock.
type Dispatcher struct {
	botID    int64
	handlers map[event.Kind][]*event.Handler
	chain    *filter.Chain
	pool     *pool.Pool[workItem]
	metrics  *Metrics
}

// NewDispatcher creates a dispatcher whose work runs on a pool sized by cfg
func NewDispatcher(botID int64, cfg pool.Config, metrics *Metrics, poolOpts ...pool.Option[workItem]) *Dispatcher {
	d := &Dispatcher{
		botID:    botID,
		handlers: make(map[event.Kind][]*event.Handler),
		chain:    filter.NewChain(),
		metrics:  metrics,
	}
	d.pool = pool.New(cfg, d.process, poolOpts...)
	return d
}

// Register appends h to the handlers of kind
func (d *Dispatcher) Register(kind event.Kind, h *event.Handler) {
	d.handlers[kind] = append(d.handlers[kind], h)
}

// AddFilter appends f to the filter chain
func (d *Dispatcher) AddFilter(f filter.Filter) {
	d.chain.Add(f)
}

// Handlers returns the handlers registered for kind
func (d *Dispatcher) Handlers(kind event.Kind) []*event.Handler {
	return d.handlers[kind]
}

// bind shares the final registry with filters that need it
func (d *Dispatcher) bind() {
	d.chain.Bind(d.handlers)
}

// Dispatch handles one raw event. Kinds without handlers are dropped
// before decoding. A decode failure is returned as a ProtocolError and
// affects only this event.
func (d *Dispatcher) Dispatch(raw []byte) error {
	kind := event.Kind(gjson.GetBytes(raw, "type").String())
	if d.metrics != nil {
		d.metrics.eventsReceived.WithLabelValues(string(kind)).Inc()
	}

	if len(d.handlers[kind]) == 0 {
		d.drop("unhandled")
		return nil
	}

	ev, err := event.Decode(raw, d.botID)
	if err != nil {
		d.drop("decode")
		return err
	}
	return d.DispatchEvent(ev)
}

// DispatchEvent filters and submits an already decoded event
func (d *Dispatcher) DispatchEvent(ev event.Event) error {
	registered := d.handlers[ev.Kind()]
	if len(registered) == 0 {
		d.drop("unhandled")
		return nil
	}

	handlers := d.chain.Apply(registered, ev)
	if len(handlers) == 0 {
		d.drop("filtered")
		logger.ForComponent("dispatcher").WithField("kind", ev.Kind()).Debug("all-handlers-filtered")
		return nil
	}

	if err := d.pool.Submit(workItem{handlers: handlers, ev: ev}); err != nil {
		d.drop("pool-stopped")
		return err
	}
	return nil
}

func (d *Dispatcher) drop(reason string) {
	if d.metrics != nil {
		d.metrics.eventsDropped.WithLabelValues(reason).Inc()
	}
}

// process runs every handler of item in order. A failing handler is
// logged and the rest still run.
func (d *Dispatcher) process(ctx context.Context, item workItem) error {
	var failures []error
	for _, h := range item.handlers {
		if err := h.Call(ctx, item.ev); err != nil {
			fields := logrus.Fields{
				"handler": h.Name,
				"kind":    item.ev.Kind(),
				"error":   err,
			}
			var de *errs.DispatchError
			if errors.As(err, &de) && de.Panic != nil {
				logger.ForComponent("dispatcher").WithFields(fields).Error("handler-panic-recovered")
			} else {
				logger.ForComponent("dispatcher").WithFields(fields).Warn("handler-failed")
			}
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// Stats returns worker pool statistics
func (d *Dispatcher) Stats() pool.Stats {
	return d.pool.Stats()
}
