package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/keepmind9/miraibot/internal/errs"
	"github.com/keepmind9/miraibot/internal/logger"
	"github.com/keepmind9/miraibot/internal/transport"
	"github.com/sirupsen/logrus"
)

// FrameSender writes one outbound frame
type FrameSender interface {
	Send(ctx context.Context, frame *transport.Frame) error
}

type reply struct {
	data json.RawMessage
	err  error
}

// Pending is a command waiting for its correlated reply
type Pending struct {
	id string
	c  *Correlator
	ch chan reply
}

// ID returns the sync id of the request
func (p *Pending) ID() string {
	return p.id
}

// Wait blocks until the reply arrives or ctx is done. When ctx ends first
// the request is abandoned: a late reply is then treated as unmatched.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case r := <-p.ch:
		return r.data, r.err
	case <-ctx.Done():
		p.c.Abandon(p.id)
		return nil, ctx.Err()
	}
}

// Correlator pairs outbound stream commands with their replies by sync id.
// The table imposes no deadline of its own; callers bound Wait with ctx.
type Correlator struct {
	sender FrameSender

	mu      sync.Mutex
	pending map[string]*Pending

	metrics *Metrics
}

// NewCorrelator creates an empty table that writes frames through sender
func NewCorrelator(sender FrameSender, metrics *Metrics) *Correlator {
	return &Correlator{
		sender:  sender,
		pending: make(map[string]*Pending),
		metrics: metrics,
	}
}

// Submit registers frame.SyncID and sends the frame. The slot is removed
// again when the send fails.
func (c *Correlator) Submit(ctx context.Context, frame *transport.Frame) (*Pending, error) {
	if frame.SyncID == "" || frame.SyncID == transport.UnsolicitedSyncID {
		return nil, fmt.Errorf("invalid sync id %q", frame.SyncID)
	}

	p := &Pending{id: frame.SyncID, c: c, ch: make(chan reply, 1)}

	c.mu.Lock()
	if _, exists := c.pending[p.id]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("sync id %q already pending", p.id)
	}
	c.pending[p.id] = p
	c.updateGauge()
	c.mu.Unlock()

	if err := c.sender.Send(ctx, frame); err != nil {
		c.take(p.id)
		return nil, err
	}
	return p, nil
}

func (c *Correlator) take(id string) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	c.updateGauge()
	return p
}

// Resolve completes the request id with data. It returns false, and logs
// a correlation miss, when id is not pending.
func (c *Correlator) Resolve(id string, data json.RawMessage) bool {
	return c.complete(id, reply{data: data})
}

// Fail completes the request id with err
func (c *Correlator) Fail(id string, err error) bool {
	return c.complete(id, reply{err: err})
}

func (c *Correlator) complete(id string, r reply) bool {
	p := c.take(id)
	if p == nil {
		miss := &errs.CorrelationMiss{SyncID: id}
		logger.ForComponent("correlator").WithFields(logrus.Fields{
			"sync_id": id,
			"error":   miss,
		}).Warn("correlation-miss")
		if c.metrics != nil {
			c.metrics.correlationMisses.Inc()
		}
		return false
	}
	p.ch <- r
	return true
}

// Abandon drops the request id without completing it
func (c *Correlator) Abandon(id string) bool {
	if c.take(id) == nil {
		return false
	}
	logger.ForComponent("correlator").WithField("sync_id", id).Debug("request-abandoned")
	return true
}

// FailAll completes every pending request with err and returns how many
// there were
func (c *Correlator) FailAll(err error) int {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*Pending)
	c.updateGauge()
	c.mu.Unlock()

	for _, p := range pending {
		p.ch <- reply{err: err}
	}
	return len(pending)
}

// Len returns the number of pending requests
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// updateGauge must be called with mu held
func (c *Correlator) updateGauge() {
	if c.metrics != nil {
		c.metrics.pendingRequests.Set(float64(len(c.pending)))
	}
}
