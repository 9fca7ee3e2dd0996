package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keepmind9/miraibot/internal/errs"
	"github.com/keepmind9/miraibot/internal/event"
	"github.com/keepmind9/miraibot/internal/pool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects handler invocations
type recorder struct {
	mu     sync.Mutex
	calls  []string
	events []event.Event
	done   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{}, 64)}
}

func (r *recorder) handler(name string, err error) event.HandlerFunc {
	return func(ctx context.Context, ev event.Event) error {
		r.mu.Lock()
		r.calls = append(r.calls, name)
		r.events = append(r.events, ev)
		r.mu.Unlock()
		r.done <- struct{}{}
		return err
	}
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d invocations", i, n)
		}
	}
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	d := NewDispatcher(42, pool.Config{CoreSize: 1, MaxSize: 1, IdleTimeout: time.Second}, metrics)
	t.Cleanup(func() { d.pool.Stop(time.Second) })
	return d, metrics
}

func TestDispatcher_RunsHandlersInOrderOnce(t *testing.T) {
	d, metrics := newTestDispatcher(t)
	rec := newRecorder()
	for _, name := range []string{"a", "b", "c"} {
		d.Register(event.KindGroupMessage, event.NewHandler(name, rec.handler(name, nil)))
	}
	d.bind()

	require.NoError(t, d.Dispatch(groupMessageRaw(888, 7, "hello")))
	rec.wait(t, 3)

	assert.Equal(t, []string{"a", "b", "c"}, rec.names())
	gm, ok := rec.events[0].(*event.GroupMessage)
	require.True(t, ok)
	assert.Equal(t, int64(888), gm.Group)
	assert.Equal(t, "hello", gm.Plain())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.eventsReceived.WithLabelValues("GroupMessage")))

	assert.Eventually(t, func() bool { return d.Stats().Processed == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, rec.names(), 3, "each handler runs exactly once")
}

func TestDispatcher_FailureContainment(t *testing.T) {
	d, _ := newTestDispatcher(t)
	rec := newRecorder()
	d.Register(event.KindGroupMessage, event.NewHandler("fails", rec.handler("fails", errors.New("boom"))))
	d.Register(event.KindGroupMessage, event.NewHandler("panics", func(ctx context.Context, ev event.Event) error {
		rec.done <- struct{}{}
		panic("handler bug")
	}))
	d.Register(event.KindGroupMessage, event.NewHandler("after", rec.handler("after", nil)))
	d.bind()

	require.NoError(t, d.Dispatch(groupMessageRaw(1, 2, "x")))
	rec.wait(t, 3)
	assert.Equal(t, []string{"fails", "after"}, rec.names())

	assert.Eventually(t, func() bool { return d.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Dispatch(groupMessageRaw(1, 2, "y")))
	rec.wait(t, 3)
	assert.Len(t, rec.names(), 4, "dispatcher keeps working after failures")
}

func TestDispatcher_ProcessJoinsFailures(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ev, err := event.Decode(groupMessageRaw(1, 2, "x"), 42)
	require.NoError(t, err)

	err = d.process(context.Background(), workItem{ev: ev, handlers: []*event.Handler{
		event.NewHandler("one", func(ctx context.Context, ev event.Event) error { return errors.New("first") }),
		event.NewHandler("two", func(ctx context.Context, ev event.Event) error { panic("second") }),
	}})
	require.Error(t, err)

	var de *errs.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "one", de.Handler)
	assert.Contains(t, err.Error(), "two")
}

func TestDispatcher_Drops(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		reason  string
		wantErr bool
	}{
		{name: "no handlers for kind", raw: `{"type":"FriendMessage","sender":{"id":1},"messageChain":[]}`, reason: "unhandled"},
		{name: "unknown kind", raw: `{"type":"NudgeEvent"}`, reason: "unhandled"},
		{name: "malformed payload", raw: `{"type":"GroupMessage","sender":"nobody"}`, reason: "decode", wantErr: true},
		{name: "filtered out", raw: string(groupMessageRaw(1, 99, "x")), reason: "filtered"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, metrics := newTestDispatcher(t)
			rec := newRecorder()
			d.Register(event.KindGroupMessage, event.NewHandler("h", rec.handler("h", nil)))
			d.AddFilter(&senderVeto{sender: 99})
			d.bind()

			err := d.Dispatch([]byte(tt.raw))
			if tt.wantErr {
				var pe *errs.ProtocolError
				assert.ErrorAs(t, err, &pe)
			} else {
				assert.NoError(t, err)
			}

			assert.Equal(t, float64(1), testutil.ToFloat64(metrics.eventsDropped.WithLabelValues(tt.reason)))
			assert.Zero(t, d.Stats().Submitted)
			assert.Empty(t, rec.names())
		})
	}
}

func TestDispatcher_SubmitAfterStop(t *testing.T) {
	d, metrics := newTestDispatcher(t)
	d.Register(event.KindGroupMessage, event.NewHandler("h", nil))
	d.bind()
	require.True(t, d.pool.Stop(time.Second))

	err := d.Dispatch(groupMessageRaw(1, 2, "x"))
	assert.ErrorIs(t, err, errs.ErrPoolStopped)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.eventsDropped.WithLabelValues("pool-stopped")))
}

// senderVeto drops every handler for messages from one sender
type senderVeto struct {
	sender int64
}

func (f *senderVeto) Name() string { return "sender-veto" }

func (f *senderVeto) Sift(handlers []*event.Handler, ev event.Event) []*event.Handler {
	if gm, ok := ev.(*event.GroupMessage); ok && gm.Sender == f.sender {
		return nil
	}
	return handlers
}
