package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/keepmind9/miraibot/internal/errs"
	"github.com/keepmind9/miraibot/internal/event"
	"github.com/keepmind9/miraibot/internal/filter"
	"github.com/keepmind9/miraibot/internal/logger"
	"github.com/keepmind9/miraibot/internal/pool"
	"github.com/keepmind9/miraibot/internal/schedule"
	"github.com/keepmind9/miraibot/internal/transport"
	"github.com/keepmind9/miraibot/pkg/constants"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// Runtime owns one gateway session together with its handler registry,
// filter chain, worker pool, scheduler and (ws only) correlation table.
//
// Handlers, filters and jobs are registered between New and Run. Only one
// Run per Runtime is allowed; independent runtimes may coexist in one
// process.
type Runtime struct {
	config *Config

	session    *Session
	poll       transport.PollTransport
	stream     transport.StreamTransport
	dispatcher *Dispatcher
	scheduler  *schedule.Scheduler
	correlator *Correlator

	registry      *prometheus.Registry
	metrics       *Metrics
	metricsServer *http.Server

	state atomic.Int32
}

// Option configures a Runtime
type Option func(*Runtime)

// WithPollTransport replaces the default HTTP transport
func WithPollTransport(t transport.PollTransport) Option {
	return func(r *Runtime) {
		r.poll = t
	}
}

// WithStreamTransport replaces the default websocket transport
func WithStreamTransport(t transport.StreamTransport) Option {
	return func(r *Runtime) {
		r.stream = t
	}
}

// WithRegistry collects metrics into reg instead of a private registry
func WithRegistry(reg *prometheus.Registry) Option {
	return func(r *Runtime) {
		if reg != nil {
			r.registry = reg
		}
	}
}

// New creates a runtime for config. Missing defaults are filled in.
func New(config *Config, opts ...Option) (*Runtime, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	r := &Runtime{
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(r)
	}

	kind := transport.Kind(config.Gateway.Adapter)
	r.session = NewSession(config.Bot.QQ, config.Bot.VerifyKey, config.Bot.SessionKey, kind)
	r.metrics = NewMetrics(r.registry)
	r.scheduler = schedule.New(schedule.WithStaleWindow(config.StaleWindow()))
	r.dispatcher = NewDispatcher(config.Bot.QQ, pool.Config{
		CoreSize:    config.Pool.CoreSize,
		MaxSize:     config.Pool.MaxSize,
		IdleTimeout: config.PoolIdleTimeout(),
	}, r.metrics, pool.WithMetrics[workItem](pool.NewMetrics(r.registry, metricsNamespace+"_pool")))

	switch kind {
	case transport.KindPoll:
		if r.poll == nil {
			r.poll = transport.NewHTTPTransport(config.BaseURL(), config.RequestTimeout())
		}
	case transport.KindStream:
		if r.stream == nil {
			r.stream = transport.NewWebSocketTransport(config.BaseURL(), config.RequestTimeout())
		}
		r.correlator = NewCorrelator(r.stream, r.metrics)
	}

	r.state.Store(int32(StateCreated))
	return r, nil
}

// State returns the lifecycle state
func (r *Runtime) State() State {
	return State(r.state.Load())
}

// Session returns the gateway session
func (r *Runtime) Session() *Session {
	return r.session
}

// Scheduler returns the job scheduler driven by this runtime
func (r *Runtime) Scheduler() *schedule.Scheduler {
	return r.scheduler
}

// Registry returns the Prometheus registry holding the runtime metrics
func (r *Runtime) Registry() *prometheus.Registry {
	return r.registry
}

// Stats returns worker pool statistics
func (r *Runtime) Stats() pool.Stats {
	return r.dispatcher.Stats()
}

// Register adds a handler for kind. Handlers of a kind run in
// registration order.
func (r *Runtime) Register(kind event.Kind, name string, fn event.HandlerFunc) (*event.Handler, error) {
	h := event.NewHandler(name, fn)
	if err := r.RegisterHandler(kind, h); err != nil {
		return nil, err
	}
	return h, nil
}

// RegisterHandler adds an existing handler for kind
func (r *Runtime) RegisterHandler(kind event.Kind, h *event.Handler) error {
	if r.State() != StateCreated {
		return errs.ErrAlreadyRunning
	}
	if h == nil {
		return fmt.Errorf("nil handler for %s", kind)
	}
	r.dispatcher.Register(kind, h)
	logger.ForComponent("runtime").WithFields(logrus.Fields{
		"kind":    kind,
		"handler": h.Name,
	}).Debug("handler-registered")
	return nil
}

// RegisterFilter appends f to the filter chain. Filters run in
// registration order.
func (r *Runtime) RegisterFilter(f filter.Filter) error {
	if r.State() != StateCreated {
		return errs.ErrAlreadyRunning
	}
	if f == nil {
		return fmt.Errorf("nil filter")
	}
	r.dispatcher.AddFilter(f)
	logger.ForComponent("runtime").WithField("filter", f.Name()).Debug("filter-registered")
	return nil
}

// Run authenticates and then drives the receive loop until ctx is done.
// Handshake failures are returned before the loop starts; every error met
// while running is logged and retried on the next tick.
func (r *Runtime) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateCreated), int32(StateAuthenticating)) {
		return errs.ErrAlreadyRunning
	}

	log := logger.ForComponent("runtime")
	log.WithFields(logrus.Fields{
		"qq":      r.config.Bot.QQ,
		"adapter": r.session.Kind(),
		"gateway": r.config.BaseURL(),
	}).Info("starting-miraibot-runtime")

	if err := r.establish(ctx); err != nil {
		r.state.Store(int32(StateStopped))
		r.closeTransport()
		r.dispatcher.pool.Stop(constants.ShutdownTimeout)
		return err
	}

	r.dispatcher.bind()
	if r.config.MetricsServer.Port > 0 {
		r.startMetricsServer()
	}

	r.state.Store(int32(StateRunning))
	log.WithField("jobs", r.scheduler.Len()).Info("runtime-running")

	var err error
	switch r.session.Kind() {
	case transport.KindPoll:
		err = r.runPoll(ctx)
	default:
		err = r.runStream(ctx)
	}

	r.shutdown()
	return err
}

func (r *Runtime) establish(ctx context.Context) error {
	switch r.session.Kind() {
	case transport.KindPoll:
		return r.session.EstablishPoll(ctx, r.poll)
	case transport.KindStream:
		return r.session.EstablishStream(ctx, r.stream)
	default:
		return fmt.Errorf("unknown adapter %q", r.session.Kind())
	}
}

// runPoll fetches a batch every tick, running due jobs first
func (r *Runtime) runPoll(ctx context.Context) error {
	ticker := time.NewTicker(r.config.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r.pollOnce(ctx, now)
		}
	}
}

func (r *Runtime) pollOnce(ctx context.Context, now time.Time) {
	r.scheduler.RunPending(ctx, now)

	batch, err := r.poll.FetchBatch(ctx, r.session.Token(), r.config.Runtime.FetchCount)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.metrics.transportErrors.WithLabelValues("fetch").Inc()
		logger.ForComponent("runtime").WithField("error", err).Warn("fetch-failed")
		return
	}

	for _, raw := range batch {
		if err := r.dispatcher.Dispatch(raw); err != nil {
			logger.ForComponent("runtime").WithFields(logrus.Fields{
				"error": err,
				"type":  gjson.GetBytes(raw, "type").String(),
			}).Warn("dispatch-failed")
		}
	}
}

// runStream receives frames on the calling goroutine while a second
// goroutine drives the scheduler
func (r *Runtime) runStream(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.scheduler.Run(gctx, r.config.TickInterval())
	})
	g.Go(func() error {
		return r.receiveLoop(gctx)
	})

	return g.Wait()
}

func (r *Runtime) receiveLoop(ctx context.Context) error {
	log := logger.ForComponent("runtime")
	tick := r.config.TickInterval()
	var lastErr string

	for {
		frame, err := r.stream.ReceiveOne(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			var pe *errs.ProtocolError
			if errors.As(err, &pe) {
				log.WithField("error", err).Warn("frame-decode-failed")
				continue
			}

			r.metrics.transportErrors.WithLabelValues("receive").Inc()
			if err.Error() != lastErr {
				log.WithField("error", err).Warn("receive-failed")
				lastErr = err.Error()
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(tick):
			}
			continue
		}

		lastErr = ""
		r.handleFrame(frame)
	}
}

func (r *Runtime) handleFrame(frame *transport.Frame) {
	if frame.Unsolicited() {
		if err := r.dispatcher.Dispatch(frame.Data); err != nil {
			logger.ForComponent("runtime").WithFields(logrus.Fields{
				"error": err,
				"type":  gjson.GetBytes(frame.Data, "type").String(),
			}).Warn("dispatch-failed")
		}
		return
	}

	if code := gjson.GetBytes(frame.Data, "code"); code.Exists() && code.Int() != transport.CodeOK {
		logger.ForComponent("runtime").WithFields(logrus.Fields{
			"sync_id": frame.SyncID,
			"code":    code.Int(),
			"msg":     gjson.GetBytes(frame.Data, "msg").String(),
		}).Debug("command-rejected-by-gateway")
	}
	r.correlator.Resolve(frame.SyncID, frame.Data)
}

// Send issues cmd and returns the gateway's reply. On the ws adapter the
// reply is correlated by a fresh sync id; the wait ends with ctx, or with
// runtime.command_timeout when configured, and otherwise lasts until the
// reply arrives or the runtime stops.
func (r *Runtime) Send(ctx context.Context, cmd transport.Command) (json.RawMessage, error) {
	if r.State() != StateRunning {
		return nil, errs.ErrNotRunning
	}

	if r.session.Kind() == transport.KindPoll {
		return r.poll.Command(ctx, r.session.Token(), cmd)
	}

	if timeout := r.config.CommandTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	frame := &transport.Frame{
		SyncID:  uuid.NewString(),
		Command: cmd.Name,
		Content: cmd.Content,
	}
	if cmd.SubCommand != "" {
		sub := cmd.SubCommand
		frame.SubCommand = &sub
	}

	pending, err := r.correlator.Submit(ctx, frame)
	if err != nil {
		return nil, err
	}
	return pending.Wait(ctx)
}

// Release frees a poll session that this runtime created. Supplied
// sessions and ws sessions are left alone.
func (r *Runtime) Release(ctx context.Context) error {
	if r.session.Kind() != transport.KindPoll || r.session.External() || r.session.Token() == "" {
		return nil
	}
	return r.poll.Release(ctx, r.session.Token(), r.session.BotID)
}

func (r *Runtime) shutdown() {
	log := logger.ForComponent("runtime")
	log.Info("stopping-miraibot-runtime")

	r.state.Store(int32(StateStopped))

	if r.correlator != nil {
		if n := r.correlator.FailAll(errs.ErrSessionClosed); n > 0 {
			log.WithField("count", n).Warn("pending-requests-failed")
		}
	}

	if !r.dispatcher.pool.Stop(constants.ShutdownTimeout) {
		log.Warn("worker-pool-stop-timeout")
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()
	if err := r.Release(ctx); err != nil {
		log.WithField("error", err).Warn("failed-to-release-session")
	}

	r.closeTransport()
	r.stopMetricsServer()

	log.Info("runtime-stopped")
}

func (r *Runtime) closeTransport() {
	var err error
	if r.poll != nil {
		err = r.poll.Close()
	}
	if r.stream != nil {
		err = errors.Join(err, r.stream.Close())
	}
	if err != nil {
		logger.ForComponent("runtime").WithField("error", err).Warn("failed-to-close-transport")
	}
}
