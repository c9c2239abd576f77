// Package acquisition decides when a stream of position fixes is good enough.
//
// A Controller owns one acquisition session at a time. Every input (fixes,
// provider errors, address lookups completing, the session timeout, and the
// Start/Stop/Reset calls) is queued and handled on the goroutine running
// Run, one event at a time, so handlers need no locks. Each session and each
// address lookup carries a token; events stamped with an outdated token are
// dropped.
package acquisition

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/location-acquisition-service/internal/domain"
	"github.com/couchcryptid/location-acquisition-service/internal/observability"
)

// ErrNotRunning is returned by the mutating entry points once Run has exited.
var ErrNotRunning = errors.New("acquisition controller is not running")

// Settings tunes the acquisition state machine.
type Settings struct {
	DesiredAccuracy   float64       // meters; a fix at or below this ends the session
	SessionTimeout    time.Duration // give up when no fix arrives within this window
	MaxFixAge         time.Duration // older readings are cached, not current
	DuplicateDistance float64       // meters; fixes closer than this count as the same place
	DuplicateWindow   time.Duration // force-finish when duplicates span longer than this during a lookup
}

// DefaultSettings returns the tuning used by the service.
func DefaultSettings() Settings {
	return Settings{
		DesiredAccuracy:   10,
		SessionTimeout:    60 * time.Second,
		MaxFixAge:         5 * time.Second,
		DuplicateDistance: 1,
		DuplicateWindow:   10 * time.Second,
	}
}

// Listener receives a copy of the state after every change. Listeners run on
// the controller goroutine and must not block or call back into the controller.
type Listener func(domain.State)

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the real clock, typically with a clockwork.FakeClock in tests.
func WithClock(c clockwork.Clock) Option {
	return func(ctrl *Controller) { ctrl.clock = c }
}

// WithSettings overrides DefaultSettings.
func WithSettings(s Settings) Option {
	return func(ctrl *Controller) { ctrl.settings = s }
}

// WithListener registers a change-notification hook.
func WithListener(l Listener) Option {
	return func(ctrl *Controller) { ctrl.listeners = append(ctrl.listeners, l) }
}

type resolveRequest struct {
	id     uint64
	fix    domain.Fix
	cancel context.CancelFunc
}

// Controller runs the location acquisition state machine.
type Controller struct {
	provider  domain.PositionProvider
	resolver  domain.AddressResolver
	clock     clockwork.Clock
	settings  Settings
	logger    *slog.Logger
	metrics   *observability.Metrics
	listeners []Listener

	events   chan func()
	done     chan struct{}
	running  atomic.Bool
	snapshot atomic.Pointer[domain.State]

	// Owned by the Run goroutine.
	state        domain.State
	session      uint64
	timer        clockwork.Timer
	resolve      *resolveRequest
	nextResolve  uint64
	lastResolved *domain.Fix
}

// New creates a Controller. A nil resolver disables address lookup.
func New(provider domain.PositionProvider, resolver domain.AddressResolver, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Controller {
	c := &Controller{
		provider: provider,
		resolver: resolver,
		clock:    clockwork.NewRealClock(),
		settings: DefaultSettings(),
		logger:   logger,
		metrics:  metrics,
		events:   make(chan func(), 256),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state = domain.NewState(c.session)
	initial := c.state
	c.snapshot.Store(&initial)
	c.metrics.BestAccuracy.Set(-1)
	return c
}

// Run processes events until ctx is cancelled, then stops any session in progress.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("acquisition controller already running")
	}
	defer close(c.done)

	c.logger.Info("acquisition controller started",
		"desired_accuracy", c.settings.DesiredAccuracy,
		"session_timeout", c.settings.SessionTimeout,
	)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("acquisition controller stopping", "reason", ctx.Err())
			c.finish("shutdown")
			c.abandonResolve()
			c.publish()
			return nil
		case ev := <-c.events:
			ev()
		}
	}
}

// CheckReadiness returns nil while the event loop is running.
func (c *Controller) CheckReadiness(_ context.Context) error {
	if !c.running.Load() {
		return errors.New("acquisition controller has not started")
	}
	select {
	case <-c.done:
		return ErrNotRunning
	default:
		return nil
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() domain.State {
	return *c.snapshot.Load()
}

// Start begins a new session, discarding the previous one.
func (c *Controller) Start(ctx context.Context) error { return c.do(ctx, c.start) }

// Stop ends the current session, keeping its best fix and address.
func (c *Controller) Stop(ctx context.Context) error { return c.do(ctx, c.stop) }

// Reset discards the current session and returns to idle.
func (c *Controller) Reset(ctx context.Context) error { return c.do(ctx, c.reset) }

// Sync waits until every event queued before the call has been handled.
func (c *Controller) Sync(ctx context.Context) error { return c.do(ctx, func() {}) }

// post queues an event. It gives up once Run has exited.
func (c *Controller) post(ev func()) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// do queues fn and waits until the event loop has run it.
func (c *Controller) do(ctx context.Context, fn func()) error {
	handled := make(chan struct{})
	ev := func() {
		fn()
		close(handled)
	}
	select {
	case c.events <- ev:
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-handled:
		return nil
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) start() {
	c.resetSession()

	session := c.session
	c.state.Phase = domain.PhaseAcquiring
	c.state.IsAcquiring = true

	err := c.provider.Start(
		func(fix domain.Fix) { c.post(func() { c.handleFix(session, fix) }) },
		func(err error) { c.post(func() { c.handleProviderError(session, err) }) },
	)
	if err != nil {
		kind := domain.KindOf(err)
		if !kind.Terminal() {
			kind = domain.KindProviderFailed
		}
		c.logger.Warn("position provider failed to start", "session", session, "error", err)
		c.state.IsAcquiring = false
		c.state.Phase = domain.PhaseDone
		c.state.LastFixError = kind
		c.metrics.Sessions.WithLabelValues(string(kind)).Inc()
		c.publish()
		return
	}

	c.timer = c.clock.AfterFunc(c.settings.SessionTimeout, func() {
		c.post(func() { c.handleTimeout(session) })
	})
	c.metrics.Acquiring.Set(1)
	c.logger.Info("acquisition started", "session", session)
	c.publish()
}

func (c *Controller) stop() {
	if !c.state.IsAcquiring {
		return
	}
	c.finish("stopped")
	c.publish()
}

func (c *Controller) reset() {
	c.resetSession()
	c.publish()
}

// resetSession ends the current session and installs a fresh state under a new token.
func (c *Controller) resetSession() {
	c.finish("reset")
	c.abandonResolve()
	c.session++
	c.state = domain.NewState(c.session)
	c.lastResolved = nil
	c.metrics.BestAccuracy.Set(-1)
}

// finish stops the provider and timer and marks the session done. It is a
// no-op when nothing is being acquired.
func (c *Controller) finish(outcome string) {
	if !c.state.IsAcquiring {
		return
	}
	c.provider.Stop()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state.IsAcquiring = false
	c.state.Phase = domain.PhaseDone
	c.metrics.Acquiring.Set(0)
	c.metrics.Sessions.WithLabelValues(outcome).Inc()
	c.logger.Info("acquisition finished", "session", c.session, "outcome", outcome, "has_fix", c.state.HasFix())
}

func (c *Controller) handleFix(session uint64, fix domain.Fix) {
	if session != c.session || !c.state.IsAcquiring {
		c.metrics.FixesReceived.WithLabelValues("ignored").Inc()
		return
	}
	if age := fix.Age(c.clock.Now()); age > c.settings.MaxFixAge {
		c.logger.Debug("fix rejected", "reason", "stale", "age", age)
		c.metrics.FixesReceived.WithLabelValues("stale").Inc()
		return
	}
	if !fix.Valid() {
		c.logger.Debug("fix rejected", "reason", "invalid", "accuracy", fix.HorizontalAccuracy)
		c.metrics.FixesReceived.WithLabelValues("invalid").Inc()
		return
	}

	distance := math.MaxFloat64
	if c.state.BestFix != nil {
		distance = c.state.BestFix.DistanceTo(fix)
	}

	if c.state.BestFix == nil || fix.HorizontalAccuracy <= c.state.BestFix.HorizontalAccuracy {
		best := fix
		c.state.BestFix = &best
		c.state.LastFixError = domain.KindNone
		c.state.Phase = domain.PhaseRefining
		c.metrics.FixesReceived.WithLabelValues("accepted").Inc()
		c.metrics.BestAccuracy.Set(fix.HorizontalAccuracy)
	} else {
		c.metrics.FixesReceived.WithLabelValues("kept").Inc()
	}

	if fix.HorizontalAccuracy <= c.settings.DesiredAccuracy {
		c.finish("accurate")
		if distance > 0 {
			c.abandonResolve()
		}
	}

	switch {
	case c.resolve == nil:
		c.maybeResolve(true)
	case fix.DistanceTo(c.resolve.fix) < c.settings.DuplicateDistance &&
		fix.Timestamp.Sub(c.resolve.fix.Timestamp) > c.settings.DuplicateWindow:
		c.logger.Warn("address lookup outstanding while position is unchanged, finishing",
			"session", c.session, "resolve_id", c.resolve.id)
		c.finish("forced")
	}

	c.publish()
}

func (c *Controller) handleProviderError(session uint64, err error) {
	if session != c.session || !c.state.IsAcquiring {
		return
	}
	kind := domain.KindOf(err)
	if kind == domain.KindProviderTransient {
		c.logger.Debug("position temporarily unavailable", "session", session, "error", err)
		return
	}
	if !kind.Terminal() {
		kind = domain.KindProviderFailed
	}
	c.logger.Warn("position provider error", "session", session, "error", err)
	c.state.LastFixError = kind
	c.finish(string(kind))
	c.publish()
}

func (c *Controller) handleTimeout(session uint64) {
	if session != c.session || !c.state.IsAcquiring {
		return
	}
	c.timer = nil
	if c.state.HasFix() {
		return
	}
	c.state.LastFixError = domain.KindTimedOut
	c.finish(string(domain.KindTimedOut))
	c.publish()
}

func (c *Controller) handleResolved(session, id uint64, addr domain.Address, err error) {
	if session != c.session || c.resolve == nil || c.resolve.id != id {
		c.metrics.ResolveRequests.WithLabelValues("stale").Inc()
		return
	}
	req := c.resolve
	req.cancel()
	c.resolve = nil
	c.state.ResolvingAddress = false
	c.lastResolved = &req.fix

	switch {
	case err != nil:
		c.logger.Warn("address lookup failed", "session", session, "resolve_id", id, "error", err)
		c.state.Address = nil
		c.state.AddressError = domain.KindResolveFailed
		c.metrics.ResolveRequests.WithLabelValues("error").Inc()
	case addr.IsZero():
		c.state.Address = nil
		c.state.AddressError = domain.KindNone
		c.metrics.ResolveRequests.WithLabelValues("empty").Inc()
	default:
		c.state.Address = &addr
		c.state.AddressError = domain.KindNone
		c.metrics.ResolveRequests.WithLabelValues("success").Inc()
	}

	// The best fix may have improved while the lookup was in flight.
	c.maybeResolve(false)
	c.publish()
}

// maybeResolve starts an address lookup for the best fix unless that fix was
// already looked up. retryFailed allows repeating a lookup that failed.
func (c *Controller) maybeResolve(retryFailed bool) {
	if c.resolver == nil || c.resolve != nil || c.state.BestFix == nil {
		return
	}
	best := *c.state.BestFix
	if c.lastResolved != nil && *c.lastResolved == best {
		if !retryFailed || c.state.AddressError == domain.KindNone {
			return
		}
	}
	c.startResolve(best)
}

func (c *Controller) startResolve(fix domain.Fix) {
	c.nextResolve++
	ctx, cancel := context.WithCancel(context.Background())
	req := &resolveRequest{id: c.nextResolve, fix: fix, cancel: cancel}
	c.resolve = req
	c.state.ResolvingAddress = true

	session := c.session
	resolver := c.resolver
	go func() {
		addr, err := resolver.Resolve(ctx, fix)
		c.post(func() { c.handleResolved(session, req.id, addr, err) })
	}()
}

// abandonResolve forgets the in-flight lookup so its result is dropped.
func (c *Controller) abandonResolve() {
	if c.resolve == nil {
		return
	}
	c.resolve.cancel()
	c.resolve = nil
	c.state.ResolvingAddress = false
}

func (c *Controller) publish() {
	s := c.state
	c.snapshot.Store(&s)
	for _, l := range c.listeners {
		l(s)
	}
}
