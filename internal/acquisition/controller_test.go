package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/location-acquisition-service/internal/domain"
	"github.com/couchcryptid/location-acquisition-service/internal/observability"
)

// --- fakes ---

type fakeProvider struct {
	mu       sync.Mutex
	onUpdate func(domain.Fix)
	onError  func(error)
	startErr error
	starts   int
	stops    int
}

func (p *fakeProvider) Start(onUpdate func(domain.Fix), onError func(error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.onUpdate = onUpdate
	p.onError = onError
	p.starts++
	return nil
}

func (p *fakeProvider) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
}

// emit delivers through the most recent callbacks, even after Stop, to
// simulate readings that were already on their way.
func (p *fakeProvider) emit(fix domain.Fix) {
	p.mu.Lock()
	cb := p.onUpdate
	p.mu.Unlock()
	cb(fix)
}

func (p *fakeProvider) fail(err error) {
	p.mu.Lock()
	cb := p.onError
	p.mu.Unlock()
	cb(err)
}

func (p *fakeProvider) counts() (starts, stops int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops
}

type resolveReply struct {
	addr domain.Address
	err  error
}

type pendingResolve struct {
	fix   domain.Fix
	ctx   context.Context
	reply chan resolveReply
}

func (p *pendingResolve) succeed(addr domain.Address) { p.reply <- resolveReply{addr: addr} }
func (p *pendingResolve) fail(err error)              { p.reply <- resolveReply{err: err} }

type fakeResolver struct {
	calls chan *pendingResolve
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{calls: make(chan *pendingResolve, 16)}
}

func (r *fakeResolver) Resolve(ctx context.Context, fix domain.Fix) (domain.Address, error) {
	p := &pendingResolve{fix: fix, ctx: ctx, reply: make(chan resolveReply, 1)}
	r.calls <- p
	select {
	case rep := <-p.reply:
		return rep.addr, rep.err
	case <-ctx.Done():
		return domain.Address{}, ctx.Err()
	}
}

// --- harness ---

var (
	t0       = time.Date(2024, time.April, 26, 15, 10, 0, 0, time.UTC)
	origin   = domain.Fix{Lat: 39.7817, Lon: -89.6501}
	mainSt   = domain.Address{SubThoroughfare: "10", Thoroughfare: "Main St", Locality: "Springfield", PostalCode: "12345"}
	waitFor  = time.Second
	pollTick = 5 * time.Millisecond
)

type harness struct {
	t        *testing.T
	clock    *clockwork.FakeClock
	provider *fakeProvider
	resolver *fakeResolver
	metrics  *observability.Metrics
	ctrl     *Controller

	mu     sync.Mutex
	states []domain.State
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		clock:    clockwork.NewFakeClockAt(t0),
		provider: &fakeProvider{},
		resolver: newFakeResolver(),
		metrics:  observability.NewMetricsForTesting(),
	}
	opts = append([]Option{
		WithClock(h.clock),
		WithListener(func(s domain.State) {
			h.mu.Lock()
			h.states = append(h.states, s)
			h.mu.Unlock()
		}),
	}, opts...)
	h.ctrl = New(h.provider, h.resolver, slog.New(slog.NewTextHandler(io.Discard, nil)), h.metrics, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	h.flush()
	return h
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.Start(context.Background()))
}

// at returns a fresh fix offset north of origin by metersNorth.
func (h *harness) at(metersNorth, accuracy float64) domain.Fix {
	return domain.Fix{
		Lat:                origin.Lat + metersNorth/111_195,
		Lon:                origin.Lon,
		HorizontalAccuracy: accuracy,
		Timestamp:          h.clock.Now(),
	}
}

// send delivers a fix and waits until the controller has handled it.
func (h *harness) send(fix domain.Fix) {
	h.t.Helper()
	h.provider.emit(fix)
	h.flush()
}

func (h *harness) flush() {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.Sync(context.Background()))
}

func (h *harness) nextResolve() *pendingResolve {
	h.t.Helper()
	select {
	case p := <-h.resolver.calls:
		return p
	case <-time.After(waitFor):
		h.t.Fatal("expected an address lookup")
		return nil
	}
}

func (h *harness) noResolve() {
	h.t.Helper()
	select {
	case p := <-h.resolver.calls:
		h.t.Fatalf("unexpected address lookup for %+v", p.fix)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) eventually(cond func(domain.State) bool, msg string) domain.State {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return cond(h.ctrl.Snapshot()) }, waitFor, pollTick, msg)
	return h.ctrl.Snapshot()
}

// --- tests ---

func TestController_InitialState(t *testing.T) {
	h := newHarness(t)
	s := h.ctrl.Snapshot()
	assert.Equal(t, domain.PhaseIdle, s.Phase)
	assert.False(t, s.IsAcquiring)
	assert.Nil(t, s.BestFix)
	require.NoError(t, h.ctrl.CheckReadiness(context.Background()))
}

func TestController_Start(t *testing.T) {
	h := newHarness(t)
	h.start()

	s := h.ctrl.Snapshot()
	assert.Equal(t, domain.PhaseAcquiring, s.Phase)
	assert.True(t, s.IsAcquiring)
	assert.Equal(t, uint64(1), s.Session)
	assert.Equal(t, domain.MessageSearching, domain.StatusMessage(s))
	starts, _ := h.provider.counts()
	assert.Equal(t, 1, starts)
}

func TestController_RefinesUntilDesiredAccuracy(t *testing.T) {
	h := newHarness(t)
	h.start()

	// Accuracies 50, 20, 35, 5 at a 10 m threshold.
	h.send(h.at(0, 50))
	first := h.nextResolve()
	assert.Equal(t, 50.0, first.fix.HorizontalAccuracy)
	assert.Equal(t, domain.PhaseRefining, h.ctrl.Snapshot().Phase)

	h.send(h.at(30, 20))
	assert.Equal(t, 20.0, h.ctrl.Snapshot().BestFix.HorizontalAccuracy)

	h.send(h.at(60, 35))
	s := h.ctrl.Snapshot()
	assert.Equal(t, 20.0, s.BestFix.HorizontalAccuracy, "worse fix must not replace best")
	assert.True(t, s.IsAcquiring)

	h.send(h.at(90, 5))
	s = h.ctrl.Snapshot()
	assert.Equal(t, 5.0, s.BestFix.HorizontalAccuracy)
	assert.False(t, s.IsAcquiring)
	assert.Equal(t, domain.PhaseDone, s.Phase)
	_, stops := h.provider.counts()
	assert.Equal(t, 1, stops)

	// The accurate fix moved, so the outstanding lookup is superseded.
	second := h.nextResolve()
	assert.Equal(t, 5.0, second.fix.HorizontalAccuracy)
	assert.Error(t, first.ctx.Err(), "superseded lookup should be cancelled")

	second.succeed(mainSt)
	s = h.eventually(func(s domain.State) bool { return !s.ResolvingAddress }, "lookup should complete")
	require.NotNil(t, s.Address)
	assert.Equal(t, "10 Main St\nSpringfield 12345", domain.AddressText(s))

	// Fixes after the session finished are ignored.
	h.send(h.at(0, 1))
	assert.Equal(t, 5.0, h.ctrl.Snapshot().BestFix.HorizontalAccuracy)
}

func TestController_DesiredAccuracyIsInclusive(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.send(h.at(0, 10))
	assert.False(t, h.ctrl.Snapshot().IsAcquiring)
}

func TestController_RejectsStaleAndInvalidFixes(t *testing.T) {
	h := newHarness(t)
	h.start()

	stale := h.at(0, 3)
	stale.Timestamp = h.clock.Now().Add(-6 * time.Second)
	h.send(stale)
	assert.Nil(t, h.ctrl.Snapshot().BestFix, "stale fix must be ignored")

	h.send(h.at(0, -1))
	assert.Nil(t, h.ctrl.Snapshot().BestFix, "negative accuracy must be ignored")

	edge := h.at(0, 40)
	edge.Timestamp = h.clock.Now().Add(-5 * time.Second)
	h.send(edge)
	assert.NotNil(t, h.ctrl.Snapshot().BestFix, "a fix exactly at the age limit is current")

	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.FixesReceived.WithLabelValues("stale")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.FixesReceived.WithLabelValues("invalid")), 0)
}

func TestController_EqualAccuracyReplacesBest(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.send(h.at(0, 30))
	h.clock.Advance(time.Second)
	newer := h.at(20, 30)
	h.send(newer)
	assert.Equal(t, newer, *h.ctrl.Snapshot().BestFix)
}

func TestController_BestAccuracyNeverIncreases(t *testing.T) {
	h := newHarness(t, WithSettings(Settings{
		DesiredAccuracy:   0,
		SessionTimeout:    time.Hour,
		MaxFixAge:         5 * time.Second,
		DuplicateDistance: 1,
		DuplicateWindow:   time.Hour,
	}))
	h.start()

	rng := rand.New(rand.NewSource(42))
	best := -1.0
	for i := 0; i < 200; i++ {
		acc := rng.Float64()*100 - 5 // some invalid readings too
		h.send(h.at(float64(i), acc))
		s := h.ctrl.Snapshot()
		if s.BestFix == nil {
			continue
		}
		if best >= 0 {
			require.LessOrEqual(t, s.BestFix.HorizontalAccuracy, best, "iteration %d", i)
		}
		best = s.BestFix.HorizontalAccuracy
	}
}

func TestController_TimeoutWithoutFix(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.clock.Advance(59 * time.Second)
	h.flush()
	assert.True(t, h.ctrl.Snapshot().IsAcquiring)

	h.clock.Advance(time.Second)
	s := h.eventually(func(s domain.State) bool { return s.Phase == domain.PhaseDone }, "session should time out")
	assert.Equal(t, domain.KindTimedOut, s.LastFixError)
	assert.Nil(t, s.BestFix)
	assert.False(t, s.IsAcquiring)
	assert.Equal(t, domain.MessageError, domain.StatusMessage(s))
	_, stops := h.provider.counts()
	assert.Equal(t, 1, stops)
}

func TestController_TimeoutWithFixIsNoop(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.send(h.at(0, 50))
	resolve := h.nextResolve()

	h.clock.Advance(60 * time.Second)
	// The timeout handler clears the armed timer once it has run.
	require.Eventually(t, func() bool {
		var fired bool
		err := h.ctrl.do(context.Background(), func() { fired = h.ctrl.timer == nil })
		return err == nil && fired
	}, waitFor, pollTick, "session timeout should fire")

	s := h.ctrl.Snapshot()
	assert.True(t, s.IsAcquiring)
	assert.Equal(t, domain.KindNone, s.LastFixError)
	resolve.succeed(mainSt)
}

func TestController_ProviderErrors(t *testing.T) {
	t.Run("transient is ignored", func(t *testing.T) {
		h := newHarness(t)
		h.start()
		h.provider.fail(fmt.Errorf("checksum mismatch: %w", domain.ErrProviderTransient))
		h.flush()
		s := h.ctrl.Snapshot()
		assert.True(t, s.IsAcquiring)
		assert.Equal(t, domain.KindNone, s.LastFixError)
	})

	t.Run("failure ends the session", func(t *testing.T) {
		h := newHarness(t)
		h.start()
		h.provider.fail(errors.New("serial read: EOF"))
		h.flush()
		s := h.ctrl.Snapshot()
		assert.False(t, s.IsAcquiring)
		assert.Equal(t, domain.PhaseDone, s.Phase)
		assert.Equal(t, domain.KindProviderFailed, s.LastFixError)
		_, stops := h.provider.counts()
		assert.Equal(t, 1, stops)

		// The timeout was cancelled along with the provider.
		h.clock.Advance(time.Minute)
		h.flush()
		assert.Equal(t, domain.KindProviderFailed, h.ctrl.Snapshot().LastFixError)
	})

	t.Run("accepted fix clears the error", func(t *testing.T) {
		h := newHarness(t)
		h.start()
		require.NoError(t, h.ctrl.do(context.Background(), func() {
			h.ctrl.state.LastFixError = domain.KindProviderFailed
		}))
		h.send(h.at(0, 50))
		assert.Equal(t, domain.KindNone, h.ctrl.Snapshot().LastFixError)
	})
}

func TestController_StartFailure(t *testing.T) {
	h := newHarness(t)
	h.provider.startErr = fmt.Errorf("open /dev/serial0: %w", domain.ErrProviderDenied)
	h.start()

	s := h.ctrl.Snapshot()
	assert.False(t, s.IsAcquiring)
	assert.Equal(t, domain.PhaseDone, s.Phase)
	assert.Equal(t, domain.KindProviderDenied, s.LastFixError)
	assert.Equal(t, domain.MessageDisabled, domain.StatusMessage(s))
}

func TestController_ForceFinishOnDuplicateFixes(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.send(h.at(0, 80))
	pending := h.nextResolve()

	h.clock.Advance(5 * time.Second)
	h.send(h.at(0.5, 70))
	assert.True(t, h.ctrl.Snapshot().IsAcquiring, "within the duplicate window")

	h.clock.Advance(6 * time.Second)
	h.send(h.at(0.2, 60))
	s := h.ctrl.Snapshot()
	assert.False(t, s.IsAcquiring, "duplicates beyond the window finish the session")
	assert.Equal(t, domain.PhaseDone, s.Phase)
	assert.Equal(t, 60.0, s.BestFix.HorizontalAccuracy)
	assert.True(t, s.ResolvingAddress, "the outstanding lookup stays in flight")
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.Sessions.WithLabelValues("forced")), 0)

	pending.succeed(mainSt)
	h.eventually(func(s domain.State) bool { return s.Address != nil }, "lookup result applies to the finished session")

	// The best fix improved during the lookup, so it is looked up again.
	again := h.nextResolve()
	assert.Equal(t, 60.0, again.fix.HorizontalAccuracy)
	again.succeed(mainSt)
}

func TestController_SingleLookupInFlight(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.send(h.at(0, 90))
	first := h.nextResolve()
	h.send(h.at(40, 70))
	h.send(h.at(80, 50))
	h.noResolve()
	assert.True(t, h.ctrl.Snapshot().ResolvingAddress)

	first.succeed(mainSt)
	// Completion chains a lookup for the improved best fix.
	second := h.nextResolve()
	assert.Equal(t, 50.0, second.fix.HorizontalAccuracy)
	h.noResolve()

	second.succeed(mainSt)
	h.eventually(func(s domain.State) bool { return !s.ResolvingAddress }, "lookup should complete")

	// A worse fix does not trigger another lookup of the same best fix.
	h.send(h.at(100, 60))
	h.noResolve()
}

func TestController_LookupFailure(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.send(h.at(0, 50))
	h.nextResolve().fail(fmt.Errorf("mapbox: %w", domain.ErrResolveFailed))

	s := h.eventually(func(s domain.State) bool { return !s.ResolvingAddress }, "lookup should complete")
	assert.Nil(t, s.Address)
	assert.Equal(t, domain.KindResolveFailed, s.AddressError)
	assert.True(t, s.IsAcquiring, "a failed lookup does not end the session")
	assert.Equal(t, domain.AddressLookupError, domain.AddressText(s))

	// The next fix retries.
	h.send(h.at(0, 60))
	h.nextResolve().succeed(domain.Address{})
	s = h.eventually(func(s domain.State) bool { return !s.ResolvingAddress }, "retry should complete")
	assert.Equal(t, domain.KindNone, s.AddressError)
	assert.Equal(t, domain.AddressNotFound, domain.AddressText(s))
}

func TestController_Stop(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.send(h.at(0, 50))
	pending := h.nextResolve()

	require.NoError(t, h.ctrl.Stop(context.Background()))
	s := h.ctrl.Snapshot()
	assert.False(t, s.IsAcquiring)
	assert.Equal(t, domain.PhaseDone, s.Phase)
	assert.NotNil(t, s.BestFix, "stop keeps the best fix")

	pending.succeed(mainSt)
	h.eventually(func(s domain.State) bool { return s.Address != nil }, "lookup still lands after stop")

	// Stopping twice is harmless.
	require.NoError(t, h.ctrl.Stop(context.Background()))
	_, stops := h.provider.counts()
	assert.Equal(t, 1, stops)
}

func TestController_ResetDropsLateCallbacks(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.send(h.at(0, 50))
	old := h.nextResolve()

	h.clock.Advance(59 * time.Second)
	require.NoError(t, h.ctrl.Reset(context.Background()))
	s := h.ctrl.Snapshot()
	assert.Equal(t, domain.PhaseIdle, s.Phase)
	assert.Nil(t, s.BestFix)
	assert.Equal(t, uint64(2), s.Session)
	assert.Error(t, old.ctx.Err(), "reset cancels the outstanding lookup")

	h.start()
	assert.Equal(t, uint64(3), h.ctrl.Snapshot().Session)

	// Late results from the first session.
	old.succeed(mainSt)
	require.NoError(t, h.ctrl.do(context.Background(), func() {
		h.ctrl.handleTimeout(1)
		h.ctrl.handleProviderError(1, errors.New("old failure"))
		h.ctrl.handleFix(1, h.at(0, 2))
	}))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.ResolveRequests.WithLabelValues("stale")) == 1
	}, waitFor, pollTick)

	// The old timer was cancelled: two more seconds would have fired it.
	h.clock.Advance(2 * time.Second)
	h.flush()

	s = h.ctrl.Snapshot()
	assert.Nil(t, s.Address)
	assert.Equal(t, domain.KindNone, s.LastFixError)
	assert.True(t, s.IsAcquiring)
	assert.Nil(t, s.BestFix)
}

func TestController_ListenersSeeEveryTransition(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.send(h.at(0, 5))
	h.nextResolve().succeed(mainSt)
	h.eventually(func(s domain.State) bool { return s.Address != nil }, "lookup should complete")

	h.mu.Lock()
	defer h.mu.Unlock()
	phases := make([]domain.Phase, 0, len(h.states))
	for _, s := range h.states {
		phases = append(phases, s.Phase)
	}
	assert.Equal(t, []domain.Phase{domain.PhaseAcquiring, domain.PhaseDone, domain.PhaseDone}, phases)
	assert.True(t, h.states[1].ResolvingAddress)
	assert.NotNil(t, h.states[2].Address)
}

func TestController_NilResolver(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	provider := &fakeProvider{}
	ctrl := New(provider, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), observability.NewMetricsForTesting(), WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	require.NoError(t, ctrl.Start(ctx))
	provider.emit(domain.Fix{Lat: 1, Lon: 2, HorizontalAccuracy: 5, Timestamp: t0})
	require.NoError(t, ctrl.Sync(ctx))

	s := ctrl.Snapshot()
	assert.False(t, s.ResolvingAddress)
	assert.Equal(t, domain.AddressNotFound, domain.AddressText(s))

	cancel()
	require.NoError(t, <-done)
	assert.ErrorIs(t, ctrl.Start(context.Background()), ErrNotRunning)
	assert.ErrorIs(t, ctrl.Sync(context.Background()), ErrNotRunning)
	assert.ErrorIs(t, ctrl.CheckReadiness(context.Background()), ErrNotRunning)
}

func TestController_ShutdownStopsProvider(t *testing.T) {
	provider := &fakeProvider{}
	ctrl := New(provider, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), observability.NewMetricsForTesting(),
		WithClock(clockwork.NewFakeClockAt(t0)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()
	require.NoError(t, ctrl.Start(ctx))

	cancel()
	require.NoError(t, <-done)
	_, stops := provider.counts()
	assert.Equal(t, 1, stops)
	assert.False(t, ctrl.Snapshot().IsAcquiring)
}
