// Command replay feeds a recorded NMEA log through the acquisition
// controller on a simulated clock and prints every state change as a JSON
// line. It is useful for tuning DESIRED_ACCURACY and MAX_FIX_AGE against
// real receiver captures.
//
// Usage:
//
//	go run ./cmd/replay -in testdata/capture.nmea [-tag "Trailhead"]
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/location-acquisition-service/internal/acquisition"
	"github.com/couchcryptid/location-acquisition-service/internal/adapter/nmea"
	"github.com/couchcryptid/location-acquisition-service/internal/config"
	"github.com/couchcryptid/location-acquisition-service/internal/domain"
	"github.com/couchcryptid/location-acquisition-service/internal/observability"
	"github.com/couchcryptid/location-acquisition-service/internal/tagging"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	in := flag.String("in", "", "NMEA capture to replay")
	uere := flag.Float64("uere", nmea.DefaultUERE, "meters of error per unit of HDOP")
	desired := flag.Float64("desired-accuracy", acquisition.DefaultSettings().DesiredAccuracy, "meters; stop once a fix is at least this accurate")
	pace := flag.Duration("pace", 5*time.Millisecond, "real time between replayed fixes")
	tag := flag.String("tag", "", "tag the final position with this description")
	verbose := flag.Bool("v", false, "log controller decisions to stderr")
	flag.Parse()

	if *in == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -in")
	}

	f, err := os.Open(*in)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	settings := acquisition.DefaultSettings()
	settings.DesiredAccuracy = *desired

	res, err := replay(context.Background(), f, os.Stdout, replayOptions{
		uere:     *uere,
		settings: settings,
		pace:     *pace,
		tag:      *tag,
		logger:   logger,
	})
	if err != nil {
		return err
	}

	log.Printf("fixes: %d, unreadable sentences: %d", res.fixes, res.unreadable)
	if res.state.HasFix() {
		log.Printf("best fix: %s, %s (±%.1f m)",
			domain.FormatCoordinate(res.state.BestFix.Lat),
			domain.FormatCoordinate(res.state.BestFix.Lon),
			res.state.BestFix.HorizontalAccuracy)
	} else {
		log.Printf("no fix: %s", domain.StatusMessage(res.state))
	}
	if res.tag != nil {
		log.Printf("tagged %s:\n%s", res.tag.ID, res.tag.Summary())
	}
	return nil
}

type replayOptions struct {
	uere     float64
	settings acquisition.Settings
	pace     time.Duration
	tag      string
	logger   *slog.Logger
}

type replayResult struct {
	state      domain.State
	fixes      int
	unreadable int
	tag        *domain.TaggedLocation
}

func replay(ctx context.Context, in io.Reader, out io.Writer, opts replayOptions) (replayResult, error) {
	fixes, unreadable, err := decodeCapture(in, opts.uere)
	if err != nil {
		return replayResult{}, err
	}
	if len(fixes) == 0 {
		return replayResult{}, errors.New("capture contains no GGA fixes")
	}

	clock := clockwork.NewFakeClockAt(fixes[0].Timestamp)
	provider := &captureProvider{ctx: ctx, fixes: fixes, clock: clock, pace: opts.pace, done: make(chan struct{})}

	// The controller publishes once more on shutdown; that view is not part of the replay.
	var quiet atomic.Bool
	enc := json.NewEncoder(out)
	ctrl := acquisition.New(provider, nil, opts.logger, observability.NewMetricsForTesting(),
		acquisition.WithClock(clock),
		acquisition.WithSettings(opts.settings),
		acquisition.WithListener(func(s domain.State) {
			if quiet.Load() {
				return
			}
			if err := enc.Encode(domain.NewView(s)); err != nil {
				opts.logger.Error("write view", "error", err)
			}
		}),
	)
	provider.settle = ctrl.Sync

	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- ctrl.Run(runCtx) }()
	defer func() {
		quiet.Store(true)
		cancel()
		<-runDone
	}()

	if err := ctrl.Start(ctx); err != nil {
		return replayResult{}, err
	}
	select {
	case <-provider.done:
	case <-ctx.Done():
		return replayResult{}, ctx.Err()
	}
	// Stop is queued behind every fix already delivered.
	if err := ctrl.Stop(ctx); err != nil {
		return replayResult{}, err
	}

	res := replayResult{state: ctrl.Snapshot(), fixes: len(fixes), unreadable: unreadable}
	if opts.tag != "" && res.state.HasFix() {
		domain.SetClock(clock)
		defer domain.SetClock(nil)

		svc := tagging.NewService(ctrl, nil, config.TagStoreNone, observability.NewMetricsForTesting(), opts.logger)
		t, err := svc.Tag(ctx, domain.TagRequest{Description: opts.tag})
		if err != nil {
			return replayResult{}, err
		}
		res.tag = &t
	}
	return res, nil
}

func decodeCapture(in io.Reader, uere float64) (fixes []domain.Fix, unreadable int, err error) {
	// The decoder only consults the clock when the capture lacks RMC dates.
	dec := nmea.NewDecoder(uere, clockwork.NewRealClock())
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		fix, ok, err := dec.Decode(scanner.Text())
		if err != nil {
			unreadable++
			continue
		}
		if ok {
			fixes = append(fixes, fix)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("read capture: %w", err)
	}
	return fixes, unreadable, nil
}

// captureProvider delivers recorded fixes, moving the fake clock to each
// fix's timestamp once the controller has handled the previous one.
type captureProvider struct {
	ctx   context.Context
	fixes []domain.Fix
	clock *clockwork.FakeClock
	pace  time.Duration
	done  chan struct{}

	settle func(context.Context) error

	once    sync.Once
	mu      sync.Mutex
	stopped bool
}

func (p *captureProvider) Start(onUpdate func(domain.Fix), _ func(error)) error {
	started := false
	p.once.Do(func() {
		started = true
		go p.deliver(onUpdate)
	})
	if !started {
		return errors.New("capture already replayed")
	}
	return nil
}

func (p *captureProvider) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
}

func (p *captureProvider) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *captureProvider) deliver(onUpdate func(domain.Fix)) {
	defer close(p.done)
	for _, fix := range p.fixes {
		if p.isStopped() {
			return
		}
		if d := fix.Timestamp.Sub(p.clock.Now()); d > 0 {
			p.clock.Advance(d)
		}
		onUpdate(fix)
		// Queued fixes would otherwise be judged against a clock that has
		// already moved past them.
		if err := p.settle(p.ctx); err != nil {
			return
		}
		if p.pace > 0 {
			time.Sleep(p.pace)
		}
	}
}
