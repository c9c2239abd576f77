// Package nmea implements domain.PositionProvider for GPS receivers that
// stream NMEA 0183 sentences over a serial port.
package nmea

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"

	serial "github.com/jacobsa/go-serial/serial"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/location-acquisition-service/internal/domain"
)

// Opener opens the sentence stream. It is called once per Start.
type Opener func() (io.ReadCloser, error)

// SerialOpener opens a serial GPS receiver at 8N1.
func SerialOpener(port string, baud uint) Opener {
	return func() (io.ReadCloser, error) {
		return serial.Open(serial.OpenOptions{
			PortName:              port,
			BaudRate:              baud,
			DataBits:              8,
			StopBits:              1,
			MinimumReadSize:       1,
			ParityMode:            serial.PARITY_NONE,
			InterCharacterTimeout: 0,
		})
	}
}

// Provider reads fixes from an NMEA stream.
type Provider struct {
	open   Opener
	uere   float64
	clock  clockwork.Clock
	logger *slog.Logger

	mu      sync.Mutex
	stream  io.ReadCloser
	stopped *atomic.Bool
}

// NewProvider creates a Provider. uere converts HDOP to meters.
func NewProvider(open Opener, uere float64, clock clockwork.Clock, logger *slog.Logger) *Provider {
	return &Provider{open: open, uere: uere, clock: clock, logger: logger}
}

// Start opens the stream and begins delivering fixes on a background goroutine.
func (p *Provider) Start(onUpdate func(domain.Fix), onError func(error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream != nil {
		return errors.New("nmea provider already started")
	}
	stream, err := p.open()
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("open gps: %w: %w", domain.ErrProviderDenied, err)
		}
		return fmt.Errorf("open gps: %w: %w", domain.ErrProviderFailed, err)
	}

	stopped := &atomic.Bool{}
	p.stream = stream
	p.stopped = stopped
	go p.readLoop(stream, stopped, onUpdate, onError)
	return nil
}

// Stop closes the stream. A callback already in progress may still complete.
func (p *Provider) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return
	}
	p.stopped.Store(true)
	if err := p.stream.Close(); err != nil {
		p.logger.Warn("gps close error", "error", err)
	}
	p.stream = nil
}

func (p *Provider) readLoop(stream io.Reader, stopped *atomic.Bool, onUpdate func(domain.Fix), onError func(error)) {
	dec := NewDecoder(p.uere, p.clock)
	scanner := bufio.NewScanner(stream)

	for scanner.Scan() {
		if stopped.Load() {
			return
		}
		fix, ok, err := dec.Decode(scanner.Text())
		if err != nil {
			// noisy receivers emit partial sentences
			onError(err)
			continue
		}
		if ok {
			onUpdate(fix)
		}
	}

	if stopped.Load() {
		return
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	p.logger.Error("gps stream ended", "error", err)
	onError(fmt.Errorf("read gps: %w: %w", domain.ErrProviderFailed, err))
}
