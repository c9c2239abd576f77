package nmea

import (
	"fmt"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/location-acquisition-service/internal/domain"
)

// DefaultUERE is the user equivalent range error, in meters, of a typical
// consumer GPS chipset.
const DefaultUERE = 5.0

// Decoder turns NMEA sentences into fixes. GGA sentences carry position,
// fix quality and HDOP; RMC sentences supply the date GGA lacks.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	uere  float64
	clock clockwork.Clock
	date  nmea.Date
}

// NewDecoder creates a Decoder. Without an RMC date it dates fixes from clock.
func NewDecoder(uere float64, clock clockwork.Clock) *Decoder {
	if uere <= 0 {
		uere = DefaultUERE
	}
	return &Decoder{uere: uere, clock: clock}
}

// Decode parses one line. ok is false for lines that carry no position.
// Malformed sentences yield an error wrapping domain.ErrProviderTransient.
func (d *Decoder) Decode(line string) (fix domain.Fix, ok bool, err error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return domain.Fix{}, false, nil
	}

	sentence, err := nmea.Parse(line)
	if err != nil {
		return domain.Fix{}, false, fmt.Errorf("parse nmea: %w: %v", domain.ErrProviderTransient, err)
	}

	switch sentence.DataType() {
	case nmea.TypeRMC:
		m := sentence.(nmea.RMC)
		if m.Date.Valid {
			d.date = m.Date
		}
		return domain.Fix{}, false, nil
	case nmea.TypeGGA:
		m := sentence.(nmea.GGA)
		if !m.Time.Valid {
			return domain.Fix{}, false, nil
		}
		accuracy := -1.0
		if m.FixQuality != nmea.Invalid {
			accuracy = m.HDOP * d.uere
		}
		return domain.Fix{
			Lat:                m.Latitude,
			Lon:                m.Longitude,
			HorizontalAccuracy: accuracy,
			Timestamp:          d.timestamp(m.Time),
		}, true, nil
	default:
		return domain.Fix{}, false, nil
	}
}

// timestamp combines a GGA time of day with the last RMC date, falling back
// to the clock's current UTC date.
func (d *Decoder) timestamp(t nmea.Time) time.Time {
	clock := func(year int, month time.Month, day int) time.Time {
		return time.Date(year, month, day, t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
	}
	if d.date.Valid {
		return clock(2000+d.date.YY, time.Month(d.date.MM), d.date.DD)
	}

	now := d.clock.Now().UTC()
	ts := clock(now.Year(), now.Month(), now.Day())
	// A reading from just before midnight arriving just after it.
	if ts.Sub(now) > 12*time.Hour {
		ts = ts.AddDate(0, 0, -1)
	}
	return ts
}
