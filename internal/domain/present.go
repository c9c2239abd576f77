package domain

import (
	"fmt"
	"time"
)

// Status and address texts shown to the user.
const (
	MessageIdle        = "Tap 'Get My Location' to Start"
	MessageSearching   = "Searching..."
	MessageError       = "Error Getting Location"
	MessageDisabled    = "Location Services Disabled"
	AddressSearching   = "Searching for Address..."
	AddressLookupError = "Error Finding Address"
	AddressNotFound    = "No Address Found"
)

// FormatCoordinate renders a latitude or longitude with eight decimals.
func FormatCoordinate(v float64) string {
	return fmt.Sprintf("%.8f", v)
}

// StatusMessage returns the status line for a state. It is empty once a fix exists.
func StatusMessage(s State) string {
	if s.HasFix() {
		return ""
	}
	switch {
	case s.LastFixError == KindProviderDenied:
		return MessageDisabled
	case s.LastFixError != KindNone:
		return MessageError
	case s.IsAcquiring:
		return MessageSearching
	default:
		return MessageIdle
	}
}

// AddressText returns the address block for a state.
func AddressText(s State) string {
	if !s.HasFix() {
		return ""
	}
	switch {
	case s.Address != nil:
		return s.Address.Lines()
	case s.ResolvingAddress:
		return AddressSearching
	case s.AddressError != KindNone:
		return AddressLookupError
	default:
		return AddressNotFound
	}
}

// View is the rendered form of a State served to clients and published
// as snapshots.
type View struct {
	Session          uint64     `json:"session"`
	Phase            Phase      `json:"phase"`
	Latitude         string     `json:"latitude,omitempty"`
	Longitude        string     `json:"longitude,omitempty"`
	Accuracy         *float64   `json:"accuracy,omitempty"`
	FixTime          *time.Time `json:"fix_time,omitempty"`
	Address          string     `json:"address,omitempty"`
	Status           string     `json:"status,omitempty"`
	FixError         ErrorKind  `json:"fix_error,omitempty"`
	AddressError     ErrorKind  `json:"address_error,omitempty"`
	Acquiring        bool       `json:"acquiring"`
	ResolvingAddress bool       `json:"resolving_address"`
}

// NewView renders s.
func NewView(s State) View {
	v := View{
		Session:          s.Session,
		Phase:            s.Phase,
		Address:          AddressText(s),
		Status:           StatusMessage(s),
		FixError:         s.LastFixError,
		AddressError:     s.AddressError,
		Acquiring:        s.IsAcquiring,
		ResolvingAddress: s.ResolvingAddress,
	}
	if s.HasFix() {
		acc := s.BestFix.HorizontalAccuracy
		ts := s.BestFix.Timestamp
		v.Latitude = FormatCoordinate(s.BestFix.Lat)
		v.Longitude = FormatCoordinate(s.BestFix.Lon)
		v.Accuracy = &acc
		v.FixTime = &ts
	}
	return v
}
