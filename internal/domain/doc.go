// Package domain models position fixes, postal addresses, and the state of a
// location acquisition session.
//
// # Fixes
//
// A [Fix] is one reported position sample: WGS-84 latitude/longitude in
// decimal degrees, a horizontal accuracy radius in meters, and the instant the
// receiver took the reading. A negative accuracy marks the reading invalid;
// GPS receivers report this while they have no satellite solution.
//
// For NMEA receivers the accuracy is derived from the horizontal dilution of
// precision (HDOP) reported in GGA sentences:
//
//	accuracy = HDOP × UERE
//
// where UERE (user equivalent range error) is a per-receiver constant, around
// 5 m for consumer chipsets.
//
// # Addresses
//
// [Address] carries the postal fields returned by reverse geocoding. Every
// field is optional. Rendering always goes through [AppendText], which joins
// two pieces of text with a separator only when both sides are non-empty:
//
//	line 1: subThoroughfare + " " + thoroughfare          "10 Main St"
//	line 2: locality + " " + administrativeArea + " " + postalCode
//	result: line 1 + "\n" + line 2
//
// # Acquisition state
//
// [State] is the snapshot a controller publishes after every event. Errors
// are data, never panics: [ErrorKind] records why a session ended or why the
// address is missing.
//
//	provider_transient  ignored, the receiver keeps trying
//	provider_failed     terminal for the session
//	provider_denied     terminal, the receiver cannot be opened
//	resolve_failed      address lookup failed, the session continues
//	timed_out           terminal, no fix within the session timeout
package domain
