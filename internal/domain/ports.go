package domain

import "context"

// PositionProvider emits position fixes until stopped. Start must not block;
// callbacks may arrive on any goroutine. A callback already running when Stop
// is called may still complete.
type PositionProvider interface {
	Start(onUpdate func(Fix), onError func(error)) error
	Stop()
}

// AddressResolver reverse-geocodes a fix. A zero Address with a nil error
// means the lookup succeeded but found nothing.
type AddressResolver interface {
	Resolve(ctx context.Context, fix Fix) (Address, error)
}

// TagStore persists tagged locations.
type TagStore interface {
	Save(ctx context.Context, tag TaggedLocation) error
}
