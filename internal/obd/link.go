package obd

import "context"

// Discoverer finds an adapter to talk to. For BLE this is a scan filtered by
// service UUID; for serial it resolves the port name. It rejects when the
// search is cancelled or nothing matches.
type Discoverer interface {
	Discover(ctx context.Context) (Device, error)
}

// Device is a discovered but not yet connected adapter.
type Device interface {
	// Name is a human readable identifier (BLE local name, port path).
	Name() string
	// Dial opens the link, resolves the service and picks the write and
	// notify characteristics. A failed Dial must not leave a half-open link.
	Dial(ctx context.Context) (Link, error)
}

// Link is an open byte pipe to an ELM327. Inbound data arrives as
// arbitrarily fragmented chunks through the Subscribe handler.
type Link interface {
	Write(p []byte) error
	// Subscribe registers the notification handler. Chunks must be delivered
	// in arrival order from a single goroutine.
	Subscribe(handler func(chunk []byte)) error
	// OnDisconnect registers a callback for device initiated disconnects.
	OnDisconnect(fn func())
	Close() error
}
