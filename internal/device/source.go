package device

import "context"

// RawNotification is one unprocessed attach/detach callback from the OS
// source. ReadErr is set when descriptor fields could not be read; the
// monitor degrades such notifications to partial records instead of
// dropping them.
type RawNotification struct {
	Action       string // "add" or "remove"
	VendorID     uint16
	ProductID    uint16
	Class        uint8
	Manufacturer string
	Product      string
	Serial       string
	BusLocation  string
	Raw          []byte
	ReadErr      error
}

// Source is the thin adapter over a platform notification mechanism.
// Implementations must not retry failed reads; they surface ReadErr and
// move on.
type Source interface {
	// Start begins delivery. The returned channel closes when the source
	// stops or ctx is cancelled.
	Start(ctx context.Context) (<-chan RawNotification, error)
	// Stop terminates delivery and releases OS resources.
	Stop()
	// Name identifies the source in emitted events.
	Name() string
}
