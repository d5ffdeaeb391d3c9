package peripheral

import "context"

// Stack is the BLE peripheral capability consumed by the node.
type Stack interface {
	// Enable powers the radio and applies the security policy.
	Enable(sec Security) error

	// SetEventHandler installs the callback for stack events. It must be
	// called before Enable.
	SetEventHandler(h Handler)

	// AddService registers the GATT service described by p.
	AddService(p *Profile) error

	// Advertise starts advertising name and the given service UUIDs. It
	// returns once advertising runs; advertising stops when ctx ends.
	Advertise(ctx context.Context, name string, services ...UUID16) error

	// Notify pushes value through the characteristic to every subscribed,
	// bonded peer.
	Notify(char UUID16, value []byte) error

	// Disconnect drops the connection with the given handle.
	Disconnect(h ConnHandle) error

	// ConnectedCount returns the number of live connections.
	ConnectedCount() int

	// IsBonded reports whether the peer on the given connection is bonded.
	IsBonded(h ConnHandle) bool

	// BondedAddresses lists the addresses of all bonded peers known to the stack.
	BondedAddresses() []string

	// Close stops advertising and releases the radio.
	Close() error
}

// AdmissionAware is implemented by stacks that cannot attribute every
// request to a connection on their own. The filter reports whether a
// connection was admitted past the connection limit.
type AdmissionAware interface {
	SetAdmissionFilter(admitted func(ConnHandle) bool)
}
