// Package sim is an in-memory peripheral.Stack. Tests and simulation runs
// drive it from the central's side: connect, subscribe, write, disconnect.
// Events are delivered synchronously on the calling goroutine.
package sim

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/peripheral"
	"github.com/sirupsen/logrus"
)

// Notification is one value delivered to one peer.
type Notification struct {
	Peer           peripheral.Peer
	Characteristic peripheral.UUID16
	Value          []byte
}

type conn struct {
	peer       peripheral.Peer
	subscribed map[peripheral.UUID16]bool
}

// Stack is the simulated stack.
type Stack struct {
	logger *logrus.Logger

	mu          sync.Mutex
	handler     peripheral.Handler
	enabled     bool
	security    peripheral.Security
	profile     *peripheral.Profile
	advertising bool
	advName     string
	conns       map[peripheral.ConnHandle]*conn
	nextHandle  peripheral.ConnHandle
	bonds       *peripheral.BondStore
	sent        []Notification
	notifyErr   error
	closed      bool
	holdDrops   bool

	notified chan struct{}
}

// New creates a simulated stack. bonded lists addresses that are bonded from
// the start.
func New(logger *logrus.Logger, bonded ...string) *Stack {
	if logger == nil {
		logger = logrus.New()
	}
	return &Stack{
		logger:   logger,
		conns:    make(map[peripheral.ConnHandle]*conn),
		bonds:    peripheral.NewBondStore(bonded, ""),
		notified: make(chan struct{}, 1),
	}
}

func (s *Stack) SetEventHandler(h peripheral.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Stack) Enable(sec peripheral.Security) error {
	if err := sec.Validate(); err != nil {
		return peripheral.WrapOp("enable", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return peripheral.WrapOp("enable", peripheral.ErrAdapterOff)
	}
	s.enabled = true
	s.security = sec
	return nil
}

func (s *Stack) AddService(p *peripheral.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return peripheral.WrapOp("add_service", peripheral.ErrNotEnabled)
	}
	s.profile = p
	return nil
}

func (s *Stack) Advertise(ctx context.Context, name string, services ...peripheral.UUID16) error {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return peripheral.WrapOp("advertise", peripheral.ErrNotEnabled)
	}
	s.advertising = true
	s.advName = name
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"component": "stack",
		"name":      name,
		"services":  services,
	}).Debug("Simulated advertising started")

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.advertising = false
		s.mu.Unlock()
	}()
	return nil
}

// Notify records value for every bonded peer subscribed to char.
func (s *Stack) Notify(char peripheral.UUID16, value []byte) error {
	s.mu.Lock()
	if s.notifyErr != nil {
		err := s.notifyErr
		s.mu.Unlock()
		return peripheral.WrapOp("notify", err)
	}
	if s.profile == nil {
		s.mu.Unlock()
		return peripheral.WrapOp("notify", peripheral.ErrNotEnabled)
	}
	if _, ok := s.profile.Characteristic(char); !ok {
		s.mu.Unlock()
		return peripheral.WrapOp("notify", fmt.Errorf("%w: %s", peripheral.ErrUnknownCharacteristic, char))
	}
	for _, h := range s.sortedHandles() {
		c := s.conns[h]
		if c.subscribed[char] && c.peer.Bonded {
			s.sent = append(s.sent, Notification{
				Peer:           c.peer,
				Characteristic: char,
				Value:          append([]byte(nil), value...),
			})
		}
	}
	s.mu.Unlock()

	select {
	case s.notified <- struct{}{}:
	default:
	}
	return nil
}

// Disconnect is the local side dropping a connection. While disconnects are
// held the link stays up until the central drops it.
func (s *Stack) Disconnect(h peripheral.ConnHandle) error {
	s.mu.Lock()
	_, ok := s.conns[h]
	hold := s.holdDrops
	s.mu.Unlock()
	if hold && ok {
		s.logger.WithField("handle", h).Debug("Holding local disconnect")
		return nil
	}
	return s.drop(h, 0x16)
}

// HoldDisconnects makes local disconnects complete asynchronously, like a
// controller that tears the link down some time after the request.
func (s *Stack) HoldDisconnects(on bool) {
	s.mu.Lock()
	s.holdDrops = on
	s.mu.Unlock()
}

func (s *Stack) ConnectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Stack) IsBonded(h peripheral.ConnHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[h]
	return ok && c.peer.Bonded
}

func (s *Stack) BondedAddresses() []string {
	return s.bonds.Addresses()
}

func (s *Stack) Close() error {
	s.mu.Lock()
	handles := s.sortedHandles()
	s.closed = true
	s.enabled = false
	s.advertising = false
	s.mu.Unlock()

	for _, h := range handles {
		_ = s.drop(h, 0x16)
	}
	return nil
}

// Connect simulates a central connecting from addr and returns its handle.
func (s *Stack) Connect(addr string) peripheral.ConnHandle {
	s.mu.Lock()
	s.nextHandle++
	peer := peripheral.Peer{
		Handle:  s.nextHandle,
		Address: addr,
		Bonded:  s.bonds.IsBonded(addr),
	}
	s.conns[peer.Handle] = &conn{peer: peer, subscribed: make(map[peripheral.UUID16]bool)}
	s.mu.Unlock()

	s.emit(peripheral.Event{Type: peripheral.EventConnect, Peer: peer})
	return peer.Handle
}

// Pair completes pairing on h. On success the peer becomes bonded.
func (s *Stack) Pair(h peripheral.ConnHandle, authErr error) error {
	s.mu.Lock()
	c, ok := s.conns[h]
	if !ok {
		s.mu.Unlock()
		return peripheral.ErrNotConnected
	}
	if authErr == nil {
		c.peer.Bonded = true
		s.bonds.Add(c.peer.Address)
	}
	peer := c.peer
	s.mu.Unlock()

	s.emit(peripheral.Event{Type: peripheral.EventAuthComplete, Peer: peer, AuthErr: authErr})
	return nil
}

// Subscribe simulates the central enabling notifications on char.
func (s *Stack) Subscribe(h peripheral.ConnHandle, char peripheral.UUID16) error {
	return s.setSubscribed(h, char, true)
}

// Unsubscribe simulates the central disabling notifications on char.
func (s *Stack) Unsubscribe(h peripheral.ConnHandle, char peripheral.UUID16) error {
	return s.setSubscribed(h, char, false)
}

// Write simulates the central writing data to char. Protected characteristics
// reject writes from unbonded peers with peripheral.ErrNotBonded.
func (s *Stack) Write(h peripheral.ConnHandle, char peripheral.UUID16, data []byte) error {
	s.mu.Lock()
	c, ok := s.conns[h]
	if !ok {
		s.mu.Unlock()
		return peripheral.ErrNotConnected
	}
	if s.profile == nil {
		s.mu.Unlock()
		return peripheral.ErrNotEnabled
	}
	ch, ok := s.profile.Characteristic(char)
	if !ok || !ch.Properties.Writable() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", peripheral.ErrUnknownCharacteristic, char)
	}
	if ch.Properties.Protected() && !c.peer.Bonded {
		s.mu.Unlock()
		return peripheral.ErrNotBonded
	}
	peer := c.peer
	s.mu.Unlock()

	s.emit(peripheral.Event{
		Type:           peripheral.EventWrite,
		Peer:           peer,
		Characteristic: char,
		Data:           append([]byte(nil), data...),
	})
	return nil
}

// DropCentral simulates the central going away with the given HCI reason.
func (s *Stack) DropCentral(h peripheral.ConnHandle, reason int) error {
	return s.drop(h, reason)
}

// FailNotify makes subsequent Notify calls fail with err; nil clears it.
func (s *Stack) FailNotify(err error) {
	s.mu.Lock()
	s.notifyErr = err
	s.mu.Unlock()
}

// Notifications returns a copy of everything delivered so far.
func (s *Stack) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.sent...)
}

// Notified is signalled after each successful Notify call.
func (s *Stack) Notified() <-chan struct{} {
	return s.notified
}

// Advertising reports whether advertising is active and under which name.
func (s *Stack) Advertising() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertising, s.advName
}

// Security returns the policy passed to Enable.
func (s *Stack) Security() peripheral.Security {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.security
}

// Profile returns the registered service.
func (s *Stack) Profile() *peripheral.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

func (s *Stack) setSubscribed(h peripheral.ConnHandle, char peripheral.UUID16, on bool) error {
	s.mu.Lock()
	c, ok := s.conns[h]
	if !ok {
		s.mu.Unlock()
		return peripheral.ErrNotConnected
	}
	if c.subscribed[char] == on {
		s.mu.Unlock()
		return nil
	}
	c.subscribed[char] = on
	peer := c.peer
	s.mu.Unlock()

	t := peripheral.EventUnsubscribe
	if on {
		t = peripheral.EventSubscribe
	}
	s.emit(peripheral.Event{Type: t, Peer: peer, Characteristic: char})
	return nil
}

func (s *Stack) drop(h peripheral.ConnHandle, reason int) error {
	s.mu.Lock()
	c, ok := s.conns[h]
	if !ok {
		s.mu.Unlock()
		return peripheral.WrapOp("disconnect", peripheral.ErrNotConnected)
	}
	delete(s.conns, h)
	s.mu.Unlock()

	s.emit(peripheral.Event{Type: peripheral.EventDisconnect, Peer: c.peer, Reason: reason})
	return nil
}

func (s *Stack) emit(ev peripheral.Event) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// sortedHandles must be called with mu held.
func (s *Stack) sortedHandles() []peripheral.ConnHandle {
	handles := make([]peripheral.ConnHandle, 0, len(s.conns))
	for h := range s.conns {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	return handles
}

var _ peripheral.Stack = (*Stack)(nil)
