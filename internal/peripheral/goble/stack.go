// Package goble implements peripheral.Stack on top of go-ble: BlueZ HCI
// sockets on Linux and CoreBluetooth on macOS.
//
// go-ble has no pairing callbacks, so the bond state of a peer comes from a
// peripheral.BondStore and no EventAuthComplete is ever emitted. Connections
// are discovered through the first GATT request a central makes.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/groutine"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/peripheral"
)

// advertiseGrace is how long Advertise waits for an immediate failure
// from the blocking go-ble call before reporting success.
const advertiseGrace = 200 * time.Millisecond

// linkConn is the part of ble.Conn the stack uses.
type linkConn interface {
	RemoteAddr() ble.Addr
	Close() error
	Disconnected() <-chan struct{}
}

// notifier is the part of ble.Notifier the stack uses.
type notifier interface {
	Write(b []byte) (int, error)
	Context() context.Context
}

type connState struct {
	conn linkConn
	peer peripheral.Peer
	subs map[peripheral.UUID16]notifier
}

// Stack is the go-ble backed peripheral stack.
type Stack struct {
	logger *logrus.Logger
	bonds  *peripheral.BondStore

	mu         sync.Mutex
	dev        ble.Device
	handler    peripheral.Handler
	security   peripheral.Security
	profile    *peripheral.Profile
	conns      map[linkConn]*connState
	byHandle   map[peripheral.ConnHandle]*connState
	nextHandle peripheral.ConnHandle
}

// New creates a stack that consults bonds for bond state.
func New(bonds *peripheral.BondStore, logger *logrus.Logger) *Stack {
	if logger == nil {
		logger = logrus.New()
	}
	if bonds == nil {
		bonds = peripheral.NewBondStore(nil, peripheral.DefaultBondDir)
	}
	return &Stack{
		logger:   logger,
		bonds:    bonds,
		conns:    make(map[linkConn]*connState),
		byHandle: make(map[peripheral.ConnHandle]*connState),
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

	dev, err := DeviceFactory()
	if err != nil {
		s.logger.WithField("error", err).Error("Failed to create BLE device")
		return peripheral.WrapOp("enable", peripheral.NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)

	s.mu.Lock()
	s.dev = dev
	s.security = sec
	s.mu.Unlock()

	// SMP parameters belong to the host (BlueZ agent / macOS); go-ble cannot set them.
	s.logger.WithFields(logrus.Fields{
		"component":   "stack",
		"bonding":     sec.Bonding,
		"mitm":        sec.MITM,
		"io_cap":      sec.IOCap.String(),
		"passkey":     peripheral.FormatPasskey(sec.Passkey),
		"resolve_rpa": sec.ResolveRPA,
	}).Info("BLE device enabled; pairing policy is enforced by the host agent")
	return nil
}

func (s *Stack) AddService(p *peripheral.Profile) error {
	s.mu.Lock()
	dev := s.dev
	s.mu.Unlock()
	if dev == nil {
		return peripheral.WrapOp("add_service", peripheral.ErrNotEnabled)
	}

	svc := ble.NewService(ble.UUID16(uint16(p.UUID)))
	for _, c := range p.Characteristics() {
		char := svc.NewCharacteristic(ble.UUID16(uint16(c.UUID)))
		if c.Properties.Has(peripheral.PropNotify) || c.Properties.Has(peripheral.PropIndicate) {
			char.HandleNotify(ble.NotifyHandlerFunc(s.notifyHandler(c.UUID)))
		}
		if c.Properties.Writable() {
			char.HandleWrite(ble.WriteHandlerFunc(s.writeHandler(c)))
		}
		s.logger.WithFields(logrus.Fields{
			"component":      "stack",
			"characteristic": c.UUID.String(),
			"properties":     c.Properties.String(),
			"ble_properties": propertyNames(toBLEProperty(c.Properties)),
		}).Debug("Registered characteristic")
	}

	if err := dev.AddService(svc); err != nil {
		return peripheral.WrapOp("add_service", peripheral.NormalizeError(err))
	}

	s.mu.Lock()
	s.profile = p
	s.mu.Unlock()
	return nil
}

func (s *Stack) Advertise(ctx context.Context, name string, services ...peripheral.UUID16) error {
	s.mu.Lock()
	dev := s.dev
	s.mu.Unlock()
	if dev == nil {
		return peripheral.WrapOp("advertise", peripheral.ErrNotEnabled)
	}

	uuids := make([]ble.UUID, 0, len(services))
	for _, u := range services {
		uuids = append(uuids, ble.UUID16(uint16(u)))
	}

	errCh := make(chan error, 1)
	groutine.Go(ctx, "ble-advertise", func(ctx context.Context) {
		errCh <- dev.AdvertiseNameAndServices(ctx, name, uuids...)
	})

	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return peripheral.WrapOp("advertise", peripheral.NormalizeError(err))
	case <-time.After(advertiseGrace):
		groutine.Go(ctx, "ble-advertise-watch", func(ctx context.Context) {
			if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
				s.logger.WithError(err).Warn("Advertising stopped")
			}
		})
		return nil
	}
}

// Notify writes value to every bonded peer subscribed to char. Failures of
// individual peers are joined.
func (s *Stack) Notify(char peripheral.UUID16, value []byte) error {
	s.mu.Lock()
	var targets []notifier
	for _, cs := range s.byHandle {
		if n, ok := cs.subs[char]; ok && cs.peer.Bonded {
			targets = append(targets, n)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, n := range targets {
		if _, err := n.Write(value); err != nil {
			errs = append(errs, peripheral.NormalizeError(err))
		}
	}
	return peripheral.WrapOp("notify", errors.Join(errs...))
}

func (s *Stack) Disconnect(h peripheral.ConnHandle) error {
	s.mu.Lock()
	cs, ok := s.byHandle[h]
	s.mu.Unlock()
	if !ok {
		return peripheral.WrapOp("disconnect", peripheral.ErrNotConnected)
	}
	return peripheral.WrapOp("disconnect", cs.conn.Close())
}

func (s *Stack) ConnectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byHandle)
}

func (s *Stack) IsBonded(h peripheral.ConnHandle) bool {
	s.mu.Lock()
	cs, ok := s.byHandle[h]
	s.mu.Unlock()
	return ok && s.bonds.IsBonded(cs.peer.Address)
}

func (s *Stack) BondedAddresses() []string {
	return s.bonds.Addresses()
}

func (s *Stack) Close() error {
	s.mu.Lock()
	dev := s.dev
	s.dev = nil
	s.mu.Unlock()
	if dev == nil {
		return nil
	}
	return peripheral.WrapOp("close", dev.Stop())
}

// track returns the state for conn, registering it and emitting
// EventConnect the first time it is seen.
func (s *Stack) track(conn linkConn) *connState {
	s.mu.Lock()
	if cs, ok := s.conns[conn]; ok {
		s.mu.Unlock()
		return cs
	}
	s.nextHandle++
	addr := conn.RemoteAddr().String()
	cs := &connState{
		conn: conn,
		peer: peripheral.Peer{
			Handle:  s.nextHandle,
			Address: addr,
			Bonded:  s.bonds.IsBonded(addr),
		},
		subs: make(map[peripheral.UUID16]notifier),
	}
	s.conns[conn] = cs
	s.byHandle[cs.peer.Handle] = cs
	s.mu.Unlock()

	groutine.Go(context.Background(), fmt.Sprintf("ble-conn-%d", cs.peer.Handle), func(context.Context) {
		<-conn.Disconnected()
		s.untrack(conn)
	})

	s.emit(peripheral.Event{Type: peripheral.EventConnect, Peer: cs.peer})
	return cs
}

func (s *Stack) untrack(conn linkConn) {
	s.mu.Lock()
	cs, ok := s.conns[conn]
	if ok {
		delete(s.conns, conn)
		delete(s.byHandle, cs.peer.Handle)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.emit(peripheral.Event{Type: peripheral.EventDisconnect, Peer: cs.peer})
}

func (s *Stack) notifyHandler(uuid peripheral.UUID16) func(ble.Request, ble.Notifier) {
	return func(req ble.Request, n ble.Notifier) {
		s.subscribe(req.Conn(), uuid, n)
	}
}

// subscribe blocks for the lifetime of the subscription, as go-ble expects.
func (s *Stack) subscribe(conn linkConn, uuid peripheral.UUID16, n notifier) {
	cs := s.track(conn)

	s.mu.Lock()
	cs.subs[uuid] = n
	peer := cs.peer
	s.mu.Unlock()

	s.emit(peripheral.Event{Type: peripheral.EventSubscribe, Peer: peer, Characteristic: uuid})

	select {
	case <-n.Context().Done():
	case <-conn.Disconnected():
	}

	s.mu.Lock()
	delete(cs.subs, uuid)
	s.mu.Unlock()

	s.emit(peripheral.Event{Type: peripheral.EventUnsubscribe, Peer: peer, Characteristic: uuid})
}

func (s *Stack) writeHandler(c *peripheral.Characteristic) func(ble.Request, ble.ResponseWriter) {
	return func(req ble.Request, rsp ble.ResponseWriter) {
		rsp.SetStatus(s.write(req.Conn(), c, req.Data()))
	}
}

func (s *Stack) write(conn linkConn, c *peripheral.Characteristic, data []byte) ble.ATTError {
	cs := s.track(conn)
	if c.Properties.Protected() && !s.bonds.IsBonded(cs.peer.Address) {
		s.logger.WithFields(logrus.Fields{
			"component":      "stack",
			"peer":           cs.peer.String(),
			"characteristic": c.UUID.String(),
		}).Warn("Rejected write from unbonded peer")
		return ble.ErrInsuffEnc
	}

	s.emit(peripheral.Event{
		Type:           peripheral.EventWrite,
		Peer:           cs.peer,
		Characteristic: c.UUID,
		Data:           append([]byte(nil), data...),
	})
	return ble.ErrSuccess
}

func (s *Stack) emit(ev peripheral.Event) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

var _ peripheral.Stack = (*Stack)(nil)
