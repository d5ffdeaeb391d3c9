//go:build tinygo

// Package tinygo implements peripheral.Stack for firmware builds on top of
// tinygo.org/x/bluetooth.
//
// The library reports connections but not CCCD writes, so a connection of a
// bonded peer counts as a subscription to every notify characteristic and a
// disconnect as the matching unsubscription. Bond state comes from the
// static allowlist in the BondStore.
package tinygo

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/peripheral"
)

type entry struct {
	peer   peripheral.Peer
	device bluetooth.Device
}

// Stack is the firmware BLE stack.
type Stack struct {
	adapter *bluetooth.Adapter
	bonds   *peripheral.BondStore
	logger  *logrus.Logger

	mu         sync.Mutex
	handler    peripheral.Handler
	admitted   func(peripheral.ConnHandle) bool
	enabled    bool
	chars      map[peripheral.UUID16]*bluetooth.Characteristic
	notifyUUID []peripheral.UUID16
	conns      map[string]*entry
	nextHandle peripheral.ConnHandle
}

// New creates a stack on the default adapter.
func New(bonds *peripheral.BondStore, logger *logrus.Logger) *Stack {
	if logger == nil {
		logger = logrus.New()
	}
	if bonds == nil {
		bonds = peripheral.NewBondStore(nil, "")
	}
	return &Stack{
		adapter: bluetooth.DefaultAdapter,
		bonds:   bonds,
		logger:  logger,
		chars:   make(map[peripheral.UUID16]*bluetooth.Characteristic),
		conns:   make(map[string]*entry),
	}
}

func (s *Stack) SetEventHandler(h peripheral.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Stack) SetAdmissionFilter(admitted func(peripheral.ConnHandle) bool) {
	s.mu.Lock()
	s.admitted = admitted
	s.mu.Unlock()
}

func (s *Stack) Enable(sec peripheral.Security) error {
	if err := sec.Validate(); err != nil {
		return peripheral.WrapOp("enable", err)
	}

	s.adapter.SetConnectHandler(s.onConnect)
	if err := s.adapter.Enable(); err != nil {
		return peripheral.WrapOp("enable", peripheral.NormalizeError(err))
	}

	s.mu.Lock()
	s.enabled = true
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"component": "stack",
		"bonding":   sec.Bonding,
		"io_cap":    sec.IOCap.String(),
		"passkey":   peripheral.FormatPasskey(sec.Passkey),
	}).Info("BLE adapter enabled")
	return nil
}

func (s *Stack) AddService(p *peripheral.Profile) error {
	s.mu.Lock()
	enabled := s.enabled
	s.mu.Unlock()
	if !enabled {
		return peripheral.WrapOp("add_service", peripheral.ErrNotEnabled)
	}

	configs := make([]bluetooth.CharacteristicConfig, 0, len(p.Characteristics()))
	handles := make(map[peripheral.UUID16]*bluetooth.Characteristic)
	var notify []peripheral.UUID16

	for _, c := range p.Characteristics() {
		handle := &bluetooth.Characteristic{}
		handles[c.UUID] = handle

		cfg := bluetooth.CharacteristicConfig{
			Handle: handle,
			UUID:   bluetooth.New16BitUUID(uint16(c.UUID)),
			Flags:  toPermissions(c.Properties),
		}
		if c.Properties.Has(peripheral.PropNotify) {
			notify = append(notify, c.UUID)
		}
		if c.Properties.Writable() {
			char := c
			cfg.WriteEvent = func(client bluetooth.Connection, offset int, value []byte) {
				s.onWrite(client, char, value)
			}
		}
		configs = append(configs, cfg)
	}

	err := s.adapter.AddService(&bluetooth.Service{
		UUID:            bluetooth.New16BitUUID(uint16(p.UUID)),
		Characteristics: configs,
	})
	if err != nil {
		return peripheral.WrapOp("add_service", peripheral.NormalizeError(err))
	}

	s.mu.Lock()
	s.chars = handles
	s.notifyUUID = notify
	s.mu.Unlock()
	return nil
}

func (s *Stack) Advertise(ctx context.Context, name string, services ...peripheral.UUID16) error {
	uuids := make([]bluetooth.UUID, 0, len(services))
	for _, u := range services {
		uuids = append(uuids, bluetooth.New16BitUUID(uint16(u)))
	}

	adv := s.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    name,
		ServiceUUIDs: uuids,
	}); err != nil {
		return peripheral.WrapOp("advertise", peripheral.NormalizeError(err))
	}
	if err := adv.Start(); err != nil {
		return peripheral.WrapOp("advertise", peripheral.NormalizeError(err))
	}

	go func() {
		<-ctx.Done()
		if err := adv.Stop(); err != nil {
			s.logger.WithError(err).Warn("Failed to stop advertising")
		}
	}()
	return nil
}

// Notify writes the characteristic value; the controller pushes it to
// every central that enabled notifications. Nothing is sent while no
// bonded peer is connected.
func (s *Stack) Notify(char peripheral.UUID16, value []byte) error {
	s.mu.Lock()
	handle, ok := s.chars[char]
	bonded := false
	for _, e := range s.conns {
		bonded = bonded || e.peer.Bonded
	}
	s.mu.Unlock()

	if !ok {
		return peripheral.WrapOp("notify", fmt.Errorf("%w: %s", peripheral.ErrUnknownCharacteristic, char))
	}
	if !bonded {
		return nil
	}
	if _, err := handle.Write(value); err != nil {
		return peripheral.WrapOp("notify", peripheral.NormalizeError(err))
	}
	return nil
}

func (s *Stack) Disconnect(h peripheral.ConnHandle) error {
	s.mu.Lock()
	var target *entry
	for _, e := range s.conns {
		if e.peer.Handle == h {
			target = e
			break
		}
	}
	s.mu.Unlock()

	if target == nil {
		return peripheral.WrapOp("disconnect", peripheral.ErrNotConnected)
	}
	return peripheral.WrapOp("disconnect", target.device.Disconnect())
}

func (s *Stack) ConnectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Stack) IsBonded(h peripheral.ConnHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.conns {
		if e.peer.Handle == h {
			return e.peer.Bonded
		}
	}
	return false
}

func (s *Stack) BondedAddresses() []string {
	return s.bonds.Addresses()
}

func (s *Stack) Close() error {
	s.mu.Lock()
	s.enabled = false
	s.mu.Unlock()
	return nil
}

func (s *Stack) onConnect(device bluetooth.Device, connected bool) {
	addr := device.Address.String()

	if connected {
		s.mu.Lock()
		s.nextHandle++
		e := &entry{
			peer: peripheral.Peer{
				Handle:  s.nextHandle,
				Address: addr,
				Bonded:  s.bonds.IsBonded(addr),
			},
			device: device,
		}
		s.conns[addr] = e
		notify := append([]peripheral.UUID16(nil), s.notifyUUID...)
		s.mu.Unlock()

		s.emit(peripheral.Event{Type: peripheral.EventConnect, Peer: e.peer})
		for _, u := range notify {
			s.emit(peripheral.Event{Type: peripheral.EventSubscribe, Peer: e.peer, Characteristic: u})
		}
		return
	}

	s.mu.Lock()
	e, ok := s.conns[addr]
	delete(s.conns, addr)
	notify := append([]peripheral.UUID16(nil), s.notifyUUID...)
	s.mu.Unlock()
	if !ok {
		return
	}

	for _, u := range notify {
		s.emit(peripheral.Event{Type: peripheral.EventUnsubscribe, Peer: e.peer, Characteristic: u})
	}
	s.emit(peripheral.Event{Type: peripheral.EventDisconnect, Peer: e.peer})
}

func (s *Stack) onWrite(client bluetooth.Connection, c *peripheral.Characteristic, value []byte) {
	s.mu.Lock()
	peers := make([]peripheral.Peer, 0, len(s.conns))
	for _, e := range s.conns {
		peers = append(peers, e.peer)
	}
	admitted := s.admitted
	s.mu.Unlock()

	peer, ok := writerOf(peers, admitted)
	if !ok {
		s.logger.WithFields(logrus.Fields{
			"component": "stack",
			"client":    fmt.Sprint(client),
		}).Warn("Dropped write from unadmitted connection")
		return
	}

	if c.Properties.Protected() && !peer.Bonded {
		s.logger.WithFields(logrus.Fields{
			"component": "stack",
			"client":    fmt.Sprint(client),
		}).Warn("Dropped write from unbonded peer")
		return
	}

	s.emit(peripheral.Event{
		Type:           peripheral.EventWrite,
		Peer:           peer,
		Characteristic: c.UUID,
		Data:           append([]byte(nil), value...),
	})
}

func (s *Stack) emit(ev peripheral.Event) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func toPermissions(p peripheral.Property) bluetooth.CharacteristicPermissions {
	var out bluetooth.CharacteristicPermissions
	if p.Has(peripheral.PropRead) {
		out |= bluetooth.CharacteristicReadPermission
	}
	if p.Has(peripheral.PropWrite) {
		out |= bluetooth.CharacteristicWritePermission
	}
	if p.Has(peripheral.PropWriteNoResponse) {
		out |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if p.Has(peripheral.PropNotify) {
		out |= bluetooth.CharacteristicNotifyPermission
	}
	if p.Has(peripheral.PropIndicate) {
		out |= bluetooth.CharacteristicIndicatePermission
	}
	return out
}

var (
	_ peripheral.Stack          = (*Stack)(nil)
	_ peripheral.AdmissionAware = (*Stack)(nil)
)
