package sim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/peripheral"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []peripheral.Event
}

func (r *recorder) handle(ev peripheral.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []peripheral.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]peripheral.EventType, 0, len(r.events))
	for _, ev := range r.events {
		result = append(result, ev.Type)
	}
	return result
}

func newEnabled(t *testing.T, bonded ...string) (*Stack, *recorder) {
	t.Helper()
	s := New(nil, bonded...)
	rec := &recorder{}
	s.SetEventHandler(rec.handle)
	require.NoError(t, s.Enable(peripheral.DefaultSecurity()))
	require.NoError(t, s.AddService(peripheral.ECGProfile()))
	return s, rec
}

func TestStack_RequiresEnable(t *testing.T) {
	s := New(nil)
	err := s.AddService(peripheral.ECGProfile())
	assert.ErrorIs(t, err, peripheral.ErrNotEnabled)

	err = s.Advertise(context.Background(), "x")
	assert.ErrorIs(t, err, peripheral.ErrNotEnabled)

	bad := peripheral.DefaultSecurity()
	bad.Passkey = 10_000_000
	assert.Error(t, s.Enable(bad))
}

func TestStack_AdvertiseStopsWithContext(t *testing.T) {
	s, _ := newEnabled(t)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, s.Advertise(ctx, "ECG-Device", peripheral.ServiceUUID))
	on, name := s.Advertising()
	assert.True(t, on)
	assert.Equal(t, "ECG-Device", name)

	cancel()
	assert.Eventually(t, func() bool {
		on, _ := s.Advertising()
		return !on
	}, time.Second, 5*time.Millisecond)
}

func TestStack_EventSequence(t *testing.T) {
	s, rec := newEnabled(t, "AA:BB:CC:DD:EE:01")

	h := s.Connect("AA:BB:CC:DD:EE:01")
	assert.True(t, s.IsBonded(h))
	assert.Equal(t, 1, s.ConnectedCount())

	require.NoError(t, s.Subscribe(h, peripheral.SampleCharUUID))
	// repeated subscribe is not a new event
	require.NoError(t, s.Subscribe(h, peripheral.SampleCharUUID))
	require.NoError(t, s.Write(h, peripheral.ControlCharUUID, []byte("Start")))
	require.NoError(t, s.Unsubscribe(h, peripheral.SampleCharUUID))
	require.NoError(t, s.DropCentral(h, 0x13))

	assert.Equal(t, []peripheral.EventType{
		peripheral.EventConnect,
		peripheral.EventSubscribe,
		peripheral.EventWrite,
		peripheral.EventUnsubscribe,
		peripheral.EventDisconnect,
	}, rec.types())
	assert.Equal(t, 0, s.ConnectedCount())

	rec.mu.Lock()
	assert.Equal(t, []byte("Start"), rec.events[2].Data)
	assert.Equal(t, 0x13, rec.events[4].Reason)
	rec.mu.Unlock()
}

func TestStack_NotifyOnlyBondedSubscribers(t *testing.T) {
	s, _ := newEnabled(t, "AA:BB:CC:DD:EE:01")

	bonded := s.Connect("AA:BB:CC:DD:EE:01")
	stranger := s.Connect("AA:BB:CC:DD:EE:99")
	idle := s.Connect("AA:BB:CC:DD:EE:01")

	require.NoError(t, s.Subscribe(bonded, peripheral.SampleCharUUID))
	require.NoError(t, s.Subscribe(stranger, peripheral.SampleCharUUID))
	_ = idle

	require.NoError(t, s.Notify(peripheral.SampleCharUUID, []byte{0x34, 0x12}))

	sent := s.Notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, bonded, sent[0].Peer.Handle)
	assert.Equal(t, []byte{0x34, 0x12}, sent[0].Value)

	select {
	case <-s.Notified():
	default:
		t.Fatal("Notified was not signalled")
	}
}

func TestStack_NotifyErrors(t *testing.T) {
	s, _ := newEnabled(t)

	err := s.Notify(0xFFFF, []byte{1})
	assert.ErrorIs(t, err, peripheral.ErrUnknownCharacteristic)

	boom := errors.New("radio busy")
	s.FailNotify(boom)
	err = s.Notify(peripheral.SampleCharUUID, []byte{1, 2})
	assert.ErrorIs(t, err, boom)

	var se *peripheral.StackError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "notify", se.Op)

	s.FailNotify(nil)
	assert.NoError(t, s.Notify(peripheral.SampleCharUUID, []byte{1, 2}))
}

func TestStack_ProtectedWriteNeedsBond(t *testing.T) {
	s, rec := newEnabled(t)
	h := s.Connect("AA:BB:CC:DD:EE:02")
	assert.False(t, s.IsBonded(h))

	err := s.Write(h, peripheral.ControlCharUUID, []byte("x"))
	assert.ErrorIs(t, err, peripheral.ErrNotBonded)

	err = s.Write(h, peripheral.SampleCharUUID, []byte("x"))
	assert.ErrorIs(t, err, peripheral.ErrUnknownCharacteristic)

	require.NoError(t, s.Pair(h, nil))
	assert.True(t, s.IsBonded(h))
	assert.Contains(t, s.BondedAddresses(), "AA:BB:CC:DD:EE:02")
	require.NoError(t, s.Write(h, peripheral.ControlCharUUID, []byte("x")))

	assert.Equal(t, []peripheral.EventType{
		peripheral.EventConnect,
		peripheral.EventAuthComplete,
		peripheral.EventWrite,
	}, rec.types())
}

func TestStack_FailedPairingStaysUnbonded(t *testing.T) {
	s, rec := newEnabled(t)
	h := s.Connect("AA:BB:CC:DD:EE:03")

	require.NoError(t, s.Pair(h, errors.New("passkey mismatch")))
	assert.False(t, s.IsBonded(h))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 2)
	assert.EqualError(t, rec.events[1].AuthErr, "passkey mismatch")
}

func TestStack_DisconnectFromHandler(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Enable(peripheral.DefaultSecurity()))

	// a handler that drops every connection beyond the first must not deadlock
	s.SetEventHandler(func(ev peripheral.Event) {
		if ev.Type == peripheral.EventConnect && s.ConnectedCount() > 1 {
			_ = s.Disconnect(ev.Peer.Handle)
		}
	})

	s.Connect("AA:BB:CC:DD:EE:01")
	h2 := s.Connect("AA:BB:CC:DD:EE:02")

	assert.Equal(t, 1, s.ConnectedCount())
	assert.ErrorIs(t, s.Disconnect(h2), peripheral.ErrNotConnected)
}

func TestStack_Close(t *testing.T) {
	s, rec := newEnabled(t)
	s.Connect("AA:BB:CC:DD:EE:01")
	s.Connect("AA:BB:CC:DD:EE:02")

	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.ConnectedCount())
	assert.Equal(t, []peripheral.EventType{
		peripheral.EventConnect,
		peripheral.EventConnect,
		peripheral.EventDisconnect,
		peripheral.EventDisconnect,
	}, rec.types())

	assert.ErrorIs(t, s.Enable(peripheral.DefaultSecurity()), peripheral.ErrAdapterOff)
}

func TestStack_HeldDisconnectKeepsLinkUp(t *testing.T) {
	s, rec := newEnabled(t, "aa:aa:aa:aa:aa:aa")
	s.HoldDisconnects(true)

	h := s.Connect("aa:aa:aa:aa:aa:aa")
	require.NoError(t, s.Disconnect(h))
	assert.Equal(t, 1, s.ConnectedCount())
	require.NoError(t, s.Subscribe(h, peripheral.SampleCharUUID))

	require.NoError(t, s.DropCentral(h, 0x13))
	assert.Zero(t, s.ConnectedCount())
	assert.Equal(t, []peripheral.EventType{
		peripheral.EventConnect,
		peripheral.EventSubscribe,
		peripheral.EventDisconnect,
	}, rec.types())

	s.HoldDisconnects(false)
	h = s.Connect("aa:aa:aa:aa:aa:aa")
	require.NoError(t, s.Disconnect(h))
	assert.Zero(t, s.ConnectedCount())
}
