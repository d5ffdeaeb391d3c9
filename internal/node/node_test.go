package node

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/adc"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/journal"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/lifecycle"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/peripheral"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/peripheral/sim"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/pump"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/testutils"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/pkg/config"
)

const tick = 10 * time.Millisecond

type NodeSuite struct {
	testutils.SimPeripheralSuite

	cfg    *config.Config
	node   *Node
	cancel context.CancelFunc
	done   chan error
}

func (s *NodeSuite) SetupTest() {
	s.SimPeripheralSuite.SetupTest()

	s.cfg = config.DefaultConfig()
	s.cfg.SamplePeriod = tick
	s.cfg.PumpPeriod = tick
	s.cfg.SamplerCPU = -1
	s.cfg.LogLevel = "debug"
}

func (s *NodeSuite) TearDownTest() {
	if s.cancel != nil {
		s.cancel()
		s.Require().NoError(testutils.WaitErr(s.T(), s.done, s.TestTimeout))
		s.cancel = nil
	}
	s.SimPeripheralSuite.TearDownTest()
}

// start builds a node over the simulated stack and ADC and waits until it advertises.
func (s *NodeSuite) start() {
	n, err := New(s.cfg, s.Logger, Deps{Stack: s.Stack, ADC: s.ADC})
	s.Require().NoError(err)
	s.node = n

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- n.Run(ctx) }()

	s.EventuallyTrue(func() bool {
		on, _ := s.Stack.Advertising()
		return on
	}, "node never started advertising")
}

func (s *NodeSuite) notifiedValues() []uint16 {
	var out []uint16
	for _, n := range s.Stack.Notifications() {
		v, err := pump.Decode(n.Value)
		s.Require().NoError(err)
		out = append(out, v)
	}
	return out
}

func (s *NodeSuite) waitNotifications(n int) {
	s.EventuallyTrue(func() bool { return len(s.Stack.Notifications()) >= n },
		"expected notifications to arrive")
}

func (s *NodeSuite) TestStartupConfiguresPeripheral() {
	s.start()

	_, name := s.Stack.Advertising()
	s.Equal("ECG-Device", name)

	sec := s.Stack.Security()
	s.Equal(uint32(2137), sec.Passkey)
	s.Equal(peripheral.IODisplayOnly, sec.IOCap)
	s.True(sec.Bonding)
	s.True(sec.ResolveRPA)

	p := s.Stack.Profile()
	s.Require().NotNil(p)
	s.Equal(peripheral.ServiceUUID, p.UUID)
	_, ok := p.Characteristic(peripheral.SampleCharUUID)
	s.True(ok)

	e, ok := s.Helper.EntryWith("Bonded peer")
	s.Require().True(ok)
	s.Equal(testutils.BondedAddress, e.Data["address"])

	e, ok = s.Helper.EntryWith("Advertising started")
	s.Require().True(ok)
	s.Equal("002137", e.Data["passkey"])
}

func (s *NodeSuite) TestBondedSubscriberReceivesSamplesInOrder() {
	s.start()

	h := s.Stack.Connect(testutils.BondedAddress)
	s.Require().NoError(s.Stack.Subscribe(h, peripheral.SampleCharUUID))
	s.waitNotifications(5)

	got := s.notifiedValues()
	for i, v := range got[:5] {
		s.Equal(s.ADC.At(int64(i)), v, "notification %d", i)
	}
	for _, n := range s.Stack.Notifications() {
		s.Len(n.Value, pump.PayloadSize)
		s.Equal(peripheral.SampleCharUUID, n.Characteristic)
	}
	s.True(s.Helper.Logged("Received value"))
}

func (s *NodeSuite) TestUnbondedSubscriberGetsNothing() {
	s.start()

	h := s.Stack.Connect(testutils.StrangerAddress)
	s.Require().NoError(s.Stack.Subscribe(h, peripheral.SampleCharUUID))
	s.Helper.WaitLogged("Ignoring subscribe from unbonded peer", s.TestTimeout)
	s.True(s.Helper.Logged("Client not bonded"))

	time.Sleep(5 * tick)
	s.Zero(s.ADC.Reads())
	s.Empty(s.Stack.Notifications())
	s.Equal(lifecycle.Idle, s.node.Lifecycle().State())
}

func (s *NodeSuite) TestPairingThenSubscribeStartsSampling() {
	s.start()

	h := s.Stack.Connect(testutils.StrangerAddress)
	s.Require().NoError(s.Stack.Pair(h, nil))
	s.Require().NoError(s.Stack.Subscribe(h, peripheral.SampleCharUUID))
	s.waitNotifications(2)
}

func (s *NodeSuite) TestSecondConnectionIsRejected() {
	s.start()

	s.Stack.Connect(testutils.BondedAddress)
	second := s.Stack.Connect(testutils.StrangerAddress)

	s.Equal(1, s.Stack.ConnectedCount())
	s.Equal(1, s.node.Stats().Connections)
	s.EqualValues(1, s.node.Stats().Rejected)
	s.ErrorIs(s.Stack.Subscribe(second, peripheral.SampleCharUUID), peripheral.ErrNotConnected)
}

func (s *NodeSuite) TestRejectedConnectionCannotDriveSampling() {
	s.start()
	s.Stack.HoldDisconnects(true)

	first := s.Stack.Connect(testutils.BondedAddress)
	// bonded, over the limit, and its link outlives the disconnect request
	second := s.Stack.Connect(testutils.BondedAddress)
	s.EqualValues(1, s.node.Stats().Rejected)
	s.Equal(2, s.Stack.ConnectedCount())

	s.Require().NoError(s.Stack.Subscribe(second, peripheral.SampleCharUUID))
	s.Helper.WaitLogged("Ignoring event from rejected connection", s.TestTimeout)
	time.Sleep(5 * tick)
	s.Equal(lifecycle.Idle, s.node.Lifecycle().State(), "rejected peer started sampling")
	s.Zero(s.node.Lifecycle().Workers().Started)

	s.Require().NoError(s.Stack.Subscribe(first, peripheral.SampleCharUUID))
	s.waitNotifications(2)

	s.Require().NoError(s.Stack.Unsubscribe(second, peripheral.SampleCharUUID))
	s.Require().NoError(s.Stack.Write(second, peripheral.ControlCharUUID, []byte("x")))
	s.Require().NoError(s.Stack.DropCentral(second, 0x13))

	seen := len(s.Stack.Notifications())
	s.waitNotifications(seen + 2)
	s.Equal(lifecycle.Running, s.node.Lifecycle().State(), "admitted subscriber lost its stream")
	s.EqualValues(1, s.node.Lifecycle().Workers().Started)
	s.False(s.Helper.Logged("Control write received"))
	s.Equal(1, s.node.Stats().Connections)
}

func (s *NodeSuite) TestUnsubscribeStopsSampling() {
	s.start()

	h := s.Stack.Connect(testutils.BondedAddress)
	s.Require().NoError(s.Stack.Subscribe(h, peripheral.SampleCharUUID))
	s.waitNotifications(2)

	s.Require().NoError(s.Stack.Unsubscribe(h, peripheral.SampleCharUUID))
	s.EventuallyTrue(func() bool { return s.node.Lifecycle().Workers().Exited == 1 }, "worker did not exit")

	reads := s.ADC.Reads()
	time.Sleep(5 * tick)
	s.Equal(reads, s.ADC.Reads())
}

func (s *NodeSuite) TestDisconnectStopsSampling() {
	s.start()

	h := s.Stack.Connect(testutils.BondedAddress)
	s.Require().NoError(s.Stack.Subscribe(h, peripheral.SampleCharUUID))
	s.waitNotifications(1)

	s.Require().NoError(s.Stack.DropCentral(h, 0x13))
	s.EventuallyTrue(func() bool { return s.node.Lifecycle().Workers().Exited == 1 }, "worker did not exit")
	s.Zero(s.node.Stats().Connections)
}

func (s *NodeSuite) TestFatalReadDoesNotStopPump() {
	s.ADC.FailAfter(3)
	s.start()

	h := s.Stack.Connect(testutils.BondedAddress)
	s.Require().NoError(s.Stack.Subscribe(h, peripheral.SampleCharUUID))

	s.EventuallyTrue(func() bool { return s.node.Lifecycle().Workers().Failed == 1 }, "read failure not reported")
	s.ErrorIs(s.node.Lifecycle().LastError(), adc.ErrInjected)
	s.waitNotifications(3)

	select {
	case err := <-s.done:
		s.FailNow("node stopped after a read failure", "err: %v", err)
	default:
	}

	// re-subscribing starts a fresh worker
	s.ADC.FailAfter(0)
	s.Require().NoError(s.Stack.Unsubscribe(h, peripheral.SampleCharUUID))
	s.Require().NoError(s.Stack.Subscribe(h, peripheral.SampleCharUUID))
	s.waitNotifications(6)
	s.EqualValues(2, s.node.Lifecycle().Workers().Started)
}

func (s *NodeSuite) TestNotifyFailureIsReportedAndSurvived() {
	s.start()
	s.Stack.FailNotify(peripheral.ErrNotConnected)

	h := s.Stack.Connect(testutils.BondedAddress)
	s.Require().NoError(s.Stack.Subscribe(h, peripheral.SampleCharUUID))
	s.Helper.WaitLogged("Failed to notify sample", s.TestTimeout)

	s.Stack.FailNotify(nil)
	s.waitNotifications(1)
	s.Positive(s.node.Stats().Pump.Failed)
}

func (s *NodeSuite) TestControlWritesAreLoggedAndJournaled() {
	s.start()

	h := s.Stack.Connect(testutils.BondedAddress)
	s.Require().NoError(s.Stack.Write(h, peripheral.ControlCharUUID, []byte("START")))
	s.Helper.WaitLogged("Control write received", s.TestTimeout)

	e, ok := s.Helper.EntryWith("Control write received")
	s.Require().True(ok)
	s.Equal("START", e.Data["text"])
	s.Equal("73 74 61 72 74", e.Data["bytes"])

	var entries []journal.Entry
	s.EventuallyTrue(func() bool {
		got, err := s.node.Journal().Drain()
		s.Require().NoError(err)
		entries = append(entries, got...)
		return len(entries) == 1
	}, "control write not journaled")
	s.Equal(journal.SourceControl, entries[0].Source)
	s.Equal(testutils.BondedAddress, entries[0].Peer)

	// control writes never start sampling
	s.Equal(lifecycle.Idle, s.node.Lifecycle().State())
}

func (s *NodeSuite) TestJournalCommandPrintsEntries() {
	s.start()

	h := s.Stack.Connect(testutils.BondedAddress)
	s.Require().NoError(s.Stack.Write(h, peripheral.ControlCharUUID, []byte("mark")))
	s.EventuallyTrue(func() bool { return s.node.Stats().Journal.Stored == 1 }, "control write not journaled")

	var out bytes.Buffer
	n, err := s.node.writeJournal(&out)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Contains(out.String(), "control "+testutils.BondedAddress+` "mark"`)
	s.True(strings.HasSuffix(out.String(), "\r\n"))

	out.Reset()
	n, err = s.node.writeJournal(&out)
	s.Require().NoError(err)
	s.Zero(n)
	s.Equal("journal is empty\r\n", out.String())

	// the command itself is not recorded
	s.node.onConsoleLine(" journal ")
	s.False(s.Helper.Logged("Console input"))
}

func (s *NodeSuite) TestUnreadJournalIsLoggedOnShutdown() {
	s.start()

	h := s.Stack.Connect(testutils.BondedAddress)
	s.Require().NoError(s.Stack.Write(h, peripheral.ControlCharUUID, []byte("bye")))
	s.Helper.WaitLogged("Control write received", s.TestTimeout)

	s.cancel()
	s.Require().NoError(testutils.WaitErr(s.T(), s.done, s.TestTimeout))
	s.cancel = nil

	e, ok := s.Helper.EntryWith("Journal entry")
	s.Require().True(ok)
	s.Equal("bye", e.Data["text"])
	s.Equal(journal.SourceControl, e.Data["source"])
	s.Equal(testutils.BondedAddress, e.Data["peer"])
}

func (s *NodeSuite) TestControlWriteFromUnbondedPeerIsRefused() {
	s.start()

	h := s.Stack.Connect(testutils.StrangerAddress)
	s.ErrorIs(s.Stack.Write(h, peripheral.ControlCharUUID, []byte("start")), peripheral.ErrNotBonded)
	s.False(s.Helper.Logged("Control write received"))
}

func (s *NodeSuite) TestEnableFailureIsReturned() {
	s.Require().NoError(s.Stack.Close())

	n, err := New(s.cfg, s.Logger, Deps{Stack: s.Stack, ADC: s.ADC})
	s.Require().NoError(err)

	err = n.Run(context.Background())
	s.Require().Error(err)
	s.ErrorIs(err, peripheral.ErrAdapterOff)
	s.Contains(err.Error(), "failed to enable BLE stack")

	s.Error(n.Run(context.Background()), "Run is single-use")
}

func TestNodeSuite(t *testing.T) {
	suite.Run(t, new(NodeSuite))
}

type filteredStack struct {
	*sim.Stack
	admitted func(peripheral.ConnHandle) bool
}

func (f *filteredStack) SetAdmissionFilter(admitted func(peripheral.ConnHandle) bool) {
	f.admitted = admitted
}

func TestNew_InstallsAdmissionFilter(t *testing.T) {
	h := testutils.NewTestHelper(t)
	stack := &filteredStack{Stack: sim.New(h.Logger, testutils.BondedAddress)}

	n, err := New(config.DefaultConfig(), h.Logger, Deps{Stack: stack, ADC: adc.NewSimulated(adc.DefaultSimulatedOptions())})
	require.NoError(t, err)
	require.NotNil(t, stack.admitted)

	stack.SetEventHandler(n.handleEvent)
	require.NoError(t, stack.Enable(peripheral.DefaultSecurity()))
	first := stack.Connect(testutils.BondedAddress)
	second := stack.Connect(testutils.BondedAddress)

	assert.True(t, stack.admitted(first))
	assert.False(t, stack.admitted(second))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ChannelCapacity = 0

	_, err := New(cfg, nil, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestNew_ADCFailure(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ADC.Driver = config.ADCIIO
	cfg.ADC.IIODevice = t.TempDir()

	_, err := New(cfg, nil, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open ADC")
}

func TestOpenADC(t *testing.T) {
	r, err := OpenADC(config.ADCConfig{Driver: config.ADCSim, FailAfter: 1})
	require.NoError(t, err)
	_, err = r.Read()
	require.NoError(t, err)
	_, err = r.Read()
	assert.True(t, errors.Is(err, adc.ErrInjected))

	_, err = OpenADC(config.ADCConfig{Driver: config.ADCMachine})
	assert.ErrorIs(t, err, adc.ErrUnsupported)

	_, err = OpenADC(config.ADCConfig{Driver: "spi"})
	assert.Error(t, err)
}

func TestNewStack(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Stack = config.StackTinyGo

	_, err := NewStack(cfg, nil)
	assert.ErrorIs(t, err, peripheral.ErrUnsupported)

	cfg.Stack = config.StackSim
	s, err := NewStack(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, s)
}
