package testutils

import (
	"time"

	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/adc"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/peripheral"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/peripheral/sim"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

const (
	BondedAddress   = "C0:FF:EE:00:00:01"
	StrangerAddress = "BA:D0:00:00:00:02"
)

// SimPeripheralSuite provides a simulated BLE stack and a simulated ADC
// for each test.
//
// Basic usage:
//
//	type LifecycleSuite struct {
//	    testutils.SimPeripheralSuite
//	}
//
//	func (s *LifecycleSuite) TestSubscribe() {
//	    h := s.Stack.Connect(testutils.BondedAddress)
//	    s.Require().NoError(s.Stack.Subscribe(h, peripheral.SampleCharUUID))
//	}
//
// Override SetupTest to tweak ADCOptions or BondedPeers, then call the
// parent last.
type SimPeripheralSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	// Configuration applied in SetupTest
	BondedPeers []string
	ADCOptions  *adc.SimulatedOptions
	TestTimeout time.Duration

	Stack *sim.Stack
	ADC   *adc.Simulated
}

func (s *SimPeripheralSuite) SetupTest() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	if s.TestTimeout == 0 {
		s.TestTimeout = 5 * time.Second
	}

	bonded := s.BondedPeers
	if bonded == nil {
		bonded = []string{BondedAddress}
	}
	s.Stack = sim.New(s.Logger, bonded...)

	opts := adc.DefaultSimulatedOptions()
	if s.ADCOptions != nil {
		opts = *s.ADCOptions
	}
	s.ADC = adc.NewSimulated(opts)

	s.Logger.Debug("Test setup completed - ready for execution")
}

func (s *SimPeripheralSuite) TearDownTest() {
	if s.Stack != nil {
		_ = s.Stack.Close()
	}
	s.BondedPeers = nil
	s.ADCOptions = nil
}

// EnableStack enables the simulated stack and registers the sensor profile.
func (s *SimPeripheralSuite) EnableStack() {
	s.Require().NoError(s.Stack.Enable(peripheral.DefaultSecurity()))
	s.Require().NoError(s.Stack.AddService(peripheral.ECGProfile()))
}

// EventuallyTrue waits for cond within the suite timeout.
func (s *SimPeripheralSuite) EventuallyTrue(cond func() bool, msg string) {
	s.Require().Eventually(cond, s.TestTimeout, 5*time.Millisecond, msg)
}
