package sampler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/adc"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/guard"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/samplechan"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/testutils"
)

const testPeriod = 10 * time.Millisecond

type SamplerTestSuite struct {
	suite.Suite

	helper *testutils.TestHelper
	source *adc.Simulated
	adc    *guard.Guard[adc.Reader]
	tx     *samplechan.Sender[uint16]
	rx     *samplechan.Receiver[uint16]
	flag   *Flag
}

func (s *SamplerTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.source = adc.NewSimulated(adc.DefaultSimulatedOptions())
	s.adc = guard.New[adc.Reader](s.source)
	s.tx, s.rx = samplechan.New[uint16](20)
	s.flag = NewFlag()
}

func (s *SamplerTestSuite) TearDownTest() {
	s.tx.Close()
	s.rx.Close()
}

// start runs the loop in the background and returns its result channel.
func (s *SamplerTestSuite) start(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{Period: testPeriod, Logger: s.helper.Logger}, s.adc, s.tx, s.flag)
	}()
	return done
}

func (s *SamplerTestSuite) TestDeliversSamplesInProductionOrder() {
	done := s.start(context.Background())

	for i := int64(0); i < 10; i++ {
		v, err := s.rx.Receive(context.Background())
		s.Require().NoError(err)
		s.Equal(s.source.At(i), v, "sample %d", i)
	}

	s.flag.Cancel()
	s.Require().NoError(testutils.WaitErr(s.T(), done, time.Second))
}

func (s *SamplerTestSuite) TestCancellationStopsWithinOnePeriod() {
	done := s.start(context.Background())

	_, err := s.rx.Receive(context.Background())
	s.Require().NoError(err)

	s.flag.Cancel()
	cancelledAt := time.Now()
	s.Require().NoError(testutils.WaitErr(s.T(), done, time.Second))
	s.LessOrEqual(time.Since(cancelledAt), testPeriod+20*time.Millisecond)

	// Nothing produced after the stop request beyond what was already queued.
	queued := s.rx.Len()
	time.Sleep(3 * testPeriod)
	s.Equal(queued, s.rx.Len())
}

func (s *SamplerTestSuite) TestReadFailureIsReturned() {
	s.source.FailAfter(3)
	done := s.start(context.Background())

	err := testutils.WaitErr(s.T(), done, time.Second)
	s.Require().Error(err)
	s.ErrorIs(err, adc.ErrInjected)
	s.Equal(3, s.rx.Len())
}

func (s *SamplerTestSuite) TestReceiverGoneEndsLoopQuietly() {
	s.rx.Close()
	done := s.start(context.Background())
	s.NoError(testutils.WaitErr(s.T(), done, time.Second))
	s.Equal(int64(1), s.source.Reads(), "exactly one read before the failed send")
}

func (s *SamplerTestSuite) TestContextCancelEndsLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	done := s.start(ctx)
	cancel()
	s.NoError(testutils.WaitErr(s.T(), done, time.Second))
}

func (s *SamplerTestSuite) TestHoldsADCGuardWhileRunning() {
	done := s.start(context.Background())

	s.Eventually(func() bool { return s.adc.Owner() == "sampler" }, time.Second, time.Millisecond)
	_, _, ok := s.adc.TryLock("main")
	s.False(ok, "main context must not touch the ADC while the worker runs")

	s.flag.Cancel()
	s.Require().NoError(testutils.WaitErr(s.T(), done, time.Second))

	_, release, ok := s.adc.TryLock("main")
	s.Require().True(ok, "worker must release the ADC on exit")
	release()
}

func (s *SamplerTestSuite) TestCancelReleasesBlockedSend() {
	tx, rx := samplechan.New[uint16](1)
	defer rx.Close()
	defer tx.Close()

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), Options{Period: testPeriod, Logger: s.helper.Logger}, s.adc, tx, s.flag)
	}()

	// Queue of one fills on the first tick, the second send blocks.
	s.Eventually(func() bool { return rx.GetMetrics().Blocked == 1 }, time.Second, time.Millisecond)

	s.flag.Cancel()
	s.NoError(testutils.WaitErr(s.T(), done, time.Second))
}

func (s *SamplerTestSuite) TestOnSampleCallback() {
	var count atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), Options{
			Period:   testPeriod,
			Logger:   s.helper.Logger,
			OnSample: func(uint16) { count.Add(1) },
		}, s.adc, s.tx, s.flag)
	}()

	for i := 0; i < 3; i++ {
		_, err := s.rx.Receive(context.Background())
		s.Require().NoError(err)
	}
	s.flag.Cancel()
	s.Require().NoError(testutils.WaitErr(s.T(), done, time.Second))
	s.GreaterOrEqual(count.Load(), int32(3))
}

func TestSamplerTestSuite(t *testing.T) {
	suite.Run(t, new(SamplerTestSuite))
}

func TestFlag(t *testing.T) {
	f := NewFlag()
	assert.False(t, f.Cancelled())

	done := f.Done()
	select {
	case <-done:
		t.Fatal("fresh flag must not be done")
	default:
	}

	f.Cancel()
	f.Cancel()
	assert.True(t, f.Cancelled())
	select {
	case <-done:
	default:
		t.Fatal("Cancel must close Done")
	}

	f.Reset()
	assert.False(t, f.Cancelled())
	select {
	case <-f.Done():
		t.Fatal("Reset must re-arm Done")
	default:
	}

	// Reset on an armed flag keeps the same channel.
	armed := f.Done()
	f.Reset()
	require.Equal(t, armed, f.Done())
}

func TestRun_DefaultsPeriodAndLogger(t *testing.T) {
	g := guard.New[adc.Reader](adc.NewSimulated(adc.DefaultSimulatedOptions()))
	tx, rx := samplechan.New[uint16](1)
	defer rx.Close()
	defer tx.Close()

	flag := NewFlag()
	flag.Cancel()

	start := time.Now()
	err := Run(context.Background(), Options{}, g, tx, flag)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), DefaultPeriod, "cancelled flag exits before the first tick")
}
