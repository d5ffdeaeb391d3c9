// Package node wires the sensor together: the BLE stack, the admission
// controller, the lifecycle manager with its sampling worker, and the
// notification pump running on the main control loop.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/adc"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/admission"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/console"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/groutine"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/guard"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/journal"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/lifecycle"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/peripheral"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/pump"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/samplechan"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/pkg/config"
)

// JournalCommand typed on the console prints and clears the journal.
const JournalCommand = "journal"

// Deps overrides the hardware the node would otherwise open from the config.
type Deps struct {
	Stack peripheral.Stack
	ADC   adc.Reader
}

// Stats is a snapshot of the node's counters.
type Stats struct {
	Connections int
	Rejected    int64
	Workers     lifecycle.WorkerStats
	Pump        pump.Stats
	Channel     samplechan.Metrics
	Journal     journal.Metrics
}

type Node struct {
	cfg    *config.Config
	logger *logrus.Logger
	log    *logrus.Entry

	stack     peripheral.Stack
	reader    adc.Reader
	ownsADC   bool
	tx        *samplechan.Sender[uint16]
	rx        *samplechan.Receiver[uint16]
	admission *admission.Controller
	lifecycle *lifecycle.Manager
	pump      *pump.Pump
	journal   *journal.Journal

	console atomic.Pointer[console.Console]
	ran     atomic.Bool
}

// New builds every component. Nothing touches the radio until Run.
func New(cfg *config.Config, logger *logrus.Logger, deps Deps) (*Node, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = cfg.NewLogger()
	}

	n := &Node{
		cfg:    cfg,
		logger: logger,
		log:    logger.WithField("component", "node"),
	}

	n.stack = deps.Stack
	if n.stack == nil {
		s, err := NewStack(cfg, logger)
		if err != nil {
			return nil, err
		}
		n.stack = s
	}

	n.reader = deps.ADC
	if n.reader == nil {
		r, err := OpenADC(cfg.ADC)
		if err != nil {
			return nil, fmt.Errorf("failed to open ADC: %w", err)
		}
		n.reader = r
		n.ownsADC = true
	}

	j, err := journal.New(cfg.JournalSize, logger)
	if err != nil {
		n.closeADC()
		return nil, err
	}
	n.journal = j

	n.tx, n.rx = samplechan.New[uint16](cfg.ChannelCapacity)
	n.admission = admission.New(n.stack, admission.Options{
		MaxConnections: cfg.MaxConnections,
		Logger:         logger,
	})
	if aw, ok := n.stack.(peripheral.AdmissionAware); ok {
		aw.SetAdmissionFilter(n.admission.Admitted)
	}
	n.lifecycle = lifecycle.New(lifecycle.Options{
		ADC:          guard.New(n.reader),
		Sender:       n.tx,
		Bonds:        n.admission,
		SamplePeriod: cfg.SamplePeriod,
		SamplerCPU:   cfg.SamplerCPU,
		Logger:       logger,
	})
	n.pump = pump.New(pump.Options{
		Period:  cfg.PumpPeriod,
		Logger:  logger,
		OnValue: n.echoSample,
	}, n.rx, pump.NotifierFunc(func(value []byte) error {
		return n.stack.Notify(peripheral.SampleCharUUID, value)
	}))

	return n, nil
}

// OpenADC opens the configured ADC driver.
func OpenADC(c config.ADCConfig) (adc.Reader, error) {
	switch c.Driver {
	case config.ADCSim:
		s := adc.NewSimulated(adc.DefaultSimulatedOptions())
		if c.FailAfter > 0 {
			s.FailAfter(c.FailAfter)
		}
		return s, nil
	case config.ADCIIO:
		d, err := adc.OpenIIO(c.IIODevice, c.Channel, c.Calibration)
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.ADCMachine:
		m, err := adc.OpenMachine(c.Channel, c.Calibration)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown adc driver %q", c.Driver)
	}
}

// Run brings the peripheral up and serves until ctx is done. Startup
// failures are returned; a cancelled ctx is a clean exit. Run may be
// called once.
func (n *Node) Run(ctx context.Context) error {
	if !n.ran.CompareAndSwap(false, true) {
		return errors.New("node: Run called twice")
	}
	defer n.closeADC()
	defer n.rx.Close()
	defer n.tx.Close()

	sec, err := n.cfg.Security()
	if err != nil {
		return err
	}

	n.stack.SetEventHandler(n.handleEvent)
	if err := n.stack.Enable(sec); err != nil {
		return fmt.Errorf("failed to enable BLE stack: %w", err)
	}
	defer func() {
		if err := n.stack.Close(); err != nil {
			n.log.WithError(err).Warn("Failed to close BLE stack")
		}
	}()

	if err := n.stack.AddService(peripheral.ECGProfile()); err != nil {
		return fmt.Errorf("failed to register GATT service: %w", err)
	}

	if err := n.journal.Start(); err != nil {
		return err
	}
	defer func() {
		if err := n.journal.Stop(); err != nil {
			n.log.WithError(err).Warn("Failed to stop journal")
		}
		n.dumpJournal()
	}()

	if n.cfg.Console {
		restore, err := n.openConsole()
		if err != nil {
			return err
		}
		defer restore()
	}

	if err := n.stack.Advertise(ctx, n.cfg.DeviceName, peripheral.ServiceUUID); err != nil {
		return fmt.Errorf("failed to start advertising: %w", err)
	}
	n.log.WithFields(logrus.Fields{
		"name":    n.cfg.DeviceName,
		"service": peripheral.ServiceUUID,
		"passkey": peripheral.FormatPasskey(sec.Passkey),
	}).Info("Advertising started")
	n.logBonds()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lcDone := make(chan error, 1)
	groutine.Go(runCtx, "lifecycle", func(ctx context.Context) {
		lcDone <- n.lifecycle.Run(ctx)
	})

	// The pump is the main control loop.
	pumpErr := n.pump.Run(runCtx)
	cancel()
	lcErr := <-lcDone

	st := n.Stats()
	n.log.WithFields(logrus.Fields{
		"workers":  st.Workers.Started,
		"failed":   st.Workers.Failed,
		"notified": st.Pump.Notified,
		"journal":  st.Journal.Stored,
	}).Info("Node stopped")

	return errors.Join(pumpErr, lcErr)
}

func (n *Node) handleEvent(ev peripheral.Event) {
	switch ev.Type {
	case peripheral.EventConnect:
		admitted, err := n.admission.OnConnect(ev.Peer)
		if err != nil {
			n.log.WithError(err).Warn("Failed to enforce connection limit")
		}
		if !admitted {
			return
		}
	case peripheral.EventDisconnect:
		n.admission.OnDisconnect(ev.Peer, ev.Reason)
	case peripheral.EventAuthComplete:
		n.admission.OnAuthComplete(ev.Peer, ev.AuthErr)
	case peripheral.EventSubscribe, peripheral.EventUnsubscribe, peripheral.EventWrite:
		// a rejected link can linger until the controller tears it down
		if !n.admission.Admitted(ev.Peer.Handle) {
			n.log.WithFields(logrus.Fields{
				"event":  ev.Type,
				"peer":   ev.Peer.Address,
				"handle": ev.Peer.Handle,
			}).Debug("Ignoring event from rejected connection")
			return
		}
	}

	if ev.Type == peripheral.EventWrite {
		if ev.Characteristic == peripheral.ControlCharUUID {
			n.onControlWrite(ev.Peer, ev.Data)
		}
		return
	}

	if lev, ok := lifecycle.FromPeripheral(ev); ok {
		if err := n.lifecycle.Submit(lev); err != nil {
			n.log.WithError(err).WithField("event", lev.Type).Debug("Lifecycle event dropped")
		}
	}
}

// onControlWrite logs the payload; control writes carry no command protocol.
func (n *Node) onControlWrite(peer peripheral.Peer, data []byte) {
	e := journal.Entry{Source: journal.SourceControl, Peer: peer.Address, Data: data}
	n.log.WithFields(logrus.Fields{
		"peer":  peer.Address,
		"text":  e.Text(),
		"bytes": fmt.Sprintf("% x", e.Lower()),
	}).Info("Control write received")
	n.journal.Record(journal.SourceControl, peer.Address, data)
}

func (n *Node) onConsoleLine(line string) {
	if strings.TrimSpace(line) == JournalCommand {
		if c := n.console.Load(); c != nil {
			if _, err := n.writeJournal(c); err != nil {
				n.log.WithError(err).Warn("Failed to print journal")
			}
		}
		return
	}
	n.log.WithField("line", line).Info("Console input")
	n.journal.Record(journal.SourceConsole, "console", []byte(line))
}

// writeJournal drains the journal to w, one entry per line.
func (n *Node) writeJournal(w io.Writer) (int, error) {
	entries, err := n.journal.Drain()
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		_, err := io.WriteString(w, "journal is empty\r\n")
		return 0, err
	}
	for _, e := range entries {
		if _, err := io.WriteString(w, e.String()+"\r\n"); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

// dumpJournal logs entries nobody printed before shutdown.
func (n *Node) dumpJournal() {
	count, err := journal.Consume(n.journal, func(e *journal.Entry, count int) (int, bool) {
		if e == nil {
			return count, true
		}
		n.log.WithFields(logrus.Fields{
			"source": e.Source,
			"peer":   e.Peer,
			"text":   e.Text(),
			"at":     e.Time.Format(time.RFC3339),
		}).Info("Journal entry")
		return count + 1, false
	})
	if err != nil {
		n.log.WithError(err).Warn("Failed to read journal")
		return
	}
	if count > 0 {
		n.log.WithField("entries", count).Debug("Journal dumped")
	}
}

// openConsole mirrors log output to a pseudo-terminal. The returned func
// detaches and closes it.
func (n *Node) openConsole() (func(), error) {
	c, err := console.Open(console.Options{
		Logger: n.log,
		OnLine: n.onConsoleLine,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open console: %w", err)
	}
	n.console.Store(c)

	hooks := make(logrus.LevelHooks)
	for lvl, hs := range n.logger.Hooks {
		hooks[lvl] = append(hooks[lvl], hs...)
	}
	hooks.Add(console.NewHook(c, logrus.InfoLevel))
	prev := n.logger.ReplaceHooks(hooks)

	n.log.WithField("tty", c.TTYName()).Info("Console attached")

	return func() {
		n.logger.ReplaceHooks(prev)
		n.console.Store(nil)
		if err := c.Close(); err != nil {
			n.log.WithError(err).Debug("Failed to close console")
		}
	}, nil
}

func (n *Node) echoSample(v uint16) {
	if c := n.console.Load(); c != nil {
		c.Printf("%d\r\n", v)
	}
}

func (n *Node) logBonds() {
	addrs := n.stack.BondedAddresses()
	if len(addrs) == 0 {
		n.log.Info("No bonded peers")
		return
	}
	for _, a := range addrs {
		n.log.WithField("address", a).Info("Bonded peer")
	}
}

func (n *Node) closeADC() {
	if !n.ownsADC {
		return
	}
	if c, ok := n.reader.(io.Closer); ok {
		if err := c.Close(); err != nil {
			n.log.WithError(err).Debug("Failed to close ADC")
		}
	}
}

// Journal returns the operator input history.
func (n *Node) Journal() *journal.Journal {
	return n.journal
}

func (n *Node) Lifecycle() *lifecycle.Manager {
	return n.lifecycle
}

func (n *Node) Admission() *admission.Controller {
	return n.admission
}

func (n *Node) Stats() Stats {
	return Stats{
		Connections: n.admission.Count(),
		Rejected:    n.admission.Rejected(),
		Workers:     n.lifecycle.Workers(),
		Pump:        n.pump.Stats(),
		Channel:     n.rx.GetMetrics(),
		Journal:     n.journal.Metrics(),
	}
}
