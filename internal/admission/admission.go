// Package admission enforces the connection limit and tracks the peers the
// stack reports, together with their bond and authentication state.
package admission

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/peripheral"
)

// DefaultMaxConnections admits a single central.
const DefaultMaxConnections = 1

// Stack is the part of peripheral.Stack the controller needs.
type Stack interface {
	Disconnect(h peripheral.ConnHandle) error
	IsBonded(h peripheral.ConnHandle) bool
}

// PeerRecord is what the controller knows about a connection. A record
// with Admitted unset belongs to a peer being dropped for exceeding the limit.
type PeerRecord struct {
	Peer          peripheral.Peer
	ConnectedAt   time.Time
	Admitted      bool
	Authenticated bool
}

type Options struct {
	MaxConnections int
	Logger         *logrus.Logger
}

// Controller is safe for concurrent use; stacks may report events from
// their own goroutines.
type Controller struct {
	stack  Stack
	max    int
	logger *logrus.Entry
	peers  *hashmap.Map[peripheral.ConnHandle, *PeerRecord]
	now    func() time.Time

	connMu   sync.Mutex // serializes the admission decision
	rejected atomic.Int64
}

func New(stack Stack, opts Options) *Controller {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultMaxConnections
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Controller{
		stack:  stack,
		max:    opts.MaxConnections,
		logger: opts.Logger.WithField("component", "admission"),
		peers:  hashmap.New[peripheral.ConnHandle, *PeerRecord](),
		now:    time.Now,
	}
}

// OnConnect registers peer and reports whether it was admitted. Past the
// limit the newest connection, i.e. peer itself, is dropped.
func (c *Controller) OnConnect(peer peripheral.Peer) (bool, error) {
	log := c.logger.WithFields(logrus.Fields{
		"peer":   peer.Address,
		"handle": peer.Handle,
	})

	c.connMu.Lock()
	n := c.admittedCount()
	admit := n < c.max
	c.peers.Set(peer.Handle, &PeerRecord{Peer: peer, ConnectedAt: c.now(), Admitted: admit})
	c.connMu.Unlock()

	if !peer.Bonded {
		log.Info("Client not bonded")
	}

	if !admit {
		c.rejected.Add(1)
		log.WithField("connections", n+1).Warn("Connection limit reached, disconnecting newest peer")
		if err := c.stack.Disconnect(peer.Handle); err != nil {
			return false, fmt.Errorf("disconnect %s: %w", peer, err)
		}
		// the stack may not report the disconnect synchronously
		c.peers.Del(peer.Handle)
		return false, nil
	}

	log.WithField("bonded", peer.Bonded).Info("Client connected")
	return true, nil
}

// OnDisconnect forgets the peer. Disconnects are only logged.
func (c *Controller) OnDisconnect(peer peripheral.Peer, reason int) {
	c.peers.Del(peer.Handle)
	c.logger.WithFields(logrus.Fields{
		"peer":   peer.Address,
		"handle": peer.Handle,
		"reason": fmt.Sprintf("0x%02x", reason),
	}).Info("Client disconnected")
}

// OnAuthComplete records the pairing outcome. Failures are only logged.
func (c *Controller) OnAuthComplete(peer peripheral.Peer, authErr error) {
	log := c.logger.WithFields(logrus.Fields{
		"peer":   peer.Address,
		"handle": peer.Handle,
	})
	if authErr != nil {
		log.WithError(authErr).Warn("Authentication failed")
		return
	}

	if rec, ok := c.peers.Get(peer.Handle); ok {
		updated := *rec
		updated.Authenticated = true
		updated.Peer.Bonded = updated.Peer.Bonded || peer.Bonded
		c.peers.Set(peer.Handle, &updated)
	}
	log.WithField("bonded", peer.Bonded).Info("Authentication complete")
}

// IsBonded reports whether the connection belongs to an admitted, bonded peer.
func (c *Controller) IsBonded(h peripheral.ConnHandle) bool {
	rec, ok := c.peers.Get(h)
	if !ok || !rec.Admitted {
		return false
	}
	return rec.Peer.Bonded || c.stack.IsBonded(h)
}

// Admitted reports whether the connection passed the connection limit and
// is still up.
func (c *Controller) Admitted(h peripheral.ConnHandle) bool {
	rec, ok := c.peers.Get(h)
	return ok && rec.Admitted
}

func (c *Controller) admittedCount() int {
	n := 0
	c.peers.Range(func(_ peripheral.ConnHandle, rec *PeerRecord) bool {
		if rec.Admitted {
			n++
		}
		return true
	})
	return n
}

// Count returns the number of tracked connections, including a rejected
// one whose disconnect failed.
func (c *Controller) Count() int {
	return c.peers.Len()
}

// Rejected returns how many connections were dropped for exceeding the limit.
func (c *Controller) Rejected() int64 {
	return c.rejected.Load()
}

// Peers returns the admitted peers ordered by handle.
func (c *Controller) Peers() []PeerRecord {
	result := make([]PeerRecord, 0, c.peers.Len())
	c.peers.Range(func(_ peripheral.ConnHandle, rec *PeerRecord) bool {
		result = append(result, *rec)
		return true
	})
	sort.Slice(result, func(i, j int) bool { return result[i].Peer.Handle < result[j].Peer.Handle })
	return result
}
