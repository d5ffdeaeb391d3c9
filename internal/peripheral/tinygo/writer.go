package tinygo

import "github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/peripheral"

// writerOf picks the peer a write is credited to. The library hands out an
// opaque connection, so the newest admitted connection wins. A nil filter
// admits every connection.
func writerOf(peers []peripheral.Peer, admitted func(peripheral.ConnHandle) bool) (peripheral.Peer, bool) {
	var (
		best  peripheral.Peer
		found bool
	)
	for _, p := range peers {
		if admitted != nil && !admitted(p.Handle) {
			continue
		}
		if !found || p.Handle > best.Handle {
			best, found = p, true
		}
	}
	return best, found
}
