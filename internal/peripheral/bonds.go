package peripheral

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DefaultBondDir is where BlueZ keeps per-adapter pairing data.
const DefaultBondDir = "/var/lib/bluetooth"

// BondStore answers bond queries for stacks whose library does not expose
// the host's key database. A peer is bonded if it is on the static allowlist
// or BlueZ stored a long-term key or link key for it under dir.
type BondStore struct {
	dir string

	mu     sync.RWMutex
	static map[string]struct{}
}

// NewBondStore creates a store with a static allowlist. An empty dir disables
// the BlueZ lookup.
func NewBondStore(allow []string, dir string) *BondStore {
	b := &BondStore{dir: dir, static: make(map[string]struct{}, len(allow))}
	for _, a := range allow {
		if a = normalizeAddress(a); a != "" {
			b.static[a] = struct{}{}
		}
	}
	return b
}

// Add records addr as bonded for the lifetime of the store.
func (b *BondStore) Add(addr string) {
	b.mu.Lock()
	b.static[normalizeAddress(addr)] = struct{}{}
	b.mu.Unlock()
}

// IsBonded reports whether addr is bonded.
func (b *BondStore) IsBonded(addr string) bool {
	addr = normalizeAddress(addr)
	if addr == "" {
		return false
	}

	b.mu.RLock()
	_, ok := b.static[addr]
	b.mu.RUnlock()
	if ok {
		return true
	}

	for _, a := range b.scan() {
		if a == addr {
			return true
		}
	}
	return false
}

// Addresses returns every bonded address, sorted.
func (b *BondStore) Addresses() []string {
	seen := make(map[string]struct{})

	b.mu.RLock()
	for a := range b.static {
		seen[a] = struct{}{}
	}
	b.mu.RUnlock()

	for _, a := range b.scan() {
		seen[a] = struct{}{}
	}

	result := make([]string, 0, len(seen))
	for a := range seen {
		result = append(result, a)
	}
	sort.Strings(result)
	return result
}

// scan walks <dir>/<adapter>/<peer>/info and returns peers with stored keys.
func (b *BondStore) scan() []string {
	if b.dir == "" {
		return nil
	}

	infos, err := filepath.Glob(filepath.Join(b.dir, "*", "*", "info"))
	if err != nil {
		return nil
	}

	var result []string
	for _, info := range infos {
		peer := filepath.Base(filepath.Dir(info))
		if !looksLikeAddress(peer) {
			continue
		}
		if hasKeySection(info) {
			result = append(result, normalizeAddress(peer))
		}
	}
	return result
}

func hasKeySection(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		switch strings.TrimSpace(sc.Text()) {
		case "[LongTermKey]", "[PeripheralLongTermKey]", "[SlaveLongTermKey]", "[LinkKey]":
			return true
		}
	}
	return false
}

func normalizeAddress(a string) string {
	return strings.ToUpper(strings.TrimSpace(a))
}

// looksLikeAddress accepts the XX:XX:XX:XX:XX:XX form BlueZ uses for directory names.
func looksLikeAddress(s string) bool {
	if len(s) != 17 {
		return false
	}
	for i, c := range s {
		if i%3 == 2 {
			if c != ':' {
				return false
			}
			continue
		}
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
