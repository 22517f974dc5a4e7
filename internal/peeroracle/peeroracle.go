// Package peeroracle implements a static, configuration-loaded Peer
// Directory Oracle: the (peer_index <-> MAC address) resolver that spec.md
// section 2 explicitly places out of scope ("peer-directory oracle...
// implementation not specified here"). SPEC_FULL.md section 2 item 8 gives
// it a concrete shape for a runnable daemon: a fixed table built once from
// configuration, assigning peer_index values in the order peers are
// declared.
//
// A single Table value satisfies both omx.PeerOracle (MAC<->peer_index) and
// driver.PeerResolver (peer_index->UDP address), matching how a real
// directory service would back both concerns with the same peer record.
package peeroracle

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/open-mx/omxd/internal/omx"
)

// Entry is one statically known peer: its identity (MAC) and the UDP
// transport address the driver should use to reach it.
type Entry struct {
	BoardAddr uint64
	UDPAddr   netip.AddrPort
}

// Table is a fixed, in-memory peer directory. It is built once at startup
// (and rebuilt wholesale on SIGHUP reload, SPEC_FULL.md section 4.9) and is
// safe for concurrent lookups thereafter.
type Table struct {
	mu        sync.RWMutex
	byIndex   []Entry
	indexOf   map[uint64]uint16
}

// New builds a Table from an ordered slice of entries; the slice order
// determines peer_index assignment (index 0 is peer_index 0, and so on).
func New(entries []Entry) *Table {
	t := &Table{}
	t.Reload(entries)
	return t
}

// Reload atomically replaces the table contents, used on SIGHUP
// reconciliation (SPEC_FULL.md section 4.9). Existing Partner records in an
// omx.Table are unaffected by a Reload: peer_index assignment for
// already-connected peers should remain stable across reloads by listing
// peers in a stable order in configuration.
func (t *Table) Reload(entries []Entry) {
	byIndex := make([]Entry, len(entries))
	indexOf := make(map[uint64]uint16, len(entries))
	copy(byIndex, entries)
	for i, e := range byIndex {
		indexOf[e.BoardAddr] = uint16(i)
	}

	t.mu.Lock()
	t.byIndex = byIndex
	t.indexOf = indexOf
	t.mu.Unlock()
}

// IndexToAddr implements omx.PeerOracle.
func (t *Table) IndexToAddr(peerIndex uint16) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if int(peerIndex) >= len(t.byIndex) {
		return 0, fmt.Errorf("peer index %d: %w", peerIndex, omx.ErrPeerNotFound)
	}
	return t.byIndex[peerIndex].BoardAddr, nil
}

// AddrToIndex implements omx.PeerOracle.
func (t *Table) AddrToIndex(boardAddr uint64) (uint16, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx, ok := t.indexOf[boardAddr]
	if !ok {
		return 0, fmt.Errorf("board addr %#x: %w", boardAddr, omx.ErrPeerNotFound)
	}
	return idx, nil
}

// ResolveUDP implements driver.PeerResolver.
func (t *Table) ResolveUDP(peerIndex uint16) (netip.AddrPort, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if int(peerIndex) >= len(t.byIndex) {
		return netip.AddrPort{}, fmt.Errorf("peer index %d: %w", peerIndex, omx.ErrPeerNotFound)
	}
	return t.byIndex[peerIndex].UDPAddr, nil
}

// Entries returns a snapshot of every known peer; on a configuration reload
// the daemon passes a freshly built table's entries to the live table's
// Reload.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.byIndex))
	copy(out, t.byIndex)
	return out
}
