package peeroracle_test

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/open-mx/omxd/internal/omx"
	"github.com/open-mx/omxd/internal/peeroracle"
)

func mustAddrPort(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatalf("ParseAddrPort(%q): %v", s, err)
	}
	return ap
}

func TestIndexToAddrAndAddrToIndex(t *testing.T) {
	t.Parallel()

	entries := []peeroracle.Entry{
		{BoardAddr: 0x020000000001, UDPAddr: mustAddrPort(t, "10.0.0.1:20000")},
		{BoardAddr: 0x020000000002, UDPAddr: mustAddrPort(t, "10.0.0.2:20000")},
	}
	tbl := peeroracle.New(entries)

	addr, err := tbl.IndexToAddr(1)
	if err != nil {
		t.Fatalf("IndexToAddr(1): %v", err)
	}
	if addr != 0x020000000002 {
		t.Errorf("IndexToAddr(1) = %#x, want %#x", addr, uint64(0x020000000002))
	}

	idx, err := tbl.AddrToIndex(0x020000000001)
	if err != nil {
		t.Fatalf("AddrToIndex: %v", err)
	}
	if idx != 0 {
		t.Errorf("AddrToIndex(0x...01) = %d, want 0", idx)
	}
}

func TestIndexToAddrOutOfRange(t *testing.T) {
	t.Parallel()

	tbl := peeroracle.New(nil)
	if _, err := tbl.IndexToAddr(0); !errors.Is(err, omx.ErrPeerNotFound) {
		t.Errorf("IndexToAddr on empty table error = %v, want ErrPeerNotFound", err)
	}
}

func TestAddrToIndexUnknown(t *testing.T) {
	t.Parallel()

	tbl := peeroracle.New([]peeroracle.Entry{
		{BoardAddr: 0x1, UDPAddr: mustAddrPort(t, "10.0.0.1:20000")},
	})
	if _, err := tbl.AddrToIndex(0xDEAD); !errors.Is(err, omx.ErrPeerNotFound) {
		t.Errorf("AddrToIndex unknown error = %v, want ErrPeerNotFound", err)
	}
}

func TestResolveUDP(t *testing.T) {
	t.Parallel()

	want := mustAddrPort(t, "192.168.1.5:30000")
	tbl := peeroracle.New([]peeroracle.Entry{
		{BoardAddr: 0x1, UDPAddr: want},
	})

	got, err := tbl.ResolveUDP(0)
	if err != nil {
		t.Fatalf("ResolveUDP(0): %v", err)
	}
	if got != want {
		t.Errorf("ResolveUDP(0) = %v, want %v", got, want)
	}

	if _, err := tbl.ResolveUDP(5); !errors.Is(err, omx.ErrPeerNotFound) {
		t.Errorf("ResolveUDP(5) error = %v, want ErrPeerNotFound", err)
	}
}

func TestEntriesSnapshotIsIndependent(t *testing.T) {
	t.Parallel()

	tbl := peeroracle.New([]peeroracle.Entry{
		{BoardAddr: 0x1, UDPAddr: mustAddrPort(t, "10.0.0.1:20000")},
	})

	snap := tbl.Entries()
	if len(snap) != 1 {
		t.Fatalf("len(Entries()) = %d, want 1", len(snap))
	}

	snap[0].BoardAddr = 0xDEAD

	addr, err := tbl.IndexToAddr(0)
	if err != nil {
		t.Fatalf("IndexToAddr(0): %v", err)
	}
	if addr != 0x1 {
		t.Errorf("mutating a returned snapshot affected the table: IndexToAddr(0) = %#x, want 0x1", addr)
	}
}

func TestReloadReplacesContents(t *testing.T) {
	t.Parallel()

	tbl := peeroracle.New([]peeroracle.Entry{
		{BoardAddr: 0x1, UDPAddr: mustAddrPort(t, "10.0.0.1:20000")},
	})

	tbl.Reload([]peeroracle.Entry{
		{BoardAddr: 0x2, UDPAddr: mustAddrPort(t, "10.0.0.2:20000")},
		{BoardAddr: 0x3, UDPAddr: mustAddrPort(t, "10.0.0.3:20000")},
	})

	if _, err := tbl.AddrToIndex(0x1); !errors.Is(err, omx.ErrPeerNotFound) {
		t.Errorf("stale entry 0x1 still resolvable after Reload: err = %v", err)
	}

	idx, err := tbl.AddrToIndex(0x3)
	if err != nil {
		t.Fatalf("AddrToIndex(0x3) after Reload: %v", err)
	}
	if idx != 1 {
		t.Errorf("AddrToIndex(0x3) = %d, want 1", idx)
	}

	if got := len(tbl.Entries()); got != 2 {
		t.Errorf("len(Entries()) after Reload = %d, want 2", got)
	}
}
