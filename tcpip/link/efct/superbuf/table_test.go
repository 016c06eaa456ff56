package superbuf

import (
	"testing"

	"github.com/adimgong/onload/tcpip/link/efct/pktid"
)

func TestRolloverAndRelease(t *testing.T) {
	tbl := NewTable()
	d := tbl.Rollover(2, 5, 1000)
	if d.Refcnt != 1000 || d.SuperbufPkts != 1000 {
		t.Fatalf("got refcnt=%d superbuf_pkts=%d, want 1000/1000", d.Refcnt, d.SuperbufPkts)
	}

	pkt := pktid.Encode(2, 5, 3)
	for i := 0; i < 999; i++ {
		if emptied := tbl.Release(pkt); emptied {
			t.Fatalf("Release emptied early on iteration %d", i)
		}
	}
	if !tbl.Release(pkt) {
		t.Fatal("final Release did not report empty")
	}
}

func TestReleaseUnderflowPanics(t *testing.T) {
	tbl := NewTable()
	tbl.Rollover(0, 0, 1)
	pkt := pktid.Encode(0, 0, 0)
	tbl.Release(pkt)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on refcount underflow")
		}
	}()
	tbl.Release(pkt)
}

func TestFreeStack(t *testing.T) {
	tbl := NewTable()
	if tbl.FreeHead(1) != -1 {
		t.Fatal("fresh table should have empty free stack")
	}
	tbl.FreePush(1, 3)
	tbl.FreePush(1, 7)
	if tbl.FreeHead(1) != 7 {
		t.Fatalf("FreeHead = %d, want 7", tbl.FreeHead(1))
	}
	if tbl.FreeNext(1, 7) != 3 {
		t.Fatalf("FreeNext(7) = %d, want 3", tbl.FreeNext(1, 7))
	}
	if tbl.FreeNext(1, 3) != -1 {
		t.Fatalf("FreeNext(3) = %d, want -1", tbl.FreeNext(1, 3))
	}
}
