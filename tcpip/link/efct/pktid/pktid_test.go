package pktid

import "testing"

func TestRoundTrip(t *testing.T) {
	for rxq := 0; rxq < MaxRxqs; rxq++ {
		for _, sb := range []int{0, 1, 7, MaxSuperbufs - 1} {
			for _, pkt := range []int{0, 1, 12345, (1 << PktBits) - 1} {
				id := Encode(rxq, sb, pkt)
				if got := InSuperbuf(id); got != pkt {
					t.Fatalf("Encode(%d,%d,%d): InSuperbuf = %d, want %d", rxq, sb, pkt, got, pkt)
				}
				if got := LocalSuperbuf(id); got != sb {
					t.Fatalf("Encode(%d,%d,%d): LocalSuperbuf = %d, want %d", rxq, sb, pkt, got, sb)
				}
				if got := Rxq(id); got != rxq {
					t.Fatalf("Encode(%d,%d,%d): Rxq = %d, want %d", rxq, sb, pkt, got, rxq)
				}
			}
		}
	}
}

func TestSentinelPreservesID(t *testing.T) {
	id := Encode(3, 42, 100)
	tagged := WithSentinel(id, true)
	if Of(tagged) != id {
		t.Fatalf("Of(WithSentinel(id, true)) = %#x, want %#x", Of(tagged), id)
	}
	if SentinelOf(tagged) != 1 {
		t.Fatalf("SentinelOf(tagged) = %d, want 1", SentinelOf(tagged))
	}
	untagged := WithSentinel(id, false)
	if SentinelOf(untagged) != 0 {
		t.Fatalf("SentinelOf(untagged) = %d, want 0", SentinelOf(untagged))
	}
}

func TestGlobalIndexLayout(t *testing.T) {
	// rxq index must sit above the superbuf index so that global index
	// is a straightforward multiply, per the package doc comment.
	id0 := Encode(0, 0, 0)
	id1 := Encode(1, 0, 0)
	if GlobalIndex(id1)-GlobalIndex(id0) != MaxSuperbufs {
		t.Fatalf("rxq stride = %d, want %d", GlobalIndex(id1)-GlobalIndex(id0), MaxSuperbufs)
	}
}
