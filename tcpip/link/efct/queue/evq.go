package queue

import "math/bits"

// EVQ multiplexes a VI's single unified poll call across every rxq and
// txq it owns: one fair pass over the active rxqs, lowest index first,
// each bounded by its own share of the overall event budget, followed
// by one txq poll (a VI has exactly one).
type EVQ struct {
	RX *RX
	TX *TX

	// ActiveRxqs is a bitmask of rxq indices (bit i set means rxq i is
	// live) that Poll should visit, lowest bit first.
	ActiveRxqs uint32
	// TXQIndex is the txq Poll services; -1 disables TX polling
	// entirely (a pure-receive VI).
	TXQIndex int
}

// Poll drains up to budget receive events, spread fairly across every
// active rxq in ascending index order, then polls the single txq with
// whatever budget the rxqs didn't use. It stops early and returns
// whatever it already collected the moment any queue reports an error
// other than ErrAgain/ErrNoEnt.
func (e *EVQ) Poll(budget int, out []Event) ([]Event, error) {
	startLen := len(out)
	mask := e.ActiveRxqs
	nq := bits.OnesCount32(mask)
	if nq > 0 && e.RX != nil {
		perQueue := budget / nq
		if perQueue == 0 {
			perQueue = 1
		}
		for m := mask; m != 0; {
			qidx := bits.TrailingZeros32(m)
			m &^= 1 << uint(qidx)

			var err error
			out, err = e.RX.Poll(qidx, perQueue, out)
			if err != nil && err != ErrNoEnt {
				return out, err
			}
		}
	}

	if e.TX != nil && e.TXQIndex >= 0 {
		remaining := budget - (len(out) - startLen)
		if remaining < 0 {
			remaining = 0
		}
		var err error
		out, err = e.TX.Poll(e.TXQIndex, remaining, out)
		if err != nil && err != ErrNoEnt {
			return out, err
		}
	}

	return out, nil
}

// CheckEvent reports whether qidx (an rxq index) currently has a
// readable event without consuming it, used by wakeup-arming callers
// that want to avoid a syscall when a poll would be immediately
// productive.
func (e *EVQ) CheckEvent(qidx int) bool {
	return e.RX != nil && e.RX.HasEvent(qidx)
}

// HasAnyEvent is the full eventq_check_event semantics: it reports true
// if the txq has a readable completion, or if any active rxq does,
// without consuming anything.
func (e *EVQ) HasAnyEvent() bool {
	if e.TX != nil && e.TXQIndex >= 0 && e.TX.HasEvent(e.TXQIndex) {
		return true
	}
	if e.RX == nil {
		return false
	}
	for m := e.ActiveRxqs; m != 0; {
		qidx := bits.TrailingZeros32(m)
		m &^= 1 << uint(qidx)
		if e.RX.HasEvent(qidx) {
			return true
		}
	}
	return false
}
