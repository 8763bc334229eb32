package softmac

import "fmt"

// A txWindow tracks the subframes of a TX block ack session that were sent
// and not yet resolved. Sequence numbers are modulo 4096.
//
// At most size subframes are outstanding at once. A subframe may only be
// resent while fewer than size newer subframes were sent after it: with a
// buffer size of 8, sending 1 through 7, then 8 through 14, then 1 again is
// invalid since the receiver has moved past 1.
type txWindow struct {
	size    uint16
	newest  uint16
	sent    bool
	retryOf map[uint16]int
}

func newTxWindow(size uint8) *txWindow {
	if size == 0 {
		size = 1
	}
	return &txWindow{
		size:    uint16(size),
		retryOf: make(map[uint16]int),
	}
}

// admit records seq as sent if the window has room.
func (w *txWindow) admit(seq uint16) bool {
	if len(w.retryOf) >= int(w.size) {
		return false
	}

	w.retryOf[seq] = 0
	if !w.sent || seqLess(w.newest, seq) {
		w.newest = seq
	}
	w.sent = true
	return true
}

func (w *txWindow) outstanding(seq uint16) bool {
	_, ok := w.retryOf[seq]
	return ok
}

// complete resolves seq, acked or abandoned.
func (w *txWindow) complete(seq uint16) { delete(w.retryOf, seq) }

func (w *txWindow) retries(seq uint16) int { return w.retryOf[seq] }
func (w *txWindow) retried(seq uint16)     { w.retryOf[seq]++ }

// canRetransmit reports whether seq may still be sent again.
func (w *txWindow) canRetransmit(seq uint16) error {
	if !w.outstanding(seq) {
		return fmt.Errorf("subframe %d not outstanding: %w", seq, ErrStaleSubframe)
	}
	if newer := seqSub(w.newest, seq); newer >= w.size {
		return fmt.Errorf("subframe %d behind %d newer subframes with buffer size %d: %w",
			seq, newer, w.size, ErrStaleSubframe)
	}
	return nil
}

// oldest returns the oldest outstanding subframe.
func (w *txWindow) oldest() (uint16, bool) {
	var (
		oldest uint16
		age    uint16
		found  bool
	)
	for seq := range w.retryOf {
		if a := seqSub(w.newest, seq); !found || a > age {
			oldest, age, found = seq, a, true
		}
	}
	return oldest, found
}
