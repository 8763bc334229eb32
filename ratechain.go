package softmac

import (
	"fmt"
	"strings"
)

// MaxRates is the number of stages in a retry chain.
const MaxRates = 4

// A Rate is one stage of a retry chain: a rate index tried Count times.
// An Index of -1 terminates the chain.
type Rate struct {
	Index int8
	Count uint8
	Flags RateFlags
}

// A RetryChain is an ordered list of rates to try for one frame. Stages after
// the first with Index -1 are ignored.
//
// For example, the chain {3,2},{2,2},{1,4} tries rate 3 twice, rate 2 twice
// and rate 1 four times. If the fifth attempt is acked, the status chain is
// {3,2},{2,2},{1,1}.
type RetryChain [MaxRates]Rate

// EmptyRetryChain returns a chain with no stages.
func EmptyRetryChain() RetryChain {
	var c RetryChain
	for i := range c {
		c[i] = Rate{Index: -1}
	}
	return c
}

// NewRetryChain returns a chain with the given stages. Stages beyond MaxRates
// are discarded.
func NewRetryChain(rates ...Rate) RetryChain {
	c := EmptyRetryChain()
	for i, r := range rates {
		if i == MaxRates {
			break
		}
		c[i] = r
	}
	return c
}

// Len returns the number of stages before the terminator.
func (c RetryChain) Len() int {
	for i, r := range c {
		if r.Index < 0 {
			return i
		}
	}
	return MaxRates
}

// Attempts returns the total number of attempts over all stages.
func (c RetryChain) Attempts() int {
	var n int
	for _, r := range c[:c.Len()] {
		n += int(r.Count)
	}
	return n
}

// Validate checks that every used stage has at least one attempt.
func (c RetryChain) Validate() error {
	n := c.Len()
	if n == 0 {
		return fmt.Errorf("empty chain: %w", ErrInvalidRetryChain)
	}

	for i, r := range c[:n] {
		if r.Count == 0 {
			return fmt.Errorf("stage %d has no attempts: %w", i, ErrInvalidRetryChain)
		}
	}

	return nil
}

// String returns the string representation of a RetryChain.
func (c RetryChain) String() string {
	n := c.Len()
	if n == 0 {
		return "[]"
	}

	ss := make([]string, 0, n)
	for _, r := range c[:n] {
		ss = append(ss, fmt.Sprintf("{%d,%d}", r.Index, r.Count))
	}
	return "[" + strings.Join(ss, ",") + "]"
}

// StatusChain derives the status chain a driver reports for offered when the
// frame was acknowledged on the given overall attempt, counting from 1. An
// attempt of zero or beyond the chain's attempts means the frame was never
// acknowledged and every stage was exhausted.
func StatusChain(offered RetryChain, attempt int) (RetryChain, bool) {
	n := offered.Len()
	if attempt <= 0 || attempt > offered.Attempts() {
		return offered, false
	}

	out := EmptyRetryChain()
	for i, r := range offered[:n] {
		if attempt <= int(r.Count) {
			r.Count = uint8(attempt)
			out[i] = r
			return out, true
		}

		out[i] = r
		attempt -= int(r.Count)
	}

	// Unreachable: attempt was bounded by Attempts.
	return out, true
}
