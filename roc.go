package softmac

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// A RocResult is the outcome of a remain-on-channel period.
type RocResult int

// Possible RocResult values.
const (
	RocExpired RocResult = iota
	RocCancelled
)

// String returns the string representation of a RocResult.
func (r RocResult) String() string {
	switch r {
	case RocExpired:
		return "expired"
	case RocCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

type rocState struct {
	mu     sync.Mutex
	active *roc
}

type roc struct {
	freq  uint16
	dur   time.Duration
	done  func(RocResult)
	ready bool
	timer *time.Timer
}

// take clears r if it is the active period. Only one caller ever gets true
// for a given period.
func (s *rocState) take(r *roc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r == nil || s.active != r {
		return false
	}
	s.active = nil
	if r.timer != nil {
		r.timer.Stop()
	}
	return true
}

func (s *rocState) current() *roc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *rocState) reset() { s.take(s.current()) }

// RemainOnChannel stays on freq for dur, for example to exchange frames
// marked TxCtlOffchannel. done is called on the worker exactly once, when the
// period expires or is cancelled. Drivers implementing RemainOnChannelDriver
// do the work themselves; otherwise a timer ends the period.
func (d *Device) RemainOnChannel(ctx context.Context, freq uint16, dur time.Duration, done func(RocResult)) error {
	if dur <= 0 {
		return fmt.Errorf("duration %s: %w", dur, ErrRemainOnChannel)
	}

	r := &roc{freq: freq, dur: dur, done: done}

	d.roc.mu.Lock()
	if cur := d.roc.active; cur != nil {
		d.roc.mu.Unlock()
		return fmt.Errorf("already on channel %d: %w", cur.freq, ErrRemainOnChannel)
	}
	d.roc.active = r
	d.roc.mu.Unlock()

	rd, ok := d.drv.(RemainOnChannelDriver)
	if !ok {
		d.roc.mu.Lock()
		r.ready = true
		r.timer = time.AfterFunc(dur, func() { d.finishRoc(r, RocExpired) })
		d.roc.mu.Unlock()

		d.log.Debug().Uint16("freq", freq).Dur("duration", dur).Msg("remaining on channel")
		return nil
	}

	var err error
	if werr := d.w.do(ctx, func() { err = rd.RemainOnChannel(int(freq), dur) }); werr != nil {
		d.roc.take(r)
		return werr
	}
	if err != nil {
		d.roc.take(r)
		return fmt.Errorf("remain on channel %d: %w", freq, err)
	}
	return nil
}

// ReadyOnChannel is called by the driver once it is on the requested
// channel.
func (d *Device) ReadyOnChannel() {
	d.roc.mu.Lock()
	r := d.roc.active
	if r != nil {
		r.ready = true
	}
	d.roc.mu.Unlock()

	if r != nil {
		d.log.Debug().Uint16("freq", r.freq).Dur("duration", r.dur).Msg("remaining on channel")
	}
}

// RemainOnChannelExpired is called by the driver when the period ends.
func (d *Device) RemainOnChannelExpired() {
	d.finishRoc(d.roc.current(), RocExpired)
}

// OnChannel returns the frequency of the active remain-on-channel period
// once the device is on it.
func (d *Device) OnChannel() (uint16, bool) {
	d.roc.mu.Lock()
	defer d.roc.mu.Unlock()

	if r := d.roc.active; r != nil && r.ready {
		return r.freq, true
	}
	return 0, false
}

// CancelRemainOnChannel ends the active period early. Cancelling after the
// period ended does nothing.
func (d *Device) CancelRemainOnChannel(ctx context.Context) error {
	r := d.roc.current()
	if r == nil {
		return nil
	}

	if rd, ok := d.drv.(RemainOnChannelDriver); ok {
		var err error
		if werr := d.w.do(ctx, func() { err = rd.CancelRemainOnChannel() }); werr != nil {
			return werr
		}
		if err != nil {
			d.log.Warn().Err(err).Uint16("freq", r.freq).Msg("driver failed to cancel remain on channel")
		}
	}

	d.finishRoc(r, RocCancelled)
	return nil
}

func (d *Device) finishRoc(r *roc, res RocResult) {
	if !d.roc.take(r) {
		return
	}

	d.log.Debug().Uint16("freq", r.freq).Stringer("result", res).Msg("remain on channel ended")
	if r.done != nil {
		d.w.post(func() { r.done(res) })
	}
}
