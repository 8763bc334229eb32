// Package medium implements an in-process wireless medium. Radios attached to
// a Medium are softmac drivers whose frames reach the other radios tuned to
// the same frequency, with acknowledgement behaviour set per link.
package medium

import (
	"net"
	"sync"
	"time"

	"github.com/mdlayher/softmac"
	"github.com/rs/zerolog"
)

// A Link describes how frames travel from one interface address to another.
type Link struct {
	// AckOn is the attempt, counting from 1, on which a unicast frame gets
	// through and is acknowledged. Zero means frames never get through.
	AckOn int

	// Signal is the signal strength at the receiver in dBm.
	Signal int8
}

// DefaultLink is used between addresses without a Link of their own.
var DefaultLink = Link{AckOn: 1, Signal: -50}

// A Capture is a frame as it went over the air.
type Capture struct {
	Time      time.Time
	Data      []byte
	Freq      uint16
	RateIndex int8
	Signal    int8
}

// A Medium connects Radios.
type Medium struct {
	log zerolog.Logger

	mu     sync.Mutex
	radios map[string]*Radio
	links  map[[2]string]Link
	tap    func(Capture)
}

// New creates an empty Medium.
func New(log zerolog.Logger) *Medium {
	return &Medium{
		log:    log.With().Str("component", "medium").Logger(),
		radios: make(map[string]*Radio),
		links:  make(map[[2]string]Link),
	}
}

// SetLink sets the Link used for frames from one interface address to
// another.
func (m *Medium) SetLink(from, to net.HardwareAddr, l Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[[2]string{from.String(), to.String()}] = l
}

// Tap calls fn with every frame sent over the medium, from the sending
// radio's goroutine.
func (m *Medium) Tap(fn func(Capture)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tap = fn
}

func (m *Medium) attach(addr net.HardwareAddr, r *Radio) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.radios[addr.String()] = r
}

func (m *Medium) detach(addr net.HardwareAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.radios, addr.String())
}

// route returns the radios a frame from src to dst reaches and the link to
// dst. Group addressed frames reach every other radio.
func (m *Medium) route(from *Radio, src, dst net.HardwareAddr) ([]*Radio, Link, func(Capture)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if isGroup(dst) {
		seen := make(map[*Radio]bool)
		var rs []*Radio
		for _, r := range m.radios {
			if r == from || seen[r] {
				continue
			}
			seen[r] = true
			rs = append(rs, r)
		}
		return rs, DefaultLink, m.tap
	}

	l, ok := m.links[[2]string{src.String(), dst.String()}]
	if !ok {
		l = DefaultLink
	}

	r, ok := m.radios[dst.String()]
	if !ok || r == from {
		return nil, l, m.tap
	}
	return []*Radio{r}, l, m.tap
}

// transmit puts a frame from r on the air and reports its status.
func (m *Medium) transmit(r *Radio, f *softmac.Frame) {
	offered := f.Offered()
	if offered.Len() == 0 {
		// Hardware rate control: the radio picks its own rates.
		offered = softmac.NewRetryChain(softmac.Rate{Index: 0, Count: hwRetries})
	}
	if len(f.Data) < 16 {
		r.complete(f, offered, false, 0)
		return
	}

	dst := net.HardwareAddr(f.Data[4:10])
	src := net.HardwareAddr(f.Data[10:16])
	freq := r.txFreq(f)

	if !isGroup(dst) && r.isAsleep(dst) && !f.Flags.Has(softmac.TxCtlNoPSBuffer) {
		// The station went to sleep after the frame was queued.
		f.Flags = f.Flags.With(softmac.TxStatFiltered)
		r.complete(f, softmac.EmptyRetryChain(), false, 0)
		return
	}

	rs, link, tap := m.route(r, src, dst)

	chain, acked := offered, false
	through := link.AckOn != 0
	switch {
	case f.Flags.Has(softmac.TxCtlNoAck):
		// Sent once, nobody answers.
		chain = softmac.NewRetryChain(softmac.Rate{Index: offered[0].Index, Count: 1, Flags: offered[0].Flags})
	case isGroup(dst):
	default:
		chain, acked = softmac.StatusChain(offered, link.AckOn)
		through = acked
	}

	stage := offered[0].Index
	if n := chain.Len(); n > 0 {
		stage = chain[n-1].Index
	}

	if tap != nil {
		tap(Capture{
			Time:      time.Now(),
			Data:      append([]byte(nil), f.Data...),
			Freq:      freq,
			RateIndex: stage,
			Signal:    link.Signal,
		})
	}

	var heard int
	if through {
		for _, rx := range rs {
			if rx.receive(f.Data, freq, link.Signal, stage) {
				heard++
			}
		}
	}

	if acked && heard == 0 {
		chain, acked = offered, false
	}
	r.complete(f, chain, acked, link.Signal)

	m.log.Debug().
		Stringer("src", src).
		Stringer("dst", dst).
		Uint16("freq", freq).
		Int("receivers", heard).
		Bool("acked", acked).
		Msg("frame on air")
}

func isGroup(addr net.HardwareAddr) bool { return len(addr) > 0 && addr[0]&0x01 != 0 }
