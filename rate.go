package softmac

import (
	"fmt"
	"math/bits"
	"sync"
)

// A Bitrate is a legacy rate supported in a band.
type Bitrate struct {
	// Rate is in units of 100 kbps.
	Rate uint16

	ShortPreamble bool

	// ERP marks an OFDM rate in the 2.4 GHz band which requires protection
	// when legacy stations are present.
	ERP bool
}

// A SupportedBand lists the rates a device supports in a band. Bitrates are
// sorted from lowest to highest; a rate's index is its position.
type SupportedBand struct {
	Band     Band
	Bitrates []Bitrate
}

// LegacyBand returns the non-HT rates of b: the CCK and ERP rates for
// 2.4 GHz, and the OFDM rates otherwise.
func LegacyBand(b Band) *SupportedBand {
	ofdm := []uint16{60, 90, 120, 180, 240, 360, 480, 540}

	var rates []Bitrate
	if b == Band2GHz {
		rates = append(rates,
			Bitrate{Rate: 10},
			Bitrate{Rate: 20, ShortPreamble: true},
			Bitrate{Rate: 55, ShortPreamble: true},
			Bitrate{Rate: 110, ShortPreamble: true},
		)
	}
	for _, r := range ofdm {
		rates = append(rates, Bitrate{Rate: r, ERP: b == Band2GHz})
	}

	return &SupportedBand{Band: b, Bitrates: rates}
}

// RateSupported reports whether sta supports the rate at index in sb.
func RateSupported(sb *SupportedBand, sta *Station, index int) bool {
	if sb == nil || index < 0 || index >= len(sb.Bitrates) {
		return false
	}
	if sta == nil {
		return true
	}
	return sta.SupportedRates[sb.Band]&(1<<uint(index)) != 0
}

// LowestRateIndex returns the lowest rate index sta supports in sb, or -1 if
// there is none.
func LowestRateIndex(sb *SupportedBand, sta *Station) int {
	if sb == nil {
		return -1
	}

	for i := range sb.Bitrates {
		if RateSupported(sb, sta, i) {
			return i
		}
	}
	return -1
}

// UsableRateExists reports whether sta supports any rate in sb.
func UsableRateExists(sb *SupportedBand, sta *Station) bool {
	return LowestRateIndex(sb, sta) >= 0
}

// usableRates returns the indices sta supports in sb, highest first.
func usableRates(sb *SupportedBand, sta *Station) []int {
	var idx []int
	for i := len(sb.Bitrates) - 1; i >= 0; i-- {
		if RateSupported(sb, sta, i) {
			idx = append(idx, i)
		}
	}
	return idx
}

// A RateRequest asks a RateController for the retry chain of one frame.
type RateRequest struct {
	Band    *SupportedBand
	Station *Station
	Vif     *Interface
	Frame   *Frame

	MaxRates     int
	MaxRateTries uint8
}

// A RateController is a pluggable rate selection algorithm. Calls for one
// Device are made from a single goroutine.
type RateController interface {
	Name() string

	// RateInit is called when a station becomes associated.
	RateInit(sb *SupportedBand, sta *Station)

	// RateUpdate is called when a station's rate parameters change.
	RateUpdate(sb *SupportedBand, sta *Station, changed RateChange)

	// RateRemove is called when a station is removed.
	RateRemove(sta *Station)

	// GetRate returns the chain to offer for a unicast data frame.
	GetRate(req *RateRequest) RetryChain

	// TxStatus reports the reconciled status of a frame in PhaseStatus.
	TxStatus(sb *SupportedBand, sta *Station, f *Frame)
}

// A Negotiator produces retry chains for outgoing frames and reconciles the
// chains drivers report in TX status.
type Negotiator struct {
	rc           RateController
	maxRates     int
	maxRateTries uint8
	rtsThreshold int
}

// NewNegotiator creates a Negotiator that consults rc within the limits of hw.
func NewNegotiator(rc RateController, hw Hardware, rtsThreshold int) *Negotiator {
	maxRates := hw.MaxRates
	if maxRates <= 0 || maxRates > MaxRates {
		maxRates = MaxRates
	}
	tries := hw.MaxRateTries
	if tries == 0 {
		tries = 1
	}

	return &Negotiator{
		rc:           rc,
		maxRates:     maxRates,
		maxRateTries: tries,
		rtsThreshold: rtsThreshold,
	}
}

// Select fills the retry chain of req.Frame. Frames without a station,
// non-data frames and frames flagged TxCtlNoAck or TxCtlUseMinRate are sent
// once-chained at the lowest usable rate.
func (n *Negotiator) Select(req *RateRequest) (RetryChain, error) {
	sb, sta := req.Band, req.Station
	if sb == nil || len(sb.Bitrates) == 0 {
		return EmptyRetryChain(), fmt.Errorf("no rates configured: %w", ErrNoUsableRate)
	}

	if !UsableRateExists(sb, sta) {
		return EmptyRetryChain(), fmt.Errorf("station %s in band %s: %w", sta.Addr, sb.Band, ErrNoUsableRate)
	}

	var chain RetryChain
	if n.sendLow(req) {
		chain = NewRetryChain(Rate{
			Index: int8(LowestRateIndex(sb, sta)),
			Count: n.maxRateTries,
		})
	} else {
		if req.MaxRates == 0 {
			req.MaxRates = n.maxRates
		}
		if req.MaxRateTries == 0 {
			req.MaxRateTries = n.maxRateTries
		}
		chain = n.sanitize(sb, sta, n.rc.GetRate(req))
	}

	n.applyProtection(sb, req, &chain)

	if err := chain.Validate(); err != nil {
		return EmptyRetryChain(), err
	}
	return chain, nil
}

func (n *Negotiator) sendLow(req *RateRequest) bool {
	f := req.Frame
	if req.Station == nil || n.rc == nil {
		return true
	}
	if f == nil {
		return false
	}
	if f.Flags.Has(TxCtlNoAck) || f.Flags.Has(TxCtlUseMinRate) {
		return true
	}
	return !isDataFrame(f.Data)
}

// sanitize drops stages the station cannot use and clamps the chain to the
// hardware limits.
func (n *Negotiator) sanitize(sb *SupportedBand, sta *Station, in RetryChain) RetryChain {
	out := EmptyRetryChain()
	var j int
	for _, r := range in[:in.Len()] {
		if j == n.maxRates {
			break
		}
		if !RateSupported(sb, sta, int(r.Index)) {
			continue
		}
		if r.Count > n.maxRateTries {
			r.Count = n.maxRateTries
		}
		if r.Count == 0 {
			continue
		}
		out[j] = r
		j++
	}

	if j == 0 {
		out[0] = Rate{Index: int8(LowestRateIndex(sb, sta)), Count: n.maxRateTries}
	}
	return out
}

func (n *Negotiator) applyProtection(sb *SupportedBand, req *RateRequest, chain *RetryChain) {
	var bss BSSConfig
	if req.Vif != nil {
		bss = req.Vif.BSS
	}

	threshold := n.rtsThreshold
	if bss.RTSThreshold > 0 {
		threshold = bss.RTSThreshold
	}

	useRTS := req.Frame != nil && threshold > 0 &&
		!req.Frame.Flags.Has(TxCtlNoAck) &&
		len(req.Frame.Data)+fcsLen > threshold

	for i := range chain[:chain.Len()] {
		br := sb.Bitrates[chain[i].Index]
		switch {
		case useRTS:
			chain[i].Flags = chain[i].Flags.With(RateUseRTSCTS)
		case bss.UseCTSProtection && br.ERP:
			chain[i].Flags = chain[i].Flags.With(RateUseCTSProtect)
		}
		if bss.UseShortPreamble && br.ShortPreamble {
			chain[i].Flags = chain[i].Flags.With(RateUseShortPreamble)
		}
	}
}

// Reconcile checks a reported status chain against the offered chain. A
// status chain may not be longer than the offered chain, may not change rate
// indices and may not report more attempts on a stage than were offered.
// An acked frame exhausted every stage before the acking one; an unacked
// frame exhausted every stage.
//
// On a mismatch Reconcile returns an error wrapping ErrStatusMismatch along
// with the reported chain clamped to the offered one, which is still fit for
// rate control feedback.
func (n *Negotiator) Reconcile(offered, reported RetryChain, acked bool) (RetryChain, error) {
	return reconcile(offered, reported, acked, true)
}

// reconcile implements Reconcile. When exhaustive is false, unacked frames
// need not have used every offered attempt, as is the case for filtered and
// no-ack frames.
func reconcile(offered, reported RetryChain, acked, exhaustive bool) (RetryChain, error) {
	olen, rlen := offered.Len(), reported.Len()

	// Trailing stages without attempts were never reached.
	for rlen > 0 && reported[rlen-1].Count == 0 {
		rlen--
	}

	var problem string
	fail := func(format string, v ...any) {
		if problem == "" {
			problem = fmt.Sprintf(format, v...)
		}
	}

	if rlen > olen {
		fail("status has %d stages, offered %d", rlen, olen)
		rlen = olen
	}

	out := EmptyRetryChain()
	for i := 0; i < rlen; i++ {
		o, r := offered[i], reported[i]
		if r.Index != o.Index {
			fail("stage %d used rate %d, offered %d", i, r.Index, o.Index)
		}
		if r.Count > o.Count {
			fail("stage %d used %d attempts, offered %d", i, r.Count, o.Count)
			r.Count = o.Count
		}

		last := i == rlen-1
		if (!last || !acked) && exhaustive && r.Count < o.Count {
			fail("stage %d used %d of %d attempts before moving on", i, r.Count, o.Count)
		}

		out[i] = Rate{Index: o.Index, Count: r.Count, Flags: o.Flags}
	}

	if acked && (rlen == 0 || out[rlen-1].Count == 0) {
		fail("acked frame reports no attempts")
		if rlen == 0 {
			rlen = 1
			out[0] = Rate{Index: offered[0].Index, Flags: offered[0].Flags}
		}
		out[rlen-1].Count = 1
	}

	if !acked && exhaustive && rlen < olen {
		fail("unacked frame reports %d of %d stages", rlen, olen)
	}

	if problem != "" {
		return out, fmt.Errorf("%s: %w", problem, ErrStatusMismatch)
	}
	return out, nil
}

// FallbackConfig configures the built-in rate control algorithm.
type FallbackConfig struct {
	// Stages is the number of descending rates offered per frame.
	Stages int

	// TriesPerStage is the number of attempts per stage.
	TriesPerStage uint8

	// Window is the number of status reports evaluated before the starting
	// rate is adjusted.
	Window int
}

// NewFallbackRateControl returns a RateController that starts at the highest
// rate a station supports and offers lower rates as fallback stages. It steps
// the starting rate down when fewer than half of the frames in a window were
// acked on the first stage, and back up when nearly all were.
func NewFallbackRateControl(cfg FallbackConfig) RateController {
	if cfg.Stages <= 0 {
		cfg.Stages = 3
	}
	if cfg.TriesPerStage == 0 {
		cfg.TriesPerStage = 2
	}
	if cfg.Window <= 0 {
		cfg.Window = 10
	}

	return &fallbackRC{
		cfg:      cfg,
		stations: make(map[string]*fallbackStation),
	}
}

type fallbackRC struct {
	cfg FallbackConfig

	mu       sync.Mutex
	stations map[string]*fallbackStation
}

type fallbackStation struct {
	// start is the position of the first stage in the station's usable
	// rates, highest first.
	start     int
	maxStart  int
	reports   int
	firstHits int
}

func (*fallbackRC) Name() string { return "fallback" }

func (rc *fallbackRC) RateInit(sb *SupportedBand, sta *Station) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.stations[sta.Addr.String()] = &fallbackStation{
		maxStart: bits.OnesCount32(sta.SupportedRates[sb.Band]) - 1,
	}
}

func (rc *fallbackRC) RateUpdate(sb *SupportedBand, sta *Station, _ RateChange) {
	rc.RateInit(sb, sta)
}

func (rc *fallbackRC) RateRemove(sta *Station) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	delete(rc.stations, sta.Addr.String())
}

func (rc *fallbackRC) station(sta *Station) *fallbackStation {
	s, ok := rc.stations[sta.Addr.String()]
	if !ok {
		s = &fallbackStation{}
		rc.stations[sta.Addr.String()] = s
	}
	return s
}

func (rc *fallbackRC) GetRate(req *RateRequest) RetryChain {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	usable := usableRates(req.Band, req.Station)
	s := rc.station(req.Station)
	s.maxStart = len(usable) - 1
	if s.start > s.maxStart {
		s.start = s.maxStart
	}

	tries := rc.cfg.TriesPerStage
	if req.MaxRateTries > 0 && tries > req.MaxRateTries {
		tries = req.MaxRateTries
	}

	stages := rc.cfg.Stages
	if req.MaxRates > 0 && stages > req.MaxRates {
		stages = req.MaxRates
	}

	var rates []Rate
	for i := s.start; i < len(usable) && len(rates) < stages; i++ {
		rates = append(rates, Rate{Index: int8(usable[i]), Count: tries})
	}
	return NewRetryChain(rates...)
}

func (rc *fallbackRC) TxStatus(_ *SupportedBand, sta *Station, f *Frame) {
	st, err := f.Status()
	if err != nil || sta == nil {
		return
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	s := rc.station(sta)
	s.reports++
	if st.Acked && st.Rates.Len() == 1 {
		s.firstHits++
	}

	if s.reports < rc.cfg.Window {
		return
	}

	ratio := float64(s.firstHits) / float64(s.reports)
	switch {
	case ratio < 0.5 && s.start < s.maxStart:
		s.start++
	case ratio > 0.9 && s.start > 0:
		s.start--
	}
	s.reports, s.firstHits = 0, 0
}
