package softmac

import (
	"fmt"
	"sync"
)

// MaxQueues is the maximum number of hardware queues.
const MaxQueues = 16

// InvalidQueue marks a queue that is not used, such as the CAB queue of a
// station interface.
const InvalidQueue uint8 = 0xff

// A QueueMap maps an interface's logical queues to hardware queues.
type QueueMap struct {
	AC  [NumACs]uint8
	CAB uint8

	// Shared permits other interfaces with Shared maps to use the same
	// hardware queues.
	Shared bool
}

// DefaultQueueMap maps access category i to hardware queue i and is shared by
// every interface. It is used for drivers without HWQueueControl.
func DefaultQueueMap() QueueMap {
	return QueueMap{
		AC:     [NumACs]uint8{0, 1, 2, 3},
		CAB:    InvalidQueue,
		Shared: true,
	}
}

func (m QueueMap) queues() []uint8 {
	qs := make([]uint8, 0, NumACs+1)
	qs = append(qs, m.AC[:]...)
	if m.CAB != InvalidQueue {
		qs = append(qs, m.CAB)
	}
	return qs
}

// validate checks m against the number of hardware queues.
func (m QueueMap) validate(vifType InterfaceType, numQueues int) error {
	for ac, q := range m.AC {
		if q == InvalidQueue || int(q) >= numQueues {
			return fmt.Errorf("%s queue %d: %w", AC(ac), q, ErrInvalidQueue)
		}
	}

	switch {
	case m.CAB != InvalidQueue && int(m.CAB) >= numQueues:
		return fmt.Errorf("CAB queue %d: %w", m.CAB, ErrInvalidQueue)
	case m.CAB == InvalidQueue && vifType == InterfaceTypeAP:
		return fmt.Errorf("access point without CAB queue: %w", ErrInvalidQueue)
	}

	return nil
}

// A QueueStopReason records why a hardware queue was stopped. A queue runs
// only while no reason is set.
type QueueStopReason uint8

// Possible QueueStopReason values.
const (
	ReasonDriver QueueStopReason = 1 << iota
	ReasonPS
	ReasonAggregation
	ReasonFlush
	ReasonReset
)

// String returns the string representation of a QueueStopReason.
func (r QueueStopReason) String() string {
	switch r {
	case ReasonDriver:
		return "driver"
	case ReasonPS:
		return "ps"
	case ReasonAggregation:
		return "aggregation"
	case ReasonFlush:
		return "flush"
	case ReasonReset:
		return "reset"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// TxQueueParams are the EDCA parameters of one access category.
type TxQueueParams struct {
	AIFS  uint8
	CWMin uint16
	CWMax uint16

	// TXOP is in units of 32 microseconds.
	TXOP uint16

	UAPSD bool
}

// Validate checks that the contention windows have the form 2^n-1.
func (p TxQueueParams) Validate() error {
	valid := func(cw uint16) bool { return cw <= 32767 && cw&(cw+1) == 0 }

	switch {
	case !valid(p.CWMin):
		return fmt.Errorf("cw_min %d: %w", p.CWMin, ErrInvalidTxParams)
	case !valid(p.CWMax):
		return fmt.Errorf("cw_max %d: %w", p.CWMax, ErrInvalidTxParams)
	case p.CWMin > p.CWMax:
		return fmt.Errorf("cw_min %d above cw_max %d: %w", p.CWMin, p.CWMax, ErrInvalidTxParams)
	}
	return nil
}

// A queueController tracks stop reasons and backlogs of hardware queues.
// It may be used from any goroutine.
type queueController struct {
	mu         sync.Mutex
	reasons    []QueueStopReason
	backlog    [][]*Frame
	maxBacklog int

	// kick is called without mu held when a queue with a backlog wakes.
	kick func(q uint8)

	// stopped counts stop events per reason.
	stopped func(r QueueStopReason)
}

func newQueueController(n, maxBacklog int, kick func(uint8), stopped func(QueueStopReason)) *queueController {
	return &queueController{
		reasons:    make([]QueueStopReason, n),
		backlog:    make([][]*Frame, n),
		maxBacklog: maxBacklog,
		kick:       kick,
		stopped:    stopped,
	}
}

func (qc *queueController) valid(q uint8) bool { return int(q) < len(qc.reasons) }

func (qc *queueController) stop(q uint8, r QueueStopReason) {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	if !qc.valid(q) {
		return
	}
	if qc.reasons[q]&r == 0 && qc.stopped != nil {
		qc.stopped(r)
	}
	qc.reasons[q] |= r
}

func (qc *queueController) wake(q uint8, r QueueStopReason) {
	qc.mu.Lock()
	if !qc.valid(q) {
		qc.mu.Unlock()
		return
	}
	qc.reasons[q] &^= r
	kick := qc.reasons[q] == 0 && len(qc.backlog[q]) > 0
	qc.mu.Unlock()

	if kick && qc.kick != nil {
		qc.kick(q)
	}
}

func (qc *queueController) stopAll(r QueueStopReason) {
	for q := range qc.reasons {
		qc.stop(uint8(q), r)
	}
}

func (qc *queueController) wakeAll(r QueueStopReason) {
	for q := range qc.reasons {
		qc.wake(uint8(q), r)
	}
}

func (qc *queueController) isStopped(q uint8) bool {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	return qc.valid(q) && qc.reasons[q] != 0
}

func (qc *queueController) stopReasons(q uint8) QueueStopReason {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	if !qc.valid(q) {
		return 0
	}
	return qc.reasons[q]
}

// admit reports whether f may go to the driver now. Otherwise f is appended
// to the queue's backlog so it is sent after frames already waiting. An error
// is returned if the backlog is full.
func (qc *queueController) admit(f *Frame) (bool, error) {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	q := f.HWQueue
	if !qc.valid(q) {
		return false, fmt.Errorf("frame for queue %d: %w", q, ErrInvalidQueue)
	}

	if qc.reasons[q] == 0 && len(qc.backlog[q]) == 0 {
		return true, nil
	}

	if qc.maxBacklog > 0 && len(qc.backlog[q]) >= qc.maxBacklog {
		return false, fmt.Errorf("queue %d backlog full: %w", q, ErrQueueStopped)
	}
	qc.backlog[q] = append(qc.backlog[q], f)
	return false, nil
}

// next pops the oldest backlogged frame of a running queue.
func (qc *queueController) next(q uint8) (*Frame, bool) {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	if !qc.valid(q) || qc.reasons[q] != 0 || len(qc.backlog[q]) == 0 {
		return nil, false
	}

	f := qc.backlog[q][0]
	qc.backlog[q][0] = nil
	qc.backlog[q] = qc.backlog[q][1:]
	return f, true
}

// purge removes backlogged frames matching fn and returns them.
func (qc *queueController) purge(fn func(f *Frame) bool) []*Frame {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	var out []*Frame
	for q, fs := range qc.backlog {
		keep := fs[:0]
		for _, f := range fs {
			if fn(f) {
				out = append(out, f)
				continue
			}
			keep = append(keep, f)
		}
		for i := len(keep); i < len(fs); i++ {
			fs[i] = nil
		}
		qc.backlog[q] = keep
	}
	return out
}

func (qc *queueController) pending(q uint8) int {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	if !qc.valid(q) {
		return 0
	}
	return len(qc.backlog[q])
}
