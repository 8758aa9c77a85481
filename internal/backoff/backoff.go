// Package backoff provides the timed-wait pacing shared by blocking CQ
// reads: sleep between empty polls, growing the sleep quantum
// exponentially up to a cap, until a caller-supplied timeout budget is
// spent.
package backoff

import "time"

// Defaults match the provider's tuning: start at 1us, double on each empty
// attempt, never sleep longer than 200us at a time.
const (
	DefaultInitial = 1 * time.Microsecond
	DefaultMax     = 200 * time.Microsecond
	DefaultBase    = 2
)

// Poller holds the backoff parameters for blocking reads. It only paces a
// single call's internal retries; retry policy across calls belongs to the
// caller. The zero value is not usable; call New.
type Poller struct {
	Initial time.Duration
	Max     time.Duration
	Base    int

	// Sleep is the sleep primitive, overridable in tests. Defaults to
	// time.Sleep.
	Sleep func(time.Duration)
}

// New returns a Poller with the default parameters.
func New() *Poller {
	return &Poller{
		Initial: DefaultInitial,
		Max:     DefaultMax,
		Base:    DefaultBase,
		Sleep:   time.Sleep,
	}
}

// Wait tracks one blocking call's budget. Elapsed time is accounted from
// the slept quanta, not wall-clock reads, so tests with an injected Sleep
// are deterministic.
type Wait struct {
	p        *Poller
	quantum  time.Duration
	spent    time.Duration
	budget   time.Duration
	infinite bool
}

// Start begins a wait against a millisecond timeout. A negative timeout
// waits indefinitely; zero means poll once and give up without sleeping.
func (p *Poller) Start(timeoutMS int) *Wait {
	return &Wait{
		p:        p,
		quantum:  p.Initial,
		budget:   time.Duration(timeoutMS) * time.Millisecond,
		infinite: timeoutMS < 0,
	}
}

// Next sleeps one quantum and reports whether the caller should poll
// again. It returns false, without sleeping, once the budget is exhausted.
func (w *Wait) Next() bool {
	if !w.infinite && w.spent >= w.budget {
		return false
	}

	sleep := w.p.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	sleep(w.quantum)
	w.spent += w.quantum

	// exponentially back off up to the cap
	if w.quantum < w.p.Max {
		w.quantum *= time.Duration(w.p.Base)
		if w.quantum > w.p.Max {
			w.quantum = w.p.Max
		}
	}
	return true
}
