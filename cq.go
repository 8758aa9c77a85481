package fabcq

import (
	"fmt"
	"sync/atomic"

	"github.com/fabwork/go-fabcq/internal/logging"
	"github.com/fabwork/go-fabcq/internal/ring"
)

// WaitObj selects the blocking mechanism a CQ uses. Only WaitNone is
// implemented: blocking reads spin with timed backoff on the calling
// thread, there is no cross-thread wakeup object.
type WaitObj uint8

const (
	WaitNone WaitObj = iota
	WaitFD
	WaitMutexCond
)

// Attr configures a CQ at open time. Zero values select defaults: Format
// falls back to FormatContext, Depth to the domain maximum.
type Attr struct {
	Format  Format
	Depth   int
	WaitObj WaitObj
}

// cqMode tags which variant of the CQ is active. Mode is authoritative;
// behavior is never inferred from which ops value happens to be installed.
type cqMode uint8

const (
	modeHard cqMode = iota
	modeSoft
)

// cqOps is the per-mode behavior of a CQ. Exactly one implementation is
// installed at a time; the swap happens once, at promotion.
type cqOps interface {
	read(s *entrySink) (int, error)
	sread(s *entrySink, timeoutMS int) (int, error)
	readFrom(s *entrySink, addrs []AddrHandle) (int, error)
	readErr(e *ErrorEntry) error
	bind(q HardwareQueue) error
	close() error
}

// CQ is a completion queue. It starts in hard mode, reading straight off
// one hardware queue, and may be promoted to soft mode exactly once.
//
// A CQ is not safe for concurrent reads; all read and progress activity
// must come from a single thread at a time.
type CQ struct {
	domain   *Domain
	id       uint64
	attr     Attr
	log      *logging.Logger
	observer Observer

	// refs counts endpoints bound to this CQ; close refuses while nonzero
	refs atomic.Int32

	mode   cqMode
	ops    cqOps
	hard   *hardCQ
	soft   *softCQ
	closed bool
}

// hardState returns the hard-mode variant state. It panics if the CQ has
// been promoted; callers dispatch through ops and must not reach across
// variants.
func (cq *CQ) hardState() *hardCQ {
	if cq.mode != modeHard {
		panic("fabcq: hard-mode state accessed on soft CQ")
	}
	return cq.hard
}

// softState returns the soft-mode variant state, panicking on a hard CQ.
func (cq *CQ) softState() *softCQ {
	if cq.mode != modeSoft {
		panic("fabcq: soft-mode state accessed on hard CQ")
	}
	return cq.soft
}

// Format returns the entry format fixed at open time.
func (cq *CQ) Format() Format {
	return cq.attr.Format
}

// Depth returns the effective queue depth after defaulting.
func (cq *CQ) Depth() int {
	return cq.attr.Depth
}

// IsSoft reports whether the CQ has been promoted to soft mode.
func (cq *CQ) IsSoft() bool {
	return cq.mode == modeSoft
}

// AddRef records one endpoint binding to this CQ.
func (cq *CQ) AddRef() {
	cq.refs.Add(1)
}

// Release drops one endpoint binding.
func (cq *CQ) Release() {
	if cq.refs.Add(-1) < 0 {
		panic("fabcq: CQ reference count underflow")
	}
}

func (cq *CQ) checkOpen(op string) error {
	if cq.closed {
		return NewCQError(op, cq.id, CodeInvalidArgument, "CQ is closed")
	}
	return nil
}

// Read drains up to len(buf) completions without blocking. buf must be a
// slice of the entry type matching the CQ's format ([]ContextEntry,
// []MsgEntry or []DataEntry). It returns the number of entries written,
// ErrTryAgain when none are ready, or ErrAvailable when a failed
// completion must be drained through ReadErr first.
func (cq *CQ) Read(buf any) (int, error) {
	if err := cq.checkOpen("READ_CQ"); err != nil {
		return 0, err
	}
	s, err := cq.newSink(buf)
	if err != nil {
		return 0, err
	}
	n, err := cq.ops.read(s)
	cq.observer.ObserveRead(n, false)
	return n, err
}

// ReadBlocking is Read with a timeout budget in milliseconds. A negative
// timeout waits indefinitely; zero polls once. Any entry or buffered
// error observed ends the wait immediately.
func (cq *CQ) ReadBlocking(buf any, timeoutMS int) (int, error) {
	if err := cq.checkOpen("SREAD_CQ"); err != nil {
		return 0, err
	}
	s, err := cq.newSink(buf)
	if err != nil {
		return 0, err
	}
	n, err := cq.ops.sread(s, timeoutMS)
	cq.observer.ObserveRead(n, true)
	return n, err
}

// ReadFrom is Read with source-address resolution: addrs[i] receives the
// resolved handle for entry i, or AddrUnavailable for send completions and
// unresolvable peers. Supported on context-format CQs only; addrs must
// cover the entry buffer.
func (cq *CQ) ReadFrom(buf any, addrs []AddrHandle) (int, error) {
	if err := cq.checkOpen("READFROM_CQ"); err != nil {
		return 0, err
	}
	if cq.attr.Format != FormatContext {
		return 0, NewCQError("READFROM_CQ", cq.id, CodeUnsupported,
			fmt.Sprintf("address-resolving read requires context format, CQ has %s", cq.attr.Format))
	}
	s, err := cq.newSink(buf)
	if err != nil {
		return 0, err
	}
	if len(addrs) < s.limit {
		return 0, NewCQError("READFROM_CQ", cq.id, CodeInvalidArgument,
			"address slice shorter than entry buffer")
	}
	n, err := cq.ops.readFrom(s, addrs)
	cq.observer.ObserveRead(n, false)
	return n, err
}

// ReadErr consumes exactly one buffered error detail. It returns
// ErrTryAgain when no error is pending.
func (cq *CQ) ReadErr(e *ErrorEntry) error {
	if err := cq.checkOpen("READERR_CQ"); err != nil {
		return err
	}
	if err := cq.ops.readErr(e); err != nil {
		return err
	}
	cq.observer.ObserveErrorRead()
	return nil
}

// BindQueue attaches a hardware completion source to the CQ. In hard mode
// only one queue may be bound; soft mode multiplexes any number.
func (cq *CQ) BindQueue(q HardwareQueue) error {
	if err := cq.checkOpen("BIND_CQ"); err != nil {
		return err
	}
	return cq.ops.bind(q)
}

// Control is reserved for wait-object manipulation, which this provider
// does not implement.
func (cq *CQ) Control(cmd int, arg any) error {
	return NewCQError("CONTROL_CQ", cq.id, CodeUnsupported, "CQ control operations not supported")
}

// MakeSoft promotes the CQ from hard to soft mode. The promotion is
// one-way and idempotent: an already-soft CQ is left untouched. A queue
// bound in hard mode is moved into the first soft binding, carrying the
// CQ's endpoint reference count, and registered for domain progress. All
// soft state is built before anything is installed, so a failed promotion
// leaves the CQ in hard mode unchanged.
func (cq *CQ) MakeSoft() error {
	if err := cq.checkOpen("MAKE_SOFT_CQ"); err != nil {
		return err
	}
	if cq.mode == modeSoft {
		return nil
	}

	soft := &softCQ{
		cq:   cq,
		ring: ring.New(cq.attr.Depth),
	}

	hard := cq.hardState()
	if hard.queue != nil {
		b := &HardQueueBinding{
			cq:    cq,
			queue: hard.queue,
		}
		b.refs.Store(cq.refs.Load())
		soft.bindings = append(soft.bindings, b)
	}

	// install before registering for progress: the mode tag, ops and
	// state switch together, and a sweep must never see a registered
	// binding on a still-hard CQ
	cq.soft = soft
	cq.hard = nil
	cq.ops = soft
	cq.mode = modeSoft

	for _, b := range soft.bindings {
		cq.domain.registerProgress(b)
	}

	cq.observer.ObservePromotion()
	cq.log.Info("CQ promoted to soft mode", "depth", cq.attr.Depth, "bindings", len(soft.bindings))
	return nil
}

// Close tears the CQ down. It refuses with Busy while endpoints are still
// bound to the CQ or, in soft mode, to any of its hardware-queue bindings.
// A hardware queue that fails to destroy aborts the close and leaves the
// CQ intact so the caller can retry.
func (cq *CQ) Close() error {
	if err := cq.checkOpen("CLOSE_CQ"); err != nil {
		return err
	}
	if n := cq.refs.Load(); n > 0 {
		return NewCQError("CLOSE_CQ", cq.id, CodeBusy,
			fmt.Sprintf("%d endpoints still bound", n))
	}
	if err := cq.ops.close(); err != nil {
		return err
	}
	cq.closed = true
	cq.log.Debug("CQ closed")
	return nil
}
