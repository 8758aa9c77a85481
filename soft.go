package fabcq

import (
	"errors"
	"sync/atomic"

	"github.com/fabwork/go-fabcq/internal/ring"
	"github.com/fabwork/go-fabcq/internal/wire"
)

// HardQueueBinding multiplexes one hardware completion source into a soft
// CQ. The binding owns nothing: the queue handle belongs to the endpoint
// layer, the ring to the CQ. Its reference count gates teardown.
type HardQueueBinding struct {
	cq    *CQ
	queue HardwareQueue
	refs  atomic.Int32
}

// Queue returns the underlying hardware queue handle.
func (b *HardQueueBinding) Queue() HardwareQueue {
	return b.queue
}

// AddRef records one endpoint routed through this binding.
func (b *HardQueueBinding) AddRef() {
	b.refs.Add(1)
}

// Release drops one endpoint reference.
func (b *HardQueueBinding) Release() {
	if b.refs.Add(-1) < 0 {
		panic("fabcq: hardware queue binding reference count underflow")
	}
}

// Post injects one already-normalized completion straight into the soft
// ring, bypassing the hardware queue. Emulated endpoint paths use this to
// report locally-generated completions. Overflow drops the entry, matching
// the pump.
func (b *HardQueueBinding) Post(ctx any, flags Flags, length uint64, status Status) {
	sc := b.cq.softState()
	if status != StatusOK {
		b.cq.observer.ObserveCompletionError(status)
	}
	if !sc.ring.Push(ring.Entry{
		Context: ctx,
		Flags:   uint64(flags),
		Len:     length,
		Addr:    uint64(AddrUnavailable),
		Status:  int32(status),
	}) {
		b.cq.observer.ObserveRingDrop()
	}
}

// pump drains the hardware queue into the ring until it reports nothing
// available. Entries are normalized here: flags, prefix-adjusted length
// and resolved source address are all fixed at pump time, so the read path
// never needs the hardware queue again. Ring overflow drops the completion
// silently; backpressure is never propagated to the hardware poll path.
func (b *HardQueueBinding) pump() {
	sc := b.cq.softState()
	var c RawCompletion
	for {
		err := b.queue.Poll(&c)
		if errors.Is(err, ErrTryAgain) {
			return
		}
		if err != nil {
			b.cq.log.Error("hardware poll failed during progress", "error", err)
			return
		}

		if c.Status != StatusOK {
			b.cq.observer.ObserveCompletionError(c.Status)
		}

		e := ring.Entry{
			Context: c.Context,
			Flags:   uint64(completionFlags(b.cq, c.Type)),
			Len:     adjustLen(b.queue, c.Type, c.Bytes),
			Addr:    uint64(AddrUnavailable),
			Status:  int32(c.Status),
		}
		if c.Type == CompletionRecv {
			e.Addr = uint64(b.resolveSource(&c))
		}

		if !sc.ring.Push(e) {
			b.cq.observer.ObserveRingDrop()
		}
	}
}

func (b *HardQueueBinding) resolveSource(c *RawCompletion) AddrHandle {
	if b.cq.domain.resolver() == nil {
		return AddrUnavailable
	}
	hdr, err := wire.Parse(b.queue.Header(c.Index))
	if err != nil {
		return AddrUnavailable
	}
	addr, err := b.cq.domain.resolver().Resolve(hdr.Source())
	if err != nil {
		return AddrUnavailable
	}
	return addr
}

// softCQ is the emulated path: hardware completions are normalized into
// the ring by the pump, and reads only ever touch the ring. Errors live
// inline on their entries, preserving per-entry identity across
// multiplexed sources.
type softCQ struct {
	cq       *CQ
	ring     *ring.Buffer
	bindings []*HardQueueBinding
}

// scan copies ready ring entries into the sink. An error entry is never
// copied: if it is the first entry seen this call the scan fails with
// ErrAvailable and leaves it in place for ReadErr; otherwise the
// successful prefix is returned and the error waits for the next call.
func (sc *softCQ) scan(s *entrySink, addrs []AddrHandle) (int, error) {
	for !s.full() {
		e := sc.ring.Peek()
		if e == nil {
			break
		}
		if e.Status != int32(StatusOK) {
			if s.count() == 0 {
				return 0, ErrAvailable
			}
			break
		}
		if addrs != nil {
			addrs[s.count()] = AddrHandle(e.Addr)
		}
		s.putSoft(e)
		sc.ring.Advance()
	}

	if s.count() == 0 {
		return 0, ErrTryAgain
	}
	return s.count(), nil
}

func (sc *softCQ) read(s *entrySink) (int, error) {
	sc.cq.domain.Progress()
	return sc.scan(s, nil)
}

func (sc *softCQ) sread(s *entrySink, timeoutMS int) (int, error) {
	w := sc.cq.domain.poller().Start(timeoutMS)
	for {
		sc.cq.domain.Progress()
		n, err := sc.scan(s, nil)
		if n > 0 || !errors.Is(err, ErrTryAgain) {
			return n, err
		}
		if !w.Next() {
			return 0, ErrTryAgain
		}
	}
}

func (sc *softCQ) readFrom(s *entrySink, addrs []AddrHandle) (int, error) {
	sc.cq.domain.Progress()
	return sc.scan(s, addrs)
}

// readErr replays the error entry at the ring tail in full detail, then
// consumes it so normal reads can proceed.
func (sc *softCQ) readErr(e *ErrorEntry) error {
	entry := sc.ring.Peek()
	if entry == nil || entry.Status == int32(StatusOK) {
		return ErrTryAgain
	}
	status := Status(entry.Status)
	*e = ErrorEntry{
		Context:   entry.Context,
		Flags:     Flags(entry.Flags),
		Len:       entry.Len,
		Err:       errIO,
		ProvErrno: status.Errno(),
		Status:    status,
	}
	sc.ring.Advance()
	return nil
}

func (sc *softCQ) bind(q HardwareQueue) error {
	b := &HardQueueBinding{cq: sc.cq, queue: q}
	sc.bindings = append(sc.bindings, b)
	sc.cq.domain.registerProgress(b)
	sc.cq.log.Debug("hardware queue bound to soft CQ", "bindings", len(sc.bindings))
	return nil
}

// Binding returns the soft binding for a hardware queue, or nil if the
// queue is not multiplexed into this CQ.
func (cq *CQ) Binding(q HardwareQueue) *HardQueueBinding {
	if cq.mode != modeSoft {
		return nil
	}
	for _, b := range cq.soft.bindings {
		if b.queue == q {
			return b
		}
	}
	return nil
}

func (sc *softCQ) close() error {
	for _, b := range sc.bindings {
		if n := b.refs.Load(); n > 0 {
			return NewCQError("CLOSE_CQ", sc.cq.id, CodeBusy, "hardware queue binding still referenced")
		}
	}

	// destroy in binding order; the first failure aborts and leaves the
	// remaining bindings (and the failed one) intact for a retry
	for len(sc.bindings) > 0 {
		b := sc.bindings[0]
		if err := b.queue.Destroy(); err != nil {
			return WrapError("CLOSE_CQ", err)
		}
		sc.cq.domain.unregisterProgress(b)
		sc.bindings = sc.bindings[1:]
	}
	return nil
}

var _ cqOps = (*softCQ)(nil)
