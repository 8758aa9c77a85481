package fabcq

import (
	"errors"

	"github.com/fabwork/go-fabcq/internal/wire"
)

// hardCQ is the fast path: every read polls the bound hardware queue
// directly, with no intermediate buffering. One error at a time is held in
// the sticky completion slot; normal reads stop at it until ReadErr drains
// it.
type hardCQ struct {
	cq    *CQ
	queue HardwareQueue

	// comp doubles as the poll scratch buffer and the sticky error slot.
	// A nonzero Status marks a buffered error.
	comp RawCompletion
}

func (h *hardCQ) sticky() bool {
	return h.comp.Status != StatusOK
}

// drain polls completions into the sink until the buffer fills, the queue
// runs dry, or an error completion lands in the sticky slot. Entries
// collected before an error are kept; the error waits for the next call.
func (h *hardCQ) drain(s *entrySink, addrs []AddrHandle) (int, error) {
	if h.sticky() {
		return 0, ErrAvailable
	}
	if h.queue == nil {
		return 0, ErrTryAgain
	}

	for !s.full() {
		err := h.queue.Poll(&h.comp)
		if errors.Is(err, ErrTryAgain) {
			break
		}
		if err != nil {
			return s.count(), WrapError("READ_CQ", err)
		}
		if h.comp.Status != StatusOK {
			h.cq.observer.ObserveCompletionError(h.comp.Status)
			if s.count() == 0 {
				return 0, ErrAvailable
			}
			// sticky slot stays set; surfaced on the next call
			break
		}
		if addrs != nil {
			addrs[s.count()] = h.resolveSource(&h.comp)
		}
		s.putRaw(&h.comp)
	}

	if s.count() == 0 {
		return 0, ErrTryAgain
	}
	return s.count(), nil
}

// resolveSource maps a receive completion's wire header to an address
// handle. Send completions and anything unparseable or unknown resolve to
// the unavailable sentinel.
func (h *hardCQ) resolveSource(c *RawCompletion) AddrHandle {
	if c.Type != CompletionRecv || h.cq.domain.resolver() == nil {
		return AddrUnavailable
	}
	q := c.Queue
	if q == nil {
		q = h.queue
	}
	hdr, err := wire.Parse(q.Header(c.Index))
	if err != nil {
		h.cq.log.Debug("unparseable wire header on receive completion", "index", c.Index, "error", err)
		return AddrUnavailable
	}
	addr, err := h.cq.domain.resolver().Resolve(hdr.Source())
	if err != nil {
		return AddrUnavailable
	}
	return addr
}

func (h *hardCQ) read(s *entrySink) (int, error) {
	return h.drain(s, nil)
}

func (h *hardCQ) sread(s *entrySink, timeoutMS int) (int, error) {
	w := h.cq.domain.poller().Start(timeoutMS)
	for {
		n, err := h.drain(s, nil)
		if n > 0 || !errors.Is(err, ErrTryAgain) {
			return n, err
		}
		if !w.Next() {
			return 0, ErrTryAgain
		}
	}
}

func (h *hardCQ) readFrom(s *entrySink, addrs []AddrHandle) (int, error) {
	return h.drain(s, addrs)
}

func (h *hardCQ) readErr(e *ErrorEntry) error {
	if !h.sticky() {
		return ErrTryAgain
	}
	*e = ErrorEntry{
		Context:   h.comp.Context,
		Len:       h.comp.Bytes,
		Err:       errIO,
		ProvErrno: h.comp.Status.Errno(),
		Status:    h.comp.Status,
	}
	h.comp.Status = StatusOK
	return nil
}

func (h *hardCQ) bind(q HardwareQueue) error {
	if h.queue != nil {
		return NewCQError("BIND_CQ", h.cq.id, CodeBusy, "hard-mode CQ already has a bound queue")
	}
	h.queue = q
	return nil
}

func (h *hardCQ) close() error {
	if h.queue == nil {
		return nil
	}
	if err := h.queue.Destroy(); err != nil {
		return WrapError("CLOSE_CQ", err)
	}
	h.queue = nil
	return nil
}

var _ cqOps = (*hardCQ)(nil)
