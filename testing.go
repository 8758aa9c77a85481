package fabcq

import (
	"errors"
	"net/netip"
	"sync"

	"github.com/fabwork/go-fabcq/internal/wire"
)

// MockQueue is a scripted HardwareQueue for testing: completions pushed
// onto it are returned by Poll in order. It tracks call counts so tests
// can assert on polling behavior.
type MockQueue struct {
	mu        sync.Mutex
	pending   []RawCompletion
	headers   map[uint16][]byte
	prefix    bool
	nextIndex uint16

	// Call tracking
	PollCalls    int
	DestroyCalls int

	// Failure injection
	FailDestroy bool

	Destroyed bool
}

// NewMockQueue creates an empty mock hardware queue.
func NewMockQueue() *MockQueue {
	return &MockQueue{headers: make(map[uint16][]byte)}
}

// SetHeaderPrefix switches the queue's advertised header-prefix mode.
func (q *MockQueue) SetHeaderPrefix(on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.prefix = on
}

func (q *MockQueue) push(c RawCompletion) uint16 {
	c.Index = q.nextIndex
	c.Queue = q
	q.nextIndex++
	q.pending = append(q.pending, c)
	return c.Index
}

// PushSend queues a successful send completion of the given payload size.
func (q *MockQueue) PushSend(ctx any, bytes uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.push(RawCompletion{Type: CompletionSend, Context: ctx, Bytes: bytes})
}

// PushRecv queues a successful receive completion. bytes is the raw
// transfer size as hardware reports it, wire header included.
func (q *MockQueue) PushRecv(ctx any, bytes uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.push(RawCompletion{Type: CompletionRecv, Context: ctx, Bytes: bytes})
}

// PushRecvFrom queues a successful receive completion of payloadLen bytes
// with a parseable wire header from src to dst, for address-resolving
// reads.
func (q *MockQueue) PushRecvFrom(ctx any, payloadLen int, src, dst netip.AddrPort) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, err := wire.Build(src, dst, payloadLen, 0)
	if err != nil {
		return err
	}
	buf := make([]byte, wire.HeaderSize)
	if err := h.Marshal(buf); err != nil {
		return err
	}

	idx := q.push(RawCompletion{
		Type:    CompletionRecv,
		Context: ctx,
		Bytes:   uint64(wire.HeaderSize + payloadLen),
	})
	q.headers[idx] = buf
	return nil
}

// PushError queues a failed completion with the given status.
func (q *MockQueue) PushError(ctx any, t CompletionType, status Status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.push(RawCompletion{Type: t, Context: ctx, Status: status})
}

// Poll implements HardwareQueue.
func (q *MockQueue) Poll(c *RawCompletion) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.PollCalls++
	if len(q.pending) == 0 {
		return ErrTryAgain
	}
	*c = q.pending[0]
	q.pending = q.pending[1:]
	return nil
}

// HeaderPrefix implements HardwareQueue.
func (q *MockQueue) HeaderPrefix() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.prefix
}

// Header implements HardwareQueue.
func (q *MockQueue) Header(index uint16) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.headers[index]
}

// Destroy implements HardwareQueue.
func (q *MockQueue) Destroy() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.DestroyCalls++
	if q.FailDestroy {
		return errors.New("mock: destroy failed")
	}
	q.Destroyed = true
	return nil
}

// MockResolver is a table-backed AddressResolver for testing.
type MockResolver struct {
	mu      sync.Mutex
	handles map[netip.AddrPort]AddrHandle

	ResolveCalls int
}

// NewMockResolver creates an empty mock resolver.
func NewMockResolver() *MockResolver {
	return &MockResolver{handles: make(map[netip.AddrPort]AddrHandle)}
}

// Add registers a peer address with a fixed handle.
func (r *MockResolver) Add(addr netip.AddrPort, h AddrHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[addr] = h
}

// Resolve implements AddressResolver. Unknown peers return an error.
func (r *MockResolver) Resolve(addr netip.AddrPort) (AddrHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ResolveCalls++
	h, ok := r.handles[addr]
	if !ok {
		return AddrUnavailable, errors.New("mock: unknown peer")
	}
	return h, nil
}

// Compile-time interface checks
var _ HardwareQueue = (*MockQueue)(nil)
var _ AddressResolver = (*MockResolver)(nil)
