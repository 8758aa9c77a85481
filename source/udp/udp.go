// Package udp implements a fabcq hardware queue over a non-blocking UDP
// socket. Every datagram carries the fabric wire header in front of the
// payload, so completions report sizes and source addresses exactly the
// way a real fabric queue would.
package udp

import (
	"fmt"
	"net/netip"
	"sync"

	"golang.org/x/sys/unix"

	fabcq "github.com/fabwork/go-fabcq"
	"github.com/fabwork/go-fabcq/internal/logging"
	"github.com/fabwork/go-fabcq/internal/wire"
)

// DefaultMTU bounds a single datagram, wire header included.
const DefaultMTU = 2048

// Config configures a UDP-backed hardware queue.
type Config struct {
	// LocalAddr is the IPv4 address to bind; port zero picks an
	// ephemeral port
	LocalAddr netip.AddrPort

	// Depth is the number of receive slots (and the posted-receive limit)
	Depth int

	// MTU bounds one datagram including the wire header; zero selects
	// DefaultMTU
	MTU int

	// HeaderPrefix exposes the wire header to the application instead of
	// hiding it
	HeaderPrefix bool

	// VerifyChecksum validates the payload checksum carried in the wire
	// header; mismatches complete with a checksum-error status
	VerifyChecksum bool

	// Logger for socket events; nil selects the package default
	Logger *logging.Logger
}

// Queue is a HardwareQueue over one UDP socket. Receives land in
// preallocated slots sized to the MTU; a slot's contents, header included,
// stay valid until the slot is reused by a later receive.
type Queue struct {
	fd     int
	local  netip.AddrPort
	prefix bool
	verify bool
	mtu    int
	log    *logging.Logger

	mu       sync.Mutex
	slots    [][]byte
	nextSlot uint16
	recvCtx  []any
	sends    []fabcq.RawCompletion
	closed   bool
}

// New opens and binds the socket.
func New(cfg Config) (*Queue, error) {
	if cfg.Depth <= 0 {
		return nil, fabcq.NewError("CREATE_QUEUE", fabcq.CodeInvalidArgument, "queue depth must be positive")
	}
	if !cfg.LocalAddr.Addr().Is4() {
		return nil, fabcq.NewError("CREATE_QUEUE", fabcq.CodeInvalidArgument, "local address must be IPv4")
	}
	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	if mtu <= wire.HeaderSize {
		return nil, fabcq.NewError("CREATE_QUEUE", fabcq.CodeInvalidArgument, "MTU smaller than wire header")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fabcq.WrapError("CREATE_QUEUE", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fabcq.WrapError("CREATE_QUEUE", err)
	}

	sa := &unix.SockaddrInet4{Port: int(cfg.LocalAddr.Port())}
	sa.Addr = cfg.LocalAddr.Addr().As4()
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fabcq.WrapError("CREATE_QUEUE", err)
	}

	// re-read the bound address so an ephemeral port is visible
	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fabcq.WrapError("CREATE_QUEUE", err)
	}
	sa4, ok := bound.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return nil, fabcq.NewError("CREATE_QUEUE", fabcq.CodeInternal, "unexpected socket address family")
	}
	local := netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port))

	slots := make([][]byte, cfg.Depth)
	for i := range slots {
		slots[i] = make([]byte, mtu)
	}

	q := &Queue{
		fd:     fd,
		local:  local,
		prefix: cfg.HeaderPrefix,
		verify: cfg.VerifyChecksum,
		mtu:    mtu,
		log:    log,
		slots:  slots,
	}
	log.Debug("UDP queue opened", "addr", local.String(), "depth", cfg.Depth, "mtu", mtu)
	return q, nil
}

// LocalAddr returns the bound address, with any ephemeral port filled in.
func (q *Queue) LocalAddr() netip.AddrPort {
	return q.local
}

// PostRecv registers one receive context. Contexts are consumed in FIFO
// order as datagrams arrive; polling with no posted receive reports
// nothing available even if data is queued on the socket.
func (q *Queue) PostRecv(ctx any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fabcq.NewError("POST_RECV", fabcq.CodeInvalidArgument, "queue is closed")
	}
	if len(q.recvCtx) >= len(q.slots) {
		return fabcq.ErrTryAgain
	}
	q.recvCtx = append(q.recvCtx, ctx)
	return nil
}

// Send transmits payload to dst with a wire header in front and queues the
// matching send completion.
func (q *Queue) Send(ctx any, payload []byte, dst netip.AddrPort) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fabcq.NewError("SEND", fabcq.CodeInvalidArgument, "queue is closed")
	}
	if wire.HeaderSize+len(payload) > q.mtu {
		return fabcq.NewError("SEND", fabcq.CodeInvalidArgument,
			fmt.Sprintf("payload %d exceeds MTU %d", len(payload), q.mtu))
	}

	var sum uint16
	if q.verify {
		sum = wire.Checksum16(payload)
	}
	h, err := wire.Build(q.local, dst, len(payload), sum)
	if err != nil {
		return fabcq.WrapError("SEND", err)
	}

	frame := make([]byte, wire.HeaderSize+len(payload))
	if err := h.Marshal(frame); err != nil {
		return fabcq.WrapError("SEND", err)
	}
	copy(frame[wire.HeaderSize:], payload)

	sa := &unix.SockaddrInet4{Port: int(dst.Port())}
	sa.Addr = dst.Addr().As4()
	if err := unix.Sendto(q.fd, frame, 0, sa); err != nil {
		return fabcq.WrapError("SEND", err)
	}

	q.sends = append(q.sends, fabcq.RawCompletion{
		Type:    fabcq.CompletionSend,
		Context: ctx,
		Bytes:   uint64(len(payload)),
		Queue:   q,
	})
	return nil
}

// Poll implements fabcq.HardwareQueue. Send completions are reported
// before receives.
func (q *Queue) Poll(c *fabcq.RawCompletion) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fabcq.NewError("POLL", fabcq.CodeInvalidArgument, "queue is closed")
	}

	if len(q.sends) > 0 {
		*c = q.sends[0]
		q.sends = q.sends[1:]
		return nil
	}

	if len(q.recvCtx) == 0 {
		return fabcq.ErrTryAgain
	}

	idx := q.nextSlot
	buf := q.slots[idx]
	n, _, err := unix.Recvfrom(q.fd, buf, unix.MSG_DONTWAIT)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return fabcq.ErrTryAgain
	}
	if err != nil {
		return fabcq.WrapError("POLL", err)
	}

	ctx := q.recvCtx[0]
	q.recvCtx = q.recvCtx[1:]
	q.nextSlot = (idx + 1) % uint16(len(q.slots))

	*c = fabcq.RawCompletion{
		Type:    fabcq.CompletionRecv,
		Context: ctx,
		Bytes:   uint64(n),
		Status:  q.receiveStatus(buf[:n]),
		Index:   idx,
		Queue:   q,
	}
	return nil
}

// receiveStatus classifies one received frame.
func (q *Queue) receiveStatus(frame []byte) fabcq.Status {
	h, err := wire.Parse(frame)
	if err != nil {
		return fabcq.StatusTruncated
	}
	payload := frame[wire.HeaderSize:]
	if h.PayloadLen() > len(payload) {
		// the header claims more than the datagram delivered
		return fabcq.StatusTruncated
	}
	if q.verify && h.Checksum != 0 {
		if wire.Checksum16(payload[:h.PayloadLen()]) != h.Checksum {
			return fabcq.StatusCRCError
		}
	}
	return fabcq.StatusOK
}

// HeaderPrefix implements fabcq.HardwareQueue.
func (q *Queue) HeaderPrefix() bool {
	return q.prefix
}

// Header implements fabcq.HardwareQueue.
func (q *Queue) Header(index uint16) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if int(index) >= len(q.slots) {
		return nil
	}
	return q.slots[index][:wire.HeaderSize]
}

// Payload returns the payload bytes of the receive slot at index, past the
// wire header. Valid until the slot is reused.
func (q *Queue) Payload(index uint16, n uint64) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if int(index) >= len(q.slots) || n <= wire.HeaderSize {
		return nil
	}
	return q.slots[index][wire.HeaderSize:n]
}

// Destroy implements fabcq.HardwareQueue.
func (q *Queue) Destroy() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	if err := unix.Close(q.fd); err != nil {
		return fabcq.WrapError("DESTROY_QUEUE", err)
	}
	q.closed = true
	q.log.Debug("UDP queue destroyed", "addr", q.local.String())
	return nil
}

var _ fabcq.HardwareQueue = (*Queue)(nil)
