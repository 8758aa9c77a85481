//go:build linux
// +build linux

// Package uring implements a fabcq hardware queue over a raw io_uring
// instance driving one UDP socket: receives and sends are submitted as
// RECVMSG/SENDMSG entries and completions are reaped straight off the
// mapped completion ring.
package uring

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	fabcq "github.com/fabwork/go-fabcq"
	"github.com/fabwork/go-fabcq/internal/logging"
	"github.com/fabwork/go-fabcq/internal/wire"
)

// Minimal io_uring structures for datagram I/O only
// Based on kernel include/uapi/linux/io_uring.h

const (
	IORING_OP_SENDMSG = 9
	IORING_OP_RECVMSG = 10

	IORING_ENTER_GETEVENTS = 1 << 0

	IORING_OFF_SQ_RING = 0
	IORING_OFF_CQ_RING = 0x8000000
	IORING_OFF_SQES    = 0x10000000
)

// Standard 64-byte SQE
type sqe struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	msgFlags    uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	_           [2]uint64
}

// Standard 16-byte CQE
type cqe struct {
	userData uint64
	res      int32
	flags    uint32
}

type ringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCpu  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        struct {
		head        uint32
		tail        uint32
		ringMask    uint32
		ringEntries uint32
		flags       uint32
		dropped     uint32
		array       uint32
		resv1       uint32
		userAddr    uint64
	}
	cqOff struct {
		head        uint32
		tail        uint32
		ringMask    uint32
		ringEntries uint32
		overflow    uint32
		cqes        uint32
		flags       uint32
		resv1       uint32
		userAddr    uint64
	}
}

// userData layout: high bit tags a send, low 16 bits carry the slot index
const sendTag = uint64(1) << 63

// recvSlot pins the buffers one in-flight RECVMSG needs. The structures
// must not move while the kernel holds their addresses; keeping them on
// the slot keeps them reachable.
type recvSlot struct {
	buf  []byte
	iov  unix.Iovec
	name unix.RawSockaddrInet4
	msg  unix.Msghdr
	ctx  any
}

type sendSlot struct {
	frame []byte
	iov   unix.Iovec
	name  unix.RawSockaddrInet4
	msg   unix.Msghdr
	ctx   any
	bytes uint64
}

// Config configures an io_uring-backed hardware queue.
type Config struct {
	// LocalAddr is the IPv4 address to bind; port zero picks an
	// ephemeral port
	LocalAddr netip.AddrPort

	// Depth is the number of receive slots and the ring size
	Depth int

	// MTU bounds one datagram including the wire header
	MTU int

	// HeaderPrefix exposes the wire header to the application
	HeaderPrefix bool

	// VerifyChecksum validates the wire-header payload checksum
	VerifyChecksum bool

	// Logger for ring events; nil selects the package default
	Logger *logging.Logger
}

// Queue is a HardwareQueue whose socket I/O runs through io_uring.
type Queue struct {
	sockFd int
	ringFd int
	local  netip.AddrPort
	prefix bool
	verify bool
	mtu    int
	log    *logging.Logger

	params ringParams
	sqMem  []byte
	cqMem  []byte
	sqeMem []byte

	mu        sync.Mutex
	recvSlots []*recvSlot
	sendSlots map[uint64]*sendSlot
	nextSend  uint64
	closed    bool
}

// New opens the socket, sets up the ring and maps its regions.
func New(cfg Config) (*Queue, error) {
	if cfg.Depth <= 0 {
		return nil, fabcq.NewError("CREATE_QUEUE", fabcq.CodeInvalidArgument, "queue depth must be positive")
	}
	if !cfg.LocalAddr.Addr().Is4() {
		return nil, fabcq.NewError("CREATE_QUEUE", fabcq.CodeInvalidArgument, "local address must be IPv4")
	}
	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = 2048
	}
	if mtu <= wire.HeaderSize {
		return nil, fabcq.NewError("CREATE_QUEUE", fabcq.CodeInvalidArgument, "MTU smaller than wire header")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}

	sockFd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fabcq.WrapError("CREATE_QUEUE", err)
	}
	sa := &unix.SockaddrInet4{Port: int(cfg.LocalAddr.Port())}
	sa.Addr = cfg.LocalAddr.Addr().As4()
	if err := unix.Bind(sockFd, sa); err != nil {
		unix.Close(sockFd)
		return nil, fabcq.WrapError("CREATE_QUEUE", err)
	}
	bound, err := unix.Getsockname(sockFd)
	if err != nil {
		unix.Close(sockFd)
		return nil, fabcq.WrapError("CREATE_QUEUE", err)
	}
	sa4 := bound.(*unix.SockaddrInet4)
	local := netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port))

	// ring entries: enough for all receives plus in-flight sends
	entries := uint32(cfg.Depth * 2)

	var params ringParams
	ringFd, _, errno := syscall.Syscall(unix.SYS_IO_URING_SETUP,
		uintptr(entries),
		uintptr(unsafe.Pointer(&params)),
		0)
	if errno != 0 {
		unix.Close(sockFd)
		return nil, fabcq.WrapError("CREATE_QUEUE", errno)
	}

	sqSize := int(params.sqOff.array + params.sqEntries*4)
	cqSize := int(params.cqOff.cqes + params.cqEntries*uint32(unsafe.Sizeof(cqe{})))
	sqeSize := int(params.sqEntries) * int(unsafe.Sizeof(sqe{}))

	sqMem, err := unix.Mmap(int(ringFd), IORING_OFF_SQ_RING, sqSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Close(int(ringFd))
		unix.Close(sockFd)
		return nil, fabcq.WrapError("CREATE_QUEUE", err)
	}
	cqMem, err := unix.Mmap(int(ringFd), IORING_OFF_CQ_RING, cqSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMem)
		unix.Close(int(ringFd))
		unix.Close(sockFd)
		return nil, fabcq.WrapError("CREATE_QUEUE", err)
	}
	sqeMem, err := unix.Mmap(int(ringFd), IORING_OFF_SQES, sqeSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(cqMem)
		unix.Munmap(sqMem)
		unix.Close(int(ringFd))
		unix.Close(sockFd)
		return nil, fabcq.WrapError("CREATE_QUEUE", err)
	}

	q := &Queue{
		sockFd:    sockFd,
		ringFd:    int(ringFd),
		local:     local,
		prefix:    cfg.HeaderPrefix,
		verify:    cfg.VerifyChecksum,
		mtu:       mtu,
		log:       log,
		params:    params,
		sqMem:     sqMem,
		cqMem:     cqMem,
		sqeMem:    sqeMem,
		recvSlots: make([]*recvSlot, cfg.Depth),
		sendSlots: make(map[uint64]*sendSlot),
	}
	for i := range q.recvSlots {
		q.recvSlots[i] = &recvSlot{buf: make([]byte, mtu)}
	}

	log.Debug("io_uring queue opened", "addr", local.String(), "entries", entries)
	return q, nil
}

// LocalAddr returns the bound address.
func (q *Queue) LocalAddr() netip.AddrPort {
	return q.local
}

func (q *Queue) sqPtr(off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&q.sqMem[off]))
}

func (q *Queue) cqPtr(off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&q.cqMem[off]))
}

// pushSQE copies e into the next submission slot and submits it. The ring
// pointers are shared with the kernel, so the head load and the tail store
// publishing the entry go through atomics.
func (q *Queue) pushSQE(e *sqe) error {
	headPtr := q.sqPtr(q.params.sqOff.head)
	tailPtr := q.sqPtr(q.params.sqOff.tail)
	mask := q.params.sqEntries - 1

	head := atomic.LoadUint32(headPtr)
	tail := atomic.LoadUint32(tailPtr)
	if tail-head >= q.params.sqEntries {
		return fabcq.ErrTryAgain
	}

	idx := tail & mask
	slot := (*sqe)(unsafe.Pointer(&q.sqeMem[uintptr(idx)*unsafe.Sizeof(sqe{})]))
	*slot = *e

	arrayBase := q.params.sqOff.array
	*(*uint32)(unsafe.Pointer(&q.sqMem[arrayBase+4*idx])) = idx
	// the store orders after the SQE and array writes above
	atomic.StoreUint32(tailPtr, tail+1)

	_, _, errno := syscall.Syscall6(unix.SYS_IO_URING_ENTER,
		uintptr(q.ringFd), 1, 0, 0, 0, 0)
	if errno != 0 {
		return fabcq.WrapError("SUBMIT", errno)
	}
	return nil
}

// popCQE reaps one completion, or reports none pending. The tail load
// acquires the kernel's CQE write; the head store releases the slot back.
func (q *Queue) popCQE() (cqe, bool) {
	headPtr := q.cqPtr(q.params.cqOff.head)
	tailPtr := q.cqPtr(q.params.cqOff.tail)
	head := atomic.LoadUint32(headPtr)
	tail := atomic.LoadUint32(tailPtr)
	if head == tail {
		return cqe{}, false
	}
	mask := q.params.cqEntries - 1
	idx := head & mask
	c := *(*cqe)(unsafe.Pointer(&q.cqMem[q.params.cqOff.cqes+uint32(unsafe.Sizeof(cqe{}))*idx]))
	atomic.StoreUint32(headPtr, head+1)
	return c, true
}

// PostRecv arms the receive slot at the next free index with ctx. Every
// posted receive is one RECVMSG submission; the kernel fills the slot's
// buffer directly.
func (q *Queue) PostRecv(ctx any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fabcq.NewError("POST_RECV", fabcq.CodeInvalidArgument, "queue is closed")
	}

	var slot *recvSlot
	var idx int
	for i, s := range q.recvSlots {
		if s.msg.Iov == nil {
			slot, idx = s, i
			break
		}
	}
	if slot == nil {
		return fabcq.ErrTryAgain
	}

	slot.ctx = ctx
	slot.iov = unix.Iovec{Base: &slot.buf[0]}
	slot.iov.SetLen(len(slot.buf))
	slot.msg = unix.Msghdr{
		Name:    (*byte)(unsafe.Pointer(&slot.name)),
		Namelen: uint32(unsafe.Sizeof(slot.name)),
		Iov:     &slot.iov,
	}
	slot.msg.SetIovlen(1)

	e := &sqe{
		opcode:   IORING_OP_RECVMSG,
		fd:       int32(q.sockFd),
		addr:     uint64(uintptr(unsafe.Pointer(&slot.msg))),
		len:      1,
		userData: uint64(idx),
	}
	if err := q.pushSQE(e); err != nil {
		slot.msg = unix.Msghdr{}
		return err
	}
	return nil
}

// Send submits payload to dst with a wire header in front.
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

	slot := &sendSlot{
		frame: make([]byte, wire.HeaderSize+len(payload)),
		ctx:   ctx,
		bytes: uint64(len(payload)),
	}
	if err := h.Marshal(slot.frame); err != nil {
		return fabcq.WrapError("SEND", err)
	}
	copy(slot.frame[wire.HeaderSize:], payload)

	slot.name = unix.RawSockaddrInet4{Family: unix.AF_INET}
	slot.name.Addr = dst.Addr().As4()
	port := dst.Port()
	slot.name.Port = port<<8 | port>>8 // network byte order
	slot.iov = unix.Iovec{Base: &slot.frame[0]}
	slot.iov.SetLen(len(slot.frame))
	slot.msg = unix.Msghdr{
		Name:    (*byte)(unsafe.Pointer(&slot.name)),
		Namelen: uint32(unsafe.Sizeof(slot.name)),
		Iov:     &slot.iov,
	}
	slot.msg.SetIovlen(1)

	id := sendTag | q.nextSend
	q.nextSend++
	q.sendSlots[id] = slot

	e := &sqe{
		opcode:   IORING_OP_SENDMSG,
		fd:       int32(q.sockFd),
		addr:     uint64(uintptr(unsafe.Pointer(&slot.msg))),
		len:      1,
		userData: id,
	}
	if err := q.pushSQE(e); err != nil {
		delete(q.sendSlots, id)
		return err
	}
	return nil
}

// Poll implements fabcq.HardwareQueue by reaping one CQE.
func (q *Queue) Poll(c *fabcq.RawCompletion) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fabcq.NewError("POLL", fabcq.CodeInvalidArgument, "queue is closed")
	}

	e, ok := q.popCQE()
	if !ok {
		return fabcq.ErrTryAgain
	}

	if e.userData&sendTag != 0 {
		slot, ok := q.sendSlots[e.userData]
		if !ok {
			return fabcq.NewError("POLL", fabcq.CodeInternal, "completion for unknown send")
		}
		delete(q.sendSlots, e.userData)
		status := fabcq.StatusOK
		if e.res < 0 {
			status = errnoStatus(syscall.Errno(-e.res))
		}
		*c = fabcq.RawCompletion{
			Type:    fabcq.CompletionSend,
			Context: slot.ctx,
			Bytes:   slot.bytes,
			Status:  status,
			Queue:   q,
		}
		return nil
	}

	idx := int(e.userData)
	if idx >= len(q.recvSlots) {
		return fabcq.NewError("POLL", fabcq.CodeInternal, "completion for unknown receive slot")
	}
	slot := q.recvSlots[idx]
	ctx := slot.ctx
	slot.msg = unix.Msghdr{} // slot free for the next PostRecv

	if e.res < 0 {
		*c = fabcq.RawCompletion{
			Type:    fabcq.CompletionRecv,
			Context: ctx,
			Status:  errnoStatus(syscall.Errno(-e.res)),
			Index:   uint16(idx),
			Queue:   q,
		}
		return nil
	}

	n := int(e.res)
	*c = fabcq.RawCompletion{
		Type:    fabcq.CompletionRecv,
		Context: ctx,
		Bytes:   uint64(n),
		Status:  q.receiveStatus(slot.buf[:n]),
		Index:   uint16(idx),
		Queue:   q,
	}
	return nil
}

func (q *Queue) receiveStatus(frame []byte) fabcq.Status {
	h, err := wire.Parse(frame)
	if err != nil {
		return fabcq.StatusTruncated
	}
	payload := frame[wire.HeaderSize:]
	if h.PayloadLen() > len(payload) {
		return fabcq.StatusTruncated
	}
	if q.verify && h.Checksum != 0 {
		if wire.Checksum16(payload[:h.PayloadLen()]) != h.Checksum {
			return fabcq.StatusCRCError
		}
	}
	return fabcq.StatusOK
}

func errnoStatus(errno syscall.Errno) fabcq.Status {
	switch errno {
	case syscall.ETIMEDOUT:
		return fabcq.StatusTimeout
	case syscall.EMSGSIZE:
		return fabcq.StatusTruncated
	case syscall.EBADMSG:
		return fabcq.StatusCRCError
	default:
		return fabcq.StatusInternal
	}
}

// HeaderPrefix implements fabcq.HardwareQueue.
func (q *Queue) HeaderPrefix() bool {
	return q.prefix
}

// Header implements fabcq.HardwareQueue.
func (q *Queue) Header(index uint16) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if int(index) >= len(q.recvSlots) {
		return nil
	}
	return q.recvSlots[index].buf[:wire.HeaderSize]
}

// Payload returns the payload bytes of the receive slot at index, past the
// wire header. Valid until the slot is rearmed.
func (q *Queue) Payload(index uint16, n uint64) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if int(index) >= len(q.recvSlots) || n <= wire.HeaderSize {
		return nil
	}
	return q.recvSlots[index].buf[wire.HeaderSize:n]
}

// Destroy implements fabcq.HardwareQueue.
func (q *Queue) Destroy() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	unix.Munmap(q.sqeMem)
	unix.Munmap(q.cqMem)
	unix.Munmap(q.sqMem)
	if err := unix.Close(q.ringFd); err != nil {
		return fabcq.WrapError("DESTROY_QUEUE", err)
	}
	if err := unix.Close(q.sockFd); err != nil {
		return fabcq.WrapError("DESTROY_QUEUE", err)
	}
	q.closed = true
	q.log.Debug("io_uring queue destroyed", "addr", q.local.String())
	return nil
}

var _ fabcq.HardwareQueue = (*Queue)(nil)
