package fabcq

import (
	"net/netip"
	"syscall"
)

// CompletionType tells which half of a hardware queue produced a raw
// completion.
type CompletionType uint8

const (
	CompletionSend CompletionType = iota
	CompletionRecv
)

// Status is the provider-level outcome of a raw completion. Zero means
// success; everything else is surfaced through the error-read path.
type Status int32

const (
	StatusOK Status = iota
	StatusCRCError
	StatusTruncated
	StatusTimeout
	StatusInternal
)

// String returns a short human-readable status name for logs and error
// entries.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "success"
	case StatusCRCError:
		return "checksum error"
	case StatusTruncated:
		return "truncated"
	case StatusTimeout:
		return "timeout"
	case StatusInternal:
		return "internal error"
	default:
		return "unknown status"
	}
}

// Errno maps a provider status onto the closest errno, which is what the
// error entry reports in its ProvErrno field.
func (s Status) Errno() syscall.Errno {
	switch s {
	case StatusOK:
		return 0
	case StatusCRCError:
		return syscall.EBADMSG
	case StatusTruncated:
		return syscall.EMSGSIZE
	case StatusTimeout:
		return syscall.ETIMEDOUT
	default:
		return syscall.EIO
	}
}

// RawCompletion is one completion as the hardware queue reports it, before
// normalization: transfer byte count including any wire header, provider
// status, and the slot index the queue can map back to its receive buffer.
type RawCompletion struct {
	Type    CompletionType
	Context any
	Bytes   uint64
	Status  Status
	Index   uint16
	Queue   HardwareQueue
}

// HardwareQueue is one send/receive queue whose completions feed a CQ.
// Implementations live under source/; tests use the mock in this package.
type HardwareQueue interface {
	// Poll fills c with the next completion and returns nil, or returns
	// ErrTryAgain when none is pending. Any other error is a transport
	// fault.
	Poll(c *RawCompletion) error

	// HeaderPrefix reports whether receive buffers carry the wire header
	// as an application-visible prefix. This drives completion-length
	// adjustment.
	HeaderPrefix() bool

	// Header returns the raw wire header bytes of the receive slot at
	// index, or nil if the slot holds no parseable header. Valid until
	// the slot is reposted.
	Header(index uint16) []byte

	// Destroy releases the queue's resources. A failed destroy leaves
	// the queue usable.
	Destroy() error
}

// AddrHandle is an opaque handle for a resolved peer address, stable for
// the lifetime of the resolver that produced it.
type AddrHandle uint64

// AddrUnavailable is reported when a completion has no resolvable source:
// send completions, unparseable frames, and unknown peers.
const AddrUnavailable = ^AddrHandle(0)

// AddressResolver maps wire source addresses to handles. Implementations
// are typically an address-vector lookup table owned by the application.
type AddressResolver interface {
	Resolve(src netip.AddrPort) (AddrHandle, error)
}

// QueueFactory creates hardware queues on demand for Domain.CreateQueue.
type QueueFactory interface {
	NewQueue(depth int) (HardwareQueue, error)
}

// QueueFactoryFunc adapts a function to the QueueFactory interface.
type QueueFactoryFunc func(depth int) (HardwareQueue, error)

func (f QueueFactoryFunc) NewQueue(depth int) (HardwareQueue, error) {
	return f(depth)
}
