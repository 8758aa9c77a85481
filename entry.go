package fabcq

import "syscall"

// Format selects the completion entry shape a CQ writes into caller
// buffers. The format is fixed at open time.
type Format uint8

const (
	FormatUnspec Format = iota // defaults to FormatContext at open
	FormatContext
	FormatMsg
	FormatData
)

func (f Format) String() string {
	switch f {
	case FormatUnspec:
		return "unspec"
	case FormatContext:
		return "context"
	case FormatMsg:
		return "msg"
	case FormatData:
		return "data"
	default:
		return "unknown"
	}
}

// Flags describe a completed operation in msg and data format entries.
type Flags uint64

const (
	FlagMsg  Flags = 1 << 0
	FlagSend Flags = 1 << 1
	FlagRecv Flags = 1 << 2
)

// ContextEntry is the minimal completion record: just the operation
// context.
type ContextEntry struct {
	Context any
}

// MsgEntry adds operation flags and the transferred byte count, adjusted
// for the endpoint's header-prefix mode.
type MsgEntry struct {
	Context any
	Flags   Flags
	Len     uint64
}

// DataEntry extends MsgEntry with the buffer cookie and remote-immediate
// data fields. Direct hardware polling cannot recover these, so they are
// zero unless the CQ is in emulated mode and the producer supplied them.
type DataEntry struct {
	Context any
	Flags   Flags
	Len     uint64
	Buf     uint64
	Data    uint64
}

// errIO is the generic errno applications see for any failed completion;
// the provider-specific mapping rides in ProvErrno.
const errIO = syscall.EIO

// ErrorEntry describes one failed completion retrieved through ReadErr.
// Err is the generic errno the application sees; ProvErrno preserves the
// provider-specific status mapping for diagnostics.
type ErrorEntry struct {
	Context   any
	Flags     Flags
	Len       uint64
	Err       syscall.Errno
	ProvErrno syscall.Errno
	Status    Status
}
