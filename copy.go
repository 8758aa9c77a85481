package fabcq

import (
	"fmt"

	"github.com/fabwork/go-fabcq/internal/ring"
	"github.com/fabwork/go-fabcq/internal/wire"
)

// entrySink adapts a caller-supplied typed slice to the copier. The slice
// element type must match the CQ's format; the mismatch check happens once
// per read call, not per entry.
type entrySink struct {
	cq    *CQ
	ctxs  []ContextEntry
	msgs  []MsgEntry
	datas []DataEntry
	limit int
	n     int
}

func (cq *CQ) newSink(buf any) (*entrySink, error) {
	s := &entrySink{cq: cq}
	switch cq.attr.Format {
	case FormatContext:
		dst, ok := buf.([]ContextEntry)
		if !ok {
			return nil, NewCQError("READ_CQ", cq.id, CodeInvalidArgument,
				fmt.Sprintf("context-format CQ needs []ContextEntry, got %T", buf))
		}
		s.ctxs = dst
		s.limit = len(dst)
	case FormatMsg:
		dst, ok := buf.([]MsgEntry)
		if !ok {
			return nil, NewCQError("READ_CQ", cq.id, CodeInvalidArgument,
				fmt.Sprintf("msg-format CQ needs []MsgEntry, got %T", buf))
		}
		s.msgs = dst
		s.limit = len(dst)
	case FormatData:
		dst, ok := buf.([]DataEntry)
		if !ok {
			return nil, NewCQError("READ_CQ", cq.id, CodeInvalidArgument,
				fmt.Sprintf("data-format CQ needs []DataEntry, got %T", buf))
		}
		s.datas = dst
		s.limit = len(dst)
	default:
		return nil, NewCQError("READ_CQ", cq.id, CodeUnsupported,
			fmt.Sprintf("unhandled entry format %s", cq.attr.Format))
	}
	return s, nil
}

func (s *entrySink) full() bool {
	return s.n >= s.limit
}

func (s *entrySink) count() int {
	return s.n
}

// completionFlags maps a raw completion type to entry flags. An unknown
// type is reported with empty flags; the record itself is still written,
// so an ambiguous classification never fails a read.
func completionFlags(cq *CQ, t CompletionType) Flags {
	switch t {
	case CompletionSend:
		return FlagMsg | FlagSend
	case CompletionRecv:
		return FlagMsg | FlagRecv
	default:
		cq.log.Warn("unexpected completion type", "type", uint8(t))
		return 0
	}
}

// adjustLen converts the hardware byte count, which always includes the
// wire header on receives, to the application-visible length. In
// header-prefix mode the application owns the full advertised prefix, so
// receives grow by the prefix padding and sends grow by the whole prefix.
func adjustLen(q HardwareQueue, t CompletionType, raw uint64) uint64 {
	switch t {
	case CompletionRecv:
		if q != nil && q.HeaderPrefix() {
			return raw + wire.PrefixPad
		}
		if raw < wire.HeaderSize {
			return 0
		}
		return raw - wire.HeaderSize
	case CompletionSend:
		if q != nil && q.HeaderPrefix() {
			return raw + wire.PrefixSize
		}
		return raw
	default:
		return raw
	}
}

// putRaw writes one successful hardware completion into the sink.
func (s *entrySink) putRaw(c *RawCompletion) {
	switch {
	case s.ctxs != nil:
		s.ctxs[s.n] = ContextEntry{Context: c.Context}
	case s.msgs != nil:
		s.msgs[s.n] = MsgEntry{
			Context: c.Context,
			Flags:   completionFlags(s.cq, c.Type),
			Len:     adjustLen(c.Queue, c.Type, c.Bytes),
		}
	default:
		// Buf and Data are not recoverable from a direct hardware poll
		s.datas[s.n] = DataEntry{
			Context: c.Context,
			Flags:   completionFlags(s.cq, c.Type),
			Len:     adjustLen(c.Queue, c.Type, c.Bytes),
		}
	}
	s.n++
}

// putSoft writes one normalized ring entry into the sink. Length and flags
// were fixed up when the entry was pumped, so they pass through untouched.
func (s *entrySink) putSoft(e *ring.Entry) {
	switch {
	case s.ctxs != nil:
		s.ctxs[s.n] = ContextEntry{Context: e.Context}
	case s.msgs != nil:
		s.msgs[s.n] = MsgEntry{
			Context: e.Context,
			Flags:   Flags(e.Flags),
			Len:     e.Len,
		}
	default:
		s.datas[s.n] = DataEntry{
			Context: e.Context,
			Flags:   Flags(e.Flags),
			Len:     e.Len,
			Buf:     e.Buf,
			Data:    e.Data,
		}
	}
	s.n++
}
