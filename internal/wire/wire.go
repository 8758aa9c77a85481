// Package wire defines the datagram wire header carried in front of every
// fabric message: a fixed-layout ethernet+IPv4+UDP frame header. The
// header is physically present on every receive buffer; whether the
// application sees it depends on the endpoint's negotiated prefix mode,
// which is why the size constants here also drive completion-length
// adjustment.
package wire

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

const (
	// HeaderSize is the on-the-wire header length: 14-byte ethernet,
	// 20-byte IPv4 (no options), 8-byte UDP.
	HeaderSize = 42

	// PrefixSize is the prefix advertised to applications in
	// header-prefix mode. It is larger than the real header for
	// alignment; the difference is padding the application owns.
	PrefixSize = 64

	// PrefixPad is the advertised-prefix slack past the real header.
	PrefixPad = PrefixSize - HeaderSize

	etherTypeIPv4 = 0x0800
	ipVersion4    = 4
	ipProtoUDP    = 17
)

var (
	ErrShortHeader  = errors.New("wire: buffer shorter than header")
	ErrNotIPv4      = errors.New("wire: not an IPv4 frame")
	ErrNotUDP       = errors.New("wire: not a UDP datagram")
	ErrAddrMismatch = errors.New("wire: address is not IPv4")
)

// Header is the parsed form of the fixed 42-byte frame header. Checksum is
// a 16-bit sum over the payload, stored in the IPv4 checksum slot; this is
// a private wire format, not interoperable IP.
type Header struct {
	DstMAC   [6]byte
	SrcMAC   [6]byte
	SrcIP    [4]byte
	DstIP    [4]byte
	SrcPort  uint16
	DstPort  uint16
	Length   uint16 // UDP length: payload bytes + 8
	Checksum uint16
}

// Build fills a Header for a payload sent between two IPv4 address/port
// pairs. sum is the payload checksum (zero to disable verification).
func Build(src, dst netip.AddrPort, payloadLen int, sum uint16) (Header, error) {
	var h Header
	if !src.Addr().Is4() || !dst.Addr().Is4() {
		return h, ErrAddrMismatch
	}
	h.SrcIP = src.Addr().As4()
	h.DstIP = dst.Addr().As4()
	h.SrcPort = src.Port()
	h.DstPort = dst.Port()
	h.Length = uint16(payloadLen + 8)
	h.Checksum = sum
	return h, nil
}

// Marshal writes the header into dst, which must hold at least HeaderSize
// bytes. Network byte order throughout.
func (h *Header) Marshal(dst []byte) error {
	if len(dst) < HeaderSize {
		return ErrShortHeader
	}

	copy(dst[0:6], h.DstMAC[:])
	copy(dst[6:12], h.SrcMAC[:])
	binary.BigEndian.PutUint16(dst[12:14], etherTypeIPv4)

	dst[14] = ipVersion4<<4 | 5 // version + 5-word IHL
	dst[15] = 0                 // DSCP/ECN
	binary.BigEndian.PutUint16(dst[16:18], uint16(HeaderSize-14)+h.Length-8)
	binary.BigEndian.PutUint16(dst[18:20], 0) // identification
	binary.BigEndian.PutUint16(dst[20:22], 0) // flags/fragment
	dst[22] = 64                              // TTL
	dst[23] = ipProtoUDP
	binary.BigEndian.PutUint16(dst[24:26], h.Checksum)
	copy(dst[26:30], h.SrcIP[:])
	copy(dst[30:34], h.DstIP[:])

	binary.BigEndian.PutUint16(dst[34:36], h.SrcPort)
	binary.BigEndian.PutUint16(dst[36:38], h.DstPort)
	binary.BigEndian.PutUint16(dst[38:40], h.Length)
	binary.BigEndian.PutUint16(dst[40:42], 0) // UDP checksum unused

	return nil
}

// Parse reads a header back out of a received frame.
func Parse(data []byte) (Header, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, ErrShortHeader
	}
	if binary.BigEndian.Uint16(data[12:14]) != etherTypeIPv4 || data[14]>>4 != ipVersion4 {
		return h, ErrNotIPv4
	}
	if data[23] != ipProtoUDP {
		return h, ErrNotUDP
	}

	copy(h.DstMAC[:], data[0:6])
	copy(h.SrcMAC[:], data[6:12])
	h.Checksum = binary.BigEndian.Uint16(data[24:26])
	copy(h.SrcIP[:], data[26:30])
	copy(h.DstIP[:], data[30:34])
	h.SrcPort = binary.BigEndian.Uint16(data[34:36])
	h.DstPort = binary.BigEndian.Uint16(data[36:38])
	h.Length = binary.BigEndian.Uint16(data[38:40])

	return h, nil
}

// Source returns the frame's source address, the key the address vector
// resolves into a stable handle.
func (h *Header) Source() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(h.SrcIP), h.SrcPort)
}

// Dest returns the frame's destination address.
func (h *Header) Dest() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(h.DstIP), h.DstPort)
}

// PayloadLen returns the payload byte count claimed by the header.
func (h *Header) PayloadLen() int {
	if h.Length < 8 {
		return 0
	}
	return int(h.Length) - 8
}

// Checksum16 computes the 16-bit payload checksum carried in the header:
// ones'-complement sum of big-endian 16-bit words, odd byte zero-padded.
func Checksum16(payload []byte) uint16 {
	var sum uint32
	for len(payload) >= 2 {
		sum += uint32(binary.BigEndian.Uint16(payload[:2]))
		payload = payload[2:]
	}
	if len(payload) == 1 {
		sum += uint32(payload[0]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}
