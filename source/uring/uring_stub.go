//go:build !linux
// +build !linux

package uring

import (
	"net/netip"

	fabcq "github.com/fabwork/go-fabcq"
	"github.com/fabwork/go-fabcq/internal/logging"
)

// Config configures an io_uring-backed hardware queue. io_uring is a
// Linux interface; on other platforms New always fails and source/udp is
// the portable alternative.
type Config struct {
	LocalAddr      netip.AddrPort
	Depth          int
	MTU            int
	HeaderPrefix   bool
	VerifyChecksum bool
	Logger         *logging.Logger
}

// Queue is unavailable on this platform.
type Queue struct{}

// New always fails off Linux.
func New(Config) (*Queue, error) {
	return nil, fabcq.NewError("CREATE_QUEUE", fabcq.CodeUnsupported, "io_uring queues require linux")
}
