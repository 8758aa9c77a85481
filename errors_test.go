package fabcq

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := NewCQError("READ_CQ", 7, CodeTryAgain, "")
	assert.Equal(t, "fabcq: try again (op=READ_CQ)", err.Error())

	err = NewError("OPEN_CQ", CodeInvalidArgument, "depth 999999 exceeds domain maximum 65535")
	assert.Contains(t, err.Error(), "depth 999999")
	assert.Contains(t, err.Error(), "op=OPEN_CQ")

	plain := &Error{Queue: -1, Code: CodeBusy}
	assert.Equal(t, "fabcq: resource busy", plain.Error())
}

func TestSentinelBridging(t *testing.T) {
	structured := NewCQError("READ_CQ", 1, CodeTryAgain, "")
	assert.True(t, errors.Is(structured, ErrTryAgain))
	assert.False(t, errors.Is(structured, ErrBusy))

	wrapped := fmt.Errorf("outer: %w", structured)
	assert.True(t, errors.Is(wrapped, ErrTryAgain))
}

func TestWrapError(t *testing.T) {
	assert.Nil(t, WrapError("READ_CQ", nil))

	// errno gains a code mapping
	wrapped := WrapError("CLOSE_CQ", syscall.EBUSY)
	assert.Equal(t, CodeBusy, wrapped.Code)
	assert.Equal(t, syscall.EBUSY, wrapped.Errno)

	// sentinels keep their category
	wrapped = WrapError("READ_CQ", ErrTryAgain)
	assert.Equal(t, CodeTryAgain, wrapped.Code)
	assert.True(t, errors.Is(wrapped, ErrTryAgain))

	// structured errors keep their context, with the op updated
	inner := NewQueueError("BIND_CQ", 3, 1, CodeBusy, "queue in use")
	wrapped = WrapError("CLOSE_CQ", inner)
	assert.Equal(t, "CLOSE_CQ", wrapped.Op)
	assert.Equal(t, uint64(3), wrapped.CQ)
	assert.Equal(t, 1, wrapped.Queue)
	assert.Equal(t, CodeBusy, wrapped.Code)
}

func TestErrnoMapping(t *testing.T) {
	cases := map[syscall.Errno]ErrorCode{
		syscall.EAGAIN:     CodeTryAgain,
		syscall.EBUSY:      CodeBusy,
		syscall.EINVAL:     CodeInvalidArgument,
		syscall.E2BIG:      CodeInvalidArgument,
		syscall.ENOSYS:     CodeUnsupported,
		syscall.EOPNOTSUPP: CodeUnsupported,
		syscall.ENOMEM:     CodeOutOfMemory,
		syscall.ENOSPC:     CodeOutOfMemory,
		syscall.EIO:        CodeInternal,
	}
	for errno, want := range cases {
		assert.Equal(t, want, mapErrnoToCode(errno), "errno %d", errno)
	}
}

func TestIsCodeAndIsErrno(t *testing.T) {
	err := WrapError("READ_CQ", syscall.ENOMEM)
	assert.True(t, IsCode(err, CodeOutOfMemory))
	assert.False(t, IsCode(err, CodeBusy))
	assert.True(t, IsErrno(err, syscall.ENOMEM))
	assert.False(t, IsErrno(err, syscall.EBUSY))

	// sentinels answer IsCode directly
	assert.True(t, IsCode(ErrAvailable, CodeErrorAvailable))
	assert.False(t, IsCode(errors.New("unrelated"), CodeTryAgain))
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "success", StatusOK.String())
	assert.Equal(t, "checksum error", StatusCRCError.String())
	assert.Equal(t, "truncated", StatusTruncated.String())
	assert.Equal(t, "timeout", StatusTimeout.String())
	assert.Equal(t, "internal error", StatusInternal.String())
	assert.Equal(t, "unknown status", Status(77).String())
}
