package udp

import (
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fabcq "github.com/fabwork/go-fabcq"
	"github.com/fabwork/go-fabcq/internal/logging"
	"github.com/fabwork/go-fabcq/internal/wire"
)

func quietLogger() *logging.Logger {
	return logging.NewLogger(&logging.Config{
		Level:  logging.LevelError,
		Format: "json",
		Output: io.Discard,
		Sync:   true,
	})
}

func loopbackQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := New(Config{
		LocalAddr:      netip.MustParseAddrPort("127.0.0.1:0"),
		Depth:          4,
		VerifyChecksum: true,
		Logger:         quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { q.Destroy() })
	return q
}

func pollUntil(t *testing.T, q *Queue, c *fabcq.RawCompletion) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := q.Poll(c)
		if err == nil {
			return
		}
		require.ErrorIs(t, err, fabcq.ErrTryAgain)
		if time.Now().After(deadline) {
			t.Fatal("no completion before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{LocalAddr: netip.MustParseAddrPort("127.0.0.1:0")})
	assert.True(t, fabcq.IsCode(err, fabcq.CodeInvalidArgument))

	_, err = New(Config{LocalAddr: netip.MustParseAddrPort("[::1]:0"), Depth: 4})
	assert.True(t, fabcq.IsCode(err, fabcq.CodeInvalidArgument))

	_, err = New(Config{LocalAddr: netip.MustParseAddrPort("127.0.0.1:0"), Depth: 4, MTU: 10})
	assert.True(t, fabcq.IsCode(err, fabcq.CodeInvalidArgument))
}

func TestLoopbackSendRecv(t *testing.T) {
	a := loopbackQueue(t)
	b := loopbackQueue(t)

	require.NoError(t, b.PostRecv("rx"))
	require.NoError(t, a.Send("tx", []byte("hello"), b.LocalAddr()))

	// the sender reports the synthesized send completion immediately
	var c fabcq.RawCompletion
	require.NoError(t, a.Poll(&c))
	assert.Equal(t, fabcq.CompletionSend, c.Type)
	assert.Equal(t, "tx", c.Context)
	assert.Equal(t, uint64(5), c.Bytes)
	assert.Equal(t, fabcq.StatusOK, c.Status)

	pollUntil(t, b, &c)
	assert.Equal(t, fabcq.CompletionRecv, c.Type)
	assert.Equal(t, "rx", c.Context)
	// raw receive size includes the wire header
	assert.Equal(t, uint64(wire.HeaderSize+5), c.Bytes)
	assert.Equal(t, fabcq.StatusOK, c.Status)

	assert.Equal(t, []byte("hello"), b.Payload(c.Index, c.Bytes))

	h, err := wire.Parse(b.Header(c.Index))
	require.NoError(t, err)
	assert.Equal(t, a.LocalAddr(), h.Source())
	assert.Equal(t, b.LocalAddr(), h.Dest())
}

func TestPollWithoutPostedReceive(t *testing.T) {
	a := loopbackQueue(t)
	b := loopbackQueue(t)

	require.NoError(t, a.Send("tx", []byte("data"), b.LocalAddr()))
	var c fabcq.RawCompletion
	require.NoError(t, a.Poll(&c)) // drain the send completion

	// data may be queued on the socket, but no receive was posted
	err := b.Poll(&c)
	assert.ErrorIs(t, err, fabcq.ErrTryAgain)
}

func TestPostRecvLimit(t *testing.T) {
	q := loopbackQueue(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, q.PostRecv(i))
	}
	assert.ErrorIs(t, q.PostRecv(5), fabcq.ErrTryAgain)
}

func TestQueueFeedsCompletionQueue(t *testing.T) {
	a := loopbackQueue(t)
	b := loopbackQueue(t)

	d := fabcq.NewDomain(fabcq.DomainConfig{Logger: quietLogger()})
	cq, err := d.OpenCQ(fabcq.Attr{Format: fabcq.FormatMsg, Depth: 8})
	require.NoError(t, err)

	require.NoError(t, cq.BindQueue(b))
	require.NoError(t, b.PostRecv("rx"))
	require.NoError(t, a.Send("tx", []byte("payload"), b.LocalAddr()))

	buf := make([]fabcq.MsgEntry, 4)
	n, err := cq.ReadBlocking(buf, 2000)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	assert.Equal(t, "rx", buf[0].Context)
	assert.Equal(t, fabcq.FlagMsg|fabcq.FlagRecv, buf[0].Flags)
	// header stripped: the application sees the payload length
	assert.Equal(t, uint64(7), buf[0].Len)
}

func TestDestroyedQueueRejectsOperations(t *testing.T) {
	q := loopbackQueue(t)
	require.NoError(t, q.Destroy())

	var c fabcq.RawCompletion
	assert.True(t, fabcq.IsCode(q.Poll(&c), fabcq.CodeInvalidArgument))
	assert.True(t, fabcq.IsCode(q.PostRecv(nil), fabcq.CodeInvalidArgument))
	assert.True(t, fabcq.IsCode(q.Send(nil, nil, q.LocalAddr()), fabcq.CodeInvalidArgument))

	// destroy is idempotent
	assert.NoError(t, q.Destroy())
}
