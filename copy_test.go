package fabcq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabwork/go-fabcq/internal/wire"
)

func TestSinkRejectsMismatchedBuffer(t *testing.T) {
	d := testDomain(DomainConfig{})
	cq, err := d.OpenCQ(Attr{Format: FormatMsg, Depth: 4})
	require.NoError(t, err)
	defer cq.Close()

	_, err = cq.Read(make([]ContextEntry, 2))
	assert.True(t, IsCode(err, CodeInvalidArgument))

	_, err = cq.Read(make([]DataEntry, 2))
	assert.True(t, IsCode(err, CodeInvalidArgument))

	_, err = cq.Read("not a slice at all")
	assert.True(t, IsCode(err, CodeInvalidArgument))
}

func TestAdjustLenRecv(t *testing.T) {
	q := NewMockQueue()

	// header hidden: raw length loses the wire header
	assert.Equal(t, uint64(100-wire.HeaderSize), adjustLen(q, CompletionRecv, 100))

	// header exposed: application owns the full advertised prefix
	q.SetHeaderPrefix(true)
	assert.Equal(t, uint64(100+wire.PrefixPad), adjustLen(q, CompletionRecv, 100))
}

func TestAdjustLenSend(t *testing.T) {
	q := NewMockQueue()

	assert.Equal(t, uint64(64), adjustLen(q, CompletionSend, 64))

	q.SetHeaderPrefix(true)
	assert.Equal(t, uint64(64+wire.PrefixSize), adjustLen(q, CompletionSend, 64))
}

func TestAdjustLenRuntRecv(t *testing.T) {
	q := NewMockQueue()
	// shorter than a header never underflows
	assert.Zero(t, adjustLen(q, CompletionRecv, 10))
}

func TestDataFormatZeroPlaceholders(t *testing.T) {
	d := testDomain(DomainConfig{})
	cq, err := d.OpenCQ(Attr{Format: FormatData, Depth: 4})
	require.NoError(t, err)
	defer cq.Close()

	q := NewMockQueue()
	require.NoError(t, cq.BindQueue(q))
	q.PushSend("x", 256)

	buf := make([]DataEntry, 1)
	n, err := cq.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	assert.Equal(t, "x", buf[0].Context)
	assert.Equal(t, FlagMsg|FlagSend, buf[0].Flags)
	assert.Equal(t, uint64(256), buf[0].Len)
	// buffer tag and immediate data are placeholders on the direct path
	assert.Zero(t, buf[0].Buf)
	assert.Zero(t, buf[0].Data)
}

// oddQueue reports a completion type the copier has never heard of.
type oddQueue struct {
	served bool
}

func (q *oddQueue) Poll(c *RawCompletion) error {
	if q.served {
		return ErrTryAgain
	}
	q.served = true
	*c = RawCompletion{Type: CompletionType(99), Context: "odd", Bytes: 5, Queue: q}
	return nil
}

func (q *oddQueue) HeaderPrefix() bool   { return false }
func (q *oddQueue) Header(uint16) []byte { return nil }
func (q *oddQueue) Destroy() error       { return nil }

func TestUnknownCompletionTypeStillDelivered(t *testing.T) {
	d := testDomain(DomainConfig{})
	cq, err := d.OpenCQ(Attr{Format: FormatMsg, Depth: 4})
	require.NoError(t, err)
	defer cq.Close()

	require.NoError(t, cq.BindQueue(&oddQueue{}))

	buf := make([]MsgEntry, 1)
	n, err := cq.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// classification failed but the record was written with empty flags
	assert.Equal(t, "odd", buf[0].Context)
	assert.Equal(t, Flags(0), buf[0].Flags)
	assert.Equal(t, uint64(5), buf[0].Len)
}
