package fabcq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordAndSnapshot(t *testing.T) {
	m := NewMetrics()

	m.RecordRead(3, false)
	m.RecordRead(0, true)
	m.RecordRead(1, false)
	m.RecordCompletionError()
	m.RecordErrorRead()
	m.RecordRingDrop()
	m.RecordPromotion()
	m.RecordProgress()

	snap := m.Snapshot()
	assert.Equal(t, uint64(3), snap.ReadCalls)
	assert.Equal(t, uint64(1), snap.BlockingReads)
	assert.Equal(t, uint64(4), snap.Entries)
	assert.Equal(t, uint64(1), snap.CompletionErrors)
	assert.Equal(t, uint64(1), snap.ErrorReads)
	assert.Equal(t, uint64(1), snap.RingDrops)
	assert.Equal(t, uint64(1), snap.Promotions)
	assert.Equal(t, uint64(1), snap.ProgressSweeps)

	assert.InDelta(t, 4.0/3.0, snap.AvgBatch, 0.001)
	assert.InDelta(t, 20.0, snap.ErrorRate, 0.001)
	assert.NotZero(t, snap.UptimeNs)
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordRead(5, true)
	m.RecordRingDrop()

	m.Reset()
	snap := m.Snapshot()
	assert.Zero(t, snap.ReadCalls)
	assert.Zero(t, snap.Entries)
	assert.Zero(t, snap.RingDrops)
}

func TestMetricsObserverRecords(t *testing.T) {
	m := NewMetrics()
	var obs Observer = NewMetricsObserver(m)

	obs.ObserveRead(2, true)
	obs.ObserveCompletionError(StatusCRCError)
	obs.ObserveErrorRead()
	obs.ObserveRingDrop()
	obs.ObservePromotion()
	obs.ObserveProgress()

	assert.Equal(t, uint64(1), m.ReadCalls.Load())
	assert.Equal(t, uint64(1), m.BlockingReads.Load())
	assert.Equal(t, uint64(2), m.Entries.Load())
	assert.Equal(t, uint64(1), m.CompletionErrors.Load())
	assert.Equal(t, uint64(1), m.ErrorReads.Load())
	assert.Equal(t, uint64(1), m.RingDrops.Load())
	assert.Equal(t, uint64(1), m.Promotions.Load())
	assert.Equal(t, uint64(1), m.ProgressSweeps.Load())
}

func TestCQReadsFeedObserver(t *testing.T) {
	m := NewMetrics()
	d := testDomain(DomainConfig{Observer: NewMetricsObserver(m)})
	cq, err := d.OpenCQ(Attr{Depth: 8})
	require.NoError(t, err)
	defer cq.Close()

	q := NewMockQueue()
	require.NoError(t, cq.BindQueue(q))
	q.PushSend("x", 1)
	q.PushError("bad", CompletionSend, StatusInternal)

	buf := make([]ContextEntry, 4)
	n, err := cq.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = cq.Read(buf)
	require.ErrorIs(t, err, ErrAvailable)

	var e ErrorEntry
	require.NoError(t, cq.ReadErr(&e))

	assert.Equal(t, uint64(2), m.ReadCalls.Load())
	assert.Equal(t, uint64(1), m.Entries.Load())
	assert.Equal(t, uint64(1), m.CompletionErrors.Load())
	assert.Equal(t, uint64(1), m.ErrorReads.Load())
}
