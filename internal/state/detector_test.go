package state

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sig = Significance{OIPct: 2, PricePct: 1}

func snap(symbol string, oi int64, ltp float64) Snapshot {
	return Snapshot{Contract: Contract{Index: "NIFTY", Symbol: symbol, Strike: 24000, Side: Call}, OI: oi, LTP: ltp}
}

func bucketAt(m int) time.Time {
	return time.Date(2025, time.October, 20, 9, m, 0, 0, time.UTC)
}

func TestShouldStoreFirstContact(t *testing.T) {
	for _, s := range []Snapshot{snap("A", 0, 0), snap("B", 1000, 12.5)} {
		d := NewChangeDetector(sig)
		dec := d.ShouldStore(s, bucketAt(18))
		assert.True(t, dec.Store)
		assert.Equal(t, ReasonFirstContact, dec.Reason)
	}
}

func TestShouldStoreRollover(t *testing.T) {
	d := NewChangeDetector(sig)
	require.True(t, d.ShouldStore(snap("A", 1000, 10), bucketAt(18)).Store)

	dec := d.ShouldStore(snap("A", 1000, 10), bucketAt(21))
	assert.True(t, dec.Store)
	assert.Equal(t, ReasonRollover, dec.Reason)

	_, b, ok := d.Last("A")
	require.True(t, ok)
	assert.True(t, b.Equal(bucketAt(21)))
}

func TestShouldStoreNoOp(t *testing.T) {
	d := NewChangeDetector(sig)
	require.True(t, d.ShouldStore(snap("A", 1000, 10), bucketAt(18)).Store)

	dec := d.ShouldStore(snap("A", 1000, 10), bucketAt(18))
	assert.False(t, dec.Store)
	assert.Equal(t, ReasonUnchanged, dec.Reason)
	assert.False(t, dec.Significant)
}

func TestShouldStoreValueChange(t *testing.T) {
	d := NewChangeDetector(sig)
	require.True(t, d.ShouldStore(snap("A", 1000, 10), bucketAt(18)).Store)

	t.Run("tiny oi move stores but is not significant", func(t *testing.T) {
		dec := d.ShouldStore(snap("A", 1001, 10), bucketAt(18))
		assert.True(t, dec.Store)
		assert.Equal(t, ReasonValueChange, dec.Reason)
		assert.False(t, dec.Significant)
	})

	t.Run("five percent oi move is significant", func(t *testing.T) {
		dec := d.ShouldStore(snap("A", 1051, 10), bucketAt(18))
		assert.True(t, dec.Store)
		assert.True(t, dec.Significant)
		assert.InDelta(t, 5.0, dec.OIChangePct, 0.01)
	})

	t.Run("ltp only", func(t *testing.T) {
		dec := d.ShouldStore(snap("A", 1051, 10.05), bucketAt(18))
		assert.True(t, dec.Store)
	})
}

func TestShouldStoreInvalidDefaultsToTrue(t *testing.T) {
	d := NewChangeDetector(sig)

	dec := d.ShouldStore(Snapshot{LTP: 10}, bucketAt(18))
	assert.True(t, dec.Store)
	assert.Equal(t, ReasonInvalid, dec.Reason)

	require.True(t, d.ShouldStore(snap("A", 1000, 10), bucketAt(18)).Store)
	dec = d.ShouldStore(snap("A", 1000, math.NaN()), bucketAt(18))
	assert.True(t, dec.Store)
	assert.Equal(t, ReasonInvalid, dec.Reason)
}

func TestForget(t *testing.T) {
	d := NewChangeDetector(sig)
	d.ShouldStore(snap("A", 1000, 10), bucketAt(18))
	require.Equal(t, 1, d.Len())

	d.Forget()
	assert.Equal(t, 0, d.Len())
	assert.Equal(t, ReasonFirstContact, d.ShouldStore(snap("A", 1000, 10), bucketAt(18)).Reason)
}

func TestPercentChange(t *testing.T) {
	assert.InDelta(t, 10.0, PercentChange(100, 110), 0.001)
	assert.InDelta(t, -50.0, PercentChange(200, 100), 0.001)
	assert.Equal(t, MaxPercentChange, PercentChange(0, 500))
	assert.Equal(t, 0.0, PercentChange(0, 0))
}
