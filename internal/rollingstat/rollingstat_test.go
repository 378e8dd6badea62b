package rollingstat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWindowMeanOfPartialFill(t *testing.T) {
	w := New(4)
	w.Add(1)
	w.Add(2)
	w.Add(3)
	assert.InDelta(t, 2.0, w.Mean(), 1e-9)
	assert.Equal(t, 3, w.Len())
}

func TestWindowEvictsOldestWhenFull(t *testing.T) {
	w := New(3)
	for _, v := range []float64{10, 20, 30} {
		w.Add(v)
	}
	w.Add(40) // evicts 10

	assert.InDelta(t, 30.0, w.Mean(), 1e-9)
	assert.Equal(t, 3, w.Len())
}

func TestWindowEmptyMeanIsZero(t *testing.T) {
	w := New(8)
	assert.Zero(t, w.Mean())
}

func TestWindowZeroCapacityFallsBackToDefault(t *testing.T) {
	w := New(0)
	for i := 0; i < DefaultCapacity+10; i++ {
		w.Add(1)
	}
	assert.Equal(t, DefaultCapacity, w.Len())
}

func TestEMAFirstSamplePrimes(t *testing.T) {
	e := NewEMA(0.5)
	assert.InDelta(t, 10.0, e.Update(10), 1e-9)
}

func TestEMAConvergesTowardNewLevel(t *testing.T) {
	e := NewEMA(0.5)
	e.Update(0)
	for i := 0; i < 20; i++ {
		e.Update(100)
	}
	assert.InDelta(t, 100.0, e.Value(), 0.01)
}

func TestEMARejectsInvalidAlpha(t *testing.T) {
	e := NewEMA(0)
	e.Update(10)
	e.Update(20)
	v := e.Value()
	assert.Greater(t, v, 10.0)
	assert.Less(t, v, 20.0)
}
