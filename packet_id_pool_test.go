package mqttclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acquireN(t *testing.T, p *PacketIDPool, n int) []uint16 {
	t.Helper()

	ids := make([]uint16, 0, n)
	for range n {
		id, ok := p.Acquire()
		require.True(t, ok)
		ids = append(ids, id)
	}
	return ids
}

func TestPacketIDPoolAcquire(t *testing.T) {
	t.Run("lowest free first", func(t *testing.T) {
		p := NewPacketIDPool(10)

		assert.Equal(t, []uint16{1, 2, 3}, acquireN(t, p, 3))

		require.NoError(t, p.Release(2))

		id, ok := p.Acquire()
		require.True(t, ok)
		assert.Equal(t, uint16(2), id)

		id, ok = p.Acquire()
		require.True(t, ok)
		assert.Equal(t, uint16(4), id)
	})

	t.Run("exhausted", func(t *testing.T) {
		p := NewPacketIDPool(3)
		acquireN(t, p, 3)

		_, ok := p.Acquire()
		assert.False(t, ok)
		assert.Equal(t, 3, p.InUse())
	})

	t.Run("empty pool", func(t *testing.T) {
		p := NewPacketIDPool(0)

		_, ok := p.Acquire()
		assert.False(t, ok)
	})
}

func TestPacketIDPoolRelease(t *testing.T) {
	t.Run("not in use", func(t *testing.T) {
		p := NewPacketIDPool(10)
		acquireN(t, p, 2)

		assert.ErrorIs(t, p.Release(0), ErrPacketIDNotInUse)
		assert.ErrorIs(t, p.Release(5), ErrPacketIDNotInUse)
		assert.ErrorIs(t, p.Release(11), ErrPacketIDNotInUse)
		assert.Equal(t, 2, p.InUse())
	})

	t.Run("double release", func(t *testing.T) {
		p := NewPacketIDPool(10)
		acquireN(t, p, 1)

		require.NoError(t, p.Release(1))
		assert.ErrorIs(t, p.Release(1), ErrPacketIDNotInUse)
	})

	t.Run("merges neighbouring ranges", func(t *testing.T) {
		p := NewPacketIDPool(10)
		acquireN(t, p, 10)

		require.NoError(t, p.Release(5))
		require.NoError(t, p.Release(4))
		require.NoError(t, p.Release(6))
		assert.Equal(t, []idRange{{lo: 4, hi: 6}}, p.free)

		require.NoError(t, p.Release(9))
		assert.Equal(t, []idRange{{lo: 4, hi: 6}, {lo: 9, hi: 9}}, p.free)

		require.NoError(t, p.Release(8))
		require.NoError(t, p.Release(7))
		assert.Equal(t, []idRange{{lo: 4, hi: 9}}, p.free)
		assert.Equal(t, 4, p.InUse())
	})
}

func TestPacketIDPoolResize(t *testing.T) {
	t.Run("shrink over free identifiers", func(t *testing.T) {
		p := NewPacketIDPool(10)
		acquireN(t, p, 3)

		debt := p.Resize(5)
		assert.Equal(t, 0, debt)
		assert.Equal(t, uint16(5), p.Max())
		assert.Equal(t, []idRange{{lo: 4, hi: 5}}, p.free)
	})

	t.Run("shrink keeps outstanding identifiers", func(t *testing.T) {
		p := NewPacketIDPool(10)
		acquireN(t, p, 8)

		debt := p.Resize(5)
		assert.Equal(t, 3, debt)
		assert.Equal(t, 8, p.InUse())

		_, ok := p.Acquire()
		assert.False(t, ok)

		require.NoError(t, p.Release(7))
		assert.Equal(t, 2, p.ShrinkDebt())
		assert.Equal(t, 7, p.InUse())

		assert.ErrorIs(t, p.Release(7), ErrPacketIDNotInUse)

		require.NoError(t, p.Release(6))
		require.NoError(t, p.Release(8))
		assert.Equal(t, 0, p.ShrinkDebt())

		_, ok = p.Acquire()
		assert.False(t, ok)
	})

	t.Run("grow restores held identifiers", func(t *testing.T) {
		p := NewPacketIDPool(10)
		acquireN(t, p, 8)
		p.Resize(5)
		require.NoError(t, p.Release(7))
		require.NoError(t, p.Release(3))

		id, ok := p.Acquire()
		require.True(t, ok)
		assert.Equal(t, uint16(3), id)

		debt := p.Resize(10)
		assert.Equal(t, 0, debt)
		assert.Equal(t, []idRange{{lo: 7, hi: 7}, {lo: 9, hi: 10}}, p.free)

		assert.Equal(t, []uint16{7, 9, 10}, acquireN(t, p, 3))

		require.NoError(t, p.Release(6))
		require.NoError(t, p.Release(8))
	})

	t.Run("grow beyond previous bound", func(t *testing.T) {
		p := NewPacketIDPool(2)
		acquireN(t, p, 2)

		p.Resize(4)

		assert.Equal(t, []uint16{3, 4}, acquireN(t, p, 2))
		assert.Equal(t, 4, p.InUse())
	})
}

func BenchmarkPacketIDPool(b *testing.B) {
	p := NewPacketIDPool(maxSendMaximum)

	for b.Loop() {
		id, _ := p.Acquire()
		_ = p.Release(id)
	}
}
