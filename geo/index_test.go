package geo

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNearbyOrdersByDistance(t *testing.T) {
	x := NewIndex()
	near := uuid.New()
	far := uuid.New()
	x.Upsert(near, 10.7700, 106.6900)
	x.Upsert(far, 10.7900, 106.6900)

	got := x.Nearby(10.7690, 106.6900, 10000, 50)
	require.Len(t, got, 2)
	assert.Equal(t, near, got[0].ID)
	assert.Equal(t, far, got[1].ID)
}

func TestNearbyRadiusExcludes(t *testing.T) {
	x := NewIndex()
	x.Upsert(uuid.New(), 10.7700, 106.6900)
	x.Upsert(uuid.New(), 11.5000, 106.6900) // ~80km north

	got := x.Nearby(10.7700, 106.6900, 10000, 50)
	assert.Len(t, got, 1)
}

func TestNearbyLimit(t *testing.T) {
	x := NewIndex()
	for i := 0; i < 10; i++ {
		x.Upsert(uuid.New(), 10.7700+float64(i)*0.0001, 106.6900)
	}

	got := x.Nearby(10.7700, 106.6900, 10000, 3)
	assert.Len(t, got, 3)
}

func TestUpsertMoves(t *testing.T) {
	x := NewIndex()
	id := uuid.New()
	x.Upsert(id, 10.7700, 106.6900)
	x.Upsert(id, 21.0285, 105.8542) // moved to Hanoi

	assert.Empty(t, x.Nearby(10.7700, 106.6900, 10000, 50))
	got := x.Nearby(21.0285, 105.8542, 1000, 50)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, 1, x.Len())
}

func TestRemove(t *testing.T) {
	x := NewIndex()
	id := uuid.New()
	x.Upsert(id, 10.7700, 106.6900)
	x.Remove(id)
	x.Remove(id) // idempotent

	assert.Empty(t, x.Nearby(10.7700, 106.6900, 10000, 50))
	assert.Equal(t, 0, x.Len())
}

func TestDistance(t *testing.T) {
	// Ben Thanh Market to Notre-Dame Cathedral, about 1.1km.
	d := Distance(10.7725, 106.6980, 10.7798, 106.6990)
	assert.InDelta(t, 1100, d, 150)
}
