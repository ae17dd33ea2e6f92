package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apjsurvey/internal/domain"
)

func TestHaversineSymmetricAndZero(t *testing.T) {
	pairs := [][4]float64{
		{-6.2, 106.816666, -6.914744, 107.60981},
		{0, 0, 0, 1},
		{89.9, -179.9, -89.9, 179.9},
		{51.5074, -0.1278, 40.7128, -74.006},
	}
	for _, p := range pairs {
		ab := HaversineKm(p[0], p[1], p[2], p[3])
		ba := HaversineKm(p[2], p[3], p[0], p[1])
		assert.InDelta(t, ab, ba, 1e-9)
		assert.Equal(t, 0.0, HaversineKm(p[0], p[1], p[0], p[1]))
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of longitude on the equator
	assert.InDelta(t, 111.19492664455873, HaversineKm(0, 0, 0, 1), 1e-9)
}

func TestPathDistanceSumsConsecutivePairs(t *testing.T) {
	path := []domain.PathPoint{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}, {Lat: 0, Lng: 2}}
	want := HaversineKm(0, 0, 0, 1) + HaversineKm(0, 1, 0, 2)
	assert.InDelta(t, want, PathDistanceKm(path), 1e-9)

	zigzag := []domain.PathPoint{{Lat: 0, Lng: 0}, {Lat: 1, Lng: 1}, {Lat: 0, Lng: 2}}
	shortcut := HaversineKm(0, 0, 0, 2)
	assert.Greater(t, PathDistanceKm(zigzag), shortcut)
}

func TestPathDistanceShortPaths(t *testing.T) {
	assert.Equal(t, 0.0, PathDistanceKm(nil))
	assert.Equal(t, 0.0, PathDistanceKm([]domain.PathPoint{{Lat: 3, Lng: 4}}))
}

func TestNaNPropagates(t *testing.T) {
	assert.True(t, math.IsNaN(HaversineKm(math.NaN(), 0, 0, 0)))
	path := []domain.PathPoint{{Lat: 0, Lng: 0}, {Lat: math.NaN(), Lng: 1}}
	assert.True(t, math.IsNaN(PathDistanceKm(path)))
}

func TestNearest(t *testing.T) {
	_, _, ok := Nearest(nil, []domain.RefPoint{{ID: "a"}})
	assert.False(t, ok)

	fix := &domain.Fix{Latitude: -6.2, Longitude: 106.8}
	_, _, ok = Nearest(fix, nil)
	assert.False(t, ok)

	best, dist, ok := Nearest(fix, []domain.RefPoint{
		{ID: "far", Lat: -7.0, Lng: 107.5},
		{ID: "near", Lat: -6.2001, Lng: 106.8001},
	})
	require.True(t, ok)
	assert.Equal(t, "near", best.ID)
	assert.Less(t, dist, 0.1)
}
