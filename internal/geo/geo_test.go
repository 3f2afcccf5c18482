package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceM(t *testing.T) {
	// one degree of latitude is ~111.19 km
	d := DistanceM(0, 0, 1, 0)
	assert.InDelta(t, 111195, d, 100)

	assert.Zero(t, DistanceM(19.4326, -99.1332, 19.4326, -99.1332))
}

func TestDistanceMShortRange(t *testing.T) {
	// ~11m of latitude
	d := DistanceM(19.43260, -99.1332, 19.43270, -99.1332)
	assert.InDelta(t, 11.1, d, 0.5)
}

func TestWithinRadius(t *testing.T) {
	assert.True(t, WithinRadius(19.43260, -99.1332, 19.43270, -99.1332, 60))
	assert.False(t, WithinRadius(19.4326, -99.1332, 19.4426, -99.1332, 60))
}
