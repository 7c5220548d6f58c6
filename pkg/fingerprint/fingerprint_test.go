package fingerprint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leynos/wildside-sub000/pkg/core"
)

func edinburgh() core.RouteRequest {
	return core.RouteRequest{
		Start:           core.Coordinate{Lat: 55.9533, Lng: -3.1883},
		DurationMinutes: 60,
		Themes: []core.ThemeWeight{
			{ThemeID: "history", Weight: 1},
			{ThemeID: "art", Weight: 0.5},
		},
		PopularityBias: 0.7,
	}
}

func key(t *testing.T, req core.RouteRequest) string {
	t.Helper()
	k, err := CacheKey(req)
	require.NoError(t, err)
	return k
}

func TestCacheKey_Format(t *testing.T) {
	k := key(t, edinburgh())
	assert.True(t, strings.HasPrefix(k, "route:v1:"))
	assert.Len(t, strings.TrimPrefix(k, Prefix), 64)
}

func TestCacheKey_IgnoresThemeOrder(t *testing.T) {
	a := edinburgh()
	b := edinburgh()
	b.Themes = []core.ThemeWeight{b.Themes[1], b.Themes[0]}

	assert.Equal(t, key(t, a), key(t, b))
}

func TestCacheKey_RoundsCoordinates(t *testing.T) {
	a := edinburgh()
	b := edinburgh()
	b.Start.Lat += 0.00001
	b.Start.Lng -= 0.00002

	assert.Equal(t, key(t, a), key(t, b))

	c := edinburgh()
	c.Start.Lat += 0.001
	assert.NotEqual(t, key(t, a), key(t, c))
}

func TestCacheKey_DistinguishesFields(t *testing.T) {
	base := key(t, edinburgh())

	mutations := map[string]func(*core.RouteRequest){
		"duration":   func(r *core.RouteRequest) { r.DurationMinutes = 90 },
		"bias":       func(r *core.RouteRequest) { r.PopularityBias = 0.2 },
		"theme":      func(r *core.RouteRequest) { r.Themes[0].ThemeID = "nature" },
		"weight":     func(r *core.RouteRequest) { r.Themes[0].Weight = 2 },
		"any_theme":  func(r *core.RouteRequest) { r.AnyTheme = true },
		"step_free":  func(r *core.RouteRequest) { r.Accessibility.StepFree = true },
		"stairs":     func(r *core.RouteRequest) { r.Accessibility.AvoidStairs = true },
		"wheelchair": func(r *core.RouteRequest) { r.Accessibility.WheelchairFriendly = true },
	}
	for name, mutate := range mutations {
		req := edinburgh()
		mutate(&req)
		assert.NotEqual(t, base, key(t, req), name)
	}
}

func TestCanonical_Stable(t *testing.T) {
	raw, err := Canonical(edinburgh())
	require.NoError(t, err)
	assert.Equal(t,
		`{"lat":55.9533,"lng":-3.1883,"duration_minutes":60,"any_theme":false,`+
			`"themes":[{"id":"art","weight":0.500},{"id":"history","weight":1.000}],`+
			`"popularity_bias":0.70,"step_free":false,"avoid_stairs":false,"wheelchair_friendly":false}`,
		string(raw))
}

func TestCanonical_NegativeZero(t *testing.T) {
	a := edinburgh()
	a.Start.Lng = -0.00001
	b := edinburgh()
	b.Start.Lng = 0

	assert.Equal(t, key(t, a), key(t, b))
}

func TestDigest(t *testing.T) {
	assert.NotEqual(t, Digest("ab", "c"), Digest("a", "bc"))
	assert.Len(t, Digest("x"), 64)
}
