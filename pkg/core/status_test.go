package core

import (
	"math"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	legal := [][2]RequestStatus{
		{"", RequestQueued},
		{RequestQueued, RequestRunning},
		{RequestQueued, RequestFailed},
		{RequestRunning, RequestRunning},
		{RequestRunning, RequestSucceeded},
		{RequestRunning, RequestFailed},
	}
	for _, tr := range legal {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	illegal := [][2]RequestStatus{
		{"", RequestRunning},
		{RequestQueued, RequestSucceeded},
		{RequestRunning, RequestQueued},
		{RequestSucceeded, RequestRunning},
		{RequestFailed, RequestSucceeded},
		{RequestSucceeded, RequestSucceeded},
	}
	for _, tr := range illegal {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestTracking_Event(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tr := &Tracking{TrackingID: "T1", Status: RequestSucceeded, Progress: 100, RoutePlanID: "P1"}

	ev := tr.Event(now)
	assert.Equal(t, StatusEvent{
		Type:      "route_status",
		RequestID: "T1",
		Status:    RequestSucceeded,
		Progress:  100,
		RouteID:   "P1",
		Timestamp: now,
	}, ev)
}

func TestRoutePlan_PathRoundTrip(t *testing.T) {
	plan := &RoutePlan{}
	ls := orb.LineString{{-3.19, 55.95}, {-3.18, 55.96}, {-3.19, 55.95}}
	require.NoError(t, plan.SetPath(ls))

	got, err := plan.LineString()
	require.NoError(t, err)
	assert.Equal(t, ls, got)
}

func TestRoutePlan_Loop(t *testing.T) {
	plan := &RoutePlan{
		OriginLat: 55.95,
		OriginLng: -3.19,
		Stops:     []Stop{{POIID: "a", Lat: 55.96, Lng: -3.18}},
	}
	assert.Equal(t, orb.LineString{{-3.19, 55.95}, {-3.18, 55.96}, {-3.19, 55.95}}, plan.Loop())

	require.NoError(t, plan.SetPath(plan.Loop()))
	got, err := plan.LineString()
	require.NoError(t, err)
	assert.Equal(t, plan.Loop(), got)
}

func TestRoutePlan_SetPathRejectsNonFinite(t *testing.T) {
	plan := &RoutePlan{}
	err := plan.SetPath(orb.LineString{{math.NaN(), 55.95}, {-3.18, 55.96}})
	assert.Error(t, err)
	assert.Empty(t, plan.Path)
}

func TestRoutePlan_BudgetAndExpiry(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)

	plan := &RoutePlan{BudgetMins: 30, TotalMinutes: 30.4}
	assert.True(t, plan.WithinBudget())
	plan.TotalMinutes = 31
	assert.False(t, plan.WithinBudget())

	plan.ExpiresAt = &past
	assert.True(t, plan.Expired(now))
	plan.Pinned = true
	assert.False(t, plan.Expired(now))
}

func TestBBox_Validate(t *testing.T) {
	assert.NoError(t, BBox{-3.2, 55.9, -3.1, 56.0}.Validate())
	assert.Error(t, BBox{-3.1, 55.9, -3.2, 56.0}.Validate())
	assert.Error(t, BBox{-181, 55.9, -3.2, 56.0}.Validate())
	assert.Error(t, BBox{-3.2, -91, -3.1, 56.0}.Validate())
}

func TestTagSelector_Matches(t *testing.T) {
	tags := map[string]string{"historic": "castle", "tourism": "attraction"}
	assert.True(t, TagSelector{Key: "historic"}.Matches(tags))
	assert.True(t, TagSelector{Key: "tourism", Value: "attraction"}.Matches(tags))
	assert.False(t, TagSelector{Key: "tourism", Value: "artwork"}.Matches(tags))
	assert.False(t, TagSelector{Key: "leisure"}.Matches(tags))
}
