// Package fingerprint derives the content-addressed cache key of a route request.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/leynos/wildside-sub000/pkg/core"
)

// Prefix namespaces route cache keys; bump the version when the
// canonical form changes.
const Prefix = "route:v1:"

// Rounding precision of the canonical form.
const (
	CoordinateDecimals = 4
	WeightDecimals     = 3
	BiasDecimals       = 2
)

type canonicalTheme struct {
	ID     string      `json:"id"`
	Weight json.Number `json:"weight"`
}

// canonicalRequest has a fixed field order; json.Marshal emits struct
// fields in declaration order.
type canonicalRequest struct {
	Lat                json.Number      `json:"lat"`
	Lng                json.Number      `json:"lng"`
	DurationMinutes    int              `json:"duration_minutes"`
	AnyTheme           bool             `json:"any_theme"`
	Themes             []canonicalTheme `json:"themes"`
	PopularityBias     json.Number      `json:"popularity_bias"`
	StepFree           bool             `json:"step_free"`
	AvoidStairs        bool             `json:"avoid_stairs"`
	WheelchairFriendly bool             `json:"wheelchair_friendly"`
}

// Canonical returns the canonical serialization of a request.
func Canonical(req core.RouteRequest) ([]byte, error) {
	themes := make([]canonicalTheme, 0, len(req.Themes))
	for _, t := range req.Themes {
		themes = append(themes, canonicalTheme{
			ID:     strings.ToLower(t.ThemeID),
			Weight: number(t.Weight, WeightDecimals),
		})
	}
	sort.Slice(themes, func(i, j int) bool { return themes[i].ID < themes[j].ID })

	c := canonicalRequest{
		Lat:                number(req.Start.Lat, CoordinateDecimals),
		Lng:                number(req.Start.Lng, CoordinateDecimals),
		DurationMinutes:    req.DurationMinutes,
		AnyTheme:           req.AnyTheme,
		Themes:             themes,
		PopularityBias:     number(req.PopularityBias, BiasDecimals),
		StepFree:           req.Accessibility.StepFree,
		AvoidStairs:        req.Accessibility.AvoidStairs,
		WheelchairFriendly: req.Accessibility.WheelchairFriendly,
	}
	out, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("canonicalize request: %w", err)
	}
	return out, nil
}

// CacheKey returns Prefix followed by the hex SHA-256 of the canonical form.
func CacheKey(req core.RouteRequest) (string, error) {
	raw, err := Canonical(req)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return Prefix + hex.EncodeToString(sum[:]), nil
}

// Digest hashes arbitrary parts with a separator that cannot appear in them.
func Digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// number rounds half away from zero and renders a fixed number of
// decimals, so -0 and 0 collapse.
func number(v float64, decimals int) json.Number {
	scale := math.Pow10(decimals)
	r := math.Round(v*scale) / scale
	if r == 0 {
		r = 0
	}
	return json.Number(strconv.FormatFloat(r, 'f', decimals, 64))
}
