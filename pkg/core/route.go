package core

import (
	"errors"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/paulmach/orb"
)

// MaxThemes bounds the theme set of a single request.
const MaxThemes = 32

// AnyThemeID stands in for the whole theme set in sparsity statistics.
const AnyThemeID = "*"

// Coordinate is a WGS84 position.
type Coordinate struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// Point returns the coordinate as an orb point (lng, lat).
func (c Coordinate) Point() orb.Point {
	return orb.Point{c.Lng, c.Lat}
}

// CoordinateFromPoint converts an orb point.
func CoordinateFromPoint(p orb.Point) Coordinate {
	return Coordinate{Lat: p.Lat(), Lng: p.Lon()}
}

// ThemeWeight is one requested interest theme.
type ThemeWeight struct {
	ThemeID string  `json:"theme_id" validate:"required,max=64,themeid"`
	Weight  float64 `json:"weight" validate:"gt=0,lte=10"`
}

// Accessibility flags adjust walking speed and which POIs are usable.
type Accessibility struct {
	StepFree           bool `json:"step_free"`
	AvoidStairs        bool `json:"avoid_stairs"`
	WheelchairFriendly bool `json:"wheelchair_friendly"`
}

// Restricted reports whether any mobility restriction is requested.
func (a Accessibility) Restricted() bool {
	return a.StepFree || a.AvoidStairs || a.WheelchairFriendly
}

// RouteRequest describes a walk to generate. Treat values as immutable
// once validated.
type RouteRequest struct {
	Start           Coordinate    `json:"start"`
	DurationMinutes int           `json:"duration_minutes" validate:"gt=0,lte=1440"`
	Themes          []ThemeWeight `json:"themes" validate:"max=32,dive"`
	AnyTheme        bool          `json:"any_theme"`
	PopularityBias  float64       `json:"popularity_bias" validate:"gte=0,lte=1"`
	Accessibility   Accessibility `json:"accessibility"`
}

// Budget returns the time budget of the request.
func (r RouteRequest) Budget() time.Duration {
	return time.Duration(r.DurationMinutes) * time.Minute
}

// ThemeIDs returns the requested theme ids in sorted order.
func (r RouteRequest) ThemeIDs() []string {
	ids := make([]string, 0, len(r.Themes))
	for _, t := range r.Themes {
		ids = append(ids, t.ThemeID)
	}
	sort.Strings(ids)
	return ids
}

// ThemeWeights returns a theme id to weight lookup.
func (r RouteRequest) ThemeWeights() map[string]float64 {
	out := make(map[string]float64, len(r.Themes))
	for _, t := range r.Themes {
		out[t.ThemeID] = t.Weight
	}
	return out
}

// Validate checks ranges and the theme set. The returned error is a
// *ValidationError.
func (r RouteRequest) Validate() error {
	var fields []string
	reasons := []string{}

	if err := requestValidator().Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &ValidationError{Reason: err.Error()}
		}
		for _, fe := range verrs {
			fields = append(fields, fieldPath(fe.Namespace()))
		}
		reasons = append(reasons, "field out of range")
	}

	if !finite(r.Start.Lat) || !finite(r.Start.Lng) || !finite(r.PopularityBias) {
		fields = append(fields, "start")
		reasons = append(reasons, "non-finite number")
	}
	if len(r.Themes) == 0 && !r.AnyTheme {
		fields = append(fields, "themes")
		reasons = append(reasons, "theme set is empty and any_theme is not set")
	}
	seen := make(map[string]struct{}, len(r.Themes))
	for _, t := range r.Themes {
		if _, dup := seen[t.ThemeID]; dup {
			fields = append(fields, "themes")
			reasons = append(reasons, "duplicate theme "+t.ThemeID)
			break
		}
		seen[t.ThemeID] = struct{}{}
	}

	if len(reasons) == 0 {
		return nil
	}
	return &ValidationError{Fields: dedupe(fields), Reason: strings.Join(reasons, "; ")}
}

var themeIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_\-]*$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
		_ = v.RegisterValidation("themeid", func(fl validator.FieldLevel) bool {
			return themeIDPattern.MatchString(fl.Field().String())
		})
		validate = v
	})
	return validate
}

// fieldPath drops the struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func dedupe(in []string) []string {
	out := in[:0]
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// RouteJob is the payload of a route-generation job.
type RouteJob struct {
	TrackingID  string       `json:"tracking_id"`
	Fingerprint string       `json:"fingerprint"`
	Request     RouteRequest `json:"request"`
}
