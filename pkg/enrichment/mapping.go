package enrichment

import (
	"sort"
	"strings"

	"gorm.io/datatypes"

	"github.com/leynos/wildside-sub000/pkg/core"
)

// ThemeTags maps a theme id to the OSM tags that make a POI part of it.
type ThemeTags map[string][]core.TagSelector

// DefaultThemeTags returns the built-in theme vocabulary.
func DefaultThemeTags() ThemeTags {
	return ThemeTags{
		"history":      {{Key: "historic"}},
		"art":          {{Key: "tourism", Value: "artwork"}, {Key: "tourism", Value: "gallery"}},
		"culture":      {{Key: "tourism", Value: "museum"}, {Key: "amenity", Value: "theatre"}, {Key: "amenity", Value: "arts_centre"}},
		"nature":       {{Key: "leisure", Value: "park"}, {Key: "leisure", Value: "garden"}, {Key: "natural", Value: "peak"}},
		"architecture": {{Key: "building", Value: "cathedral"}, {Key: "building", Value: "church"}, {Key: "historic", Value: "monument"}},
		"food":         {{Key: "amenity", Value: "cafe"}, {Key: "amenity", Value: "restaurant"}, {Key: "amenity", Value: "pub"}},
		"viewpoints":   {{Key: "tourism", Value: "viewpoint"}},
		core.AnyThemeID: {{Key: "tourism", Value: "attraction"}},
	}
}

// Selectors returns the deduplicated selectors of the given themes.
// Themes without a mapping are skipped.
func (t ThemeTags) Selectors(themes []string) []core.TagSelector {
	seen := map[core.TagSelector]bool{}
	var out []core.TagSelector
	for _, theme := range themes {
		for _, s := range t[theme] {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// Themes returns the sorted themes whose selectors match tags.
func (t ThemeTags) Themes(tags map[string]string) []string {
	var out []string
	for theme, selectors := range t {
		if theme == core.AnyThemeID {
			continue
		}
		for _, s := range selectors {
			if s.Matches(tags) {
				out = append(out, theme)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Popularity estimates how notable a POI is from the richness of its tags.
func Popularity(tags map[string]string) float64 {
	p := 0.1
	if tags["name"] != "" {
		p += 0.1
	}
	if tags["wikipedia"] != "" {
		p += 0.3
	}
	if tags["wikidata"] != "" {
		p += 0.2
	}
	if tags["heritage"] != "" || strings.HasPrefix(tags["historic"], "castle") {
		p += 0.2
	}
	if tags["website"] != "" || tags["opening_hours"] != "" {
		p += 0.1
	}
	return min(p, 1)
}

// ToPOI converts a source record into a storable POI.
func (t ThemeTags) ToPOI(raw core.RawPOI) *core.POI {
	return &core.POI{
		SourceID:   raw.SourceID,
		Name:       raw.Tags["name"],
		Lat:        raw.Lat,
		Lng:        raw.Lng,
		Tags:       datatypes.NewJSONType(raw.Tags),
		Popularity: Popularity(raw.Tags),
		Themes:     datatypes.JSONSlice[string](t.Themes(raw.Tags)),
	}
}
