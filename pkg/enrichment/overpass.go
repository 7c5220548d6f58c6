package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/osm"

	"github.com/leynos/wildside-sub000/pkg/core"
	"github.com/leynos/wildside-sub000/pkg/security"
)

// Overpass defaults.
const (
	DefaultOverpassEndpoint = "https://overpass-api.de/api/interpreter"
	DefaultUserAgent        = "wildside-overpass-worker/0.1"
	DefaultContact          = "ops@wildside.invalid"
	DefaultQueryTimeout     = 180 * time.Second
)

// maxResponseBytes caps a single Overpass response.
const maxResponseBytes = 64 << 20

// OverpassConfig configures the Overpass source.
type OverpassConfig struct {
	Endpoint  string `yaml:"endpoint"`
	UserAgent string `yaml:"user_agent"`
	Contact   string `yaml:"contact"`

	// QueryTimeout is sent to Overpass as [timeout:N]. The HTTP call is
	// bounded by the caller's context.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// DefaultOverpassConfig returns the public endpoint with default identity.
func DefaultOverpassConfig() OverpassConfig {
	return OverpassConfig{
		Endpoint:     DefaultOverpassEndpoint,
		UserAgent:    DefaultUserAgent,
		Contact:      DefaultContact,
		QueryTimeout: DefaultQueryTimeout,
	}
}

// Overpass is a core.EnrichmentSource backed by the Overpass API.
type Overpass struct {
	cfg    OverpassConfig
	client *http.Client
}

var _ core.EnrichmentSource = (*Overpass)(nil)

// NewOverpass creates a source. A nil client uses http.DefaultClient.
func NewOverpass(cfg OverpassConfig, client *http.Client) *Overpass {
	def := DefaultOverpassConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.Contact == "" {
		cfg.Contact = def.Contact
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Overpass{cfg: cfg, client: client}
}

// Fetch runs one query for the selectors inside bbox. The whole response
// is decoded before anything is returned; a failed call yields no POIs.
func (o *Overpass) Fetch(ctx context.Context, bbox core.BBox, selectors []core.TagSelector) (*core.SourceResult, error) {
	query, err := BuildQuery(bbox, selectors, o.cfg.QueryTimeout)
	if err != nil {
		return nil, err
	}

	form := url.Values{"data": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &core.ExternalServiceError{Kind: core.ExternalInvalidRequest, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", o.cfg.UserAgent)
	req.Header.Set("Contact", o.cfg.Contact)
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, body)
	}

	pois, err := decodeElements(body)
	if err != nil {
		return nil, err
	}
	return &core.SourceResult{
		POIs:      pois,
		Bytes:     int64(len(body)),
		SourceURL: o.cfg.Endpoint,
	}, nil
}

// BuildQuery renders the Overpass QL for selectors inside bbox. Overpass
// takes the box as (south, west, north, east). No selectors selects every
// element in the box.
func BuildQuery(bbox core.BBox, selectors []core.TagSelector, timeout time.Duration) (string, error) {
	if err := bbox.Validate(); err != nil {
		return "", &core.ExternalServiceError{Kind: core.ExternalInvalidRequest, Err: err}
	}
	area := fmt.Sprintf("(%s,%s,%s,%s)",
		coord(bbox[1]), coord(bbox[0]), coord(bbox[3]), coord(bbox[2]))

	filters := []string{""}
	if len(selectors) > 0 {
		filters = filters[:0]
		for _, s := range selectors {
			f, err := tagFilter(s)
			if err != nil {
				return "", err
			}
			filters = append(filters, f)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[out:json][timeout:%d];\n(\n", int(timeout.Seconds()))
	for _, f := range filters {
		for _, typ := range []osm.Type{osm.TypeNode, osm.TypeWay, osm.TypeRelation} {
			fmt.Fprintf(&b, "  %s%s%s;\n", typ, f, area)
		}
	}
	b.WriteString(");\nout center tags;")
	return b.String(), nil
}

func tagFilter(s core.TagSelector) (string, error) {
	key := strings.TrimSpace(s.Key)
	if key == "" {
		return "", &core.ExternalServiceError{Kind: core.ExternalInvalidRequest, Message: "tag selector needs a key"}
	}
	if s.Value == "" {
		return fmt.Sprintf(`["%s"]`, escapeQuoted(key)), nil
	}
	value := strings.TrimSpace(s.Value)
	if value == "" {
		return "", &core.ExternalServiceError{Kind: core.ExternalInvalidRequest, Message: "tag selector value is blank"}
	}
	return fmt.Sprintf(`["%s"="%s"]`, escapeQuoted(key), escapeQuoted(value)), nil
}

func escapeQuoted(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

func coord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &core.ExternalServiceError{Kind: core.ExternalTimeout, Err: err}
	}
	return &core.ExternalServiceError{Kind: core.ExternalTransport, Err: err}
}

func statusError(status int, body []byte) error {
	msg := fmt.Sprintf("status %d", status)
	if preview := security.Preview(string(body)); preview != "" {
		msg += ": " + preview
	}

	kind := core.ExternalTransport
	switch {
	case status == http.StatusTooManyRequests:
		kind = core.ExternalRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = core.ExternalTimeout
	case status >= 400 && status < 500:
		kind = core.ExternalInvalidRequest
	}
	return &core.ExternalServiceError{Kind: kind, Status: status, Message: msg}
}

type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
}

type overpassElement struct {
	Type   osm.Type          `json:"type"`
	ID     int64             `json:"id"`
	Lat    *float64          `json:"lat"`
	Lon    *float64          `json:"lon"`
	Center *overpassCenter   `json:"center"`
	Tags   map[string]string `json:"tags"`
}

type overpassCenter struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (e overpassElement) featureID() (osm.FeatureID, error) {
	switch e.Type {
	case osm.TypeNode:
		return osm.NodeID(e.ID).FeatureID(), nil
	case osm.TypeWay:
		return osm.WayID(e.ID).FeatureID(), nil
	case osm.TypeRelation:
		return osm.RelationID(e.ID).FeatureID(), nil
	}
	return 0, fmt.Errorf("unsupported element type %q", e.Type)
}

func (e overpassElement) position() (lat, lng float64, err error) {
	switch {
	case e.Lat != nil && e.Lon != nil:
		return *e.Lat, *e.Lon, nil
	case e.Center != nil:
		return e.Center.Lat, e.Center.Lon, nil
	}
	return 0, 0, fmt.Errorf("%s/%d has no coordinates", e.Type, e.ID)
}

func decodeElements(body []byte) ([]core.RawPOI, error) {
	var resp overpassResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &core.ExternalServiceError{Kind: core.ExternalDecode, Message: "invalid Overpass JSON payload", Err: err}
	}

	pois := make([]core.RawPOI, 0, len(resp.Elements))
	for _, el := range resp.Elements {
		fid, err := el.featureID()
		if err != nil {
			return nil, &core.ExternalServiceError{Kind: core.ExternalDecode, Err: err}
		}
		lat, lng, err := el.position()
		if err != nil {
			return nil, &core.ExternalServiceError{Kind: core.ExternalDecode, Err: err}
		}
		tags := el.Tags
		if tags == nil {
			tags = map[string]string{}
		}
		pois = append(pois, core.RawPOI{
			SourceID: fid.String(),
			Lat:      lat,
			Lng:      lng,
			Tags:     tags,
		})
	}
	return pois, nil
}
