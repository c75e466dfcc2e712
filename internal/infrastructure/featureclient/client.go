package featureclient

import (
	"affectation_service/internal/domain/model"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrTooManyPages is returned when a layer keeps reporting more results
// after the configured page limit.
var ErrTooManyPages = errors.New("feature service exceeded the page limit")

// Client queries ArcGIS-compatible feature services (".../FeatureServer/N")
// for the features intersecting an envelope, in GeoJSON.
type Client struct {
	client   *http.Client
	pageSize int
	maxPages int
}

func NewClient(timeout time.Duration, pageSize, maxPages int) *Client {
	if pageSize <= 0 {
		pageSize = 1000
	}
	if maxPages <= 0 {
		maxPages = 50
	}
	return &Client{
		client: &http.Client{
			Timeout: timeout,
		},
		pageSize: pageSize,
		maxPages: maxPages,
	}
}

type Page struct {
	Features              []model.Feature
	// Records counts every record the service returned, including the ones
	// dropped for having no geometry. Paging advances by Records.
	Records               int
	ExceededTransferLimit bool
}

type serviceError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

type queryResponse struct {
	Type                  string `json:"type"`
	ExceededTransferLimit bool   `json:"exceededTransferLimit"`
	Properties            struct {
		ExceededTransferLimit bool `json:"exceededTransferLimit"`
	} `json:"properties"`
	Features []struct {
		ID         any             `json:"id"`
		Geometry   json.RawMessage `json:"geometry"`
		Properties map[string]any  `json:"properties"`
	} `json:"features"`
	Error *serviceError `json:"error"`
}

// QueryURL builds the /query request for one page.
func QueryURL(layerURL string, env model.Envelope, offset, count int) (string, error) {
	base, err := url.Parse(strings.TrimRight(layerURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid feature service url: %w", err)
	}
	if !strings.HasSuffix(base.Path, "/query") {
		base.Path += "/query"
	}

	q := base.Query()
	q.Set("where", "1=1")
	q.Set("geometry", strings.Join([]string{
		formatCoord(env.MinX), formatCoord(env.MinY), formatCoord(env.MaxX), formatCoord(env.MaxY),
	}, ","))
	q.Set("geometryType", "esriGeometryEnvelope")
	q.Set("inSR", "4326")
	q.Set("spatialRel", "esriSpatialRelIntersects")
	q.Set("outFields", "*")
	q.Set("returnGeometry", "true")
	q.Set("outSR", "4326")
	q.Set("f", "geojson")
	q.Set("resultOffset", strconv.Itoa(offset))
	q.Set("resultRecordCount", strconv.Itoa(count))
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// QueryPage fetches one page of features starting at offset.
func (c *Client) QueryPage(ctx context.Context, layerURL string, env model.Envelope, offset int) (*Page, error) {
	endpoint, err := QueryURL(layerURL, env, offset, c.pageSize)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create feature service request: %w", err)
	}
	req.Header.Set("Accept", "application/geo+json, application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feature service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("feature service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var body queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode feature service response: %w", err)
	}
	// ArcGIS reports query errors with HTTP 200 and an error object.
	if body.Error != nil {
		return nil, fmt.Errorf("feature service error %d: %s", body.Error.Code, body.Error.Message)
	}

	page := &Page{
		ExceededTransferLimit: body.ExceededTransferLimit || body.Properties.ExceededTransferLimit,
		Records:               len(body.Features),
		Features:              make([]model.Feature, 0, len(body.Features)),
	}
	for i, f := range body.Features {
		g := strings.TrimSpace(string(f.Geometry))
		if g == "" || g == "null" {
			continue
		}
		page.Features = append(page.Features, model.Feature{
			ID:         featureID(f.ID, offset+i),
			Geometry:   model.GeoJSONGeometry(f.Geometry),
			Attributes: f.Properties,
		})
	}
	return page, nil
}

// QueryAll pages through the layer until the service stops signalling more
// results. A full page is treated as a signal as well, since some servers
// omit exceededTransferLimit.
func (c *Client) QueryAll(ctx context.Context, layerURL string, env model.Envelope) ([]model.Feature, error) {
	var features []model.Feature
	offset := 0
	for page := 0; page < c.maxPages; page++ {
		p, err := c.QueryPage(ctx, layerURL, env, offset)
		if err != nil {
			return nil, err
		}
		features = append(features, p.Features...)

		more := p.ExceededTransferLimit || p.Records >= c.pageSize
		if !more || p.Records == 0 {
			return features, nil
		}
		offset += p.Records
	}
	return nil, fmt.Errorf("%w (%d pages of %d)", ErrTooManyPages, c.maxPages, c.pageSize)
}

func featureID(id any, index int) string {
	switch v := id.(type) {
	case nil:
		return strconv.Itoa(index)
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
