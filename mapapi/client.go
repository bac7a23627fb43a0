// Package mapapi is the client for the external map provider: place search,
// geocoding, routing and distance estimation.
package mapapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnavailable covers transport failures and timeouts talking to the
	// provider. Callers treat it as recoverable; nothing is persisted.
	ErrUnavailable = errors.New("map provider unavailable")
	// ErrNoRoute means the provider answered but could not route between
	// the given points.
	ErrNoRoute = errors.New("no route between points")
)

const requestTimeout = 5 * time.Second

// Gateway is the surface the trip lifecycle needs from the map provider.
type Gateway interface {
	FindLocation(ctx context.Context, query string) (Location, error)
	Directions(ctx context.Context, start, end LatLng) (Directions, error)
	DistanceMatrix(ctx context.Context, start, end LatLng) (MatrixElement, error)
}

// Client talks to a Google-Maps-compatible REST API.
type Client struct {
	baseURL string
	key     string
	httpc   *http.Client

	// Identical in-flight requests are coalesced per URL, so a burst of
	// estimates for the same pair costs one upstream call.
	group singleflight.Group
}

func NewClient(baseURL, key string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		httpc:   &http.Client{Timeout: requestTimeout},
	}
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	params.Set("key", c.key)
	u := c.baseURL + path + "?" + params.Encode()

	body, err, _ := c.group.Do(u, func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(body.([]byte), out)
}

func formatLatLng(p LatLng) string {
	return strconv.FormatFloat(p.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(p.Lng, 'f', -1, 64)
}

func (c *Client) FindLocation(ctx context.Context, query string) (Location, error) {
	var loc Location

	var place struct {
		Status     string  `json:"status"`
		Candidates []Place `json:"candidates"`
	}
	params := url.Values{"input": {query}, "inputtype": {"textquery"}, "fields": {"all"}}
	if err := c.get(ctx, "/place/findplacefromtext/json", params, &place); err != nil {
		return loc, err
	}

	var geocode struct {
		Status  string          `json:"status"`
		Results []GeocodeResult `json:"results"`
	}
	if err := c.get(ctx, "/geocode/json", url.Values{"address": {query}}, &geocode); err != nil {
		return loc, err
	}

	loc.Places = place.Candidates
	loc.Geocodes = geocode.Results
	return loc, nil
}

func (c *Client) Directions(ctx context.Context, start, end LatLng) (Directions, error) {
	var out Directions
	params := url.Values{
		"origin":      {formatLatLng(start)},
		"destination": {formatLatLng(end)},
		"mode":        {"driving"},
	}
	if err := c.get(ctx, "/directions/json", params, &out); err != nil {
		return out, err
	}
	if out.Status != "OK" || len(out.Routes) == 0 || len(out.Routes[0].Legs) == 0 {
		return out, ErrNoRoute
	}
	return out, nil
}

func (c *Client) DistanceMatrix(ctx context.Context, start, end LatLng) (MatrixElement, error) {
	var out distanceMatrix
	params := url.Values{
		"origins":      {formatLatLng(start)},
		"destinations": {formatLatLng(end)},
		"mode":         {"driving"},
	}
	if err := c.get(ctx, "/distancematrix/json", params, &out); err != nil {
		return MatrixElement{}, err
	}
	if out.Status != "OK" || out.ErrorMessage != "" || len(out.Rows) == 0 || len(out.Rows[0].Elements) == 0 {
		return MatrixElement{}, ErrNoRoute
	}
	el := out.Rows[0].Elements[0]
	if el.Status != "OK" {
		return MatrixElement{}, ErrNoRoute
	}
	return el, nil
}
