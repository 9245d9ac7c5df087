package starmetrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/OVCR-ORIA/discovery/pkg/metrics"
)

const (
	maxRetries = 3
	baseDelay  = time.Second
)

// Location is a geocoded address.
type Location struct {
	Latitude, Longitude float64
	Formatted           string
	// Country is the ISO 3166 code, State the first-level division code.
	Country, State, Postcode string
}

// Geocoder finds the location of a free-form address. A nil Location with
// no error means the address is unknown.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (*Location, error)
}

// District is a US congressional district.
type District struct {
	State  string
	Number int
}

// DistrictLocator finds the congressional district containing a point. A
// nil District with no error means the point is in none.
type DistrictLocator interface {
	Locate(ctx context.Context, lat, lon float64) (*District, error)
}

// NewRateLimiter allows rps calls a second, at least one.
func NewRateLimiter(rps float64) *limiter.Limiter {
	return limiter.New(memory.NewStore(), limiter.Rate{Period: time.Second, Limit: max(1, int64(rps))})
}

type retryableError struct{ error }

func (e retryableError) Unwrap() error { return e.error }

// apiClient makes rate-limited JSON GET requests to one service.
type apiClient struct {
	service string
	http    *http.Client
	limiter *limiter.Limiter
}

func (c *apiClient) wait(ctx context.Context) error {
	for {
		lctx, err := c.limiter.Get(ctx, c.service)
		if err != nil {
			return errors.Wrap(err, "rate limiter")
		}
		if !lctx.Reached {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(time.Unix(lctx.Reset, 0))):
		}
	}
}

func (c *apiClient) once(ctx context.Context, u string, dst any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveExternal(c.service, start, err)
		return retryableError{errors.Wrap(err, c.service)}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		err = retryableError{errors.Errorf("%s: %s", c.service, resp.Status)}
	case resp.StatusCode != http.StatusOK:
		err = errors.Errorf("%s: %s", c.service, resp.Status)
	default:
		if err = json.NewDecoder(resp.Body).Decode(dst); err != nil {
			err = errors.Wrapf(err, "%s: decode response", c.service)
		}
	}
	metrics.ObserveExternal(c.service, start, err)
	return err
}

// get retries transient failures with a growing delay.
func (c *apiClient) get(ctx context.Context, u string, dst any) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * baseDelay):
			}
		}
		err := c.once(ctx, u, dst)
		var retry retryableError
		if !errors.As(err, &retry) {
			return err
		}
		lastErr = retry.error
	}
	return lastErr
}

// GoogleGeocoder calls the Google geocoding API.
type GoogleGeocoder struct {
	api     apiClient
	baseURL string
	key     string
}

func NewGoogleGeocoder(baseURL, key string, lim *limiter.Limiter, client *http.Client) *GoogleGeocoder {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &GoogleGeocoder{
		api:     apiClient{service: "geocoder", http: client, limiter: lim},
		baseURL: baseURL,
		key:     key,
	}
}

type googleResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		FormattedAddress string `json:"formatted_address"`
		Geometry         struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
		} `json:"geometry"`
		AddressComponents []struct {
			ShortName string   `json:"short_name"`
			Types     []string `json:"types"`
		} `json:"address_components"`
	} `json:"results"`
}

func (g *GoogleGeocoder) Geocode(ctx context.Context, address string) (*Location, error) {
	q := url.Values{"address": {address}}
	if g.key != "" {
		q.Set("key", g.key)
	}
	var resp googleResponse
	if err := g.api.get(ctx, g.baseURL+"?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	switch resp.Status {
	case "OK":
	case "ZERO_RESULTS":
		return nil, nil
	default:
		return nil, errors.Errorf("geocoder: %s %s", resp.Status, resp.ErrorMessage)
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	r := resp.Results[0]
	loc := &Location{
		Latitude:  r.Geometry.Location.Lat,
		Longitude: r.Geometry.Location.Lng,
		Formatted: r.FormattedAddress,
	}
	for _, c := range r.AddressComponents {
		for _, t := range c.Types {
			switch t {
			case "administrative_area_level_1":
				loc.State = c.ShortName
			case "postal_code":
				loc.Postcode = c.ShortName
			case "country":
				loc.Country = c.ShortName
			}
		}
	}
	return loc, nil
}

// DistrictAPI calls a congressional district lookup service answering
// {"results": [{"state": "IL", "district": 13}]}.
type DistrictAPI struct {
	api     apiClient
	baseURL string
	key     string
}

func NewDistrictAPI(baseURL, key string, lim *limiter.Limiter, client *http.Client) *DistrictAPI {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &DistrictAPI{
		api:     apiClient{service: "district", http: client, limiter: lim},
		baseURL: baseURL,
		key:     key,
	}
}

func (d *DistrictAPI) Locate(ctx context.Context, lat, lon float64) (*District, error) {
	q := url.Values{
		"latitude":  {strconv.FormatFloat(lat, 'f', -1, 64)},
		"longitude": {strconv.FormatFloat(lon, 'f', -1, 64)},
	}
	if d.key != "" {
		q.Set("apikey", d.key)
	}
	var resp struct {
		Results []struct {
			State    string `json:"state"`
			District int    `json:"district"`
		} `json:"results"`
	}
	if err := d.api.get(ctx, d.baseURL+"?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return &District{State: resp.Results[0].State, Number: resp.Results[0].District}, nil
}
