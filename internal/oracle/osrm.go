package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"fleetopt/internal/geo"
	"fleetopt/internal/metrics"
)

// OSRM queries an OSRM-compatible /route service. Requests are paced by a
// token bucket so a matrix build cannot flood the upstream.
type OSRM struct {
	baseURL string
	profile string
	http    *http.Client
	limiter *rate.Limiter
}

type OSRMOption func(*OSRM)

func WithHTTPClient(c *http.Client) OSRMOption { return func(o *OSRM) { o.http = c } }

func WithProfile(p string) OSRMOption { return func(o *OSRM) { o.profile = p } }

// WithRateLimit caps outgoing requests per second; rps <= 0 disables pacing.
func WithRateLimit(rps float64, burst int) OSRMOption {
	return func(o *OSRM) {
		if rps <= 0 {
			o.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst <= 0 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func NewOSRM(baseURL string, opts ...OSRMOption) *OSRM {
	o := &OSRM{
		baseURL: strings.TrimRight(baseURL, "/"),
		profile: "driving",
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(20), 5),
	}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

type osrmRouteResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry struct {
			Coordinates [][2]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

func (o *OSRM) Route(ctx context.Context, from, to geo.Point) (Leg, error) {
	leg, err := o.route(ctx, from, to)
	switch {
	case err == nil:
		metrics.OracleRequests.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrNoRoute):
		metrics.OracleRequests.WithLabelValues("no_route").Inc()
	default:
		metrics.OracleRequests.WithLabelValues("error").Inc()
	}
	return leg, err
}

func (o *OSRM) route(ctx context.Context, from, to geo.Point) (Leg, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return Leg{}, &Error{Op: "osrm.wait", Err: err}
	}
	url := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=simplified&geometries=geojson",
		o.baseURL, o.profile, from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Leg{}, &Error{Op: "osrm.request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		var netErr net.Error
		temp := errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded)
		return Leg{}, &Error{Op: "osrm.do", Temporary: temp && ctx.Err() == nil, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Leg{}, &Error{Op: "osrm.read", Temporary: true, Err: err}
	}

	var out osrmRouteResponse
	jsonErr := json.Unmarshal(body, &out)
	// OSRM answers NoRoute/NoSegment with a 400 and a JSON code.
	if jsonErr == nil && (out.Code == "NoRoute" || out.Code == "NoSegment") {
		return Leg{}, fmt.Errorf("osrm %s: %w", out.Code, ErrNoRoute)
	}
	if resp.StatusCode >= 400 {
		temp := false
		switch resp.StatusCode {
		case 429, 500, 502, 503, 504:
			temp = true
		}
		return Leg{}, &Error{Op: "osrm.route", Code: resp.StatusCode, Temporary: temp, Err: errors.New(strings.TrimSpace(string(body)))}
	}
	if jsonErr != nil {
		return Leg{}, &Error{Op: "osrm.decode", Err: jsonErr}
	}
	if out.Code != "Ok" {
		return Leg{}, &Error{Op: "osrm.route", Err: fmt.Errorf("code %s: %s", out.Code, out.Message)}
	}
	if len(out.Routes) == 0 {
		log.Printf("op=osrm.empty from=%.6f,%.6f to=%.6f,%.6f", from.Lat, from.Lng, to.Lat, to.Lng)
		return Leg{}, fmt.Errorf("osrm empty response: %w", ErrNoRoute)
	}
	r := out.Routes[0]
	path := make([]geo.Point, 0, len(r.Geometry.Coordinates))
	for _, c := range r.Geometry.Coordinates {
		path = append(path, geo.Point{Lat: c[1], Lng: c[0]})
	}
	return Leg{
		DistanceM: r.Distance,
		Duration:  time.Duration(r.Duration * float64(time.Second)),
		Path:      path,
	}, nil
}
