package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

// OSRMClient routes the driver to a pickup point over an OSRM server.
type OSRMClient struct {
	Endpoint string
	Profile  string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Profile:  "driving",
		Client:   &http.Client{Timeout: 2 * time.Second},
	}
}

type osrmRoute struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

// Route asks for the fastest road route. OSRM takes lon,lat pairs.
func (o *OSRMClient) Route(ctx context.Context, from, to models.GeoPoint) (Route, error) {
	coords := fmt.Sprintf("%.6f,%.6f;%.6f,%.6f", from.Lon, from.Lat, to.Lon, to.Lat)
	u := o.Endpoint + "/route/v1/" + url.PathEscape(o.Profile) + "/" + coords + "?overview=false&alternatives=false"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Route{}, fmt.Errorf("osrm route: %w", err)
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Route{}, fmt.Errorf("osrm route: %w", err)
	}
	defer resp.Body.Close()

	var out osrmRoute
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Route{}, fmt.Errorf("osrm route: decode %d response: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || out.Code != "Ok" {
		return Route{}, fmt.Errorf("osrm route: %d %s %s", resp.StatusCode, out.Code, out.Message)
	}
	if len(out.Routes) == 0 {
		return Route{}, fmt.Errorf("osrm route: no route to pickup")
	}
	r := out.Routes[0]
	return Route{DistanceM: r.Distance, DurationS: r.Duration}, nil
}
