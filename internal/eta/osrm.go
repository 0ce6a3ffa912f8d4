package eta

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

const osrmTimeout = 2 * time.Second

// OSRMClient asks an OSRM routing server for driving durations.
type OSRMClient struct {
	Endpoint string
	Profile  string
	HTTP     *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Profile:  "driving",
		HTTP:     &http.Client{Timeout: osrmTimeout},
	}
}

type osrmRoute struct {
	Code   string `json:"code"`
	Routes []struct {
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
	} `json:"routes"`
}

// EstimateSeconds returns the duration of the first route OSRM proposes.
// OSRM takes coordinates as lng,lat.
func (o *OSRMClient) EstimateSeconds(from, to models.Point) (float64, error) {
	profile := o.Profile
	if profile == "" {
		profile = "driving"
	}
	url := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false",
		o.Endpoint, profile, from.Lng, from.Lat, to.Lng, to.Lat)
	resp, err := o.HTTP.Get(url)
	if err != nil {
		return 0, fmt.Errorf("osrm route: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("osrm route: status %d", resp.StatusCode)
	}
	var out osrmRoute
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("osrm route: decode: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("osrm route: no route (code %q)", out.Code)
	}
	return out.Routes[0].Duration, nil
}
