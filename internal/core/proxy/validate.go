package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"portalbridge/internal/logger"
)

// Status is the validation state of a candidate.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusValid   Status = "valid"
	StatusInvalid Status = "invalid"
)

// Candidate is one egress proxy endpoint.
type Candidate struct {
	Server string `json:"server"`
	Source string `json:"source"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
	// Set by validation.
	EgressIP        string `json:"egress_ip,omitempty"`
	Country         string `json:"country,omitempty"`
	TargetReachable bool   `json:"target_reachable,omitempty"`
}

// URL returns the proxy URL handed to the browser and HTTP clients.
func (c Candidate) URL() string { return "http://" + c.Server }

// Checker validates one candidate.
type Checker interface {
	Validate(ctx context.Context, c Candidate) Candidate
}

// Validator checks a candidate by fetching a geo-IP service and the target
// portal through it.
type Validator struct {
	Region    string
	GeoURL    string
	TargetURL string
	Timeout   time.Duration
	log       *logger.Logger
}

// NewValidator builds a Validator. region is an ISO country code; empty
// disables the region check.
func NewValidator(region, geoURL, targetURL string, timeout time.Duration) *Validator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Validator{
		Region:    strings.ToUpper(region),
		GeoURL:    geoURL,
		TargetURL: targetURL,
		Timeout:   timeout,
		log:       logger.New("ProxyValidator"),
	}
}

type geoResponse struct {
	CountryCode  string `json:"countryCode"`
	CountryCode2 string `json:"country_code"`
	Country      string `json:"country"`
	Query        string `json:"query"`
	IP           string `json:"ip"`
}

func (g geoResponse) country() string {
	for _, c := range []string{g.CountryCode, g.CountryCode2, g.Country} {
		if len(c) == 2 {
			return strings.ToUpper(c)
		}
	}
	return ""
}

func (g geoResponse) ip() string {
	if g.Query != "" {
		return g.Query
	}
	return g.IP
}

// Validate returns c with Status set. A region mismatch or an unreachable
// geo service makes the candidate invalid; an unresponsive target portal
// only produces a warning.
func (v *Validator) Validate(ctx context.Context, c Candidate) Candidate {
	client := &http.Client{
		Timeout: v.Timeout,
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(&url.URL{Scheme: "http", Host: c.Server}),
			DisableKeepAlives: true,
		},
	}

	geo, err := v.lookup(ctx, client)
	if err != nil {
		return invalid(c, "unreachable: "+err.Error())
	}
	c.EgressIP, c.Country = geo.ip(), geo.country()
	if c.EgressIP == "" {
		return invalid(c, "geo service returned no egress ip")
	}
	if v.Region != "" && c.Country != v.Region {
		return invalid(c, fmt.Sprintf("region mismatch: got %q want %q", c.Country, v.Region))
	}

	if v.TargetURL != "" {
		if err := v.reach(ctx, client); err != nil {
			v.log.Warn().Str("proxy", c.Server).Err(err).Msg("target portal did not respond through proxy")
		} else {
			c.TargetReachable = true
		}
	}
	c.Status, c.Reason = StatusValid, ""
	return c
}

func (v *Validator) lookup(ctx context.Context, client *http.Client) (geoResponse, error) {
	var geo geoResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.GeoURL, nil)
	if err != nil {
		return geo, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return geo, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return geo, fmt.Errorf("geo status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&geo); err != nil {
		return geo, fmt.Errorf("decode geo response: %w", err)
	}
	return geo, nil
}

// reach succeeds on any HTTP response, whatever its status.
func (v *Validator) reach(ctx context.Context, client *http.Client) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.TargetURL, nil)
	if err != nil {
		return err
	}
	noRedirect := *client
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := noRedirect.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func invalid(c Candidate, reason string) Candidate {
	c.Status, c.Reason = StatusInvalid, reason
	return c
}
