// Package dhis2 is a minimal read-only client for the DHIS2 Web API.
//
// It covers exactly the surface the pipeline needs: the id/name metadata
// listings and the dataValueSets export. All calls are JSON over basic
// auth. Failures are fatal for the run; there is no retry layer (the
// container restart policy is the retry).
package dhis2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dhis2etl/internal/metrics"
)

// DefaultTimeout bounds a single API request. DHIS2 analytics exports can
// be slow on large windows.
const DefaultTimeout = 120 * time.Second

// IDName is an id/display-name pair from a metadata listing.
type IDName struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DataValue is one value from a dataValueSets export.
type DataValue struct {
	DataElement         string `json:"dataElement"`
	Period              string `json:"period"`
	OrgUnit             string `json:"orgUnit"`
	CategoryOptionCombo string `json:"categoryOptionCombo"`
	Value               string `json:"value"`
	LastUpdated         string `json:"lastUpdated"`
}

// DataValueQuery selects one dataset/org-unit window.
type DataValueQuery struct {
	DataSet   string
	OrgUnit   string
	StartDate string // ISO 2006-01-02
	EndDate   string
}

// Client talks to one DHIS2 instance.
type Client struct {
	baseURL  string
	username string
	password string

	httpClient *http.Client

	// jobName tags HTTP metrics.
	jobName string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithJobName sets the job label on HTTP metrics.
func WithJobName(job string) Option {
	return func(c *Client) { c.jobName = job }
}

// New constructs a Client for baseURL with basic auth credentials.
func New(baseURL, username, password string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 8,
			},
		},
		jobName: "dhis2_etl",
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// metadataPaging requests the full unpaged listing with only id and name.
func metadataPaging() url.Values {
	v := url.Values{}
	v.Set("paging", "false")
	v.Set("fields", "id,name")
	return v
}

// DataElements lists all data elements.
func (c *Client) DataElements(ctx context.Context) ([]IDName, error) {
	var out struct {
		DataElements []IDName `json:"dataElements"`
	}
	if err := c.get(ctx, "api/dataElements", metadataPaging(), &out); err != nil {
		return nil, err
	}
	return out.DataElements, nil
}

// CategoryOptionCombos lists all category option combos.
func (c *Client) CategoryOptionCombos(ctx context.Context) ([]IDName, error) {
	var out struct {
		CategoryOptionCombos []IDName `json:"categoryOptionCombos"`
	}
	if err := c.get(ctx, "api/categoryOptionCombos", metadataPaging(), &out); err != nil {
		return nil, err
	}
	return out.CategoryOptionCombos, nil
}

// DataSets lists all data sets.
func (c *Client) DataSets(ctx context.Context) ([]IDName, error) {
	var out struct {
		DataSets []IDName `json:"dataSets"`
	}
	if err := c.get(ctx, "api/dataSets", metadataPaging(), &out); err != nil {
		return nil, err
	}
	return out.DataSets, nil
}

// OrganisationUnits lists all organisation units.
func (c *Client) OrganisationUnits(ctx context.Context) ([]IDName, error) {
	var out struct {
		OrganisationUnits []IDName `json:"organisationUnits"`
	}
	if err := c.get(ctx, "api/organisationUnits", metadataPaging(), &out); err != nil {
		return nil, err
	}
	return out.OrganisationUnits, nil
}

// DataValueSet fetches all data values for one dataset/org-unit window.
// An empty result is not an error; facilities simply may not have
// reported in the window.
func (c *Client) DataValueSet(ctx context.Context, q DataValueQuery) ([]DataValue, error) {
	params := url.Values{}
	params.Set("dataSet", q.DataSet)
	params.Set("orgUnit", q.OrgUnit)
	params.Set("startDate", q.StartDate)
	params.Set("endDate", q.EndDate)

	var out struct {
		DataValues []DataValue `json:"dataValues"`
	}
	if err := c.get(ctx, "api/dataValueSets", params, &out); err != nil {
		return nil, err
	}
	return out.DataValues, nil
}

// get performs one authenticated GET and decodes the JSON body into dst.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, dst any) error {
	u := c.baseURL + "/" + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("dhis2: build request %s: %w", endpoint, err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	reqDur := time.Since(start)
	if err != nil {
		metrics.RecordHTTP(c.jobName, 0, err, -1, -1, -1)
		return fmt.Errorf("dhis2: GET %s: %w (check that DHIS2 is up and reachable)", endpoint, err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	respDur := time.Since(start)
	metrics.RecordHTTP(c.jobName, resp.StatusCode, readErr, reqDur, respDur, int64(len(body)))

	if readErr != nil {
		return fmt.Errorf("dhis2: GET %s: read body: %w", endpoint, readErr)
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(endpoint, resp.StatusCode)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("dhis2: GET %s: decode response: %w", endpoint, err)
	}
	return nil
}

// statusError maps non-200 responses to errors with an operator hint,
// mirroring the failure modes seen in production DHIS2 instances.
func statusError(endpoint string, code int) error {
	switch {
	case code == http.StatusUnauthorized:
		return fmt.Errorf("dhis2: GET %s: HTTP 401 unauthorized (check DHIS2 username/password)", endpoint)
	case code == http.StatusNotFound:
		return fmt.Errorf("dhis2: GET %s: HTTP 404 not found (check DHIS2 base URL and API version)", endpoint)
	case code >= 500 && code < 600:
		return fmt.Errorf("dhis2: GET %s: HTTP %d server error (DHIS2 may be down or overloaded)", endpoint, code)
	default:
		return fmt.Errorf("dhis2: GET %s: HTTP %d", endpoint, code)
	}
}
