package dhis2

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// newTestServer serves canned DHIS2 responses and records requests.
func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	// Trailing slash mirrors how operators configure DHIS2_BASE_URL.
	c := New(srv.URL+"/", "admin", "district", WithHTTPClient(srv.Client()))
	return srv, c
}

func TestDataElements(t *testing.T) {
	t.Parallel()

	var gotPath, gotQuery, gotAccept string
	var gotUser, gotPass string
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAccept = r.Header.Get("Accept")
		gotUser, gotPass, _ = r.BasicAuth()
		_, _ = w.Write([]byte(`{"dataElements":[{"id":"fbfJHSPpUQD","name":"ANC 1st visit"},{"id":"cYeuwXTCPkU","name":"ANC 2nd visit"}]}`))
	})

	elems, err := c.DataElements(context.Background())
	if err != nil {
		t.Fatalf("DataElements: %v", err)
	}
	if len(elems) != 2 || elems[0].ID != "fbfJHSPpUQD" || elems[0].Name != "ANC 1st visit" {
		t.Fatalf("unexpected elements: %+v", elems)
	}
	if gotPath != "/api/dataElements" {
		t.Fatalf("path=%q, want /api/dataElements", gotPath)
	}
	if !strings.Contains(gotQuery, "paging=false") || !strings.Contains(gotQuery, "fields=id%2Cname") {
		t.Fatalf("query=%q, want paging=false and fields=id,name", gotQuery)
	}
	if gotAccept != "application/json" {
		t.Fatalf("Accept=%q", gotAccept)
	}
	if gotUser != "admin" || gotPass != "district" {
		t.Fatalf("basic auth=%q/%q", gotUser, gotPass)
	}
}

func TestDataValueSet_Params(t *testing.T) {
	t.Parallel()

	var gotQuery string
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"dataValues":[
			{"dataElement":"fbfJHSPpUQD","period":"202401","orgUnit":"DiszpKrYNg8","categoryOptionCombo":"HllvX50cXC0","value":"12"}
		]}`))
	})

	vals, err := c.DataValueSet(context.Background(), DataValueQuery{
		DataSet:   "B0UtGNECmZW",
		OrgUnit:   "DiszpKrYNg8",
		StartDate: "2024-01-01",
		EndDate:   "2024-01-31",
	})
	if err != nil {
		t.Fatalf("DataValueSet: %v", err)
	}
	if len(vals) != 1 || vals[0].Value != "12" || vals[0].Period != "202401" {
		t.Fatalf("unexpected values: %+v", vals)
	}
	for _, want := range []string{
		"dataSet=B0UtGNECmZW",
		"orgUnit=DiszpKrYNg8",
		"startDate=2024-01-01",
		"endDate=2024-01-31",
	} {
		if !strings.Contains(gotQuery, want) {
			t.Fatalf("query=%q, missing %q", gotQuery, want)
		}
	}
}

func TestDataValueSet_EmptyWindow(t *testing.T) {
	t.Parallel()

	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		// DHIS2 omits dataValues entirely when nothing was reported.
		_, _ = w.Write([]byte(`{}`))
	})

	vals, err := c.DataValueSet(context.Background(), DataValueQuery{DataSet: "x", OrgUnit: "y"})
	if err != nil {
		t.Fatalf("DataValueSet: %v", err)
	}
	if len(vals) != 0 {
		t.Fatalf("values=%v, want empty", vals)
	}
}

func TestStatusErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		code     int
		wantHint string
	}{
		{name: "unauthorized", code: http.StatusUnauthorized, wantHint: "username/password"},
		{name: "not_found", code: http.StatusNotFound, wantHint: "base URL"},
		{name: "server_error", code: http.StatusBadGateway, wantHint: "down or overloaded"},
		{name: "other", code: http.StatusTeapot, wantHint: "HTTP 418"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
			})
			_, err := c.DataSets(context.Background())
			if err == nil {
				t.Fatalf("DataSets: want error for HTTP %d", tc.code)
			}
			if !strings.Contains(err.Error(), tc.wantHint) {
				t.Fatalf("error=%q, want hint %q", err, tc.wantHint)
			}
		})
	}
}

func TestGet_DecodeError(t *testing.T) {
	t.Parallel()

	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>login page</html>`))
	})

	_, err := c.OrganisationUnits(context.Background())
	if err == nil || !strings.Contains(err.Error(), "decode response") {
		t.Fatalf("OrganisationUnits err=%v, want decode error", err)
	}
}

func TestGet_ConnectionError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(url, "u", "p")
	_, err := c.CategoryOptionCombos(context.Background())
	if err == nil || !strings.Contains(err.Error(), "reachable") {
		t.Fatalf("err=%v, want connection hint", err)
	}
}
