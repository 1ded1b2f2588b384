// Package config holds the environment contract and the pipeline config
// file format for the DHIS2 ETL. Validation reports severity-tagged
// issues instead of failing on the first problem, so a misconfigured
// container logs everything that is wrong in one run.
package config

import (
	"fmt"
	"time"
)

// Severity classifies a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single validation finding.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// HasErrors reports whether any issue is severity error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// DateLayout is the ISO date format accepted for START_DATE / END_DATE.
const DateLayout = "2006-01-02"

// Env is the validated environment contract of the pipeline.
//
// All DB_* variables and the date window are required by every stage.
// The DHIS2_* variables are required only by the fetch stage; the resolve
// stage talks to the database alone.
type Env struct {
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string

	StartDate time.Time
	EndDate   time.Time

	DHIS2BaseURL  string
	DHIS2Username string
	DHIS2Password string
}

// LoadEnvOptions controls LoadEnv.
type LoadEnvOptions struct {
	// Lookup resolves a variable. Defaults to nothing; callers pass
	// os.LookupEnv in production and a map-backed func in tests.
	Lookup func(key string) (string, bool)

	// RequireDHIS2 adds the DHIS2_* variables to the required set.
	RequireDHIS2 bool
}

// LoadEnv reads and validates the environment.
//
// It never touches the network or the database: a missing DB_PASSWORD must
// fail the run before any connection is attempted. All problems are
// collected; the returned Env is only meaningful when the issues contain
// no error.
func LoadEnv(opts LoadEnvOptions) (Env, []Issue) {
	var issues []Issue
	lookup := opts.Lookup
	if lookup == nil {
		issues = append(issues, Issue{SeverityError, "env", "no environment lookup provided"})
		return Env{}, issues
	}

	req := func(key string) string {
		v, ok := lookup(key)
		if !ok || v == "" {
			issues = append(issues, Issue{SeverityError, "env." + key, "required variable is missing or empty"})
			return ""
		}
		return v
	}

	var e Env
	e.DBHost = req("DB_HOST")
	e.DBPort = req("DB_PORT")
	e.DBName = req("DB_NAME")
	e.DBUser = req("DB_USER")
	e.DBPassword = req("DB_PASSWORD")

	startRaw := req("START_DATE")
	endRaw := req("END_DATE")

	if startRaw != "" {
		t, err := time.Parse(DateLayout, startRaw)
		if err != nil {
			issues = append(issues, Issue{SeverityError, "env.START_DATE",
				fmt.Sprintf("not an ISO date (%s): %q", DateLayout, startRaw)})
		} else {
			e.StartDate = t
		}
	}
	if endRaw != "" {
		t, err := time.Parse(DateLayout, endRaw)
		if err != nil {
			issues = append(issues, Issue{SeverityError, "env.END_DATE",
				fmt.Sprintf("not an ISO date (%s): %q", DateLayout, endRaw)})
		} else {
			e.EndDate = t
		}
	}
	if !e.StartDate.IsZero() && !e.EndDate.IsZero() && e.EndDate.Before(e.StartDate) {
		issues = append(issues, Issue{SeverityError, "env.START_DATE",
			fmt.Sprintf("START_DATE %s is after END_DATE %s",
				e.StartDate.Format(DateLayout), e.EndDate.Format(DateLayout))})
	}

	if opts.RequireDHIS2 {
		e.DHIS2BaseURL = req("DHIS2_BASE_URL")
		e.DHIS2Username = req("DHIS2_USERNAME")
		e.DHIS2Password = req("DHIS2_PASSWORD")
	}

	return e, issues
}
