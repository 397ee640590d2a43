package report

import (
	"encoding/xml"
	"os"
	"path/filepath"

	"github.com/newtron-network/newtops/pkg/precheck"
	"github.com/newtron-network/newtops/pkg/upgrade"
)

// WriteUpgradeJUnit writes a JUnit XML report for CI: one test suite per
// batch and one test case per device. Cancelled devices are reported as
// skipped, unknown errors as errors and every other failure as a failure.
func WriteUpgradeJUnit(path string, br *upgrade.BatchResult) error {
	suite := junitTestSuite{
		Name: "upgrade " + br.Version,
		Time: br.Duration.Seconds(),
	}
	for _, o := range br.Outcomes {
		suite.Tests++
		tc := junitTestCase{Name: o.DeviceID, ClassName: "upgrade", Time: o.Duration.Seconds()}
		switch {
		case o.Succeeded():
		case o.Reason == upgrade.ReasonCancelled:
			suite.Skipped++
			tc.Skipped = &junitSkipped{Message: o.Error}
		case o.Reason == upgrade.ReasonUnknownError:
			suite.Errors++
			tc.Error = &junitError{Message: o.Error, Type: string(o.Reason)}
		default:
			suite.Failures++
			tc.Failure = &junitFailure{Message: o.Error, Type: string(o.Reason)}
		}
		suite.Cases = append(suite.Cases, tc)
	}
	return writeJUnit(path, junitTestSuites{Suites: []junitTestSuite{suite}})
}

// WritePrecheckJUnit writes one test suite per device with a test case per
// check. Warnings are reported as skipped.
func WritePrecheckJUnit(path string, b *precheck.Batch) error {
	var suites junitTestSuites
	for _, r := range b.Results {
		suite := junitTestSuite{Name: r.DeviceID, Time: r.Duration.Seconds()}
		for _, cr := range r.Results {
			suite.Tests++
			tc := junitTestCase{Name: cr.Check, ClassName: r.DeviceID, Time: cr.Duration.Seconds()}
			switch cr.Status {
			case precheck.StatusFail:
				suite.Failures++
				tc.Failure = &junitFailure{Message: cr.Message, Type: cr.Check}
			case precheck.StatusWarn:
				suite.Skipped++
				tc.Skipped = &junitSkipped{Message: cr.Message}
			}
			suite.Cases = append(suite.Cases, tc)
		}
		suites.Suites = append(suites.Suites, suite)
	}
	return writeJUnit(path, suites)
}

func writeJUnit(path string, suites junitTestSuites) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := xml.MarshalIndent(suites, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append([]byte(xml.Header), data...), 0o644)
}

type junitTestSuites struct {
	XMLName xml.Name         `xml:"testsuites"`
	Suites  []junitTestSuite `xml:"testsuite"`
}

type junitTestSuite struct {
	Name     string          `xml:"name,attr"`
	Tests    int             `xml:"tests,attr"`
	Failures int             `xml:"failures,attr"`
	Errors   int             `xml:"errors,attr"`
	Skipped  int             `xml:"skipped,attr"`
	Time     float64         `xml:"time,attr"`
	Cases    []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      float64       `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
	Skipped   *junitSkipped `xml:"skipped,omitempty"`
	Error     *junitError   `xml:"error,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
}

type junitSkipped struct {
	Message string `xml:"message,attr"`
}

type junitError struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
}
