package tasks

import (
	"encoding/xml"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// TestFailure is returned by RunTest if at least one test failed.
type TestFailure struct {
	Failed int
	Total  int
	Names  []string
}

var _ error = TestFailure{}

func (e TestFailure) Error() string {
	msg := fmt.Sprintf("%d of %d tests failed", e.Failed, e.Total)
	if len(e.Names) > 0 {
		msg += ": " + strings.Join(e.Names, ", ")
	}
	return msg
}

type junitMarker struct{}

type junitCase struct {
	Name      string `xml:"name,attr"`
	ClassName string `xml:"classname,attr"`
	// ctest reports run, fail, notrun or disabled
	Status  string       `xml:"status,attr"`
	Failure *junitMarker `xml:"failure"`
	Error   *junitMarker `xml:"error"`
	Skipped *junitMarker `xml:"skipped"`
}

// junitSuite matches both <testsuites> and <testsuite> roots.
type junitSuite struct {
	XMLName xml.Name
	Suites  []junitSuite `xml:"testsuite"`
	Cases   []junitCase  `xml:"testcase"`
}

// TestReport summarizes a JUnit file.
type TestReport struct {
	Total    int
	Skipped  int
	Failures []string
}

func (r *TestReport) add(suite junitSuite) {
	for _, tc := range suite.Cases {
		r.Total++

		switch {
		case tc.Failure != nil || tc.Error != nil || tc.Status == "fail":
			name := tc.Name
			if tc.ClassName != "" && tc.ClassName != tc.Name {
				name = tc.ClassName + "." + tc.Name
			}
			r.Failures = append(r.Failures, name)
		case tc.Skipped != nil || tc.Status == "notrun" || tc.Status == "disabled":
			r.Skipped++
		}
	}

	for _, child := range suite.Suites {
		r.add(child)
	}
}

// Err returns a TestFailure if the report contains failed tests.
func (r TestReport) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return TestFailure{Failed: len(r.Failures), Total: r.Total, Names: r.Failures}
}

// ParseJUnit parses a JUnit XML report as written by ctest --output-junit.
func ParseJUnit(data []byte) (TestReport, error) {
	root := junitSuite{}
	err := xml.Unmarshal(data, &root)
	if err != nil {
		return TestReport{}, eris.Wrap(err, "failed to parse JUnit report")
	}

	switch root.XMLName.Local {
	case "testsuite", "testsuites":
	default:
		return TestReport{}, eris.Errorf("unexpected JUnit root element %s", root.XMLName.Local)
	}

	report := TestReport{}
	report.add(root)
	return report, nil
}

func readJUnit(path string) (TestReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TestReport{}, eris.Wrapf(err, "failed to read %s", path)
	}

	return ParseJUnit(data)
}
