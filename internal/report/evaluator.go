package report

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// ResultFiles are the file names, relative to the artifact directory, tried in
// order when looking for the structured results of a run.
var ResultFiles = []string{"results.json", "report.json", "test-results/results.json"}

// Evaluation is the verdict derived from a results file
type Evaluation struct {
	HasFailures bool
	FoundReport bool

	Total   int
	Passed  int
	Failed  int
	Flaky   int
	Skipped int
}

var (
	passingStatuses = map[string]bool{"passed": true, "expected": true, "flaky": true}
	failingStatuses = map[string]bool{
		"failed":      true,
		"timedout":    true,
		"interrupted": true,
		"crashed":     true,
		"unexpected":  true,
	}
	// failure markers looked for by the deep scan of an unrecognised document
	terminalFailures = map[string]bool{"failed": true, "timedout": true, "interrupted": true, "crashed": true}
)

// Evaluate reads the results file found in artifactDir. A missing or unparseable file
// is reported as a failure.
func Evaluate(artifactDir string) Evaluation {
	failSafe := Evaluation{HasFailures: true, FoundReport: false}
	if artifactDir == "" {
		return failSafe
	}

	for _, name := range ResultFiles {
		path := filepath.Join(artifactDir, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Could not read results file")
			return failSafe
		}

		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Could not parse results file")
			return failSafe
		}
		return EvaluateDocument(doc)
	}

	log.Warn().Str("artifact_dir", artifactDir).Msg("No results file found")
	return failSafe
}

// EvaluateDocument derives a verdict from an already decoded results document
func EvaluateDocument(doc map[string]any) Evaluation {
	ev := Evaluation{FoundReport: true}

	var tests []map[string]any
	for _, suite := range asList(doc["suites"]) {
		collectTests(suite, &tests)
	}

	if len(tests) > 0 {
		for _, test := range tests {
			ev.count(outcomeOf(test))
		}
		ev.HasFailures = ev.Failed > 0
		return ev
	}

	// no individual tests, fall back to progressively weaker signals
	if n, ok := summaryFailedCount(doc); ok {
		ev.Failed = n
		ev.HasFailures = n > 0
		return ev
	}
	if status, ok := doc["status"].(string); ok && status != "" {
		ev.HasFailures = !passingStatuses[strings.ToLower(status)]
		return ev
	}
	ev.HasFailures = containsFailure(doc)
	return ev
}

type outcome int

const (
	outcomePassed outcome = iota
	outcomeFlaky
	outcomeFailed
	outcomeSkipped
)

func (ev *Evaluation) count(o outcome) {
	ev.Total++
	switch o {
	case outcomePassed:
		ev.Passed++
	case outcomeFlaky:
		ev.Passed++
		ev.Flaky++
	case outcomeFailed:
		ev.Failed++
	case outcomeSkipped:
		ev.Skipped++
	}
}

// collectTests walks suites, nested suites and specs, collecting every test record
func collectTests(node any, tests *[]map[string]any) {
	m, ok := node.(map[string]any)
	if !ok {
		return
	}

	for _, suite := range asList(m["suites"]) {
		collectTests(suite, tests)
	}
	for _, spec := range asList(m["specs"]) {
		collectTests(spec, tests)
	}
	for _, test := range asList(m["tests"]) {
		if t, ok := test.(map[string]any); ok {
			*tests = append(*tests, t)
		}
	}
}

// outcomeOf considers every attempt of a test. A test fails only when it has a failing
// attempt and no passing one, so a retry that passed makes it flaky rather than failed.
func outcomeOf(test map[string]any) outcome {
	var statuses []string
	if s, ok := test["status"].(string); ok {
		statuses = append(statuses, strings.ToLower(s))
	}
	for _, r := range asList(test["results"]) {
		if m, ok := r.(map[string]any); ok {
			if s, ok := m["status"].(string); ok {
				statuses = append(statuses, strings.ToLower(s))
			}
		}
	}

	var passed, failed bool
	for _, s := range statuses {
		passed = passed || passingStatuses[s]
		failed = failed || failingStatuses[s]
	}

	switch {
	case passed && failed:
		return outcomeFlaky
	case passed:
		return outcomePassed
	case failed:
		return outcomeFailed
	default:
		return outcomeSkipped
	}
}

// summaryFailedCount looks for an aggregate failure count in the usual places
func summaryFailedCount(doc map[string]any) (int, bool) {
	for _, section := range []string{"stats", "summary"} {
		m, ok := doc[section].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"unexpected", "failed", "failures"} {
			if n, ok := m[key].(float64); ok {
				return int(n), true
			}
		}
	}
	return 0, false
}

func containsFailure(node any) bool {
	switch v := node.(type) {
	case map[string]any:
		for _, child := range v {
			if containsFailure(child) {
				return true
			}
		}
	case []any:
		for _, child := range v {
			if containsFailure(child) {
				return true
			}
		}
	case string:
		return terminalFailures[strings.ToLower(v)]
	}
	return false
}

func asList(v any) []any {
	l, _ := v.([]any)
	return l
}
