package tests

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
)

var Update = flag.Bool(
	"update",
	false,
	"update golden files",
)

// floatTol is the absolute/relative tolerance used when a golden value
// and the actual value are both JSON numbers. Calibrated outputs in
// this repo (SVI params, metrics, quote ladders) carry float64 noise
// from iterative fits, so byte-for-byte JSON comparison is too brittle
// for anything downstream of a calibrator or inventory deformation.
const floatTol = 1e-9

//
// --- Golden file helpers ---
//

func writeGolden(t *testing.T, name string, v any) {
	t.Helper()
	path := filepath.Join("testdata", name+".golden")

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}

	err = os.WriteFile(path, b, 0644)
	if err != nil {
		t.Fatalf("failed to write golden file: %v", err)
	}
}

func loadGolden(t *testing.T, name string) []byte {
	t.Helper()
	path := filepath.Join("testdata", name+".golden")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read golden file: %v", err)
	}
	return b
}

// CompareWithGolden JSON-round-trips v and compares it against the
// stored golden file, tolerating float64 fields that differ only by
// floatTol so a calibrator's or fitter's last-bit drift doesn't break
// a test that never cared about it. Non-numeric fields (strings,
// bools, bucket names, shapes) still require an exact match.
func CompareWithGolden(t *testing.T, name string, v any) {
	t.Helper()

	actualBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.Fatalf("failed to marshal actual JSON: %v", err)
	}

	if *Update {
		writeGolden(t, name, v)
		return
	}

	expectedBytes := loadGolden(t, name)

	var expected, actual any
	if err := json.Unmarshal(expectedBytes, &expected); err != nil {
		t.Fatalf("failed to parse golden file %s: %v", name, err)
	}
	if err := json.Unmarshal(actualBytes, &actual); err != nil {
		t.Fatalf("failed to parse actual value for %s: %v", name, err)
	}

	if diff := diffTolerant("$", expected, actual); diff != "" {
		t.Fatalf("golden mismatch for %s: %s\nexpected:\n%s\nactual:\n%s",
			name, diff, string(expectedBytes), string(actualBytes))
	}
}

// diffTolerant walks two decoded JSON values in lockstep and returns a
// description of the first mismatch, or "" if they agree within
// floatTol on every numeric leaf.
func diffTolerant(path string, expected, actual any) string {
	switch ev := expected.(type) {
	case float64:
		av, ok := actual.(float64)
		if !ok {
			return fmt.Sprintf("%s: expected number %v, got %T %v", path, ev, actual, actual)
		}
		if math.Abs(ev-av) > floatTol*math.Max(1, math.Abs(ev)) {
			return fmt.Sprintf("%s: %v != %v (tol %g)", path, ev, av, floatTol)
		}
		return ""
	case map[string]any:
		av, ok := actual.(map[string]any)
		if !ok {
			return fmt.Sprintf("%s: expected object, got %T", path, actual)
		}
		if len(ev) != len(av) {
			return fmt.Sprintf("%s: expected %d keys, got %d", path, len(ev), len(av))
		}
		for k, evv := range ev {
			avv, ok := av[k]
			if !ok {
				return fmt.Sprintf("%s.%s: missing in actual", path, k)
			}
			if d := diffTolerant(path+"."+k, evv, avv); d != "" {
				return d
			}
		}
		return ""
	case []any:
		av, ok := actual.([]any)
		if !ok {
			return fmt.Sprintf("%s: expected array, got %T", path, actual)
		}
		if len(ev) != len(av) {
			return fmt.Sprintf("%s: expected length %d, got %d", path, len(ev), len(av))
		}
		for i := range ev {
			if d := diffTolerant(fmt.Sprintf("%s[%d]", path, i), ev[i], av[i]); d != "" {
				return d
			}
		}
		return ""
	default:
		if expected != actual {
			return fmt.Sprintf("%s: %v != %v", path, expected, actual)
		}
		return ""
	}
}
