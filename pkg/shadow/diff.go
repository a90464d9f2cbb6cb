package shadow

import (
	"fmt"
	"reflect"
	"sort"
)

// Top-level payload sections broken out in diff summaries.
var summarySections = []string{"kpis", "charts", "drilldown"}

// DefaultMaxDiffs caps how many individual diff entries one comparison keeps.
const DefaultMaxDiffs = 20

// DiffEntry is one disagreement. A and B are nil when the side is missing.
type DiffEntry struct {
	Path string `json:"path"`
	A    any    `json:"a"`
	B    any    `json:"b"`
}

// DiffResult is the outcome of comparing two normalized payloads.
type DiffResult struct {
	Equal   bool           `json:"equal"`
	Diffs   []DiffEntry    `json:"diffs"`
	Summary map[string]int `json:"summary"`
	Total   int            `json:"-"`
}

type missingSentinel struct{}

var missing = missingSentinel{}

// Diff normalizes both payloads and compares them structurally. The entry
// list is capped at maxDiffs but Total and the per-section summary count
// every disagreement.
func Diff(a, b map[string]any, maxDiffs int) DiffResult {
	if maxDiffs < 1 {
		maxDiffs = 1
	}
	res := DiffResult{
		Diffs:   []DiffEntry{},
		Summary: map[string]int{},
	}
	for _, section := range summarySections {
		res.Summary[section] = 0
	}
	res.Total = diffValues(Normalize(a), Normalize(b), "", &res, maxDiffs)
	res.Equal = res.Total == 0
	return res
}

func diffValues(a, b any, path string, res *DiffResult, maxDiffs int) int {
	if objA, okA := a.(map[string]any); okA {
		if objB, okB := b.(map[string]any); okB {
			keys := map[string]bool{}
			for k := range objA {
				keys[k] = true
			}
			for k := range objB {
				keys[k] = true
			}
			sorted := make([]string, 0, len(keys))
			for k := range keys {
				sorted = append(sorted, k)
			}
			sort.Strings(sorted)
			count := 0
			for _, key := range sorted {
				left, okL := objA[key]
				if !okL {
					left = missing
				}
				right, okR := objB[key]
				if !okR {
					right = missing
				}
				count += diffValues(left, right, joinPath(path, key), res, maxDiffs)
			}
			return count
		}
	}

	if listA, okA := a.([]any); okA {
		if listB, okB := b.([]any); okB {
			total := len(listA)
			if len(listB) > total {
				total = len(listB)
			}
			count := 0
			for i := 0; i < total; i++ {
				var left, right any = missing, missing
				if i < len(listA) {
					left = listA[i]
				}
				if i < len(listB) {
					right = listB[i]
				}
				count += diffValues(left, right, joinPath(path, fmt.Sprintf("[%d]", i)), res, maxDiffs)
			}
			return count
		}
	}

	_, missingA := a.(missingSentinel)
	_, missingB := b.(missingSentinel)
	if missingA || missingB || !equalScalar(a, b) {
		appendDiff(res, path, a, b, maxDiffs)
		return 1
	}
	return 0
}

// equalScalar compares leaf values. Normalization collapses whole numbers to
// int64, so a numeric tolerance here would hide real diffs.
func equalScalar(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func appendDiff(res *DiffResult, path string, a, b any, maxDiffs int) {
	if section := summarySection(path); section != "" {
		res.Summary[section]++
	}
	if len(res.Diffs) >= maxDiffs {
		return
	}
	if path == "" {
		path = "$"
	}
	if _, ok := a.(missingSentinel); ok {
		a = nil
	}
	if _, ok := b.(missingSentinel); ok {
		b = nil
	}
	res.Diffs = append(res.Diffs, DiffEntry{Path: path, A: a, B: b})
}

func joinPath(base, part string) string {
	if base == "" {
		return part
	}
	if len(part) > 0 && part[0] == '[' {
		return base + part
	}
	return base + "." + part
}

func summarySection(path string) string {
	for _, section := range summarySections {
		if path == section ||
			len(path) > len(section) && path[:len(section)] == section &&
				(path[len(section)] == '.' || path[len(section)] == '[') {
			return section
		}
	}
	return ""
}

// DiffCount derives the persisted diff_count: the summed section counts when
// any section disagreed, else the number of captured entries.
func DiffCount(res DiffResult) int {
	count := 0
	for _, section := range summarySections {
		if n := res.Summary[section]; n > 0 {
			count += n
		}
	}
	if count <= 0 {
		count = len(res.Diffs)
	}
	return count
}
