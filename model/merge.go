package model

import (
	"maps"
	"reflect"
	"slices"
)

// SameTest reports whether a and b describe the same logical test.
// Identity is title, suite title, example parameters and test id.
func SameTest(a, b *TestRecord) bool {
	if a.Title != b.Title || a.SuiteTitle != b.SuiteTitle || a.TestID != b.TestID {
		return false
	}
	if len(a.Example) == 0 && len(b.Example) == 0 {
		return true
	}
	return reflect.DeepEqual(a.Example, b.Example)
}

// MergeTestRecord folds patch into base and returns the result. base is
// not modified.
//
// Field rules:
//   - scalar fields (rid, title, suite_title, suite_id, test_id, status,
//     error, stack, message, code, time) are overwritten when the patch
//     value is non-zero
//   - steps and logs are replaced when the patch value is non-empty
//   - files, files_buffers and artifacts are concatenated; duplicate
//     paths and URLs are dropped
//   - tags are concatenated without duplicates
//   - meta and example are merged key by key, patch wins
func MergeTestRecord(base, patch TestRecord) TestRecord {
	out := base

	overwrite(&out.RID, patch.RID)
	overwrite(&out.Title, patch.Title)
	overwrite(&out.SuiteTitle, patch.SuiteTitle)
	overwrite(&out.SuiteID, patch.SuiteID)
	overwrite(&out.TestID, patch.TestID)
	overwrite(&out.Status, patch.Status)
	overwrite(&out.Error, patch.Error)
	overwrite(&out.Stack, patch.Stack)
	overwrite(&out.Message, patch.Message)
	overwrite(&out.Code, patch.Code)
	overwrite(&out.Steps, patch.Steps)
	overwrite(&out.Logs, patch.Logs)
	if patch.Time != 0 {
		out.Time = patch.Time
	}

	out.Files = appendUniqueFunc(slices.Clone(base.Files), patch.Files, func(f FileRef) string { return f.Path })
	out.FilesBuffers = append(slices.Clone(base.FilesBuffers), patch.FilesBuffers...)
	out.Artifacts = appendUniqueFunc(slices.Clone(base.Artifacts), patch.Artifacts, func(s string) string { return s })
	out.Tags = appendUniqueFunc(slices.Clone(base.Tags), patch.Tags, func(s string) string { return s })

	out.Meta = mergeMaps(base.Meta, patch.Meta)
	out.Example = mergeMaps(base.Example, patch.Example)

	return out
}

func overwrite[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}

func appendUniqueFunc[T any](dst, src []T, key func(T) string) []T {
	seen := make(map[string]struct{}, len(dst)+len(src))
	for _, v := range dst {
		seen[key(v)] = struct{}{}
	}
	for _, v := range src {
		k := key(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		dst = append(dst, v)
	}
	return dst
}

func mergeMaps[V any](base, patch map[string]V) map[string]V {
	if len(base) == 0 && len(patch) == 0 {
		return base
	}
	out := make(map[string]V, len(base)+len(patch))
	maps.Copy(out, base)
	maps.Copy(out, patch)
	return out
}

// Aggregate keeps the latest view of every logical test of a run, in
// first-seen order. Pipes that render one report for the whole run use
// it to collapse repeated reports of the same test.
type Aggregate struct {
	records []TestRecord
}

// Add merges r into an existing record for the same test, in place, or
// appends it. A record carrying only a known rid, such as a late artifact
// patch, is merged into the record with that rid.
func (a *Aggregate) Add(r TestRecord) {
	for i := range a.records {
		if SameTest(&a.records[i], &r) || (r.RID != "" && r.Title == "" && a.records[i].RID == r.RID) {
			a.records[i] = MergeTestRecord(a.records[i], r)
			return
		}
	}
	a.records = append(a.records, r)
}

// Records returns the aggregated records.
func (a *Aggregate) Records() []TestRecord {
	return a.records
}

// Counts returns per-status counters over the aggregated records.
func (a *Aggregate) Counts() RunCounts {
	var c RunCounts
	for _, r := range a.records {
		c.Add(r.Status)
	}
	return c
}
