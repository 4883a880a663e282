// Package coverage implements the bookkeeping grain for mirror completeness.
//
// The comparison currency between "what should exist" and "what does exist"
// is the Unit: one (model, variant, year) cell. Files with heterogeneous
// period granularity are normalized by expanding each file into one unit per
// year it spans, so gap arithmetic is plain set difference over units.
package coverage

import (
	"fmt"
	"sort"
)

// Unit is the atomic trackable grain of coverage.
type Unit struct {
	Model   string
	Variant string
	Year    int
}

// Set is a set of coverage units.
type Set map[Unit]struct{}

// Add inserts a unit.
func (s Set) Add(u Unit) { s[u] = struct{}{} }

// Contains reports membership.
func (s Set) Contains(u Unit) bool {
	_, ok := s[u]
	return ok
}

// MemberMode selects how the tracked member list is resolved.
type MemberMode string

const (
	// MembersDiscovered tracks every member present in the archive at
	// discovery time. The member list is a snapshot taken once per run by
	// the explore stage and held fixed for the remainder of the run.
	MembersDiscovered MemberMode = "discovered"

	// MembersExplicit tracks exactly the listed members.
	MembersExplicit MemberMode = "explicit"
)

// MemberSelection is the member-selection rule of a Spec.
type MemberSelection struct {
	Mode    MemberMode
	Members []string // used when Mode == MembersExplicit
}

// Spec is the user's coverage target for one run. It is constructed once
// from configuration and read-only thereafter.
type Spec struct {
	Models    []string
	Members   MemberSelection
	Variable  string
	YearStart int
	YearEnd   int
}

// Validate reports whether the spec is internally consistent.
func (s Spec) Validate() error {
	if len(s.Models) == 0 {
		return fmt.Errorf("coverage spec: at least one model is required")
	}
	if s.Variable == "" {
		return fmt.Errorf("coverage spec: variable is required")
	}
	if s.YearEnd < s.YearStart {
		return fmt.Errorf("coverage spec: year range %d-%d ends before it starts", s.YearStart, s.YearEnd)
	}
	if s.Members.Mode == MembersExplicit && len(s.Members.Members) == 0 {
		return fmt.Errorf("coverage spec: explicit member selection with empty member list")
	}
	return nil
}

// Warning flags a condition that must be surfaced rather than silently
// shrinking the expected set.
type Warning struct {
	Model  string
	Reason string
}

// NoMembersDiscovered is the warning reason for a model that contributed
// zero units because the archive snapshot held no members for it.
const NoMembersDiscovered = "no_members_discovered"

// ExpectedUnits enumerates the units that should exist locally for the spec.
//
// The result is a pure function of (spec, discovered): one unit per
// (model, member, year) for every member in the intersection of the
// discovered snapshot and the spec's member selection. Models with no
// members after intersection contribute zero units and one warning; callers
// must surface the warning instead of under-reporting gaps.
func ExpectedUnits(spec Spec, discovered map[string][]string) (Set, []Warning) {
	expected := make(Set)
	var warnings []Warning

	for _, model := range spec.Models {
		members := selectMembers(spec.Members, discovered[model])
		if len(members) == 0 {
			warnings = append(warnings, Warning{Model: model, Reason: NoMembersDiscovered})
			continue
		}
		for _, member := range members {
			for year := spec.YearStart; year <= spec.YearEnd; year++ {
				expected.Add(Unit{Model: model, Variant: member, Year: year})
			}
		}
	}
	return expected, warnings
}

func selectMembers(sel MemberSelection, discovered []string) []string {
	switch sel.Mode {
	case MembersExplicit:
		// Explicit lists are honored as-is: the curator asked for these
		// members whether or not discovery saw them.
		return dedupeSorted(sel.Members)
	default:
		return dedupeSorted(discovered)
	}
}

func dedupeSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
