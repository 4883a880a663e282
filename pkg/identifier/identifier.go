// Package identifier parses CMIP6 DRS file names into structured identities.
//
// The recognized naming convention is the CMIP6 filename grammar used by the
// decadal-prediction archives:
//
//	<variable>_<table>_<source>_<experiment>_<member>_<grid>_<timerange>.nc
//
// e.g. pr_Amon_MIROC6_dcppA-hindcast_s1960-r1i1p1f1_gn_196011-197012.nc
//
// The member field is either a plain variant label (r1i1p1f1) or a
// sub-experiment qualified member (s1960-r1i1p1f1). The time range is encoded
// as YYYYMM-YYYYMM or YYYY-YYYY.
package identifier

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ErrMalformedIdentifier indicates a name that does not follow the
// recognized CMIP6 naming convention.
var ErrMalformedIdentifier = errors.New("malformed identifier")

// Defaults applied when an optional sub-field is absent from a name.
const (
	DefaultGrid  = "gn"
	DefaultTable = "Amon"
)

var (
	memberPattern   = regexp.MustCompile(`^(?:(s\d{4})-)?(r\d+i\d+p\d+f\d+)$`)
	timeRangePat    = regexp.MustCompile(`^(\d{4})(\d{2})?-(\d{4})(\d{2})?$`)
	memberDirPat    = regexp.MustCompile(`^(s\d{4})-(r.+)$`)
	subExperimentPat = regexp.MustCompile(`^s(\d{4})$`)
)

// Period is an inclusive time range covered by a file. Start and End are
// years; StartMonth and EndMonth hold the month qualifiers of a
// YYYYMM-YYYYMM range, or zero for a whole-year YYYY-YYYY range.
type Period struct {
	Start int
	End   int

	StartMonth int
	EndMonth   int
}

// Years expands the period into one entry per year spanned, ascending.
func (p Period) Years() []int {
	if p.End < p.Start {
		return nil
	}
	years := make([]int, 0, p.End-p.Start+1)
	for y := p.Start; y <= p.End; y++ {
		years = append(years, y)
	}
	return years
}

// firstMonth and lastMonth resolve absent month qualifiers to whole-year
// bounds so YYYY-YYYY ranges compare as January through December.
func (p Period) firstMonth() int {
	if p.StartMonth == 0 {
		return p.Start*100 + 1
	}
	return p.Start*100 + p.StartMonth
}

func (p Period) lastMonth() int {
	if p.EndMonth == 0 {
		return p.End*100 + 12
	}
	return p.End*100 + p.EndMonth
}

// Intersects reports whether two periods share at least one month. Ranges
// split within one year (196001-196006 and 196007-196012) do not intersect.
func (p Period) Intersects(o Period) bool {
	return p.firstMonth() <= o.lastMonth() && o.firstMonth() <= p.lastMonth()
}

// Identity is the structured identity of one archive file.
//
// Identities are immutable once parsed. Two identities are equal iff all
// fields match exactly; they overlap if all fields except the period match
// and the periods intersect.
type Identity struct {
	Variable      string
	Table         string
	Model         string
	Experiment    string
	SubExperiment string // "s1960" when present, "" otherwise
	VariantLabel  string
	Grid          string
	Period        Period
}

// Equal reports exact equality of all fields.
func (id Identity) Equal(o Identity) bool {
	return id == o
}

// Overlaps reports whether the two identities describe the same dataset
// series with intersecting time coverage.
func (id Identity) Overlaps(o Identity) bool {
	return id.Variable == o.Variable &&
		id.Table == o.Table &&
		id.Model == o.Model &&
		id.Experiment == o.Experiment &&
		id.SubExperiment == o.SubExperiment &&
		id.VariantLabel == o.VariantLabel &&
		id.Grid == o.Grid &&
		id.Period.Intersects(o.Period)
}

// SeriesKey identifies the dataset series irrespective of time coverage.
// Files sharing a series key with intersecting periods are in conflict.
func (id Identity) SeriesKey() string {
	return strings.Join([]string{
		id.Model, id.VariantLabel, id.SubExperiment, id.Experiment, id.Variable, id.Table, id.Grid,
	}, "|")
}

// InitializationYear returns the sub-experiment start year (the sYYYY
// qualifier) or zero when the member carries none.
func (id Identity) InitializationYear() int {
	m := subExperimentPat.FindStringSubmatch(id.SubExperiment)
	if m == nil {
		return 0
	}
	y, _ := strconv.Atoi(m[1])
	return y
}

// Parse extracts an Identity from a file name or path.
//
// Only the base name participates in parsing; directory components are
// ignored. Parse fails with ErrMalformedIdentifier when the name does not
// match the convention. Absent optional sub-fields fall back to defaults:
// a six-field name (grid omitted) gets DefaultGrid.
func Parse(pathOrName string) (Identity, error) {
	name := filepath.Base(pathOrName)
	if !strings.HasSuffix(name, ".nc") {
		return Identity{}, fmt.Errorf("%w: %q lacks .nc suffix", ErrMalformedIdentifier, name)
	}
	stem := strings.TrimSuffix(name, ".nc")

	fields := strings.Split(stem, "_")
	var id Identity
	switch len(fields) {
	case 7:
		id = Identity{
			Variable:   fields[0],
			Table:      fields[1],
			Model:      fields[2],
			Experiment: fields[3],
			Grid:       fields[5],
		}
		if err := id.setMember(fields[4]); err != nil {
			return Identity{}, err
		}
		if err := id.setPeriod(fields[6]); err != nil {
			return Identity{}, err
		}
	case 6:
		// Grid omitted: variable_table_source_experiment_member_timerange.
		id = Identity{
			Variable:   fields[0],
			Table:      fields[1],
			Model:      fields[2],
			Experiment: fields[3],
			Grid:       DefaultGrid,
		}
		if err := id.setMember(fields[4]); err != nil {
			return Identity{}, err
		}
		if err := id.setPeriod(fields[5]); err != nil {
			return Identity{}, err
		}
	default:
		return Identity{}, fmt.Errorf("%w: %q has %d fields, want 6 or 7", ErrMalformedIdentifier, name, len(fields))
	}

	for _, f := range []string{id.Variable, id.Table, id.Model, id.Experiment} {
		if f == "" {
			return Identity{}, fmt.Errorf("%w: %q has an empty field", ErrMalformedIdentifier, name)
		}
	}
	return id, nil
}

func (id *Identity) setMember(member string) error {
	m := memberPattern.FindStringSubmatch(member)
	if m == nil {
		return fmt.Errorf("%w: member %q", ErrMalformedIdentifier, member)
	}
	id.SubExperiment = m[1]
	id.VariantLabel = m[2]
	return nil
}

func (id *Identity) setPeriod(timerange string) error {
	m := timeRangePat.FindStringSubmatch(timerange)
	if m == nil {
		return fmt.Errorf("%w: time range %q", ErrMalformedIdentifier, timerange)
	}
	start, _ := strconv.Atoi(m[1])
	end, _ := strconv.Atoi(m[3])
	p := Period{Start: start, End: end}
	if m[2] != "" {
		p.StartMonth, _ = strconv.Atoi(m[2])
	}
	if m[4] != "" {
		p.EndMonth, _ = strconv.Atoi(m[4])
	}
	if (p.StartMonth > 12) || (p.EndMonth > 12) {
		return fmt.Errorf("%w: time range %q has an invalid month", ErrMalformedIdentifier, timerange)
	}
	if p.lastMonth() < p.firstMonth() {
		return fmt.Errorf("%w: time range %q ends before it starts", ErrMalformedIdentifier, timerange)
	}
	id.Period = p
	return nil
}

// ParseMemberDir matches a directory component of the form sYYYY-rXiXpXfX
// as laid out by the archive download cache, returning the sub-experiment
// and variant label.
func ParseMemberDir(component string) (subExperiment, variantLabel string, ok bool) {
	m := memberDirPat.FindStringSubmatch(component)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// MemberFromPath walks path components from the leaf upward looking for a
// sYYYY-rX... member directory. Used when relocating files out of download
// cache trees, where the member is encoded in the directory layout.
func MemberFromPath(path string) (subExperiment, variantLabel string, ok bool) {
	parts := strings.Split(filepath.ToSlash(path), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if sub, variant, found := ParseMemberDir(parts[i]); found {
			return sub, variant, true
		}
	}
	return "", "", false
}

// ModelFromName extracts the model (third field) from a CMIP6 file name
// without requiring the full grammar to hold. Returns "" when the name has
// fewer than three fields.
func ModelFromName(name string) string {
	parts := strings.Split(filepath.Base(name), "_")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}
