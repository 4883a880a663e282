package inventory

import (
	"fmt"
	"sort"
)

// GroupStats aggregates file sizes for one (model, variant) series group.
type GroupStats struct {
	Model      string
	Variant    string
	Files      int
	TotalBytes int64
	MedianSize int64

	// Anomalies lists files whose size deviates from the group median by
	// more than the audit threshold. Uniform chunking makes grossly
	// undersized members stand out as likely truncated downloads.
	Anomalies []string
}

// AuditSummary is the audit stage's view of one snapshot.
type AuditSummary struct {
	Files         int
	InvalidFiles  int
	Conflicts     int
	ParseFailures int
	TotalBytes    int64
	Groups        []GroupStats
	AnomalyCount  int
}

// DefaultAnomalyThreshold is the relative size deviation above which a file
// is flagged against its group median.
const DefaultAnomalyThreshold = 0.05

// Audit computes per-group size statistics and anomaly flags for a snapshot.
// A non-positive threshold falls back to DefaultAnomalyThreshold.
func Audit(snap *Snapshot, threshold float64) AuditSummary {
	if threshold <= 0 {
		threshold = DefaultAnomalyThreshold
	}

	summary := AuditSummary{
		Files:         len(snap.Entries),
		InvalidFiles:  snap.InvalidCount(),
		Conflicts:     snap.ConflictCount(),
		ParseFailures: snap.ParseFailures,
	}

	type key struct{ model, variant string }
	groups := make(map[key][]Entry)
	for _, e := range snap.Entries {
		summary.TotalBytes += e.SizeBytes
		k := key{model: e.Identity.Model, variant: e.Identity.VariantLabel}
		groups[k] = append(groups[k], e)
	}

	keys := make([]key, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].model != keys[j].model {
			return keys[i].model < keys[j].model
		}
		return keys[i].variant < keys[j].variant
	})

	for _, k := range keys {
		entries := groups[k]
		stats := GroupStats{Model: k.model, Variant: k.variant, Files: len(entries)}

		sizes := make([]int64, 0, len(entries))
		for _, e := range entries {
			stats.TotalBytes += e.SizeBytes
			sizes = append(sizes, e.SizeBytes)
		}
		sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
		stats.MedianSize = sizes[len(sizes)/2]

		if stats.MedianSize > 0 && len(entries) > 1 {
			for _, e := range entries {
				dev := float64(e.SizeBytes-stats.MedianSize) / float64(stats.MedianSize)
				if dev < 0 {
					dev = -dev
				}
				if dev > threshold {
					stats.Anomalies = append(stats.Anomalies, e.Path)
				}
			}
		}
		summary.AnomalyCount += len(stats.Anomalies)
		summary.Groups = append(summary.Groups, stats)
	}
	return summary
}

// String renders a one-line digest suitable for stage result details.
func (a AuditSummary) String() string {
	return fmt.Sprintf("files=%d invalid=%d conflicts=%d parse_failures=%d groups=%d size_anomalies=%d total_bytes=%d",
		a.Files, a.InvalidFiles, a.Conflicts, a.ParseFailures, len(a.Groups), a.AnomalyCount, a.TotalBytes)
}
