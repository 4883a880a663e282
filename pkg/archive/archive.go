// Package archive defines the remote-archive collaborator used by the
// acquisition pipeline.
//
// The engine only depends on this surface: facet search and per-file fetch.
// Network mechanics, federation quirks, and retry-worthy error
// classification live behind it.
package archive

import (
	"context"
	"sort"
)

// Query is a facet search against the archive.
//
// Empty fields are omitted from the search. SubExperiment and VariantLabel
// narrow a query to a single coverage cell; leaving them empty searches the
// whole model/experiment series.
type Query struct {
	Model         string
	Experiment    string
	Variable      string
	Table         string
	Grid          string
	SubExperiment string
	VariantLabel  string

	// LatestOnly restricts results to the most recent published version.
	LatestOnly bool
}

// RemoteFile describes one downloadable file discovered by Search.
type RemoteFile struct {
	ID           string
	Filename     string
	URL          string
	SizeBytes    int64
	Checksum     string
	ChecksumType string

	// Facets echoed from the search result, used to route the file into
	// the local layout without re-parsing the name.
	Model         string
	VariantLabel  string
	SubExperiment string
}

// Client is the remote-archive collaborator.
//
// Implementations must be safe for concurrent use: the fetch stage calls
// Fetch from multiple workers.
type Client interface {
	// Search returns the remote files matching the query. An empty result
	// is not an error.
	Search(ctx context.Context, q Query) ([]RemoteFile, error)

	// Fetch downloads one remote file into destDir and returns the local
	// path. The write is staged atomically: a partially-written file is
	// never visible under its final name. Failures carry the
	// transient/permanent classification via IsTransient/IsPermanent.
	Fetch(ctx context.Context, rf RemoteFile, destDir string) (string, error)
}

// DiscoverMembers returns the sorted distinct variant labels the archive
// currently publishes for one model under the query's experiment/variable.
// This is the explore stage's snapshot source.
func DiscoverMembers(ctx context.Context, c Client, q Query) ([]string, error) {
	q.VariantLabel = ""
	q.SubExperiment = ""
	files, err := c.Search(ctx, q)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var members []string
	for _, f := range files {
		if f.VariantLabel == "" {
			continue
		}
		if _, ok := seen[f.VariantLabel]; ok {
			continue
		}
		seen[f.VariantLabel] = struct{}{}
		members = append(members, f.VariantLabel)
	}
	sort.Strings(members)
	return members, nil
}
