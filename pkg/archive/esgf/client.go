// Package esgf implements the archive client against the ESGF federation.
//
// Search uses the ESGF Search API (Solr JSON facade) with File-level facet
// queries; Fetch streams the HTTPServer endpoint of a file record to disk.
// Downloads are staged to a temporary name and renamed into place, so a
// crashed or cancelled fetch never leaves a partially-written file visible
// under its final name.
package esgf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/luisjaime-estudio/descargar-datos/pkg/archive"
)

// Client talks to the ESGF federation. Safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New creates an ESGF client.
func New(cfg Config, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// solrResponse mirrors the subset of the Search API payload we consume.
// ESGF publishes most file facets as single-element arrays.
type solrResponse struct {
	Response struct {
		NumFound int       `json:"numFound"`
		Docs     []solrDoc `json:"docs"`
	} `json:"response"`
}

type solrDoc struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Size            int64    `json:"size"`
	Checksum        []string `json:"checksum"`
	ChecksumType    []string `json:"checksum_type"`
	SourceID        []string `json:"source_id"`
	VariantLabel    []string `json:"variant_label"`
	SubExperimentID []string `json:"sub_experiment_id"`
	URL             []string `json:"url"`
}

// Search implements archive.Client. Results are paginated transparently.
func (c *Client) Search(ctx context.Context, q archive.Query) ([]archive.RemoteFile, error) {
	var files []archive.RemoteFile
	offset := 0

	for {
		page, total, err := c.searchPage(ctx, q, offset)
		if err != nil {
			return nil, err
		}
		files = append(files, page...)
		offset += c.cfg.PageSize
		if offset >= total || len(page) == 0 {
			break
		}
	}

	c.logger.Debug("archive search",
		zap.String("model", q.Model),
		zap.String("variant", q.VariantLabel),
		zap.String("sub_experiment", q.SubExperiment),
		zap.Int("files", len(files)))
	return files, nil
}

func (c *Client) searchPage(ctx context.Context, q archive.Query, offset int) ([]archive.RemoteFile, int, error) {
	params := url.Values{}
	params.Set("type", "File")
	params.Set("format", "application/solr+json")
	params.Set("limit", strconv.Itoa(c.cfg.PageSize))
	params.Set("offset", strconv.Itoa(offset))
	setFacet(params, "source_id", q.Model)
	setFacet(params, "experiment_id", q.Experiment)
	setFacet(params, "variable_id", q.Variable)
	setFacet(params, "table_id", q.Table)
	setFacet(params, "grid_label", q.Grid)
	setFacet(params, "sub_experiment_id", q.SubExperiment)
	setFacet(params, "variant_label", q.VariantLabel)
	if q.LatestOnly {
		params.Set("latest", "true")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.SearchURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, 0, &archive.ArchiveError{Op: "Search", Model: q.Model, Err: err}
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &archive.ArchiveError{Op: "Search", Model: q.Model, Err: classifyNetErr(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, &archive.ArchiveError{
			Op:    "Search",
			Model: q.Model,
			Err:   fmt.Errorf("%w: search returned HTTP %d", classifyStatus(resp.StatusCode), resp.StatusCode),
		}
	}

	var payload solrResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, 0, &archive.ArchiveError{Op: "Search", Model: q.Model, Err: fmt.Errorf("decode search response: %w", err)}
	}

	files := make([]archive.RemoteFile, 0, len(payload.Response.Docs))
	for _, doc := range payload.Response.Docs {
		rf := archive.RemoteFile{
			ID:            doc.ID,
			Filename:      doc.Title,
			URL:           httpServerURL(doc.URL),
			SizeBytes:     doc.Size,
			Checksum:      first(doc.Checksum),
			ChecksumType:  first(doc.ChecksumType),
			Model:         first(doc.SourceID),
			VariantLabel:  first(doc.VariantLabel),
			SubExperiment: first(doc.SubExperimentID),
		}
		if rf.URL == "" {
			// Records without an HTTPServer endpoint cannot be fetched
			// by this client; skip rather than fail the whole search.
			continue
		}
		files = append(files, rf)
	}
	return files, payload.Response.NumFound, nil
}

func setFacet(params url.Values, name, value string) {
	if value != "" {
		params.Set(name, value)
	}
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// httpServerURL extracts the HTTPServer access URL from the ESGF url facet,
// whose entries have the form "<url>|<mime>|<service>".
func httpServerURL(urls []string) string {
	for _, entry := range urls {
		parts := strings.Split(entry, "|")
		if len(parts) == 3 && parts[2] == "HTTPServer" {
			return parts[0]
		}
	}
	return ""
}

// Fetch implements archive.Client.
func (c *Client) Fetch(ctx context.Context, rf archive.RemoteFile, destDir string) (string, error) {
	if rf.URL == "" {
		return "", &archive.ArchiveError{Op: "Fetch", Model: rf.Model, Key: rf.Filename,
			Err: fmt.Errorf("%w: remote file has no download URL", archive.ErrFetchPermanent)}
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", &archive.ArchiveError{Op: "Fetch", Model: rf.Model, Key: rf.Filename, Err: err}
	}

	name := rf.Filename
	if name == "" {
		name = filepath.Base(rf.URL)
	}
	finalPath := filepath.Join(destDir, name)
	partialPath := finalPath + ".partial"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rf.URL, nil)
	if err != nil {
		return "", &archive.ArchiveError{Op: "Fetch", Model: rf.Model, Key: name, Err: err}
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &archive.ArchiveError{Op: "Fetch", Model: rf.Model, Key: name, Err: classifyNetErr(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &archive.ArchiveError{
			Op:    "Fetch",
			Model: rf.Model,
			Key:   name,
			Err:   fmt.Errorf("%w: download returned HTTP %d", classifyStatus(resp.StatusCode), resp.StatusCode),
		}
	}

	out, err := os.Create(partialPath)
	if err != nil {
		return "", &archive.ArchiveError{Op: "Fetch", Model: rf.Model, Key: name, Err: err}
	}

	written, copyErr := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(partialPath)
		err := copyErr
		if err == nil {
			err = closeErr
		}
		return "", &archive.ArchiveError{Op: "Fetch", Model: rf.Model, Key: name,
			Err: fmt.Errorf("%w: %v", archive.ErrFetchTransient, err)}
	}
	if rf.SizeBytes > 0 && written != rf.SizeBytes {
		_ = os.Remove(partialPath)
		return "", &archive.ArchiveError{Op: "Fetch", Model: rf.Model, Key: name,
			Err: fmt.Errorf("%w: short download: got %d bytes, want %d", archive.ErrFetchTransient, written, rf.SizeBytes)}
	}

	if err := os.Rename(partialPath, finalPath); err != nil {
		_ = os.Remove(partialPath)
		return "", &archive.ArchiveError{Op: "Fetch", Model: rf.Model, Key: name, Err: err}
	}

	c.logger.Debug("fetched file",
		zap.String("file", name),
		zap.Int64("bytes", written))
	return finalPath, nil
}

// classifyStatus maps HTTP status codes onto the fetch error taxonomy.
// Server-side trouble and throttling are transient; client errors are not.
func classifyStatus(code int) error {
	if code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		return archive.ErrFetchTransient
	}
	return archive.ErrFetchPermanent
}

func classifyNetErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", archive.ErrFetchTransient, err)
	}
	// Unresolvable hosts, TLS failures and the like are still worth a
	// retry across a federated archive: another node may answer.
	return fmt.Errorf("%w: %v", archive.ErrFetchTransient, err)
}
