// Package inspect provides validity checking for downloaded data files.
//
// The inspector decides whether a local file counts as present coverage:
// a file that exists but fails inspection is treated as missing by the gap
// detector and re-fetched on the next backfill.
package inspect

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Result is the outcome of inspecting one local file.
type Result struct {
	Valid     bool
	Reason    string // populated when Valid is false
	SizeBytes int64
}

// Inspector checks whether a local file is a structurally sound data file.
//
// Implementations must be side-effect free and safe for concurrent use.
type Inspector interface {
	Inspect(path string) (Result, error)
}

// NetCDF classic and HDF5 (netCDF-4 container) signatures.
var (
	magicCDF1 = []byte{'C', 'D', 'F', 0x01}
	magicCDF2 = []byte{'C', 'D', 'F', 0x02}
	magicHDF5 = []byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n'}
)

// FormatInspector validates NetCDF files by signature and size.
//
// The check is deliberately shallow: it catches truncated, empty, and
// misidentified downloads without decoding the payload. Anything the
// signature check passes is handed to downstream analysis as-is.
type FormatInspector struct {
	// MinSizeBytes rejects files smaller than this as incomplete.
	// Zero disables the size floor (the empty-file check still applies).
	MinSizeBytes int64
}

// Inspect reads the file header and classifies the file. The returned error
// is non-nil only for I/O failures; a recognizably broken file is reported
// through Result.Valid and Result.Reason.
func (fi *FormatInspector) Inspect(path string) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("inspect %s: %w", path, err)
	}
	res := Result{SizeBytes: info.Size()}

	if info.Size() == 0 {
		res.Reason = "empty file"
		return res, nil
	}
	if fi.MinSizeBytes > 0 && info.Size() < fi.MinSizeBytes {
		res.Reason = fmt.Sprintf("file size %d below minimum %d", info.Size(), fi.MinSizeBytes)
		return res, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("inspect %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, len(magicHDF5))
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF {
		return Result{}, fmt.Errorf("inspect %s: read header: %w", path, err)
	}
	header = header[:n]

	switch {
	case bytes.HasPrefix(header, magicHDF5):
		res.Valid = true
	case bytes.HasPrefix(header, magicCDF1), bytes.HasPrefix(header, magicCDF2):
		res.Valid = true
	default:
		res.Reason = "unrecognized file signature"
	}
	return res, nil
}
