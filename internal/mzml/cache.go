package mzml

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/golang/snappy"
)

// Index caches hold a snappy compressed JSON snapshot of a scan index,
// so reopening a large file skips the linear scan. The cache lives in
// a sidecar next to the mzML file (see CachePath).

const cacheVersion = 1

type indexCache struct {
	Magic   string        `json:"magic"`
	Version int           `json:"version"`
	Scans   map[int]int64 `json:"scans"`
}

const cacheMagic = "mzannotate scan index"

// CachePath returns the index cache sidecar path for an mzML file.
func CachePath(mzMLPath string) string {
	return mzMLPath + ".mzidx"
}

// WriteIndexCache writes a snapshot of the index.
func WriteIndexCache(w io.Writer, idx ScanIndex) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(indexCache{
		Magic:   cacheMagic,
		Version: cacheVersion,
		Scans:   idx,
	}); err != nil {
		return err
	}
	_, err := w.Write(snappy.Encode(nil, buf.Bytes()))
	return err
}

// ReadIndexCache reads an index snapshot written by WriteIndexCache.
// A corrupt cache or one from another format version returns
// ErrBadIndexCache; callers fall back to a fresh build.
func ReadIndexCache(r io.Reader) (ScanIndex, error) {
	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadIndexCache, err)
	}
	var c indexCache
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadIndexCache, err)
	}
	if c.Magic != cacheMagic || c.Version != cacheVersion {
		return nil, fmt.Errorf("%w: magic %q version %d", ErrBadIndexCache, c.Magic, c.Version)
	}
	return ScanIndex(c.Scans), nil
}

// SaveIndexCache writes the sidecar cache file for an mzML file.
func SaveIndexCache(mzMLPath string, idx ScanIndex) error {
	f, err := os.Create(CachePath(mzMLPath))
	if err != nil {
		return err
	}
	if err := WriteIndexCache(f, idx); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadIndexCache reads the sidecar cache file for an mzML file.
func LoadIndexCache(mzMLPath string) (ScanIndex, error) {
	f, err := os.Open(CachePath(mzMLPath))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadIndexCache(f)
}
