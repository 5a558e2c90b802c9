package mzml

import (
	"fmt"
	"io"
	"sort"
	"strconv"
)

// BuildIndex scans the source once and returns a map from scan number
// to the absolute byte offset of the spectrum's opening tag.
//
// The source is read in cfg.ChunkSize chunks; the last cfg.Overlap
// bytes of each chunk are scanned again in front of the next one, so a
// marker straddling a chunk boundary is still found. A marker found in
// both passes maps to the same (scan, offset) entry, which makes the
// duplicate harmless. Matching is done on raw bytes, so multi-byte
// characters split at a chunk edge cannot break decoding.
//
// A source without any marker yields an empty index, not an error; the
// first lookup against it returns ErrScanNotFound.
//
// Memory use is bounded by chunk plus overlap size, independent of the
// source size.
func BuildIndex(r io.ReaderAt, size int64, cfg Config) (ScanIndex, error) {
	sanatizeConfig(&cfg)

	idx := make(ScanIndex)
	win := make([]byte, cfg.Overlap+cfg.ChunkSize)
	tail := 0 // bytes carried over from the previous chunk

	for pos := int64(0); pos < size; {
		want := cfg.ChunkSize
		if rem := size - pos; rem < int64(want) {
			want = int(rem)
		}
		n, err := r.ReadAt(win[tail:tail+want], pos)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("mzML: index scan at offset %d: %w", pos, err)
		}
		scan := win[:tail+n]
		base := pos - int64(tail)
		for _, m := range cfg.Marker.FindAllSubmatchIndex(scan, -1) {
			scanNr, perr := strconv.Atoi(string(scan[m[2]:m[3]]))
			if perr != nil {
				continue
			}
			idx[scanNr] = base + int64(m[0])
		}
		pos += int64(n)
		if cfg.Progress != nil {
			cfg.Progress(float64(pos) / float64(size) * 100)
		}
		keep := cfg.Overlap
		if len(scan) < keep {
			keep = len(scan)
		}
		copy(win, scan[len(scan)-keep:])
		tail = keep
		if err == io.EOF || n == 0 {
			break
		}
	}
	if size == 0 && cfg.Progress != nil {
		cfg.Progress(100)
	}
	return idx, nil
}

// Offset returns the byte offset recorded for a scan number.
func (idx ScanIndex) Offset(scanNr int) (int64, error) {
	offset, ok := idx[scanNr]
	if !ok {
		return 0, fmt.Errorf("scan %d: %w", scanNr, ErrScanNotFound)
	}
	return offset, nil
}

// Scans returns all indexed scan numbers in ascending order.
func (idx ScanIndex) Scans() []int {
	scans := make([]int, 0, len(idx))
	for scanNr := range idx {
		scans = append(scans, scanNr)
	}
	sort.Ints(scans)
	return scans
}
