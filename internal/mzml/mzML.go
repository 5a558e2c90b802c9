// Package mzml provides random access to single spectra of mzML files
// of arbitrary size. Instead of parsing the whole document it builds a
// map from scan number to the byte offset of the spectrum's opening
// tag, and extracts one raw record at a time on demand.
package mzml

import (
	"errors"
	"regexp"
)

// Peak contains the actual ms peak info
type Peak struct {
	Mz     float64
	Intens float64
}

// ScanIndex maps a scan number to the absolute byte offset of the
// spectrum's opening tag. One entry per distinct scan number;
// rebuilding the index for the same source yields identical offsets.
type ScanIndex map[int]int64

// Config controls scan indexing and spectrum extraction.
// The zero value selects defaults suitable for mzML.
type Config struct {
	ChunkSize int            // index scan chunk size
	Overlap   int            // trailing window re-scanned across chunk boundaries
	Marker    *regexp.Regexp // opening marker, one integer capture group (scan number)
	EndMarker string         // terminator of a single record
	ReadChunk int            // extraction read increment
	Progress  func(pct float64)
}

const (
	defaultChunkSize = 10 * 1024 * 1024
	defaultOverlap   = 1024
	defaultReadChunk = 50 * 1024
	defaultEndMarker = `</spectrum>`
)

var defaultMarker = regexp.MustCompile(`<spectrum\s+[^>]*id="[^"]*scan=([0-9]+)"`)

// sanatizeConfig fills unset fields with defaults and makes sure a
// straddling marker cannot outgrow the overlap window.
func sanatizeConfig(cfg *Config) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.Overlap <= 0 {
		cfg.Overlap = defaultOverlap
	}
	if cfg.Marker == nil {
		cfg.Marker = defaultMarker
	}
	if cfg.EndMarker == `` {
		cfg.EndMarker = defaultEndMarker
	}
	if cfg.ReadChunk <= 0 {
		cfg.ReadChunk = defaultReadChunk
	}
}

// The spectrum content that we read. Only the fields needed to decode
// peaks are parsed, everything else in the fragment is skipped.
type spectrum struct {
	Index               int                 `xml:"index,attr"`
	ID                  string              `xml:"id,attr"`
	DefaultArrayLength  int64               `xml:"defaultArrayLength,attr"`
	CvPar               []CVParam           `xml:"cvParam,omitempty"`
	BinaryDataArrayList binaryDataArrayList `xml:"binaryDataArrayList"`
}

type binaryDataArrayList struct {
	Count           int               `xml:"count,attr,omitempty"`
	BinaryDataArray []binaryDataArray `xml:"binaryDataArray"`
}

type binaryDataArray struct {
	EncodedLength int       `xml:"encodedLength,attr,omitempty"`
	ArrayLength   int       `xml:"arrayLength,attr,omitempty"`
	CvPar         []CVParam `xml:"cvParam,omitempty"`
	Binary        string    `xml:"binary"`
}

// CVParam contains values and attributes of a mzML Controlled Vocabulary term
// (http://www.peptideatlas.org/tmp/mzML1.1.0.html)
type CVParam struct {
	Accession     string `xml:"accession,attr,omitempty"`
	Name          string `xml:"name,attr,omitempty"`
	Value         string `xml:"value,attr,omitempty"`
	UnitCvRef     string `xml:"unitCvRef,attr,omitempty"`
	UnitAccession string `xml:"unitAccession,attr,omitempty"`
	UnitName      string `xml:"unitName,attr,omitempty"`
}

var (
	// ErrScanNotFound means the scan number is absent from the index
	ErrScanNotFound = errors.New("mzML: scan not in index")
	// ErrBadSpectrum means a spectrum record could not be decoded
	ErrBadSpectrum = errors.New("mzML: malformed spectrum record")
	// ErrBadIndexCache means a cached scan index is corrupt or from
	// another format version
	ErrBadIndexCache = errors.New("mzML: unusable index cache")
)
